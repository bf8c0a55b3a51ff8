package database

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict reports a serialization conflict. Transactions failing
	// with it are safe to run again from the start.
	ErrConflict = errors.New("transaction conflict")

	// ErrRetriesExhausted wraps the last conflict once a unit of work has
	// used up all of its attempts.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
)

// Store is the transactional entry point to persistent state. Every read
// and write goes through InTx so that multi-step sequences observe one
// consistent snapshot.
type Store interface {
	// InTx runs fn inside a repeatable-read transaction, retrying the whole
	// function on conflict. fn must not retain tx after it returns.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	HealthCheck(ctx context.Context) error
	Close()
}

// Tx exposes the row operations available inside one unit of work.
type Tx interface {
	// BlobByID returns blob metadata without its payload.
	BlobByID(ctx context.Context, id uuid.UUID) (*Blob, error)
	BlobData(ctx context.Context, id uuid.UUID) ([]byte, error)
	// BlobByContentHash only matches blobs of the given kind. A file and an
	// image may hold the same bytes.
	BlobByContentHash(ctx context.Context, kind BlobKind, hash []byte) (*Blob, error)
	BlobByOriginalHash(ctx context.Context, hash []byte) (*Blob, error)
	InsertBlob(ctx context.Context, blob *Blob) error
	// DeleteBlob removes the blob with its allowed regions and derived artifacts.
	DeleteBlob(ctx context.Context, id uuid.UUID) error
	UnreferencedBlobs(ctx context.Context, uploadedBefore time.Time, limit int) ([]uuid.UUID, error)

	CountLinks(ctx context.Context, blobID uuid.UUID) (int64, error)
	HasLinkTo(ctx context.Context, namespace string, blobID uuid.UUID) (bool, error)
	LinkByPath(ctx context.Context, namespace, folder, file string) (*Link, error)
	ListLinks(ctx context.Context, namespace string, kind BlobKind) ([]Link, error)
	InsertLink(ctx context.Context, link *Link) error
	DeleteLink(ctx context.Context, id uuid.UUID) error

	RegionExists(ctx context.Context, blobID uuid.UUID, region Region) (bool, error)
	ListRegions(ctx context.Context, blobID uuid.UUID) ([]AllowedRegion, error)
	// InsertRegion is a no-op when the region is already allowed.
	InsertRegion(ctx context.Context, region AllowedRegion) error
	DeleteRegion(ctx context.Context, blobID uuid.UUID, region Region) error
	DeleteRegions(ctx context.Context, blobID uuid.UUID) error

	ArtifactByKey(ctx context.Context, key ArtifactKey) (*DerivedArtifact, error)
	// InsertArtifact is a no-op when an artifact with the same key exists.
	InsertArtifact(ctx context.Context, artifact *DerivedArtifact) error

	TokenByID(ctx context.Context, id uuid.UUID) (*AuthorizationToken, error)
	TokenByNamespace(ctx context.Context, namespace string) (*AuthorizationToken, error)
	InsertToken(ctx context.Context, token *AuthorizationToken) error
}
