package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dss/internal/server/checksum"
	"dss/internal/server/database"

	"github.com/gofrs/uuid/v5"
)

// BlobDraft describes bytes about to be stored.
type BlobDraft struct {
	Kind        database.BlobKind
	MimeType    string
	ContentHash checksum.Digest
	// OriginalContentHash is the digest before optimization. Only images
	// carry one.
	OriginalContentHash *checksum.Digest
	Data                []byte
	Namespace           string
	CreatedBy           uuid.UUID
}

// BlobStore owns content-addressed blobs. Every method runs inside the
// caller's unit of work.
type BlobStore struct {
	now func() time.Time
}

func NewBlobStore() *BlobStore {
	return &BlobStore{now: time.Now}
}

// Put stores draft unless a blob of the same kind and content hash exists,
// in which case that blob is returned and created is false.
func (s *BlobStore) Put(ctx context.Context, tx database.Tx, draft BlobDraft) (blob *database.Blob, created bool, err error) {
	existing, err := tx.BlobByContentHash(ctx, draft.Kind, draft.ContentHash.Bytes())
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate blob id: %w", err)
	}

	blob = &database.Blob{
		ID:          id,
		Kind:        draft.Kind,
		MimeType:    draft.MimeType,
		ContentHash: draft.ContentHash.Bytes(),
		Size:        int64(len(draft.Data)),
		Data:        draft.Data,
		UploadedAt:  s.now().UTC(),
		Namespace:   draft.Namespace,
		CreatedBy:   draft.CreatedBy,
	}
	if draft.OriginalContentHash != nil {
		blob.OriginalContentHash = draft.OriginalContentHash.Bytes()
	}

	if err := tx.InsertBlob(ctx, blob); err != nil {
		return nil, false, err
	}
	blob.Data = nil
	return blob, true, nil
}

// Get returns blob metadata without the payload.
func (s *BlobStore) Get(ctx context.Context, tx database.Tx, id uuid.UUID) (*database.Blob, error) {
	blob, err := tx.BlobByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return blob, nil
}

// Data loads the payload of a blob.
func (s *BlobStore) Data(ctx context.Context, tx database.Tx, id uuid.UUID) ([]byte, error) {
	data, err := tx.BlobData(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

// FindExisting looks a digest up among blobs of the given kind. With
// matchOriginal set, a blob whose pre-optimization hash equals digest also
// matches; it then holds different bytes than digest describes.
func (s *BlobStore) FindExisting(ctx context.Context, tx database.Tx, kind database.BlobKind, digest checksum.Digest, matchOriginal bool) (*database.Blob, error) {
	if matchOriginal {
		blob, err := tx.BlobByOriginalHash(ctx, digest.Bytes())
		if err == nil && blob.Kind == kind {
			return blob, nil
		}
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	blob, err := tx.BlobByContentHash(ctx, kind, digest.Bytes())
	if err != nil {
		return nil, notFound(err)
	}
	return blob, nil
}

// ReleaseIfOrphaned deletes the blob, together with its allowed regions
// and derived artifacts, when no link references it anymore.
func (s *BlobStore) ReleaseIfOrphaned(ctx context.Context, tx database.Tx, id uuid.UUID) (bool, error) {
	count, err := tx.CountLinks(ctx, id)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	if err := tx.DeleteBlob(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	slog.Info("released orphaned blob", "blob_id", id)
	return true, nil
}
