package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dss/internal/server/checksum"
	"dss/internal/server/database"

	"github.com/gofrs/uuid/v5"
)

// hashPlaceholders are substituted with the hex content hash in link
// folder and file templates.
var hashPlaceholders = []string{"{hash}", "%s"}

// FormatPath fills the content hash into a link template.
func FormatPath(template string, hash checksum.Digest) string {
	out := template
	for _, p := range hashPlaceholders {
		out = strings.ReplaceAll(out, p, hash.Hex())
	}
	return out
}

// LinkTarget is a request to point a namespaced path at a blob.
type LinkTarget struct {
	Namespace string
	CreatedBy uuid.UUID
	Folder    string
	File      string
	BlobID    uuid.UUID
	// Kind restricts which blobs may be linked. Empty accepts any.
	Kind database.BlobKind
}

// LinkDirectory maps (namespace, folder, file) to blobs.
type LinkDirectory struct {
	blobs *BlobStore
	now   func() time.Time
}

func NewLinkDirectory(blobs *BlobStore) *LinkDirectory {
	return &LinkDirectory{blobs: blobs, now: time.Now}
}

func cleanPath(folder, file string) (string, string, error) {
	folder = strings.Trim(folder, "/")
	if folder == "" || file == "" || strings.Contains(file, "/") {
		return "", "", fmt.Errorf("%w: invalid link path %q/%q", ErrBadRequest, folder, file)
	}
	return folder, file, nil
}

// Resolve returns the link at the given path.
func (d *LinkDirectory) Resolve(ctx context.Context, tx database.Tx, namespace, folder, file string) (*database.Link, error) {
	link, err := tx.LinkByPath(ctx, namespace, strings.Trim(folder, "/"), file)
	if err != nil {
		return nil, notFound(err)
	}
	return link, nil
}

// Upsert points the target path at the blob. When the path already points
// at the same blob the existing link is returned unchanged. Otherwise the
// stale link is replaced and its former blob released if nothing else
// references it.
func (d *LinkDirectory) Upsert(ctx context.Context, tx database.Tx, target LinkTarget) (link *database.Link, replaced bool, err error) {
	blob, err := d.blobs.Get(ctx, tx, target.BlobID)
	if err != nil {
		return nil, false, err
	}
	if target.Kind == database.BlobKindImage && !strings.HasPrefix(blob.MimeType, "image/") {
		return nil, false, ErrNotFound
	}

	digest, _ := checksum.FromBytes(blob.ContentHash)
	folder, file, err := cleanPath(FormatPath(target.Folder, digest), FormatPath(target.File, digest))
	if err != nil {
		return nil, false, err
	}

	existing, err := tx.LinkByPath(ctx, target.Namespace, folder, file)
	switch {
	case err == nil && existing.BlobID == blob.ID:
		return existing, false, nil
	case err == nil:
		if err := tx.DeleteLink(ctx, existing.ID); err != nil {
			return nil, false, err
		}
	case !errors.Is(err, database.ErrNotFound):
		return nil, false, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate link id: %w", err)
	}
	link = &database.Link{
		ID:        id,
		Namespace: target.Namespace,
		Folder:    folder,
		File:      file,
		BlobID:    blob.ID,
		CreatedAt: d.now().UTC(),
		CreatedBy: target.CreatedBy,
	}
	if err := tx.InsertLink(ctx, link); err != nil {
		return nil, false, notFound(err)
	}

	if existing != nil {
		if _, err := d.blobs.ReleaseIfOrphaned(ctx, tx, existing.BlobID); err != nil {
			return nil, false, err
		}
	}
	return link, existing != nil, nil
}

// Delete removes the link at the path, if any, and releases its blob when
// it became unreferenced.
func (d *LinkDirectory) Delete(ctx context.Context, tx database.Tx, namespace, folder, file string) error {
	link, err := tx.LinkByPath(ctx, namespace, strings.Trim(folder, "/"), file)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := tx.DeleteLink(ctx, link.ID); err != nil {
		return notFound(err)
	}
	_, err = d.blobs.ReleaseIfOrphaned(ctx, tx, link.BlobID)
	return err
}

// List returns the namespace's links whose blobs are of the given kind.
func (d *LinkDirectory) List(ctx context.Context, tx database.Tx, namespace string, kind database.BlobKind) ([]database.Link, error) {
	return tx.ListLinks(ctx, namespace, kind)
}
