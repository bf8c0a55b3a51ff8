package service

import (
	"context"
	"fmt"
	"time"

	"dss/internal/server/database"

	"github.com/gofrs/uuid/v5"
)

// RegionRegistry keeps the per-blob whitelist of crop rectangles.
type RegionRegistry struct {
	blobs *BlobStore
	now   func() time.Time
}

func NewRegionRegistry(blobs *BlobStore) *RegionRegistry {
	return &RegionRegistry{blobs: blobs, now: time.Now}
}

func validRegion(r database.Region) error {
	if r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: invalid crop region %s", ErrBadRequest, r)
	}
	return nil
}

// requireAccess succeeds when namespace uploaded the blob or links to it.
func (g *RegionRegistry) requireAccess(ctx context.Context, tx database.Tx, namespace string, blobID uuid.UUID) error {
	blob, err := g.blobs.Get(ctx, tx, blobID)
	if err != nil {
		return err
	}
	if blob.Namespace == namespace {
		return nil
	}
	linked, err := tx.HasLinkTo(ctx, namespace, blobID)
	if err != nil {
		return err
	}
	if !linked {
		return ErrNotFound
	}
	return nil
}

// Allow adds regions to the whitelist. Regions already present are kept.
func (g *RegionRegistry) Allow(ctx context.Context, tx database.Tx, namespace string, blobID uuid.UUID, regions ...database.Region) error {
	for _, r := range regions {
		if err := validRegion(r); err != nil {
			return err
		}
	}
	if err := g.requireAccess(ctx, tx, namespace, blobID); err != nil {
		return err
	}

	now := g.now().UTC()
	for _, r := range regions {
		err := tx.InsertRegion(ctx, database.AllowedRegion{BlobID: blobID, Region: r, CreatedAt: now})
		if err != nil {
			return notFound(err)
		}
	}
	return nil
}

// ReplaceAll makes regions the complete whitelist for the blob.
func (g *RegionRegistry) ReplaceAll(ctx context.Context, tx database.Tx, namespace string, blobID uuid.UUID, regions []database.Region) error {
	for _, r := range regions {
		if err := validRegion(r); err != nil {
			return err
		}
	}
	if err := g.requireAccess(ctx, tx, namespace, blobID); err != nil {
		return err
	}
	if err := tx.DeleteRegions(ctx, blobID); err != nil {
		return err
	}

	now := g.now().UTC()
	for _, r := range regions {
		err := tx.InsertRegion(ctx, database.AllowedRegion{BlobID: blobID, Region: r, CreatedAt: now})
		if err != nil {
			return notFound(err)
		}
	}
	return nil
}

// Remove drops one region from the whitelist.
func (g *RegionRegistry) Remove(ctx context.Context, tx database.Tx, namespace string, blobID uuid.UUID, r database.Region) error {
	if err := g.requireAccess(ctx, tx, namespace, blobID); err != nil {
		return err
	}
	return notFound(tx.DeleteRegion(ctx, blobID, r))
}

// List returns the whitelist for the blob.
func (g *RegionRegistry) List(ctx context.Context, tx database.Tx, namespace string, blobID uuid.UUID) ([]database.AllowedRegion, error) {
	if err := g.requireAccess(ctx, tx, namespace, blobID); err != nil {
		return nil, err
	}
	return tx.ListRegions(ctx, blobID)
}

// IsAllowed reports whether an exact match for r is whitelisted.
func (g *RegionRegistry) IsAllowed(ctx context.Context, tx database.Tx, blobID uuid.UUID, r database.Region) (bool, error) {
	return tx.RegionExists(ctx, blobID, r)
}
