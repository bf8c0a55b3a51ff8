package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"dss/internal/server/database"
	"dss/internal/server/keylock"
	"dss/internal/server/media"

	"golang.org/x/sync/semaphore"
)

// AllowedSizes are the only values accepted for the size parameter.
var AllowedSizes = []int{16, 32, 64, 128, 256, 512}

// Optimizer shrinks encoded image bytes. It must return an error rather
// than the unoptimized input when the optimization itself fails.
type Optimizer interface {
	Optimize(ctx context.Context, mime string, data []byte) ([]byte, error)
}

// DeriveRequest describes the variant a client asked for. Nil Crop or Size
// means that transformation was not requested.
type DeriveRequest struct {
	TargetMime string
	Crop       *database.Region
	Size       *int
}

// DefaultPermits is the number of derivations allowed to run at once:
// one less than the usable CPUs, but at least one.
func DefaultPermits() int64 {
	return int64(max(runtime.GOMAXPROCS(0)-1, 1))
}

// Deriver produces and caches transformed variants of image blobs.
// Identical requests serialize on a per-key lock so each variant is
// computed at most once; a weighted semaphore bounds how many different
// variants are computed concurrently.
type Deriver struct {
	store     database.Store
	blobs     *BlobStore
	regions   *RegionRegistry
	locks     *keylock.Map
	permits   *semaphore.Weighted
	optimizer Optimizer
	now       func() time.Time
}

// NewDeriver creates a Deriver. A non-positive permits selects
// DefaultPermits.
func NewDeriver(store database.Store, blobs *BlobStore, regions *RegionRegistry, locks *keylock.Map, optimizer Optimizer, permits int64) *Deriver {
	if permits <= 0 {
		permits = DefaultPermits()
	}
	return &Deriver{
		store:     store,
		blobs:     blobs,
		regions:   regions,
		locks:     locks,
		permits:   semaphore.NewWeighted(permits),
		optimizer: optimizer,
		now:       time.Now,
	}
}

// NeedsDerivation reports whether req differs from serving source as is.
func NeedsDerivation(source *database.Blob, req DeriveRequest) bool {
	return req.Crop != nil || req.Size != nil || req.TargetMime != source.MimeType
}

// Derive returns the bytes of the requested variant of source.
func (d *Deriver) Derive(ctx context.Context, source *database.Blob, req DeriveRequest) ([]byte, error) {
	if !NeedsDerivation(source, req) {
		var data []byte
		err := d.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
			var err error
			data, err = d.blobs.Data(ctx, tx, source.ID)
			return err
		})
		return data, err
	}

	key := database.ArtifactKey{
		BlobID:   source.ID,
		MimeType: req.TargetMime,
		Crop:     req.Crop,
		Size:     req.Size,
	}

	unlock, err := d.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The client may go away from here on; finishing the computation still
	// fills the cache for the next request.
	ctx = context.WithoutCancel(ctx)

	var cached *database.DerivedArtifact
	err = d.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		cached, err = tx.ArtifactByKey(ctx, key)
		if errors.Is(err, database.ErrNotFound) {
			cached = nil
			return d.validate(ctx, tx, key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		slog.Debug("derived artifact cache hit", "key", key.String())
		return cached.Data, nil
	}

	if err := d.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.permits.Release(1)

	var sourceData []byte
	err = d.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		sourceData, err = d.blobs.Data(ctx, tx, source.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := d.compute(ctx, sourceData, key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", key, err)
	}

	err = d.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return tx.InsertArtifact(ctx, &database.DerivedArtifact{
			Key:       key,
			Data:      data,
			CreatedAt: d.now().UTC(),
		})
	})
	if err != nil {
		return nil, notFound(err)
	}

	slog.Info("derived artifact created",
		"key", key.String(),
		"source_size", len(sourceData),
		"size", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return data, nil
}

// validate rejects requests that must never be computed. Only cache
// misses are validated.
func (d *Deriver) validate(ctx context.Context, tx database.Tx, key database.ArtifactKey) error {
	if !media.IsDerivable(key.MimeType) {
		return fmt.Errorf("%w: cannot derive %s", ErrBadRequest, key.MimeType)
	}
	if key.Crop != nil {
		ok, err := d.regions.IsAllowed(ctx, tx, key.BlobID, *key.Crop)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: crop %s not allowed", ErrUnauthorized, key.Crop)
		}
	}
	if key.Size != nil && !slices.Contains(AllowedSizes, *key.Size) {
		return fmt.Errorf("%w: size %d not allowed", ErrBadRequest, *key.Size)
	}
	return nil
}

func (d *Deriver) compute(ctx context.Context, data []byte, key database.ArtifactKey) ([]byte, error) {
	img, err := media.Decode(data)
	if err != nil {
		return nil, err
	}

	if c := key.Crop; c != nil {
		img, err = media.Crop(img, c.X, c.Y, c.Width, c.Height)
		if err != nil {
			return nil, err
		}
	}

	if key.Size != nil {
		b := img.Bounds()
		w, h := media.TargetDimensions(b.Dx(), b.Dy(), *key.Size)
		img = media.Resize(img, w, h)
	}

	img, err = media.Repaint(img, key.MimeType)
	if err != nil {
		return nil, err
	}

	encoded, err := media.Encode(img, key.MimeType)
	if err != nil {
		return nil, err
	}
	return d.optimizer.Optimize(ctx, key.MimeType, encoded)
}
