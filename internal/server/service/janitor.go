package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dss/internal/server/database"

	"github.com/gofrs/uuid/v5"
)

const (
	DefaultOrphanGrace = 24 * time.Hour
	janitorBatchSize   = 100
)

// Janitor periodically releases blobs that no link references and that
// are older than the grace period. Fresh blobs are spared so an upload can
// be linked after the fact.
type Janitor struct {
	store    database.Store
	blobs    *BlobStore
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewJanitor creates a new janitor.
func NewJanitor(store database.Store, blobs *BlobStore, grace, interval time.Duration) *Janitor {
	if grace <= 0 {
		grace = DefaultOrphanGrace
	}
	return &Janitor{
		store:    store,
		blobs:    blobs,
		grace:    grace,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("orphan janitor started", "interval", j.interval, "grace", j.grace)

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.runCycle(ctx)

		for {
			select {
			case <-ticker.C:
				j.runCycle(ctx)
			case <-ctx.Done():
				slog.Info("orphan janitor stopping")
				close(j.done)
				return
			}
		}
	}()
}

// Wait blocks until the janitor has fully stopped.
func (j *Janitor) Wait() {
	<-j.done
}

func (j *Janitor) runCycle(ctx context.Context) {
	released, failed, err := j.RunOnce(ctx)
	if err != nil {
		slog.Error("orphan sweep failed", "error", err)
		return
	}
	if released > 0 || failed > 0 {
		slog.Info("orphan sweep complete", "released", released, "failed", failed)
	}
}

// RunOnce releases every eligible orphan. Each blob is re-checked and
// deleted in its own unit of work, so a link created since the scan keeps
// its blob alive.
func (j *Janitor) RunOnce(ctx context.Context) (released, failed int, err error) {
	cutoff := j.now().Add(-j.grace)

	for {
		var candidates []uuid.UUID
		err := j.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
			var err error
			candidates, err = tx.UnreferencedBlobs(ctx, cutoff, janitorBatchSize)
			return err
		})
		if err != nil {
			return released, failed, err
		}

		progressed := false
		for _, id := range candidates {
			var deleted bool
			err := j.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
				var err error
				deleted, err = j.release(ctx, tx, id, cutoff)
				return err
			})
			if err != nil {
				slog.Error("failed to release orphan", "blob_id", id, "error", err)
				failed++
				continue
			}
			if deleted {
				released++
				progressed = true
			}
		}

		if len(candidates) < janitorBatchSize || !progressed {
			return released, failed, nil
		}
		if err := ctx.Err(); err != nil {
			return released, failed, err
		}
	}
}

// release deletes an orphan only if it is still older than cutoff when the
// deleting unit of work reads it.
func (j *Janitor) release(ctx context.Context, tx database.Tx, id uuid.UUID, cutoff time.Time) (bool, error) {
	blob, err := j.blobs.Get(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !blob.UploadedAt.Before(cutoff) {
		return false, nil
	}
	return j.blobs.ReleaseIfOrphaned(ctx, tx, id)
}
