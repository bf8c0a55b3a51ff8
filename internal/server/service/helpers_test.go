package service

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"

	"dss/internal/server/database"
	"dss/internal/server/media"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

// countingOptimizer records calls and transforms bytes with fn (identity
// when fn is nil).
type countingOptimizer struct {
	calls atomic.Int32
	fn    func(mime string, data []byte) ([]byte, error)
}

func (o *countingOptimizer) Optimize(_ context.Context, mime string, data []byte) ([]byte, error) {
	o.calls.Add(1)
	if o.fn == nil {
		return data, nil
	}
	return o.fn(mime, data)
}

// interleavingStore runs a hook right before one of the following units
// of work, simulating a concurrent writer that commits in between.
type interleavingStore struct {
	*database.MemoryStore

	mu   sync.Mutex
	skip int
	hook func()
}

// before arms hook to run ahead of the unit of work that follows the next
// skip ones.
func (s *interleavingStore) before(skip int, hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skip, s.hook = skip, hook
}

func (s *interleavingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx database.Tx) error) error {
	s.mu.Lock()
	var hook func()
	if s.hook != nil {
		if s.skip == 0 {
			hook, s.hook = s.hook, nil
		} else {
			s.skip--
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.MemoryStore.InTx(ctx, fn)
}

type fixture struct {
	// store bypasses interleave's hook.
	store      *database.MemoryStore
	interleave *interleavingStore
	svc        *Service
	optimizer  *countingOptimizer
	token      *database.AuthorizationToken
	bearer     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore(0)
	interleave := &interleavingStore{MemoryStore: store}
	opt := &countingOptimizer{}
	svc := New(interleave, opt, Options{DerivationPermits: 2})

	bearer, token, err := svc.Auth.Mint(context.Background(), "acme", "test token")
	require.NoError(t, err)

	return &fixture{store: store, interleave: interleave, svc: svc, optimizer: opt, token: token, bearer: bearer}
}

func (f *fixture) mint(t *testing.T, namespace string) *database.AuthorizationToken {
	t.Helper()
	_, token, err := f.svc.Auth.Mint(context.Background(), namespace, "")
	require.NoError(t, err)
	return token
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	data, err := media.Encode(img, media.MimePNG)
	require.NoError(t, err)
	return data
}

func (f *fixture) uploadImage(t *testing.T, data []byte, folder, file string) *UploadResult {
	t.Helper()
	res, err := f.svc.Uploader.Upload(context.Background(), UploadRequest{
		Kind:      UploadImage,
		Namespace: f.token.Namespace,
		TokenID:   f.token.ID,
		MimeType:  media.MimePNG,
		Data:      data,
		Folder:    folder,
		File:      file,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) blobExists(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	var exists bool
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx database.Tx) error {
		_, err := tx.BlobByID(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	require.NoError(t, err)
	return exists
}

// release deletes blob id if nothing links to it.
func (f *fixture) release(t *testing.T, id uuid.UUID) {
	t.Helper()
	var released bool
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx database.Tx) error {
		var err error
		released, err = f.svc.Blobs.ReleaseIfOrphaned(ctx, tx, id)
		return err
	})
	require.NoError(t, err)
	require.True(t, released)
}
