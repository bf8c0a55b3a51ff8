package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// MemoryStore is an in-process Store used by tests and the memory://
// development mode. Each unit of work runs against a private copy of the
// state; commit fails with ErrConflict when the transaction wrote and
// another writer committed since it began.
type MemoryStore struct {
	mu       sync.Mutex
	state    *memState
	version  uint64
	attempts int
}

var _ Store = (*MemoryStore)(nil)

type memState struct {
	blobs          map[uuid.UUID]Blob
	links          map[uuid.UUID]Link
	regions        map[uuid.UUID][]AllowedRegion
	artifacts      map[string]DerivedArtifact
	tokens         map[uuid.UUID]AuthorizationToken
	nextArtifactID int64
}

func newMemState() *memState {
	return &memState{
		blobs:     make(map[uuid.UUID]Blob),
		links:     make(map[uuid.UUID]Link),
		regions:   make(map[uuid.UUID][]AllowedRegion),
		artifacts: make(map[string]DerivedArtifact),
		tokens:    make(map[uuid.UUID]AuthorizationToken),
	}
}

// clone copies the maps. Payload slices are shared since stored bytes are
// never mutated in place.
func (s *memState) clone() *memState {
	c := &memState{
		blobs:          make(map[uuid.UUID]Blob, len(s.blobs)),
		links:          make(map[uuid.UUID]Link, len(s.links)),
		regions:        make(map[uuid.UUID][]AllowedRegion, len(s.regions)),
		artifacts:      make(map[string]DerivedArtifact, len(s.artifacts)),
		tokens:         make(map[uuid.UUID]AuthorizationToken, len(s.tokens)),
		nextArtifactID: s.nextArtifactID,
	}
	for k, v := range s.blobs {
		c.blobs[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.regions {
		c.regions[k] = slices.Clone(v)
	}
	for k, v := range s.artifacts {
		c.artifacts[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	return c
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(attempts int) *MemoryStore {
	if attempts <= 0 {
		attempts = DefaultTxAttempts
	}
	return &MemoryStore{state: newMemState(), attempts: attempts}
}

// InTx implements Store.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runWithRetry(ctx, m.attempts, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		tx := &memTx{state: m.state.clone(), base: m.version}
		m.mu.Unlock()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if !tx.dirty {
			return nil
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.version != tx.base {
			return ErrConflict
		}
		m.state = tx.state
		m.version++
		return nil
	})
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() {}

type memTx struct {
	state *memState
	base  uint64
	dirty bool
}

func duplicate(what string) error {
	return fmt.Errorf("duplicate %s: %w", what, ErrConflict)
}

func (t *memTx) BlobByID(_ context.Context, id uuid.UUID) (*Blob, error) {
	blob, ok := t.state.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	blob.Data = nil
	return &blob, nil
}

func (t *memTx) BlobData(_ context.Context, id uuid.UUID) ([]byte, error) {
	blob, ok := t.state.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return blob.Data, nil
}

func (t *memTx) findBlob(match func(Blob) bool) (*Blob, error) {
	for _, blob := range t.state.blobs {
		if match(blob) {
			blob.Data = nil
			return &blob, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) BlobByContentHash(_ context.Context, kind BlobKind, hash []byte) (*Blob, error) {
	return t.findBlob(func(b Blob) bool { return b.Kind == kind && slices.Equal(b.ContentHash, hash) })
}

func (t *memTx) BlobByOriginalHash(_ context.Context, hash []byte) (*Blob, error) {
	return t.findBlob(func(b Blob) bool {
		return b.OriginalContentHash != nil && slices.Equal(b.OriginalContentHash, hash)
	})
}

func (t *memTx) InsertBlob(_ context.Context, blob *Blob) error {
	if _, ok := t.state.blobs[blob.ID]; ok {
		return duplicate("blob id")
	}
	for _, existing := range t.state.blobs {
		if existing.Kind == blob.Kind && slices.Equal(existing.ContentHash, blob.ContentHash) {
			return duplicate("content hash")
		}
		if blob.OriginalContentHash != nil && slices.Equal(existing.OriginalContentHash, blob.OriginalContentHash) {
			return duplicate("original content hash")
		}
	}
	t.state.blobs[blob.ID] = *blob
	t.dirty = true
	return nil
}

func (t *memTx) DeleteBlob(_ context.Context, id uuid.UUID) error {
	if _, ok := t.state.blobs[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.blobs, id)
	delete(t.state.regions, id)
	for k, a := range t.state.artifacts {
		if a.Key.BlobID == id {
			delete(t.state.artifacts, k)
		}
	}
	t.dirty = true
	return nil
}

func (t *memTx) UnreferencedBlobs(_ context.Context, uploadedBefore time.Time, limit int) ([]uuid.UUID, error) {
	linked := make(map[uuid.UUID]bool, len(t.state.links))
	for _, l := range t.state.links {
		linked[l.BlobID] = true
	}

	var candidates []Blob
	for _, b := range t.state.blobs {
		if !linked[b.ID] && b.UploadedAt.Before(uploadedBefore) {
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UploadedAt.Before(candidates[j].UploadedAt)
	})

	var ids []uuid.UUID
	for _, b := range candidates {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (t *memTx) CountLinks(_ context.Context, blobID uuid.UUID) (int64, error) {
	var n int64
	for _, l := range t.state.links {
		if l.BlobID == blobID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) HasLinkTo(_ context.Context, namespace string, blobID uuid.UUID) (bool, error) {
	for _, l := range t.state.links {
		if l.Namespace == namespace && l.BlobID == blobID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LinkByPath(_ context.Context, namespace, folder, file string) (*Link, error) {
	for _, l := range t.state.links {
		if l.Namespace == namespace && l.Folder == folder && l.File == file {
			return &l, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListLinks(_ context.Context, namespace string, kind BlobKind) ([]Link, error) {
	var links []Link
	for _, l := range t.state.links {
		if l.Namespace != namespace {
			continue
		}
		if kind != "" && t.state.blobs[l.BlobID].Kind != kind {
			continue
		}
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Folder != links[j].Folder {
			return links[i].Folder < links[j].Folder
		}
		return links[i].File < links[j].File
	})
	return links, nil
}

func (t *memTx) InsertLink(_ context.Context, link *Link) error {
	if _, ok := t.state.blobs[link.BlobID]; !ok {
		return ErrNotFound
	}
	for _, l := range t.state.links {
		if l.Namespace == link.Namespace && l.Folder == link.Folder && l.File == link.File {
			return duplicate("link path")
		}
	}
	t.state.links[link.ID] = *link
	t.dirty = true
	return nil
}

func (t *memTx) DeleteLink(_ context.Context, id uuid.UUID) error {
	if _, ok := t.state.links[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.links, id)
	t.dirty = true
	return nil
}

func (t *memTx) RegionExists(_ context.Context, blobID uuid.UUID, r Region) (bool, error) {
	for _, ar := range t.state.regions[blobID] {
		if ar.Region == r {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListRegions(_ context.Context, blobID uuid.UUID) ([]AllowedRegion, error) {
	return slices.Clone(t.state.regions[blobID]), nil
}

func (t *memTx) InsertRegion(ctx context.Context, ar AllowedRegion) error {
	if _, ok := t.state.blobs[ar.BlobID]; !ok {
		return ErrNotFound
	}
	if exists, _ := t.RegionExists(ctx, ar.BlobID, ar.Region); exists {
		return nil
	}
	t.state.regions[ar.BlobID] = append(t.state.regions[ar.BlobID], ar)
	t.dirty = true
	return nil
}

func (t *memTx) DeleteRegion(_ context.Context, blobID uuid.UUID, r Region) error {
	regions := t.state.regions[blobID]
	for i, ar := range regions {
		if ar.Region == r {
			t.state.regions[blobID] = slices.Delete(regions, i, i+1)
			t.dirty = true
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) DeleteRegions(_ context.Context, blobID uuid.UUID) error {
	if len(t.state.regions[blobID]) > 0 {
		delete(t.state.regions, blobID)
		t.dirty = true
	}
	return nil
}

func (t *memTx) ArtifactByKey(_ context.Context, key ArtifactKey) (*DerivedArtifact, error) {
	a, ok := t.state.artifacts[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) InsertArtifact(_ context.Context, artifact *DerivedArtifact) error {
	if _, ok := t.state.blobs[artifact.Key.BlobID]; !ok {
		return ErrNotFound
	}
	k := artifact.Key.String()
	if _, ok := t.state.artifacts[k]; ok {
		return nil
	}
	t.state.nextArtifactID++
	a := *artifact
	a.ID = t.state.nextArtifactID
	t.state.artifacts[k] = a
	t.dirty = true
	return nil
}

func (t *memTx) TokenByID(_ context.Context, id uuid.UUID) (*AuthorizationToken, error) {
	token, ok := t.state.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &token, nil
}

func (t *memTx) TokenByNamespace(_ context.Context, namespace string) (*AuthorizationToken, error) {
	for _, token := range t.state.tokens {
		if token.Namespace == namespace {
			return &token, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertToken(ctx context.Context, token *AuthorizationToken) error {
	if _, ok := t.state.tokens[token.ID]; ok {
		return duplicate("token id")
	}
	if _, err := t.TokenByNamespace(ctx, token.Namespace); err == nil {
		return duplicate("token namespace")
	}
	t.state.tokens[token.ID] = *token
	t.dirty = true
	return nil
}
