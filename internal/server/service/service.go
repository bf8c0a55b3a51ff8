package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"dss/internal/server/database"
	"dss/internal/server/keylock"
	"dss/internal/server/media"

	"github.com/gofrs/uuid/v5"
)

// Options tunes the service components. Zero values select defaults.
type Options struct {
	DerivationPermits int64
	LockTTL           time.Duration
	TokenCacheTTL     time.Duration
	OrphanGrace       time.Duration
	JanitorInterval   time.Duration
}

// Service wires the storage components together and exposes each request
// level operation as a single unit of work.
type Service struct {
	store database.Store

	Blobs    *BlobStore
	Links    *LinkDirectory
	Regions  *RegionRegistry
	Deriver  *Deriver
	Uploader *Uploader
	Auth     *Authorizer
	Janitor  *Janitor
	Locks    *keylock.Map
}

// New creates the service graph over store.
func New(store database.Store, optimizer Optimizer, opts Options) *Service {
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Hour
	}

	blobs := NewBlobStore()
	links := NewLinkDirectory(blobs)
	regions := NewRegionRegistry(blobs)
	locks := keylock.New(opts.LockTTL)

	return &Service{
		store:    store,
		Blobs:    blobs,
		Links:    links,
		Regions:  regions,
		Deriver:  NewDeriver(store, blobs, regions, locks, optimizer, opts.DerivationPermits),
		Uploader: NewUploader(store, blobs, links, optimizer),
		Auth:     NewAuthorizer(store, opts.TokenCacheTTL),
		Janitor:  NewJanitor(store, blobs, opts.OrphanGrace, opts.JanitorInterval),
		Locks:    locks,
	}
}

// Start launches the background sweepers. They stop when ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.Locks.Start(ctx)
	s.Janitor.Start(ctx)
}

// Wait blocks until the background sweepers have stopped.
func (s *Service) Wait() {
	s.Locks.Wait()
	s.Janitor.Wait()
}

// HealthCheck reports whether the store is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

// CreateLink points a path at a blob.
func (s *Service) CreateLink(ctx context.Context, target LinkTarget) (link *database.Link, replaced bool, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		link, replaced, err = s.Links.Upsert(ctx, tx, target)
		return err
	})
	return link, replaced, err
}

// DeleteLink removes a path; deleting a missing path is not an error.
func (s *Service) DeleteLink(ctx context.Context, namespace, folder, file string) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return s.Links.Delete(ctx, tx, namespace, folder, file)
	})
}

// ListLinks returns the namespace's links to blobs of the given kind.
func (s *Service) ListLinks(ctx context.Context, namespace string, kind database.BlobKind) ([]database.Link, error) {
	var links []database.Link
	err := s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		links, err = s.Links.List(ctx, tx, namespace, kind)
		return err
	})
	return links, err
}

// AllowCrops adds crop regions to a blob's whitelist.
func (s *Service) AllowCrops(ctx context.Context, namespace string, blobID uuid.UUID, regions []database.Region) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return s.Regions.Allow(ctx, tx, namespace, blobID, regions...)
	})
}

// ReplaceCrops makes regions the blob's complete whitelist.
func (s *Service) ReplaceCrops(ctx context.Context, namespace string, blobID uuid.UUID, regions []database.Region) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return s.Regions.ReplaceAll(ctx, tx, namespace, blobID, regions)
	})
}

// RemoveCrop drops one region from a blob's whitelist.
func (s *Service) RemoveCrop(ctx context.Context, namespace string, blobID uuid.UUID, region database.Region) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return s.Regions.Remove(ctx, tx, namespace, blobID, region)
	})
}

// ListCrops returns a blob's whitelist.
func (s *Service) ListCrops(ctx context.Context, namespace string, blobID uuid.UUID) ([]database.AllowedRegion, error) {
	var regions []database.AllowedRegion
	err := s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		regions, err = s.Regions.List(ctx, tx, namespace, blobID)
		return err
	})
	return regions, err
}

// FetchRequest addresses a public object: /<namespace>/<folder...>/<file>.
type FetchRequest struct {
	Namespace string
	Folder    string
	File      string
	Crop      *database.Region
	Size      *int
}

// FetchResult is the payload served for a FetchRequest.
type FetchResult struct {
	Data     []byte
	MimeType string
}

// splitExt splits "name.ext" at the last dot. Without a dot the whole name
// is both stem and extension.
func splitExt(file string) (stem, ext string) {
	i := strings.LastIndex(file, ".")
	if i < 0 {
		return file, file
	}
	return file[:i], file[i+1:]
}

func isImage(blob *database.Blob) bool {
	return strings.HasPrefix(blob.MimeType, "image/")
}

// Fetch resolves a public path. Image links are addressed by their name
// plus an extension selecting the output format; file links by their full
// name. Images may be transformed on the way out.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	req.Folder = strings.Trim(req.Folder, "/")
	if req.Folder == "" || req.File == "" {
		return nil, ErrNotFound
	}
	if _, err := s.Auth.TokenForNamespace(ctx, req.Namespace); err != nil {
		return nil, err
	}

	stem, ext := splitExt(req.File)

	var image, file *database.Blob
	err := s.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		image, file = nil, nil
		if link, err := s.Links.Resolve(ctx, tx, req.Namespace, req.Folder, stem); err == nil {
			blob, err := s.Blobs.Get(ctx, tx, link.BlobID)
			if err != nil {
				return err
			}
			if isImage(blob) {
				image = blob
				return nil
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		link, err := s.Links.Resolve(ctx, tx, req.Namespace, req.Folder, req.File)
		if err != nil {
			return err
		}
		file, err = s.Blobs.Get(ctx, tx, link.BlobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if file != nil {
		slog.Debug("serving file", "namespace", req.Namespace, "folder", req.Folder, "file", req.File)
		data, err := s.Deriver.Derive(ctx, file, DeriveRequest{TargetMime: file.MimeType})
		if err != nil {
			return nil, err
		}
		return &FetchResult{Data: data, MimeType: file.MimeType}, nil
	}

	target, ok := media.MimeForExtension(strings.ToLower(ext))
	if !ok {
		return nil, ErrNotFound
	}

	dreq := DeriveRequest{TargetMime: target, Crop: req.Crop, Size: req.Size}
	slog.Info("serving image",
		"namespace", req.Namespace,
		"folder", req.Folder,
		"file", req.File,
		"derived", NeedsDerivation(image, dreq),
	)
	data, err := s.Deriver.Derive(ctx, image, dreq)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Data: data, MimeType: target}, nil
}
