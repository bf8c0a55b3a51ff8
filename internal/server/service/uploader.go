package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dss/internal/server/checksum"
	"dss/internal/server/database"
	"dss/internal/server/media"

	"github.com/gofrs/uuid/v5"
)

// UploadKind selects the validation and processing applied to an upload.
type UploadKind int

const (
	UploadFile UploadKind = iota
	UploadImage
)

// Capabilities describe how an upload kind differs from the shared flow.
type Capabilities struct {
	RequiresImageMime bool
	Optimizable       bool
}

func (k UploadKind) Capabilities() Capabilities {
	switch k {
	case UploadImage:
		return Capabilities{RequiresImageMime: true, Optimizable: true}
	default:
		return Capabilities{}
	}
}

func (k UploadKind) BlobKind() database.BlobKind {
	if k == UploadImage {
		return database.BlobKindImage
	}
	return database.BlobKindFile
}

func (k UploadKind) String() string {
	return string(k.BlobKind())
}

// UploadRequest carries one uploaded payload.
type UploadRequest struct {
	Kind              UploadKind
	Namespace         string
	TokenID           uuid.UUID
	MimeType          string
	Data              []byte
	SkipOptimizations bool
	// Folder and File, when both set, create or replace a link to the
	// stored blob in the same unit of work. Both may contain the {hash}
	// placeholder.
	Folder string
	File   string
}

func (r UploadRequest) wantsLink() bool {
	return r.Folder != "" && r.File != ""
}

// UploadResult reports the stored or deduplicated blob.
type UploadResult struct {
	Blob    *database.Blob
	Created bool
	Link    *database.Link
}

// Uploader runs the upload pipeline: checksum, dedup, optional
// optimization, store and link.
type Uploader struct {
	store     database.Store
	blobs     *BlobStore
	links     *LinkDirectory
	optimizer Optimizer
}

func NewUploader(store database.Store, blobs *BlobStore, links *LinkDirectory, optimizer Optimizer) *Uploader {
	return &Uploader{store: store, blobs: blobs, links: links, optimizer: optimizer}
}

func (u *Uploader) validate(req UploadRequest) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: empty upload", ErrBadRequest)
	}
	if req.MimeType == "" {
		return fmt.Errorf("%w: missing content type", ErrBadRequest)
	}
	caps := req.Kind.Capabilities()
	if caps.RequiresImageMime {
		if !strings.HasPrefix(req.MimeType, "image/") {
			return fmt.Errorf("%w: %s is not an image", ErrBadRequest, req.MimeType)
		}
		if media.IsDerivable(req.MimeType) {
			if _, _, err := media.Config(req.Data); err != nil {
				return fmt.Errorf("%w: unreadable %s: %v", ErrBadRequest, req.MimeType, err)
			}
		}
	}
	return nil
}

// errBlobReleased aborts a unit of work whose deduplication target was
// released after it was looked up.
var errBlobReleased = errors.New("deduplicated blob was released")

func (u *Uploader) lookup(ctx context.Context, kind database.BlobKind, digest checksum.Digest, matchOriginal bool) (*database.Blob, error) {
	var blob *database.Blob
	err := u.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		blob, err = u.blobs.FindExisting(ctx, tx, kind, digest, matchOriginal)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return blob, err
}

// prepare hashes and, where the kind allows it, optimizes the payload. It
// returns an existing blob instead when the content is already stored.
// Optimization is skipped when the raw bytes are a known original, so the
// returned draft may still be unoptimized.
func (u *Uploader) prepare(ctx context.Context, req UploadRequest) (*database.Blob, BlobDraft, error) {
	draft := BlobDraft{
		Kind:        req.Kind.BlobKind(),
		MimeType:    req.MimeType,
		ContentHash: checksum.Sum(req.Data),
		Data:        req.Data,
		Namespace:   req.Namespace,
		CreatedBy:   req.TokenID,
	}

	caps := req.Kind.Capabilities()
	existing, err := u.lookup(ctx, draft.Kind, draft.ContentHash, caps.Optimizable)
	if err != nil || existing != nil {
		return existing, draft, err
	}

	if err := u.optimize(ctx, req, &draft); err != nil {
		return nil, draft, err
	}
	if draft.OriginalContentHash == nil || draft.ContentHash == *draft.OriginalContentHash {
		return nil, draft, nil
	}

	existing, err = u.lookup(ctx, draft.Kind, draft.ContentHash, false)
	return existing, draft, err
}

// optimize records the original hash and replaces the payload with its
// optimized form. Drafts that already carry an original hash are left as
// they are.
func (u *Uploader) optimize(ctx context.Context, req UploadRequest, draft *BlobDraft) error {
	if !req.Kind.Capabilities().Optimizable || draft.OriginalContentHash != nil {
		return nil
	}
	original := draft.ContentHash
	draft.OriginalContentHash = &original
	if req.SkipOptimizations {
		return nil
	}

	optimized, err := u.optimizer.Optimize(ctx, req.MimeType, draft.Data)
	if err != nil {
		return err
	}
	draft.Data = optimized
	draft.ContentHash = checksum.Sum(optimized)
	return nil
}

// Upload stores the payload unless identical content exists, and links it
// when the request names a path.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := u.validate(req); err != nil {
		return nil, err
	}

	existing, draft, err := u.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := u.commit(ctx, req, existing, draft)
	if errors.Is(err, errBlobReleased) {
		slog.Warn("deduplicated blob released before commit, storing upload", "blob_id", existing.ID)
		if err := u.optimize(ctx, req, &draft); err != nil {
			return nil, err
		}
		result, err = u.commit(ctx, req, nil, draft)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("upload processed",
		"kind", req.Kind.String(),
		"namespace", req.Namespace,
		"blob_id", result.Blob.ID,
		"created", result.Created,
		"size", result.Blob.Size,
	)
	return result, nil
}

// commit stores draft, or re-reads existing, and links the result in one
// unit of work.
func (u *Uploader) commit(ctx context.Context, req UploadRequest, existing *database.Blob, draft BlobDraft) (*UploadResult, error) {
	var result *UploadResult
	err := u.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		result = &UploadResult{}
		if existing != nil {
			blob, err := u.blobs.Get(ctx, tx, existing.ID)
			if errors.Is(err, ErrNotFound) {
				return errBlobReleased
			}
			if err != nil {
				return err
			}
			result.Blob = blob
		} else {
			blob, created, err := u.blobs.Put(ctx, tx, draft)
			if err != nil {
				return err
			}
			result.Blob, result.Created = blob, created
		}

		if req.wantsLink() {
			link, _, err := u.links.Upsert(ctx, tx, LinkTarget{
				Namespace: req.Namespace,
				CreatedBy: req.TokenID,
				Folder:    req.Folder,
				File:      req.File,
				BlobID:    result.Blob.ID,
				Kind:      req.Kind.BlobKind(),
			})
			if err != nil {
				return err
			}
			result.Link = link
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Check reports the blob the payload would deduplicate to, without storing
// anything. A nil blob means the content is new.
func (u *Uploader) Check(ctx context.Context, req UploadRequest) (*database.Blob, error) {
	if err := u.validate(req); err != nil {
		return nil, err
	}
	existing, _, err := u.prepare(ctx, req)
	return existing, err
}
