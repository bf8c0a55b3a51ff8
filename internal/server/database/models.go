package database

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// BlobKind distinguishes plain files from images. Both share one table and
// one upload flow; only images are optimized and derivable.
type BlobKind string

const (
	BlobKindFile  BlobKind = "file"
	BlobKindImage BlobKind = "image"
)

// Blob is an immutable content-addressed unit of stored bytes.
type Blob struct {
	ID                  uuid.UUID
	Kind                BlobKind
	MimeType            string
	ContentHash         []byte
	OriginalContentHash []byte // nil for files
	Size                int64
	Data                []byte // only populated by BlobData
	UploadedAt          time.Time
	Namespace           string
	CreatedBy           uuid.UUID
}

// Link is a mutable, namespace-scoped name for a blob.
type Link struct {
	ID        uuid.UUID
	Namespace string
	Folder    string
	File      string
	BlobID    uuid.UUID
	CreatedAt time.Time
	CreatedBy uuid.UUID
}

// Region is a pixel rectangle: offset plus absolute width and height.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Region) String() string {
	return fmt.Sprintf("%d,%d,%dx%d", r.X, r.Y, r.Width, r.Height)
}

// AllowedRegion whitelists one crop rectangle for a blob.
type AllowedRegion struct {
	BlobID    uuid.UUID
	Region    Region
	CreatedAt time.Time
}

// ArtifactKey identifies one derived variant of a blob. A nil Crop or Size
// means that transformation was not requested.
type ArtifactKey struct {
	BlobID   uuid.UUID
	MimeType string
	Crop     *Region
	Size     *int
}

// String is the canonical serialization of the key. Equal keys always
// produce equal strings.
func (k ArtifactKey) String() string {
	crop, size := "-", "-"
	if k.Crop != nil {
		crop = k.Crop.String()
	}
	if k.Size != nil {
		size = fmt.Sprint(*k.Size)
	}
	return fmt.Sprintf("%s|%s|%s|%s", k.BlobID, k.MimeType, crop, size)
}

// DerivedArtifact is a cached, computed variant of a blob.
type DerivedArtifact struct {
	ID        int64
	Key       ArtifactKey
	Data      []byte
	CreatedAt time.Time
}

// AuthorizationToken grants API access on behalf of a namespace.
type AuthorizationToken struct {
	ID          uuid.UUID
	SecretHash  []byte
	Description string
	Namespace   string
	CreatedAt   time.Time
}
