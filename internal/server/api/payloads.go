package api

import (
	"encoding/hex"

	"dss/internal/server/database"
	"dss/internal/server/service"

	"github.com/gofrs/uuid/v5"
)

// uploadAttributes is the JSON "attributes" part of an upload.
type uploadAttributes struct {
	SkipOptimizations bool   `json:"skipOptimizations"`
	Folder            string `json:"folder"`
	File              string `json:"file"`
}

type blobInfo struct {
	ID              uuid.UUID         `json:"id"`
	Kind            database.BlobKind `json:"kind"`
	MimeType        string            `json:"mimeType"`
	Size            int64             `json:"size"`
	ShaHash         string            `json:"shaHash"`
	OriginalShaHash string            `json:"originalShaHash,omitempty"`
}

func newBlobInfo(b *database.Blob) blobInfo {
	return blobInfo{
		ID:              b.ID,
		Kind:            b.Kind,
		MimeType:        b.MimeType,
		Size:            b.Size,
		ShaHash:         hex.EncodeToString(b.ContentHash),
		OriginalShaHash: hex.EncodeToString(b.OriginalContentHash),
	}
}

type linkInfo struct {
	ID     uuid.UUID `json:"id"`
	BlobID uuid.UUID `json:"blobId"`
	Folder string    `json:"folder"`
	File   string    `json:"file"`
}

func newLinkInfo(l *database.Link) linkInfo {
	return linkInfo{ID: l.ID, BlobID: l.BlobID, Folder: l.Folder, File: l.File}
}

type uploadResponse struct {
	IsUnique bool      `json:"isUnique"`
	Info     blobInfo  `json:"info"`
	Link     *linkInfo `json:"link,omitempty"`
}

func newUploadResponse(res *service.UploadResult) uploadResponse {
	out := uploadResponse{IsUnique: res.Created, Info: newBlobInfo(res.Blob)}
	if res.Link != nil {
		link := newLinkInfo(res.Link)
		out.Link = &link
	}
	return out
}

type checkResponse struct {
	Exists bool      `json:"exists"`
	Info   *blobInfo `json:"info,omitempty"`
}

type createLinkRequest struct {
	BlobID uuid.UUID `json:"blobId"`
	Folder string    `json:"folder"`
	File   string    `json:"file"`
}

type createLinkResponse struct {
	Link     linkInfo `json:"link"`
	Replaced bool     `json:"replaced"`
}

type deleteLinkRequest struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
}

type cropsPayload struct {
	Crops []database.Region `json:"crops"`
}
