package service

import (
	"bytes"
	"context"
	"image/color"
	"testing"

	"dss/internal/server/media"

	"github.com/stretchr/testify/require"
)

func TestSplitExt(t *testing.T) {
	tests := []struct{ in, stem, ext string }{
		{"avatar.png", "avatar", "png"},
		{"a.b.jpeg", "a.b", "jpeg"},
		{"noext", "noext", "noext"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			stem, ext := splitExt(tt.in)
			require.Equal(t, tt.stem, stem)
			require.Equal(t, tt.ext, ext)
		})
	}
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	png := pngBytes(t, 40, 20, color.White)
	f.uploadImage(t, png, "users/avatars", "me")

	_, err := f.svc.Uploader.Upload(ctx, UploadRequest{
		Kind: UploadFile, Namespace: "acme", TokenID: f.token.ID, MimeType: "text/css",
		Data: []byte("body{}"), Folder: "static", File: "site.css",
	})
	require.NoError(t, err)

	t.Run("image as stored", func(t *testing.T) {
		res, err := f.svc.Fetch(ctx, FetchRequest{Namespace: "acme", Folder: "users/avatars", File: "me.png"})
		require.NoError(t, err)
		require.Equal(t, media.MimePNG, res.MimeType)
		require.Equal(t, png, res.Data)
	})

	t.Run("image converted by extension", func(t *testing.T) {
		res, err := f.svc.Fetch(ctx, FetchRequest{Namespace: "acme", Folder: "users/avatars", File: "me.jpg"})
		require.NoError(t, err)
		require.Equal(t, media.MimeJPEG, res.MimeType)
		require.True(t, bytes.HasPrefix(res.Data, []byte{0xff, 0xd8}))
	})

	t.Run("image resized", func(t *testing.T) {
		res, err := f.svc.Fetch(ctx, FetchRequest{Namespace: "acme", Folder: "users/avatars", File: "me.png", Size: intPtr(16)})
		require.NoError(t, err)
		w, h := decodeSize(t, res.Data)
		require.Equal(t, 16, w)
		require.Equal(t, 8, h)
	})

	t.Run("file by full name", func(t *testing.T) {
		res, err := f.svc.Fetch(ctx, FetchRequest{Namespace: "acme", Folder: "static", File: "site.css"})
		require.NoError(t, err)
		require.Equal(t, "text/css", res.MimeType)
		require.Equal(t, []byte("body{}"), res.Data)
	})

	notFound := []struct {
		name string
		req  FetchRequest
	}{
		{"unsupported extension", FetchRequest{Namespace: "acme", Folder: "users/avatars", File: "me.webp"}},
		{"unknown namespace", FetchRequest{Namespace: "nobody", Folder: "users/avatars", File: "me.png"}},
		{"missing folder", FetchRequest{Namespace: "acme", File: "me.png"}},
		{"unknown link", FetchRequest{Namespace: "acme", Folder: "users/avatars", File: "you.png"}},
	}
	for _, tt := range notFound {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Fetch(ctx, tt.req)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
