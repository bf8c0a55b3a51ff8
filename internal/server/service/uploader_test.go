package service

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"testing"

	"dss/internal/server/checksum"
	"dss/internal/server/database"
	"dss/internal/server/media"

	"github.com/stretchr/testify/require"
)

func TestUploadKindCapabilities(t *testing.T) {
	require.Equal(t, Capabilities{}, UploadFile.Capabilities())
	require.Equal(t, Capabilities{RequiresImageMime: true, Optimizable: true}, UploadImage.Capabilities())
	require.Equal(t, "file", UploadFile.String())
	require.Equal(t, "image", UploadImage.String())
}

func TestUpload_Dedup(t *testing.T) {
	f := newFixture(t)
	other := f.mint(t, "other")
	ctx := context.Background()
	data := []byte("hello world")

	first, err := f.svc.Uploader.Upload(ctx, UploadRequest{
		Kind: UploadFile, Namespace: "acme", TokenID: f.token.ID, MimeType: "text/plain", Data: data,
	})
	require.NoError(t, err)
	require.True(t, first.Created)

	t.Run("same namespace", func(t *testing.T) {
		again, err := f.svc.Uploader.Upload(ctx, UploadRequest{
			Kind: UploadFile, Namespace: "acme", TokenID: f.token.ID, MimeType: "text/plain", Data: data,
		})
		require.NoError(t, err)
		require.False(t, again.Created)
		require.Equal(t, first.Blob.ID, again.Blob.ID)
	})

	t.Run("different namespace", func(t *testing.T) {
		again, err := f.svc.Uploader.Upload(ctx, UploadRequest{
			Kind: UploadFile, Namespace: "other", TokenID: other.ID, MimeType: "text/plain", Data: data,
		})
		require.NoError(t, err)
		require.False(t, again.Created)
		require.Equal(t, first.Blob.ID, again.Blob.ID)
	})

	t.Run("files are never optimized", func(t *testing.T) {
		require.Zero(t, f.optimizer.calls.Load())
	})
}

func TestUpload_ImageSkipsOptimizationForKnownOriginal(t *testing.T) {
	f := newFixture(t)
	data := pngBytes(t, 10, 10, color.White)

	first := f.uploadImage(t, data, "", "")
	require.True(t, first.Created)
	require.Equal(t, int32(1), f.optimizer.calls.Load())
	require.Equal(t, checksum.Sum(data).Bytes(), first.Blob.OriginalContentHash)

	second := f.uploadImage(t, data, "", "")
	require.False(t, second.Created)
	require.Equal(t, first.Blob.ID, second.Blob.ID)
	require.Equal(t, int32(1), f.optimizer.calls.Load(), "known original must not be optimized again")
}

func TestUpload_ConvergesAfterOptimization(t *testing.T) {
	f := newFixture(t)
	optimized := []byte("optimized")
	f.optimizer.fn = func(string, []byte) ([]byte, error) { return optimized, nil }

	a := f.uploadImage(t, pngBytes(t, 10, 10, color.White), "", "")
	b := f.uploadImage(t, pngBytes(t, 10, 10, color.Black), "", "")

	require.True(t, a.Created)
	require.False(t, b.Created)
	require.Equal(t, a.Blob.ID, b.Blob.ID)
	require.Equal(t, checksum.Sum(optimized).Bytes(), a.Blob.ContentHash)
}

func TestUpload_SkipOptimizations(t *testing.T) {
	f := newFixture(t)
	data := pngBytes(t, 4, 4, color.White)

	res, err := f.svc.Uploader.Upload(context.Background(), UploadRequest{
		Kind: UploadImage, Namespace: "acme", TokenID: f.token.ID, MimeType: media.MimePNG,
		Data: data, SkipOptimizations: true,
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Zero(t, f.optimizer.calls.Load())
	require.Equal(t, res.Blob.ContentHash, res.Blob.OriginalContentHash)
}

func TestUpload_OptimizerFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("pngquant crashed")
	f.optimizer.fn = func(string, []byte) ([]byte, error) { return nil, boom }

	_, err := f.svc.Uploader.Upload(context.Background(), UploadRequest{
		Kind: UploadImage, Namespace: "acme", TokenID: f.token.ID, MimeType: media.MimePNG,
		Data: pngBytes(t, 4, 4, color.White),
	})
	require.ErrorIs(t, err, boom)
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"empty", UploadRequest{Kind: UploadFile, MimeType: "text/plain"}},
		{"missing mime", UploadRequest{Kind: UploadFile, Data: []byte("x")}},
		{"image needs image mime", UploadRequest{Kind: UploadImage, MimeType: "text/plain", Data: []byte("x")}},
		{"corrupt png", UploadRequest{Kind: UploadImage, MimeType: media.MimePNG, Data: []byte("not a png")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Namespace, tt.req.TokenID = "acme", f.token.ID
			_, err := f.svc.Uploader.Upload(ctx, tt.req)
			require.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestUpload_WithLink(t *testing.T) {
	f := newFixture(t)
	res := f.uploadImage(t, pngBytes(t, 4, 4, color.White), "avatars/{hash}", "me")
	require.NotNil(t, res.Link)
	require.Equal(t, "avatars/"+checksum.Sum(pngBytes(t, 4, 4, color.White)).Hex(), res.Link.Folder)
	require.Equal(t, res.Blob.ID, res.Link.BlobID)
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := pngBytes(t, 6, 6, color.White)
	req := UploadRequest{Kind: UploadImage, Namespace: "acme", TokenID: f.token.ID, MimeType: media.MimePNG, Data: data}

	blob, err := f.svc.Uploader.Check(ctx, req)
	require.NoError(t, err)
	require.Nil(t, blob)

	stored := f.uploadImage(t, data, "", "")

	blob, err = f.svc.Uploader.Check(ctx, req)
	require.NoError(t, err)
	require.Equal(t, stored.Blob.ID, blob.ID)

	file, err := f.svc.Uploader.Check(ctx, UploadRequest{
		Kind: UploadFile, Namespace: "acme", MimeType: "text/plain", Data: bytes.Repeat([]byte("z"), 3),
	})
	require.NoError(t, err)
	require.Nil(t, file)
}

func TestUpload_LinkTemplateUsesContentHash(t *testing.T) {
	f := newFixture(t)
	data := []byte("styles")

	res, err := f.svc.Uploader.Upload(context.Background(), UploadRequest{
		Kind:      UploadFile,
		Namespace: "acme",
		TokenID:   f.token.ID,
		MimeType:  "text/css",
		Data:      data,
		Folder:    "assets/{hash}",
		File:      "app.css",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Link)
	require.Equal(t, "assets/"+checksum.Sum(data).Hex(), res.Link.Folder)
	require.Equal(t, "app.css", res.Link.File)
}

// dropLastByte stands in for a lossy optimizer.
func dropLastByte(_ string, data []byte) ([]byte, error) {
	return data[:len(data)-1], nil
}

func TestUpload_KindsDoNotShareBlobs(t *testing.T) {
	ctx := context.Background()

	t.Run("file with an image's original bytes", func(t *testing.T) {
		f := newFixture(t)
		f.optimizer.fn = dropLastByte
		raw := pngBytes(t, 8, 8, color.White)

		image := f.uploadImage(t, raw, "", "")
		require.Equal(t, checksum.Sum(raw).Bytes(), image.Blob.OriginalContentHash)

		file, err := f.svc.Uploader.Upload(ctx, UploadRequest{
			Kind: UploadFile, Namespace: "acme", TokenID: f.token.ID, MimeType: media.MimePNG,
			Data: raw, Folder: "docs", File: "raw.png",
		})
		require.NoError(t, err)
		require.True(t, file.Created)
		require.NotEqual(t, image.Blob.ID, file.Blob.ID)

		got, err := f.svc.Fetch(ctx, FetchRequest{Namespace: "acme", Folder: "docs", File: "raw.png"})
		require.NoError(t, err)
		require.Equal(t, raw, got.Data)
	})

	t.Run("image with a file's bytes", func(t *testing.T) {
		f := newFixture(t)
		raw := pngBytes(t, 8, 8, color.Black)

		file, err := f.svc.Uploader.Upload(ctx, UploadRequest{
			Kind: UploadFile, Namespace: "acme", TokenID: f.token.ID, MimeType: "application/octet-stream", Data: raw,
		})
		require.NoError(t, err)

		found, err := f.svc.Uploader.Check(ctx, UploadRequest{
			Kind: UploadImage, Namespace: "acme", TokenID: f.token.ID, MimeType: media.MimePNG, Data: raw,
		})
		require.NoError(t, err)
		require.Nil(t, found)

		for _, skip := range []bool{false, true} {
			res, err := f.svc.Uploader.Upload(ctx, UploadRequest{
				Kind: UploadImage, Namespace: "acme", TokenID: f.token.ID, MimeType: media.MimePNG,
				Data: raw, SkipOptimizations: skip, Folder: "avatars", File: "me",
			})
			require.NoError(t, err)
			require.NotEqual(t, file.Blob.ID, res.Blob.ID)
			require.Equal(t, database.BlobKindImage, res.Blob.Kind)
			require.Equal(t, res.Blob.ID, res.Link.BlobID)
		}
	})
}

func TestUpload_DedupTargetReleasedBeforeCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		f := newFixture(t)
		data := []byte("report")
		req := UploadRequest{Kind: UploadFile, Namespace: "acme", TokenID: f.token.ID, MimeType: "text/plain", Data: data}

		orphan, err := f.svc.Uploader.Upload(ctx, req)
		require.NoError(t, err)

		// The lookup sees the orphan, then it is released before the commit.
		f.interleave.before(1, func() { f.release(t, orphan.Blob.ID) })

		req.Folder, req.File = "docs", "report.txt"
		res, err := f.svc.Uploader.Upload(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Created)
		require.True(t, f.blobExists(t, res.Blob.ID))
		require.Equal(t, res.Blob.ID, res.Link.BlobID)

		got, err := f.svc.Fetch(ctx, FetchRequest{Namespace: "acme", Folder: "docs", File: "report.txt"})
		require.NoError(t, err)
		require.Equal(t, data, got.Data)
	})

	t.Run("image matched by its original", func(t *testing.T) {
		f := newFixture(t)
		f.optimizer.fn = dropLastByte
		raw := pngBytes(t, 6, 6, color.White)

		orphan := f.uploadImage(t, raw, "", "")
		require.Equal(t, int32(1), f.optimizer.calls.Load())

		f.interleave.before(1, func() { f.release(t, orphan.Blob.ID) })

		res := f.uploadImage(t, raw, "", "")
		require.True(t, res.Created)
		require.True(t, f.blobExists(t, res.Blob.ID))
		require.Equal(t, int32(2), f.optimizer.calls.Load(), "the stored draft must be optimized")
		require.Equal(t, checksum.Sum(raw[:len(raw)-1]).Bytes(), res.Blob.ContentHash)
		require.Equal(t, checksum.Sum(raw).Bytes(), res.Blob.OriginalContentHash)
	})
}
