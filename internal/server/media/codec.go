// Package media decodes, transforms and re-encodes raster images and pipes
// encoded bytes through external optimizers.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

const (
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeGIF  = "image/gif"
)

// JPEGQuality is the encoder quality for derived JPEGs.
const JPEGQuality = 90

var (
	ErrUnsupportedMime = errors.New("unsupported mime type")
	ErrOutOfBounds     = errors.New("crop region outside image bounds")
)

// MimeForExtension maps a file extension (without the dot) to the mime type
// it serves. ok is false for extensions that cannot be served as images.
func MimeForExtension(ext string) (mime string, ok bool) {
	switch ext {
	case "png":
		return MimePNG, true
	case "jpg", "jpeg":
		return MimeJPEG, true
	case "gif":
		return MimeGIF, true
	}
	return "", false
}

// IsDerivable reports whether mime can be produced by Encode.
func IsDerivable(mime string) bool {
	return mime == MimePNG || mime == MimeJPEG
}

// Decode parses data as an image in any registered format.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Config reads the dimensions and format of data without decoding pixels.
func Config(data []byte) (image.Config, string, error) {
	return image.DecodeConfig(bytes.NewReader(data))
}

// Crop returns the sub-image at r, relative to the image's origin.
func Crop(img image.Image, x, y, width, height int) (image.Image, error) {
	b := img.Bounds()
	r := image.Rect(x, y, x+width, y+height).Add(b.Min)
	if width <= 0 || height <= 0 || !r.In(b) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, b)
	}

	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r), nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// TargetDimensions scales w x h so the longer side equals size, keeping the
// aspect ratio. Neither side drops below one pixel.
func TargetDimensions(w, h, size int) (int, int) {
	var tw, th int
	if h > w {
		th = size
		tw = size * w / h
	} else {
		tw = size
		th = size * h / w
	}
	return max(tw, 1), max(th, 1)
}

// Resize scales img to exactly width x height.
func Resize(img image.Image, width, height int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Repaint copies img into the pixel layout preferred by mime: straight
// alpha for PNG, opaque RGB on white for JPEG. Images already in that
// layout are returned as is.
func Repaint(img image.Image, mime string) (image.Image, error) {
	b := img.Bounds()
	switch mime {
	case MimePNG:
		if _, ok := img.(*image.NRGBA); ok {
			return img, nil
		}
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst, nil
	case MimeJPEG:
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
		return dst, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMime, mime)
}

// Encode serializes img as mime.
func Encode(img image.Image, mime string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch mime {
	case MimePNG:
		err = png.Encode(&buf, img)
	case MimeJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality})
	case MimeGIF:
		err = gif.Encode(&buf, img, nil)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMime, mime)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", mime, err)
	}
	return buf.Bytes(), nil
}
