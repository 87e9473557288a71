// Package imageprep normalizes uploaded images before they reach a vision backend.
package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"visionchat/internal/core"
)

// Defaults applied when the caller passes zero values.
const (
	DefaultMaxSide   = 1024
	DefaultQuality   = 90
	DefaultMaxPixels = 50_000_000
)

// Options controls how an upload is normalized.
type Options struct {
	// MaxSide bounds the longest side of the re-encoded image.
	MaxSide int
	// Quality is the JPEG quality, 1 to 100.
	Quality int
	// MaxPixels bounds the declared width*height of an upload. Larger images are
	// rejected before any pixel buffer is allocated.
	MaxPixels int
}

func (o Options) withDefaults() Options {
	if o.MaxSide <= 0 {
		o.MaxSide = DefaultMaxSide
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = DefaultMaxPixels
	}
	return o
}

// Image is a decoded, bounded, JPEG re-encoded image. It is the Encoding
// produced by HTTP backends: the base64 payload is what the server receives.
type Image struct {
	mu     sync.RWMutex
	data   string
	Width  int
	Height int
	// Format is the format the upload was decoded from ("jpeg", "png", "gif", "webp").
	Format string
}

// Base64 returns the JPEG payload, base64-encoded. Empty after Release.
func (img *Image) Base64() string {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.data
}

// DataURI returns the payload as a data: URI suitable for an image_url content part.
func (img *Image) DataURI() string {
	return "data:image/jpeg;base64," + img.Base64()
}

// Size implements core.Encoding.
func (img *Image) Size() int64 {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return int64(len(img.data))
}

// Release implements core.Encoding.
func (img *Image) Release() {
	img.mu.Lock()
	img.data = ""
	img.mu.Unlock()
}

// Prepare decodes raw image bytes, scales the image down so that its longest
// side is at most opts.MaxSide, and re-encodes it as JPEG.
// Undecodable or oversized input is a client error, not a model failure.
func Prepare(raw []byte, opts Options) (*Image, error) {
	if len(raw) == 0 {
		return nil, core.NewInvalidRequestError("image is empty", nil)
	}
	opts = opts.withDefaults()

	// Decoders size their pixel buffer from the header, so check it before decoding.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, core.NewInvalidRequestError("unsupported or corrupt image: "+err.Error(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("image has invalid dimensions %dx%d", cfg.Width, cfg.Height), nil)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(opts.MaxPixels) {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("image is %dx%d, larger than the %d pixel limit", cfg.Width, cfg.Height, opts.MaxPixels), nil)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, core.NewInvalidRequestError("unsupported or corrupt image: "+err.Error(), err)
	}

	bounds := src.Bounds()
	w, h := scaledSize(bounds.Dx(), bounds.Dy(), opts.MaxSide)

	// JPEG has no alpha channel; flatten onto white so transparent areas do not turn black.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &Image{
		data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  w,
		Height: h,
		Format: format,
	}, nil
}

// scaledSize returns the dimensions after bounding the longest side by maxSide,
// keeping the aspect ratio. Images already within bounds are not enlarged.
func scaledSize(w, h, maxSide int) (int, int) {
	if w <= maxSide && h <= maxSide {
		return w, h
	}
	if w >= h {
		return maxSide, max(1, h*maxSide/w)
	}
	return max(1, w*maxSide/h), maxSide
}
