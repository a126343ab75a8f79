package offline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// CompressOptions bounds the size of queued photos
type CompressOptions struct {
	// MaxDimension caps the longer side in pixels; 0 disables resizing
	MaxDimension int
	// Quality is the JPEG quality (1-100)
	Quality int
}

// DefaultCompressOptions returns the limits used when the config does not set any
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{MaxDimension: 1600, Quality: 75}
}

// Compress decodes a JPEG, PNG or WebP image, scales it down so neither side exceeds
// MaxDimension, and re-encodes it as JPEG. When the image already fits and re-encoding
// would not make it smaller, the input is returned unchanged with inputType.
func Compress(data []byte, inputType string, opts CompressOptions) ([]byte, string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = DefaultCompressOptions().Quality
	}

	img := src
	resized := false
	b := src.Bounds()
	if w, h := scaledSize(b.Dx(), b.Dy(), opts.MaxDimension); w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
		resized = true
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}
	if !resized && buf.Len() >= len(data) {
		return data, inputType, nil
	}
	return buf.Bytes(), "image/jpeg", nil
}

// scaledSize fits w x h inside a limit x limit box keeping the aspect ratio
func scaledSize(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}
	if w >= h {
		nh := h * limit / w
		if nh < 1 {
			nh = 1
		}
		return limit, nh
	}
	nw := w * limit / h
	if nw < 1 {
		nw = 1
	}
	return nw, limit
}
