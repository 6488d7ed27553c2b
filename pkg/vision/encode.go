package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// Encoding defaults for sampled frames.
const (
	// MIMEType tags every encoded frame.
	MIMEType = "image/jpeg"

	// DefaultQuality is the JPEG quality factor (0.5 on a 0..1 scale).
	DefaultQuality = 50

	// DefaultMaxDimension bounds the longest edge of an encoded frame.
	DefaultMaxDimension = 1280
)

// Frame is an encoded screen snapshot ready for transmission. Frames are
// discarded after sending and never buffered or replayed.
type Frame struct {
	// Data is the base64-encoded JPEG.
	Data string

	// MIMEType is always [MIMEType].
	MIMEType string

	// CapturedAt is when the snapshot was taken.
	CapturedAt time.Time

	// Width and Height are the encoded dimensions.
	Width  int
	Height int
}

// Encode downscales img so that its longest edge is at most maxDim (0 keeps
// the native size), encodes it as JPEG at quality and wraps it in a [Frame].
func Encode(img image.Image, quality, maxDim int, capturedAt time.Time) (Frame, error) {
	if img == nil {
		return Frame{}, fmt.Errorf("vision: encode: nil image")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Frame{}, ErrNotReady
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}

	img = downscale(img, maxDim)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, fmt.Errorf("vision: encode jpeg: %w", err)
	}

	out := img.Bounds()
	return Frame{
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
		MIMEType:   MIMEType,
		CapturedAt: capturedAt,
		Width:      out.Dx(),
		Height:     out.Dy(),
	}, nil
}

// downscale returns img unchanged if it already fits within maxDim,
// otherwise a proportionally resized copy.
func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = max(1, h*maxDim/w)
	} else {
		nh = maxDim
		nw = max(1, w*maxDim/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
