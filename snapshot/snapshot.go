// Package snapshot - Renders frames as small base64 JPEGs for results and observers.
package snapshot

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Options controls snapshot rendering.
type Options struct {
	// MaxWidth downscales wider frames, keeping the aspect ratio. Zero keeps the original size.
	MaxWidth uint `yaml:"max_width"`
	// Quality is the JPEG quality, 1-100.
	Quality int `yaml:"quality"`
}

// DefaultOptions returns 320 px wide, quality 75 snapshots.
func DefaultOptions() Options {
	return Options{MaxWidth: 320, Quality: 75}
}

// Encode renders img as a base64 JPEG.
//
// Arguments:
//   - img: The frame.
//   - opts: Size and quality.
//
// Returns:
//   - string: Standard base64 of the JPEG bytes.
//   - error: An error if img is empty or encoding fails.
func Encode(img image.Image, opts Options) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", errors.New("empty image")
	}
	if opts.MaxWidth > 0 && uint(img.Bounds().Dx()) > opts.MaxWidth {
		img = resize.Resize(opts.MaxWidth, 0, img, resize.Bilinear)
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", errors.Wrap(err, "encoding jpeg")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Encoder returns Encode bound to opts.
func Encoder(opts Options) func(image.Image) (string, error) {
	return func(img image.Image) (string, error) {
		return Encode(img, opts)
	}
}

// Decode reverses Encode, mainly for inspection and tests.
func Decode(s string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64")
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decoding jpeg")
	}
	return img, nil
}
