package yolo

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// fillInput resizes img to size x size and writes it into dst as planar RGB scaled to [0, 1].
//
// Arguments:
//   - img: The source frame.
//   - size: The square model input edge.
//   - dst: The input tensor data, at least 3*size*size floats.
//
// Returns:
//   - error: An error if dst is too small or img is empty.
func fillInput(img image.Image, size int, dst []float32) error {
	channel := size * size
	if len(dst) < channel*3 {
		return errors.Errorf("destination tensor only holds %d floats, needs %d", len(dst), channel*3)
	}
	if img == nil || img.Bounds().Empty() {
		return errors.New("empty frame")
	}

	red := dst[0:channel]
	green := dst[channel : channel*2]
	blue := dst[channel*2 : channel*3]

	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
		b = img.Bounds()
	}

	i := 0
	for y := b.Min.Y; y < b.Min.Y+size; y++ {
		for x := b.Min.X; x < b.Min.X+size; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return nil
}
