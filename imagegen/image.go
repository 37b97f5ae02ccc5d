package imagegen

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pdevine/tensor"
	"golang.org/x/image/draw"

	"github.com/jmorganca/cascade/latent"
)

// Writer stores a finished image under name.
type Writer interface {
	Save(img image.Image, name string) error
}

// PNGWriter encodes images as PNG files, creating parent directories as
// needed.
type PNGWriter struct{}

func (PNGWriter) Save(img image.Image, name string) error {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.Create(name)
	if err != nil {
		return err
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// PostProcess converts the first image of a decoded batch [B, 3, H, W]
// with values in [-1, 1] to 8-bit RGB. Values are mapped by x/2+0.5 and
// clamped to [0, 1].
func PostProcess(x *tensor.Dense) (*image.RGBA, error) {
	shape := latent.Shape(x)
	if len(shape) != 4 || shape[0] < 1 || shape[1] != 3 {
		return nil, fmt.Errorf("%w: expected pixels [B, 3, H, W], got %v", latent.ErrShape, shape)
	}

	h, w := shape[2], shape[3]
	data := latent.Float32s(x)
	plane := h * w

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for row := range h {
		for col := range w {
			src := row*w + col
			dst := src * 4
			for c := range 3 {
				v := data[c*plane+src]/2 + 0.5
				img.Pix[dst+c] = uint8(clampF(v, 0, 1)*255 + 0.5)
			}
			img.Pix[dst+3] = 255
		}
	}

	return img, nil
}

// Resize scales img to width x height unless it already has that size.
func Resize(img *image.RGBA, width, height int) *image.RGBA {
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
