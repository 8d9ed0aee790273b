package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// MaxPixels bounds the source resolution accepted by Decode. Compressed
// formats can declare far more pixels than their byte size suggests.
const MaxPixels = 40_000_000

var errTooLarge = errors.New("image too large")

// Decode turns encoded image bytes into a 112x112 NRGBA face crop.
func Decode(data []byte) (*image.NRGBA, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %w: %dx%d", ErrDecode, errTooLarge, cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return imaging.Resize(img, ImageSize, ImageSize, imaging.Linear), nil
}

// Tensor converts a 112x112 image into NHWC float32 input, (x-127.5)/128 per
// channel in RGB order. Alpha is dropped.
func Tensor(img *image.NRGBA) []float32 {
	out := make([]float32, 0, TensorLen)
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			out = append(out,
				(float32(row[i])-127.5)/128.0,
				(float32(row[i+1])-127.5)/128.0,
				(float32(row[i+2])-127.5)/128.0,
			)
		}
	}
	return out
}

// prepare image for model input
func Preprocess(data []byte) ([]float32, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Tensor(img), nil
}

// L2Normalize scales v to unit length in place. The norm is floored at 1e-12
// so a zero vector stays zero.
func L2Normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	norm := max(float32(math.Sqrt(float64(sum))), 1e-12)
	for i := range v {
		v[i] /= norm
	}
}
