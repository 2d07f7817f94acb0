package tensor

import (
	"errors"
	"fmt"
	"image"
)

// Channels is the number of color channels written per pixel. Alpha is dropped.
const Channels = 3

// ErrDimensionMismatch is returned when a buffer does not match the geometry it is paired with.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Tensor is a float32 tensor in row-major layout. Images use NHWC.
type Tensor struct {
	Data  []float32
	Shape []int64 // [N, H, W, C]
}

// Len returns the number of float values needed for a w x h interleaved RGB image.
func Len(width, height int) int {
	return width * height * Channels
}

// NewNHWC builds a single-image tensor with shape [1, H, W, 3].
func NewNHWC(data []float32, width, height int) (Tensor, error) {
	if data == nil {
		return Tensor{}, errors.New("nil data")
	}
	if want := Len(width, height); len(data) != want {
		return Tensor{}, fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(data), want)
	}
	return Tensor{Data: data, Shape: []int64{1, int64(height), int64(width), Channels}}, nil
}

// Validate checks the shape is a positive rank-4 NHWC shape matching the data length.
func (t Tensor) Validate() error {
	if len(t.Shape) != 4 {
		return fmt.Errorf("shape rank %d != 4", len(t.Shape))
	}
	expected := int64(1)
	for i, v := range t.Shape {
		if v <= 0 {
			return fmt.Errorf("dimension %d must be > 0, got %d", i, v)
		}
		expected *= v
	}
	if int64(len(t.Data)) != expected {
		return fmt.Errorf("%w: tensor data length %d != expected %d for shape %v",
			ErrDimensionMismatch, len(t.Data), expected, t.Shape)
	}
	return nil
}

// Stats computes min, max and mean for debug output.
func Stats(data []float32) (float32, float32, float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	minVal, maxVal := data[0], data[0]
	var sum float64
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
	}
	return minVal, maxVal, float32(sum / float64(len(data)))
}

// Pack writes the RGB channels of pixels into dst as interleaved values in [0,1].
// dst must hold exactly 3*W*H values; a short or long buffer is a caller defect.
func Pack(pixels *image.NRGBA, dst []float32) error {
	if pixels == nil {
		return errors.New("nil pixel buffer")
	}
	w, h := pixels.Rect.Dx(), pixels.Rect.Dy()
	if want := Len(w, h); len(dst) != want {
		return fmt.Errorf("%w: tensor holds %d values, %dx%d image needs %d",
			ErrDimensionMismatch, len(dst), w, h, want)
	}

	i := 0
	for y := range h {
		row := pixels.Pix[y*pixels.Stride : y*pixels.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			dst[i] = float32(row[x]) / 255
			dst[i+1] = float32(row[x+1]) / 255
			dst[i+2] = float32(row[x+2]) / 255
			i += Channels
		}
	}
	return nil
}

// Unpack rebuilds an opaque image from an interleaved RGB tensor.
func Unpack(src []float32, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if want := Len(width, height); len(src) != want {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(src), want)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for p := range width * height {
		o := p * 4
		s := p * Channels
		img.Pix[o] = ToByte(src[s])
		img.Pix[o+1] = ToByte(src[s+1])
		img.Pix[o+2] = ToByte(src[s+2])
		img.Pix[o+3] = 255
	}
	return img, nil
}

// ToByte maps a [0,1] value to 0..255 with rounding, clamping out-of-range input.
func ToByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
