package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common test frame sizes.
	InferenceSize = ImageSize{256, 144}
	SmallSize     = ImageSize{320, 180}
	HDSize        = ImageSize{1280, 720}
)

// CreateTestImage creates a solid image with the specified dimensions and color.
func CreateTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

// CreateGradientImage creates an opaque left-to-right gradient from black to white.
func CreateGradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			v := uint8(0)
			if width > 1 {
				v = uint8(x * 255 / (width - 1)) //nolint:gosec // bounded by 255
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// CreatePersonImage draws a head-and-shoulders silhouette in fg over bg,
// roughly what a webcam frame of one person looks like.
func CreatePersonImage(width, height int, fg, bg color.Color) *image.RGBA {
	img := CreateTestImage(width, height, bg)
	cx := float64(width) / 2
	headR := float64(height) / 6
	headCY := float64(height) * 0.35
	shoulderTop := headCY + headR*1.2
	for y := range height {
		for x := range width {
			dx := float64(x) - cx
			dy := float64(y) - headCY
			inHead := dx*dx+dy*dy <= headR*headR
			inBody := float64(y) >= shoulderTop && dx*dx <= (headR*2)*(headR*2)
			if inHead || inBody {
				img.Set(x, y, fg)
			}
		}
	}
	return img
}

// EncodePNG encodes img and fails the test on error.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img), "Failed to encode PNG")
	return buf.Bytes()
}

// PNGHeader returns a PNG that declares a width x height RGBA image but
// carries no pixel data. Decoding its config succeeds; decoding the image fails.
func PNGHeader(width, height int) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))  //nolint:gosec // test fixture
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height)) //nolint:gosec // test fixture

	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha

	chunk := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

// SaveImage saves an image to the specified path.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	require.NoError(t, EnsureDir(filepath.Dir(path)))
	require.NoError(t, imaging.Save(img, path), "Failed to save image: %s", path)
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	img, err := LoadImageFile(path)
	require.NoError(t, err, "Failed to load image: %s", path)
	return img
}

// LoadImageFile loads an image from the specified path (non-testing version).
func LoadImageFile(path string) (image.Image, error) {
	file, err := os.Open(path) //nolint:gosec // G304: Opening user-provided image file is expected
	if err != nil {
		return nil, fmt.Errorf("failed to open image file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

// MaxChannelDiff returns the largest 8-bit channel difference between two
// images of the same size, compared in non-premultiplied RGBA. It returns -1
// when the sizes differ.
func MaxChannelDiff(a, b image.Image) int {
	if a.Bounds().Size() != b.Bounds().Size() {
		return -1
	}
	na := imaging.Clone(a)
	nb := imaging.Clone(b)
	maxDiff := 0
	for i := range na.Pix {
		d := int(na.Pix[i]) - int(nb.Pix[i])
		if d < 0 {
			d = -d
		}
		maxDiff = max(maxDiff, d)
	}
	return maxDiff
}

// AssertImagesClose fails the test when the images differ in size or any
// channel differs by more than tolerance.
func AssertImagesClose(t *testing.T, expected, actual image.Image, tolerance int) {
	t.Helper()

	diff := MaxChannelDiff(expected, actual)
	require.NotEqual(t, -1, diff, "image sizes differ: %v vs %v",
		expected.Bounds().Size(), actual.Bounds().Size())
	require.LessOrEqual(t, diff, tolerance, "images differ by %d", diff)
}

// AssertUniformColor fails the test unless every pixel of img equals c within tolerance.
func AssertUniformColor(t *testing.T, img image.Image, c color.Color, tolerance int) {
	t.Helper()

	b := img.Bounds()
	AssertImagesClose(t, CreateTestImage(b.Dx(), b.Dy(), c), img, tolerance)
}
