package utils

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

// ImageProcessingError represents errors that can occur during image processing.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error {
	return e.Err
}

// ImageConstraints bounds the size of images accepted from callers.
type ImageConstraints struct {
	MaxWidth  int
	MaxHeight int
	MinWidth  int
	MinHeight int
}

// DefaultImageConstraints returns limits suitable for camera frames and photos.
func DefaultImageConstraints() ImageConstraints {
	return ImageConstraints{
		MaxWidth:  8192,
		MaxHeight: 8192,
		MinWidth:  1,
		MinHeight: 1,
	}
}

// ValidateImageConstraints checks dimensions against the provided constraints.
func ValidateImageConstraints(img image.Image, constraints ImageConstraints) error {
	if img == nil {
		return &ImageProcessingError{Operation: "validate", Err: errors.New("input image is nil")}
	}
	b := img.Bounds()
	return ValidateDimensions(b.Dx(), b.Dy(), constraints)
}

// ValidateDimensions checks a width and height against constraints before
// any pixel buffer is sized from them.
func ValidateDimensions(w, h int, constraints ImageConstraints) error {
	if w < constraints.MinWidth || h < constraints.MinHeight {
		return &ImageProcessingError{
			Operation: "validate",
			Err:       fmt.Errorf("image too small: %dx%d < %dx%d", w, h, constraints.MinWidth, constraints.MinHeight),
		}
	}
	if (constraints.MaxWidth > 0 && w > constraints.MaxWidth) ||
		(constraints.MaxHeight > 0 && h > constraints.MaxHeight) {
		return &ImageProcessingError{
			Operation: "validate",
			Err:       fmt.Errorf("image too large: %dx%d > %dx%d", w, h, constraints.MaxWidth, constraints.MaxHeight),
		}
	}
	return nil
}

// Resample stretches src to exactly width x height in a single pass. Aspect
// ratio is not preserved. When src already has the target size the result is
// a pixel-identical copy. src is never modified.
func Resample(src image.Image, width, height int, filter imaging.ResampleFilter) (*image.NRGBA, error) {
	if src == nil {
		return nil, &ImageProcessingError{Operation: "resample", Err: errors.New("input image is nil")}
	}
	if width <= 0 || height <= 0 {
		return nil, &ImageProcessingError{
			Operation: "resample",
			Err:       fmt.Errorf("invalid target dimensions %dx%d", width, height),
		}
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &ImageProcessingError{Operation: "resample", Err: errors.New("input image has no pixels")}
	}

	if b.Dx() == width && b.Dy() == height {
		return imaging.Clone(src), nil
	}
	return imaging.Resize(src, width, height, filter), nil
}

// FilterFingerprint identifies a resample filter by its support and a few
// kernel samples, since filters carry a func and cannot be compared directly.
func FilterFingerprint(f imaging.ResampleFilter) string {
	if f.Kernel == nil {
		return fmt.Sprintf("%g", f.Support)
	}
	return fmt.Sprintf("%g:%.6g,%.6g,%.6g", f.Support, f.Kernel(0.3), f.Kernel(0.8), f.Kernel(1.6))
}

// ParseFilter maps a filter name to an imaging resample filter. Empty selects linear.
func ParseFilter(name string) (imaging.ResampleFilter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear", "bilinear":
		return imaging.Linear, nil
	case "nearest":
		return imaging.NearestNeighbor, nil
	case "box":
		return imaging.Box, nil
	case "catmullrom", "bicubic":
		return imaging.CatmullRom, nil
	case "lanczos":
		return imaging.Lanczos, nil
	default:
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resample filter %q", name)
	}
}
