// Package compositor blends a frame over a background through a soft mask.
//
// Compositing runs three Porter-Duff passes over premultiplied RGBA:
//
//  1. REPLACE: the destination becomes the scaled, blurred mask.
//  2. SOURCE-IN: the frame is kept only where the destination has coverage.
//  3. DESTINATION-OVER: the background fills in behind what remains.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/MeKo-Tech/cutout/internal/tensor"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

var (
	// ErrNilInput is returned when a mask, frame, background or destination is missing.
	ErrNilInput = errors.New("compositor input is nil")
	// ErrDimensionMismatch is returned for empty surfaces.
	ErrDimensionMismatch = tensor.ErrDimensionMismatch
)

// DefaultBlurSigma softens mask edges by two pixels.
const DefaultBlurSigma = 2.0

// Options configures a Compositor.
type Options struct {
	// BlurSigma is the Gaussian standard deviation in output pixels. 0 disables blurring.
	BlurSigma float64
	// Interpolator scales the mask, frame and background to the output size.
	Interpolator draw.Interpolator
}

// DefaultOptions returns bilinear scaling with a 2px edge blur.
func DefaultOptions() Options {
	return Options{BlurSigma: DefaultBlurSigma, Interpolator: draw.BiLinear}
}

// ParseInterpolator maps a name to an x/image/draw interpolator. Empty selects bilinear.
func ParseInterpolator(name string) (draw.Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bilinear", "linear":
		return draw.BiLinear, nil
	case "nearest":
		return draw.NearestNeighbor, nil
	case "approxbilinear":
		return draw.ApproxBiLinear, nil
	case "catmullrom", "bicubic":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown interpolator %q", name)
	}
}

// InterpolatorName is the inverse of ParseInterpolator. nil names bilinear,
// matching what New substitutes.
func InterpolatorName(ip draw.Interpolator) string {
	switch ip {
	case nil, draw.BiLinear:
		return "bilinear"
	case draw.NearestNeighbor:
		return "nearest"
	case draw.ApproxBiLinear:
		return "approxbilinear"
	case draw.CatmullRom:
		return "catmullrom"
	default:
		return fmt.Sprintf("%T", ip)
	}
}

// Compositor owns scratch surfaces that are reused while the mask and output
// dimensions stay the same. It is not safe for concurrent use.
type Compositor struct {
	opts Options

	maskSurface  *image.RGBA // mask resolution
	scaledMask   *image.RGBA // output resolution
	frameSurface *image.RGBA // output resolution
	bgSurface    *image.RGBA // output resolution
	allocations  int
}

// New creates a Compositor.
func New(opts Options) *Compositor {
	if opts.Interpolator == nil {
		opts.Interpolator = draw.BiLinear
	}
	if opts.BlurSigma < 0 {
		opts.BlurSigma = 0
	}
	return &Compositor{opts: opts}
}

// Options returns the active options.
func (c *Compositor) Options() Options {
	return c.opts
}

// Allocations returns how many times scratch surfaces were (re)allocated.
func (c *Compositor) Allocations() int {
	return c.allocations
}

// Composite renders frame over background through mask into dst. The mask,
// frame and background are scaled to dst's size. background is never modified.
func (c *Compositor) Composite(mask *image.NRGBA, frame, background image.Image, dst *image.RGBA) error {
	if mask == nil || frame == nil || background == nil || dst == nil {
		return ErrNilInput
	}
	out := dst.Bounds()
	if out.Empty() {
		return fmt.Errorf("%w: output surface is empty", ErrDimensionMismatch)
	}
	if mask.Bounds().Empty() || frame.Bounds().Empty() || background.Bounds().Empty() {
		return fmt.Errorf("%w: mask, frame and background must have pixels", ErrDimensionMismatch)
	}

	c.ensureSurfaces(mask.Bounds().Size(), out.Size())

	alpha := c.prepareMask(mask)
	replacePass(dst, alpha)

	c.scaleInto(c.frameSurface, frame)
	sourceInPass(dst, c.frameSurface)

	c.scaleInto(c.bgSurface, background)
	destinationOverPass(dst, c.bgSurface)
	return nil
}

func (c *Compositor) ensureSurfaces(maskSize, outSize image.Point) {
	realloc := false
	if c.maskSurface == nil || c.maskSurface.Rect.Size() != maskSize {
		c.maskSurface = image.NewRGBA(image.Rectangle{Max: maskSize})
		realloc = true
	}
	if c.scaledMask == nil || c.scaledMask.Rect.Size() != outSize {
		c.scaledMask = image.NewRGBA(image.Rectangle{Max: outSize})
		c.frameSurface = image.NewRGBA(image.Rectangle{Max: outSize})
		c.bgSurface = image.NewRGBA(image.Rectangle{Max: outSize})
		realloc = true
	}
	if realloc {
		c.allocations++
	}
}

// prepareMask copies the mask onto its surface, scales it to the output size
// and softens the edges. The result has zero color and the mask in alpha.
func (c *Compositor) prepareMask(mask *image.NRGBA) *image.RGBA {
	draw.Draw(c.maskSurface, c.maskSurface.Rect, mask, mask.Rect.Min, draw.Src)
	c.scaleInto(c.scaledMask, c.maskSurface)

	if c.opts.BlurSigma <= 0 {
		return c.scaledMask
	}
	blurred := imaging.Blur(c.scaledMask, c.opts.BlurSigma)
	draw.Draw(c.scaledMask, c.scaledMask.Rect, blurred, image.Point{}, draw.Src)
	return c.scaledMask
}

// scaleInto fills dst with src, scaling only when the sizes differ.
func (c *Compositor) scaleInto(dst *image.RGBA, src image.Image) {
	if u, ok := src.(*image.Uniform); ok {
		draw.Draw(dst, dst.Rect, u, image.Point{}, draw.Src)
		return
	}
	sb := src.Bounds()
	if sb.Size() == dst.Rect.Size() {
		draw.Draw(dst, dst.Rect, src, sb.Min, draw.Src)
		return
	}
	c.opts.Interpolator.Scale(dst, dst.Rect, src, sb, draw.Src, nil)
}
