// Package mask turns frames into soft segmentation masks using the engine.
package mask

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/tensor"
	"github.com/MeKo-Tech/cutout/internal/utils"
	"github.com/disintegration/imaging"
)

// ErrNotReady is returned when the producer has no usable engine.
var ErrNotReady = errors.New("mask producer not ready")

// Options configures a Producer.
type Options struct {
	// Debounce alternates between computing a fresh mask and reusing the
	// previous one, halving inference load on frame sequences.
	Debounce bool
	// Filter is used to resample frames to the inference resolution. The
	// zero value is nearest neighbor.
	Filter imaging.ResampleFilter
}

// DefaultOptions returns debounced production with linear resampling.
func DefaultOptions() Options {
	return Options{Debounce: true, Filter: imaging.Linear}
}

// Result is a produced mask.
type Result struct {
	// Mask is W x H at inference resolution; alpha carries the probability.
	Mask *image.NRGBA
	// Reused is true when Mask was served from the debounce cache.
	Reused bool
}

// Stats counts produced masks.
type Stats struct {
	Computed int64 `json:"computed"`
	Reused   int64 `json:"reused"`
}

// Producer drives resample, pack and inference for a sequence of frames.
// A Producer holds per-sequence cache state; use one per frame stream.
type Producer struct {
	session *engine.Session
	opts    Options
	width   int
	height  int

	mu      sync.Mutex
	scratch []float32
	masks   [2]*image.NRGBA
	next    int
	cached  *image.NRGBA
	stats   Stats
}

// NewProducer creates a producer bound to a loaded engine session.
func NewProducer(session *engine.Session, opts Options) (*Producer, error) {
	if session == nil {
		return nil, ErrNotReady
	}
	w, h := session.Dimensions()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: engine has no input dimensions", ErrNotReady)
	}

	return &Producer{
		session: session,
		opts:    opts,
		width:   w,
		height:  h,
		scratch: make([]float32, tensor.Len(w, h)),
		masks: [2]*image.NRGBA{
			image.NewNRGBA(image.Rect(0, 0, w, h)),
			image.NewNRGBA(image.Rect(0, 0, w, h)),
		},
	}, nil
}

// Dimensions returns the mask resolution.
func (p *Producer) Dimensions() (int, int) {
	return p.width, p.height
}

// Produce returns a mask for frame. With debouncing on, a cached mask is
// returned and dropped so that the following call computes again. A returned
// mask stays valid until the second computation after it.
func (p *Producer) Produce(ctx context.Context, frame image.Image) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Debounce && p.cached != nil {
		m := p.cached
		p.cached = nil
		p.stats.Reused++
		return Result{Mask: m, Reused: true}, nil
	}

	resized, err := utils.Resample(frame, p.width, p.height, p.opts.Filter)
	if err != nil {
		return Result{}, err
	}
	if err := tensor.Pack(resized, p.scratch); err != nil {
		return Result{}, err
	}

	dst := p.masks[p.next]
	err = p.session.Infer(p.scratch, func(out []float32) error {
		_, convErr := ToMaskImage(out, p.width, p.height, dst)
		return convErr
	})
	if err != nil {
		return Result{}, fmt.Errorf("segmentation inference: %w", err)
	}
	p.next = 1 - p.next
	p.stats.Computed++

	if p.opts.Debounce {
		p.cached = dst
	}
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		minV, maxV, mean := tensor.Stats(p.scratch)
		slog.Debug("Mask computed", "width", p.width, "height", p.height,
			"input_min", minV, "input_max", maxV, "input_mean", mean)
	}
	return Result{Mask: dst}, nil
}

// Reset drops any cached mask so the next call computes.
func (p *Producer) Reset() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Cached reports whether the next call would be served from the cache.
func (p *Producer) Cached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Debounce && p.cached != nil
}

// Stats returns production counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ToMaskImage converts w*h probabilities into an image whose alpha is
// round(p*255) and whose color channels are zero. dst is reused when it has
// the right size; otherwise a new image is allocated.
func ToMaskImage(probs []float32, w, h int, dst *image.NRGBA) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 || len(probs) != w*h {
		return nil, fmt.Errorf("%w: %d probabilities for a %dx%d mask", tensor.ErrDimensionMismatch, len(probs), w, h)
	}
	if dst == nil || dst.Rect.Dx() != w || dst.Rect.Dy() != h {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}

	for y := range h {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := range w {
			o := x * 4
			row[o] = 0
			row[o+1] = 0
			row[o+2] = 0
			row[o+3] = tensor.ToByte(probs[y*w+x])
		}
	}
	return dst, nil
}
