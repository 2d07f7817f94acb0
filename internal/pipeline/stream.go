package pipeline

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/cutout/internal/compositor"
	"github.com/MeKo-Tech/cutout/internal/mask"
)

// Stream segments a sequence of frames. Each stream has its own mask cache,
// so debouncing only ever reuses masks from the same sequence.
type Stream struct {
	pipeline   *Pipeline
	mu         sync.Mutex
	producer   *mask.Producer
	compositor *compositor.Compositor
}

// Segment composites frame over the pipeline background into out.
func (s *Stream) Segment(ctx context.Context, frame image.Image, out *image.RGBA) error {
	return s.SegmentWithBackground(ctx, frame, nil, out)
}

// SegmentWithBackground composites frame over background into out. A nil
// background selects the pipeline background. Once the pipeline is closed it
// returns ErrNotReady and leaves out untouched.
func (s *Stream) SegmentWithBackground(ctx context.Context, frame, background image.Image, out *image.RGBA) error {
	if frame == nil || out == nil {
		return compositor.ErrNilInput
	}
	if background == nil {
		background = s.pipeline.background
	}

	s.pipeline.runMu.RLock()
	defer s.pipeline.runMu.RUnlock()
	stats := &s.pipeline.stats
	if !s.pipeline.Ready() {
		stats.skipped.Add(1)
		return ErrNotReady
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats.calls.Add(1)

	res, err := s.producer.Produce(ctx, frame)
	if err != nil {
		stats.failed.Add(1)
		return err
	}
	if res.Reused {
		stats.reused.Add(1)
	} else {
		stats.computed.Add(1)
	}

	if err := s.compositor.Composite(res.Mask, frame, background, out); err != nil {
		stats.failed.Add(1)
		return err
	}

	slog.Debug("Frame segmented",
		"width", out.Rect.Dx(),
		"height", out.Rect.Dy(),
		"reused", res.Reused)
	return nil
}

// Reset drops the stream's cached mask.
func (s *Stream) Reset() {
	s.producer.Reset()
}

// MaskStats returns the stream's mask counters.
func (s *Stream) MaskStats() mask.Stats {
	return s.producer.Stats()
}
