// Package pipeline wires the engine, mask producer and compositor into a
// segmentation pipeline with an explicit readiness state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/cutout/internal/assets"
	"github.com/MeKo-Tech/cutout/internal/compositor"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/mask"
	"github.com/MeKo-Tech/cutout/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Stats counts pipeline activity.
type Stats struct {
	Calls    int64 `json:"calls"`
	Skipped  int64 `json:"skipped"`
	Computed int64 `json:"computed"`
	Reused   int64 `json:"reused"`
	Failed   int64 `json:"failed"`
}

type counters struct {
	calls, skipped, computed, reused, failed atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Calls:    c.calls.Load(),
		Skipped:  c.skipped.Load(),
		Computed: c.computed.Load(),
		Reused:   c.reused.Load(),
		Failed:   c.failed.Load(),
	}
}

// Pipeline is the segmentation context. It owns the engine session, the
// default frame stream and the background image.
type Pipeline struct {
	cfg     Config
	backend Backend
	fetcher *assets.Fetcher

	state   atomic.Int32
	initMu  sync.Mutex
	initErr error
	// runMu is held shared while a stream uses the session and exclusively by Close.
	runMu sync.RWMutex

	modelData  []byte
	session    *engine.Session
	background image.Image
	stream     *Stream
	stats      counters
}

// State returns the current readiness.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Ready reports whether segmentation calls do work.
func (p *Pipeline) Ready() bool {
	return p.State() == StateReady
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Err returns the initialization failure, if any.
func (p *Pipeline) Err() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.initErr
}

// Initialize sets up the runtime and fetches the model and background
// concurrently, then loads the engine. It runs once; a failure leaves the
// pipeline in StateFailed for good.
func (p *Pipeline) Initialize(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateUninitialized), int32(StateLoading)) {
		switch p.State() {
		case StateReady:
			return nil
		case StateFailed:
			return p.Err()
		default:
			return ErrInitInProgress
		}
	}

	start := time.Now()
	slog.Info("Initializing segmentation pipeline",
		"model", p.cfg.ModelLocation,
		"background", p.cfg.BackgroundLocation,
		"variant", p.cfg.Engine.Preference,
		"width", p.cfg.Engine.Width,
		"height", p.cfg.Engine.Height)

	if err := p.initialize(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrInitFailed, err)
		p.initMu.Lock()
		p.initErr = err
		p.initMu.Unlock()
		p.state.Store(int32(StateFailed))
		slog.Error("Segmentation pipeline disabled", "error", err)
		return err
	}

	p.state.Store(int32(StateReady))
	slog.Info("Segmentation pipeline ready",
		"variant", p.session.Variant().String(),
		"duration", time.Since(start))
	return nil
}

func (p *Pipeline) initialize(ctx context.Context) error {
	var (
		modelData  = p.modelData
		background image.Image
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.backend.InitRuntime(p.cfg.LibraryPath, p.cfg.Engine.Preference.WantsAccelerated())
	})
	if modelData == nil {
		g.Go(func() error {
			data, err := p.fetcher.Fetch(gctx, p.cfg.ModelLocation)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			modelData = data
			return nil
		})
	}
	g.Go(func() error {
		bg, err := p.loadBackground(gctx)
		if err != nil {
			return err
		}
		background = bg
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	p.modelData = modelData
	p.background = background

	binding, err := p.backend.Load(ctx, modelData, p.cfg.Engine)
	if err != nil {
		return fmt.Errorf("load engine: %w", err)
	}
	session := engine.NewSession(binding)

	if err := session.Warmup(p.cfg.WarmupIterations); err != nil {
		_ = session.Close()
		return err
	}

	p.session = session
	stream, err := p.newStream(p.cfg.Mask)
	if err != nil {
		_ = session.Close()
		p.session = nil
		return err
	}
	p.stream = stream
	return nil
}

func (p *Pipeline) loadBackground(ctx context.Context) (image.Image, error) {
	if p.cfg.BackgroundLocation == "" {
		return image.NewUniform(p.cfg.BackgroundColor), nil
	}
	img, err := p.fetcher.FetchImage(ctx, p.cfg.BackgroundLocation)
	if err != nil {
		return nil, fmt.Errorf("load background: %w", err)
	}
	return img, nil
}

// Segment composites frame over the background into out at out's size. Before
// the pipeline is ready the call does nothing and out is left untouched.
// Concurrent calls run one at a time.
func (p *Pipeline) Segment(ctx context.Context, frame image.Image, out *image.RGBA) error {
	if !p.Ready() {
		p.stats.skipped.Add(1)
		slog.Debug("Segment skipped, pipeline not ready", "state", p.State().String())
		return nil
	}
	// Close may win the race after the check above.
	if err := p.stream.Segment(ctx, frame, out); !errors.Is(err, ErrNotReady) {
		return err
	}
	return nil
}

// SegmentImage composites frame into a new image of the frame's size.
// Unlike Segment it reports ErrNotReady so callers can answer accordingly.
func (p *Pipeline) SegmentImage(ctx context.Context, frame image.Image) (*image.RGBA, error) {
	if !p.Ready() {
		p.stats.skipped.Add(1)
		return nil, ErrNotReady
	}
	if frame == nil {
		return nil, compositor.ErrNilInput
	}
	out := image.NewRGBA(image.Rectangle{Max: frame.Bounds().Size()})
	if err := p.stream.Segment(ctx, frame, out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewStream returns a frame stream with its own mask cache and scratch
// surfaces that shares the engine and background.
func (p *Pipeline) NewStream(opts mask.Options) (*Stream, error) {
	if !p.Ready() {
		return nil, ErrNotReady
	}
	return p.newStream(opts)
}

func (p *Pipeline) newStream(opts mask.Options) (*Stream, error) {
	producer, err := mask.NewProducer(p.session, opts)
	if err != nil {
		return nil, err
	}
	return &Stream{
		pipeline:   p,
		producer:   producer,
		compositor: compositor.New(p.cfg.Compositor),
	}, nil
}

// Background returns the background image.
func (p *Pipeline) Background() image.Image {
	return p.background
}

// ModelInfo describes the loaded model.
func (p *Pipeline) ModelInfo() engine.ModelInfo {
	if !p.Ready() {
		return engine.ModelInfo{}
	}
	return p.session.Info()
}

// Inferences returns the number of engine runs so far.
func (p *Pipeline) Inferences() int64 {
	if p.session == nil {
		return 0
	}
	return p.session.Runs()
}

// Fingerprint identifies the configuration that shapes rendered output: the
// model, input size, configured background, edge blur and scaling filters.
// Output rendered under one fingerprint is not valid under another.
func (p *Pipeline) Fingerprint() string {
	c := p.cfg
	bg := c.BackgroundLocation
	if bg == "" {
		bg = fmt.Sprintf("#%02x%02x%02x%02x", c.BackgroundColor.R, c.BackgroundColor.G, c.BackgroundColor.B, c.BackgroundColor.A)
	}
	return strings.Join([]string{
		c.ModelLocation,
		fmt.Sprintf("%dx%d", c.Engine.Width, c.Engine.Height),
		bg,
		strconv.FormatFloat(c.Compositor.BlurSigma, 'g', -1, 64),
		compositor.InterpolatorName(c.Compositor.Interpolator),
		utils.FilterFingerprint(c.Mask.Filter),
	}, "|")
}

// Stats returns activity counters across all streams.
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}

// Close waits for in-flight stream calls, then releases the engine. The
// pipeline returns to StateUninitialized and later calls are no-ops.
func (p *Pipeline) Close() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.state.CompareAndSwap(int32(StateReady), int32(StateUninitialized)) {
		return nil
	}
	return p.session.Close()
}
