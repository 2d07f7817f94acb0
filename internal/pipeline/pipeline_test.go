package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/cutout/internal/compositor"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/mask"
	"github.com/MeKo-Tech/cutout/internal/testutil"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

func TestSegmentBeforeInitializeIsNoOp(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p, err := sharpBuilder(m).Build()
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, p.State())

	out := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range out.Pix {
		out.Pix[i] = 42
	}
	before := append([]byte(nil), out.Pix...)

	require.NoError(t, p.Segment(context.Background(), solidFrame(8, 8, red), out))
	assert.Equal(t, before, out.Pix)
	assert.Equal(t, int64(1), p.Stats().Skipped)
	assert.Zero(t, m.binding.Runs())

	_, err = p.SegmentImage(context.Background(), solidFrame(8, 8, red))
	require.ErrorIs(t, err, ErrNotReady)

	_, err = p.NewStream(mask.DefaultOptions())
	require.ErrorIs(t, err, ErrNotReady)

	err = p.SegmentSequence(context.Background(), 1, nil, nil, nil)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestInitializeAndSegment(t *testing.T) {
	t.Run("opaque mask keeps the frame", func(t *testing.T) {
		m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
		p := readyPipeline(t, m, func(b *Builder) { b.WithInferenceSize(16, 9) })

		assert.Equal(t, StateReady, p.State())
		assert.Equal(t, []byte("model"), m.loaded)
		assert.Equal(t, 16, m.loadOpts.Width)
		assert.Equal(t, 9, m.loadOpts.Height)

		out, err := p.SegmentImage(context.Background(), solidFrame(32, 18, red))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 32, 18), out.Bounds())
		assert.Equal(t, color.RGBA{R: 255, A: 255}, out.RGBAAt(5, 5))
		assert.Equal(t, color.RGBA{R: 255, A: 255}, out.RGBAAt(31, 17))
	})

	t.Run("transparent mask shows the background color", func(t *testing.T) {
		m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 0))}
		p := readyPipeline(t, m, func(b *Builder) { b.WithBackgroundColor(green) })

		out, err := p.SegmentImage(context.Background(), solidFrame(20, 10, red))
		require.NoError(t, err)
		assert.Equal(t, color.RGBA{G: 255, A: 255}, out.RGBAAt(10, 5))
	})

	t.Run("output takes the destination size", func(t *testing.T) {
		m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 0))}
		p := readyPipeline(t, m, nil)

		out := image.NewRGBA(image.Rect(0, 0, 7, 3))
		require.NoError(t, p.Segment(context.Background(), solidFrame(40, 40, red), out))
		assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(6, 2))
	})
}

func TestInitializeIsIdempotent(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)
	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, StateReady, p.State())
}

func TestInitializeFailureIsPermanent(t *testing.T) {
	loadErr := errors.New("unsupported operator")
	m := &mockBackend{loadErr: loadErr}
	p, err := sharpBuilder(m).Build()
	require.NoError(t, err)

	err = p.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitFailed)
	require.ErrorIs(t, err, loadErr)
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, err, p.Err())

	// A second attempt does not retry.
	m.loadErr = nil
	m.binding = mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))
	err = p.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, StateFailed, p.State())

	out := image.NewRGBA(image.Rect(0, 0, 4, 4))
	require.NoError(t, p.Segment(context.Background(), solidFrame(4, 4, red), out))
	assert.Equal(t, make([]byte, len(out.Pix)), out.Pix)

	require.NoError(t, p.Close())
	assert.Equal(t, StateFailed, p.State())
}

func TestInitializeRuntimeFailure(t *testing.T) {
	m := &mockBackend{
		binding: mock.NewBinding(16, 9, mock.ProbMap{}),
		initErr: errors.New("library not found"),
	}
	p, err := sharpBuilder(m).WithVariant(engine.PreferAccelerated).Build()
	require.NoError(t, err)

	err = p.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitFailed)
	assert.True(t, m.runtimeGPU)
	assert.Equal(t, StateFailed, p.State())
}

func TestInitializeLoadsAssetsFromFiles(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx-bytes"), 0o600))

	bgPath := filepath.Join(dir, "bg.png")
	f, err := os.Create(bgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solidFrame(10, 6, green)))
	require.NoError(t, f.Close())

	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 0))}
	p, err := NewBuilder().
		WithModel(modelPath).
		WithBackground(bgPath).
		WithBlurSigma(0).
		WithBackend(m.backend()).
		Build()
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	defer func() { _ = p.Close() }()

	assert.Equal(t, []byte("onnx-bytes"), m.loaded)
	assert.Equal(t, image.Rect(0, 0, 10, 6), p.Background().Bounds())

	out, err := p.SegmentImage(context.Background(), solidFrame(20, 12, red))
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{G: 255, A: 255}, out.RGBAAt(10, 6))
}

func TestInitializeMissingBackground(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.ProbMap{})}
	p, err := sharpBuilder(m).Build()
	require.NoError(t, err)
	p.cfg.BackgroundLocation = filepath.Join(t.TempDir(), "missing.jpg")

	err = p.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Contains(t, err.Error(), "load background")
}

func TestDebounceAlternatesOnDefaultStream(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)

	out := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for range 4 {
		require.NoError(t, p.Segment(context.Background(), solidFrame(16, 9, red), out))
	}

	assert.Equal(t, 2, m.binding.Runs())
	stats := p.Stats()
	assert.Equal(t, int64(4), stats.Calls)
	assert.Equal(t, int64(2), stats.Computed)
	assert.Equal(t, int64(2), stats.Reused)
	assert.Equal(t, int64(2), p.Inferences())
}

func TestDebounceDisabled(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, func(b *Builder) { b.WithDebounce(false) })

	out := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for range 3 {
		require.NoError(t, p.Segment(context.Background(), solidFrame(16, 9, red), out))
	}
	assert.Equal(t, 3, m.binding.Runs())
	assert.Zero(t, p.Stats().Reused)
}

func TestWarmupRunsBeforeReady(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, func(b *Builder) { b.WithWarmupIterations(3) })
	assert.Equal(t, 3, m.binding.Runs())
	assert.Zero(t, p.Stats().Calls)
}

func TestStreamsKeepSeparateCaches(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)

	a, err := p.NewStream(mask.DefaultOptions())
	require.NoError(t, err)
	b, err := p.NewStream(mask.DefaultOptions())
	require.NoError(t, err)

	out := image.NewRGBA(image.Rect(0, 0, 16, 9))
	frame := solidFrame(16, 9, red)
	require.NoError(t, a.Segment(context.Background(), frame, out))
	require.NoError(t, b.Segment(context.Background(), frame, out))
	assert.Equal(t, 2, m.binding.Runs(), "each stream computes its first mask")

	require.NoError(t, a.Segment(context.Background(), frame, out))
	assert.Equal(t, 2, m.binding.Runs())
	assert.Equal(t, mask.Stats{Computed: 1, Reused: 1}, a.MaskStats())
	assert.Equal(t, mask.Stats{Computed: 1}, b.MaskStats())

	a.Reset()
	require.NoError(t, a.Segment(context.Background(), frame, out))
	assert.Equal(t, 3, m.binding.Runs())
}

func TestStreamWithExplicitBackground(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 0))}
	p := readyPipeline(t, m, nil)

	s, err := p.NewStream(mask.Options{})
	require.NoError(t, err)

	out := image.NewRGBA(image.Rect(0, 0, 8, 8))
	bg := solidFrame(3, 3, green)
	require.NoError(t, s.SegmentWithBackground(context.Background(), solidFrame(8, 8, red), bg, out))
	assert.Equal(t, color.RGBA{G: 255, A: 255}, out.RGBAAt(4, 4))

	require.ErrorIs(t, s.Segment(context.Background(), nil, out), compositor.ErrNilInput)
}

func TestConcurrentSegmentIsSerialized(t *testing.T) {
	m := &mockBackend{binding: mock.NewLuminanceBinding(16, 9)}
	p := readyPipeline(t, m, func(b *Builder) { b.WithDebounce(false) })

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.SegmentImage(context.Background(), solidFrame(16, 9, white))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 8, m.binding.Runs())
}

func TestSegmentRunFailure(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)
	m.binding.RunErr = errors.New("kernel fault")

	_, err := p.SegmentImage(context.Background(), solidFrame(16, 9, red))
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestCloseReturnsToUninitialized(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p, err := sharpBuilder(m).Build()
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))

	require.NoError(t, p.Close())
	assert.Equal(t, StateUninitialized, p.State())
	assert.True(t, m.binding.Closed())

	out := image.NewRGBA(image.Rect(0, 0, 4, 4))
	require.NoError(t, p.Segment(context.Background(), solidFrame(4, 4, red), out))
	assert.Equal(t, make([]byte, len(out.Pix)), out.Pix)
	assert.Equal(t, int64(1), p.Stats().Skipped)

	require.NoError(t, p.Close())
}

func TestFingerprint(t *testing.T) {
	fingerprint := func(configure func(*Builder)) string {
		b := sharpBuilder(&mockBackend{})
		if configure != nil {
			configure(b)
		}
		p, err := b.Build()
		require.NoError(t, err)
		return p.Fingerprint()
	}

	base := fingerprint(nil)
	assert.Equal(t, base, fingerprint(nil))

	for name, configure := range map[string]func(*Builder){
		"background color": func(b *Builder) { b.WithBackgroundColor(green) },
		"background file":  func(b *Builder) { b.WithBackground("https://assets.example.com/office.jpg") },
		"model":            func(b *Builder) { b.WithModel("other.onnx") },
		"blur":             func(b *Builder) { b.WithBlurSigma(3) },
		"interpolator":     func(b *Builder) { b.WithInterpolator(draw.NearestNeighbor) },
		"inference size":   func(b *Builder) { b.WithInferenceSize(32, 18) },
		"resample filter":  func(b *Builder) { b.WithResampleFilter(imaging.Lanczos) },
	} {
		assert.NotEqual(t, base, fingerprint(configure), name)
	}
}

func TestCloseWaitsForInFlightStream(t *testing.T) {
	binding := mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))
	p := readyPipeline(t, &mockBackend{binding: binding}, nil)
	stream, err := p.NewStream(mask.Options{Filter: imaging.Linear})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	binding.Compute = func(_, output []float32) {
		close(started)
		<-release
		for i := range output {
			output[i] = 1
		}
	}

	segmented := make(chan error, 1)
	go func() {
		segmented <- stream.Segment(context.Background(), solidFrame(16, 9, red), image.NewRGBA(image.Rect(0, 0, 16, 9)))
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a frame was being segmented")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-segmented)
	require.NoError(t, <-closed)
	assert.True(t, binding.Closed())

	out := image.NewRGBA(image.Rect(0, 0, 16, 9))
	err = stream.Segment(context.Background(), solidFrame(16, 9, red), out)
	require.ErrorIs(t, err, ErrNotReady)
	assert.NotErrorIs(t, err, engine.ErrNotLoaded)
	assert.Equal(t, make([]byte, len(out.Pix)), out.Pix)
	assert.Equal(t, int64(1), p.Stats().Skipped)
}

func TestSegmentSequence(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)

	var (
		seen     []int
		progress []int
	)
	cb := &recordingCallback{onProgress: func(c int) { progress = append(progress, c) }}
	err := p.SegmentSequence(context.Background(), 5,
		func(int) (image.Image, error) { return solidFrame(16, 9, red), nil },
		func(i int, out *image.RGBA) error {
			seen = append(seen, i)
			assert.Equal(t, color.RGBA{R: 255, A: 255}, out.RGBAAt(0, 0))
			return nil
		}, cb)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
	assert.Equal(t, 5, cb.started)
	assert.True(t, cb.completed)
	assert.Equal(t, 3, m.binding.Runs(), "frames 0, 2 and 4 run the engine")
}

func TestSegmentSequenceStopsOnError(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)

	srcErr := errors.New("decode failed")
	cb := &recordingCallback{}
	err := p.SegmentSequence(context.Background(), 4,
		func(i int) (image.Image, error) {
			if i == 2 {
				return nil, srcErr
			}
			return solidFrame(16, 9, red), nil
		},
		func(int, *image.RGBA) error { return nil }, cb)
	require.ErrorIs(t, err, srcErr)
	assert.Equal(t, 2, cb.errAt)
	assert.False(t, cb.completed)
}

func TestSegmentSequenceHonorsContext(t *testing.T) {
	m := &mockBackend{binding: mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, 1))}
	p := readyPipeline(t, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.SegmentSequence(ctx, 3,
		func(int) (image.Image, error) { return solidFrame(16, 9, red), nil },
		func(int, *image.RGBA) error { return nil }, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.binding.Runs())
}

type recordingCallback struct {
	started    int
	completed  bool
	errAt      int
	onProgress func(int)
}

func (r *recordingCallback) OnStart(total int) { r.started = total }

func (r *recordingCallback) OnProgress(current, _ int) {
	if r.onProgress != nil {
		r.onProgress(current)
	}
}

func (r *recordingCallback) OnComplete() { r.completed = true }

func (r *recordingCallback) OnError(current int, _ error) { r.errAt = current }

func TestMaskFollowsFrameContent(t *testing.T) {
	m := &mockBackend{binding: mock.NewLuminanceBinding(16, 9)}
	p := readyPipeline(t, m, func(b *Builder) {
		b.WithInferenceSize(16, 9).WithBackgroundColor(green)
	})

	frame := testutil.CreateGradientImage(64, 36)
	out, err := p.SegmentImage(context.Background(), frame)
	require.NoError(t, err)

	// Dark pixels fall to the background, bright ones keep the frame.
	left := out.RGBAAt(0, 18)
	assert.Less(t, left.R, uint8(60))
	assert.Greater(t, left.G, uint8(200))

	right := out.RGBAAt(63, 18)
	assert.Greater(t, right.R, uint8(200))
	assert.Greater(t, right.B, uint8(200))
}
