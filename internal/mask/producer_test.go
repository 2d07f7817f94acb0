package mask

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func newProducer(t *testing.T, b *mock.Binding, opts Options) *Producer {
	t.Helper()
	p, err := NewProducer(engine.NewSession(b), opts)
	require.NoError(t, err)
	return p
}

func TestProduceDebounceAlternates(t *testing.T) {
	b := mock.NewBinding(4, 2, mock.NewUniformMap(4, 2, 1))
	p := newProducer(t, b, DefaultOptions())
	ctx := context.Background()
	frame := solid(16, 8, color.NRGBA{R: 255, A: 255})

	first, err := p.Produce(ctx, frame)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, 1, b.Runs())
	assert.True(t, p.Cached())

	second, err := p.Produce(ctx, frame)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Same(t, first.Mask, second.Mask)
	assert.Equal(t, 1, b.Runs(), "reuse must not run inference")
	assert.False(t, p.Cached())

	third, err := p.Produce(ctx, frame)
	require.NoError(t, err)
	assert.False(t, third.Reused)
	assert.Equal(t, 2, b.Runs())

	assert.Equal(t, Stats{Computed: 2, Reused: 1}, p.Stats())
}

func TestProduceReusesStaleMaskForNewFrame(t *testing.T) {
	b := mock.NewLuminanceBinding(2, 2)
	p := newProducer(t, b, DefaultOptions())
	ctx := context.Background()

	white, err := p.Produce(ctx, solid(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), white.Mask.NRGBAAt(0, 0).A)

	stale, err := p.Produce(ctx, solid(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.True(t, stale.Reused)
	assert.Equal(t, uint8(255), stale.Mask.NRGBAAt(0, 0).A, "second frame gets the first frame's mask")

	fresh, err := p.Produce(ctx, solid(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), fresh.Mask.NRGBAAt(0, 0).A)
}

func TestProduceWithoutDebounce(t *testing.T) {
	b := mock.NewBinding(2, 2, mock.NewUniformMap(2, 2, 0.5))
	opts := DefaultOptions()
	opts.Debounce = false
	p := newProducer(t, b, opts)

	for i := range 3 {
		res, err := p.Produce(context.Background(), solid(3, 3, color.NRGBA{A: 255}))
		require.NoError(t, err)
		assert.False(t, res.Reused)
		assert.Equal(t, i+1, b.Runs())
	}
	assert.False(t, p.Cached())
}

func TestProduceReset(t *testing.T) {
	b := mock.NewBinding(2, 2, mock.ProbMap{})
	p := newProducer(t, b, DefaultOptions())
	ctx := context.Background()

	_, err := p.Produce(ctx, solid(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	p.Reset()
	res, err := p.Produce(ctx, solid(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, 2, b.Runs())
}

func TestProducePacksResampledFrame(t *testing.T) {
	b := mock.NewBinding(2, 1, mock.ProbMap{})
	p := newProducer(t, b, DefaultOptions())

	_, err := p.Produce(context.Background(), solid(8, 4, color.NRGBA{R: 255, G: 0, B: 51, A: 30}))
	require.NoError(t, err)

	in := b.LastInput()
	require.Len(t, in, 6)
	for px := range 2 {
		assert.InDelta(t, 1.0, in[px*3], 1e-6)
		assert.InDelta(t, 0.0, in[px*3+1], 1e-6)
		assert.InDelta(t, 0.2, in[px*3+2], 1e-6)
	}
}

func TestProduceMaskValues(t *testing.T) {
	b := mock.NewBinding(2, 2, mock.ProbMap{Data: []float32{0, 0.5, 1, 1.5}, Width: 2, Height: 2})
	p := newProducer(t, b, DefaultOptions())

	res, err := p.Produce(context.Background(), solid(2, 2, color.NRGBA{A: 255}))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{A: 0}, res.Mask.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{A: 128}, res.Mask.NRGBAAt(1, 0))
	assert.Equal(t, color.NRGBA{A: 255}, res.Mask.NRGBAAt(0, 1))
	assert.Equal(t, color.NRGBA{A: 255}, res.Mask.NRGBAAt(1, 1))
}

func TestProduceErrors(t *testing.T) {
	_, err := NewProducer(nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNotReady)

	closed := engine.NewSession(mock.NewBinding(2, 2, mock.ProbMap{}))
	require.NoError(t, closed.Close())
	_, err = NewProducer(closed, DefaultOptions())
	assert.ErrorIs(t, err, ErrNotReady)

	b := mock.NewBinding(2, 2, mock.ProbMap{})
	b.RunErr = errors.New("device lost")
	p := newProducer(t, b, DefaultOptions())
	_, err = p.Produce(context.Background(), solid(2, 2, color.NRGBA{A: 255}))
	assert.ErrorContains(t, err, "device lost")
	assert.False(t, p.Cached(), "failed inference must not populate the cache")

	_, err = p.Produce(context.Background(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Produce(ctx, solid(2, 2, color.NRGBA{A: 255}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToMaskImage(t *testing.T) {
	m, err := ToMaskImage([]float32{0.25, 0.75}, 2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(64), m.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(191), m.NRGBAAt(1, 0).A)

	reuse, err := ToMaskImage([]float32{1, 0}, 2, 1, m)
	require.NoError(t, err)
	assert.Same(t, m, reuse)

	_, err = ToMaskImage([]float32{1}, 2, 1, nil)
	assert.ErrorIs(t, err, tensor.ErrDimensionMismatch)
}
