package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/stretchr/testify/require"
)

// mockBackend loads the given binding and records what it was asked to do.
type mockBackend struct {
	binding    *mock.Binding
	initErr    error
	loadErr    error
	runtimeGPU bool
	loaded     []byte
	loadOpts   engine.LoadOptions
}

func (m *mockBackend) backend() Backend {
	return Backend{
		InitRuntime: func(_ string, useGPU bool) error {
			m.runtimeGPU = useGPU
			return m.initErr
		},
		Load: func(_ context.Context, data []byte, opts engine.LoadOptions) (engine.Binding, error) {
			if m.loadErr != nil {
				return nil, m.loadErr
			}
			if m.binding == nil {
				return nil, errors.New("no binding")
			}
			m.loaded = data
			m.loadOpts = opts
			return m.binding, nil
		},
	}
}

func sharpBuilder(m *mockBackend) *Builder {
	return NewBuilder().
		WithModelData([]byte("model")).
		WithBackend(m.backend()).
		WithBlurSigma(0)
}

func readyPipeline(t testing.TB, m *mockBackend, configure func(*Builder)) *Pipeline {
	t.Helper()
	b := sharpBuilder(m)
	if configure != nil {
		configure(b)
	}
	p, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func solidFrame(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
