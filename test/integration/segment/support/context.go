package support

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"

	"github.com/MeKo-Tech/cutout/internal/config"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/server"
	"github.com/disintegration/imaging"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	// Engine setup
	Binding    *mock.Binding
	LoadErr    error
	Debounce   bool
	Background color.NRGBA

	Pipeline *pipeline.Pipeline
	InitErr  error

	// Segmentation results
	LastOutput  *image.RGBA
	Prefill     []byte
	LastErr     error
	LastResults []*image.RGBA

	// Server state
	HTTPServer         *httptest.Server
	LastHTTPStatusCode int
	LastHTTPHeaders    http.Header
	LastHTTPBody       []byte
}

// NewTestContext creates a scenario context with debouncing enabled and a
// white background.
func NewTestContext() *TestContext {
	return &TestContext{
		Debounce:   true,
		Background: color.NRGBA{R: 255, G: 255, B: 255, A: 255},
	}
}

// BuildPipeline builds (but does not initialize) the pipeline for the scenario.
func (tc *TestContext) BuildPipeline() error {
	if tc.Pipeline != nil {
		return nil
	}
	if tc.Binding == nil && tc.LoadErr == nil {
		return errors.New("no engine configured")
	}

	p, err := pipeline.NewBuilder().
		WithModelData([]byte("model")).
		WithInferenceSize(16, 9).
		WithBlurSigma(0).
		WithDebounce(tc.Debounce).
		WithBackgroundColor(tc.Background).
		WithBackend(pipeline.Backend{
			InitRuntime: func(string, bool) error { return nil },
			Load: func(context.Context, []byte, engine.LoadOptions) (engine.Binding, error) {
				if tc.LoadErr != nil {
					return nil, tc.LoadErr
				}
				return tc.Binding, nil
			},
		}).
		Build()
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	tc.Pipeline = p
	return nil
}

// StartServer serves the scenario pipeline over httptest.
func (tc *TestContext) StartServer() error {
	if err := tc.BuildPipeline(); err != nil {
		return err
	}
	srv := server.NewServer(server.Config{ResampleFilter: imaging.Linear}, tc.Pipeline, nil)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	tc.HTTPServer = httptest.NewServer(mux)
	return nil
}

// Cleanup releases scenario resources.
func (tc *TestContext) Cleanup() error {
	if tc.HTTPServer != nil {
		tc.HTTPServer.Close()
	}
	if tc.Pipeline != nil {
		return tc.Pipeline.Close()
	}
	return nil
}

func parseColor(s string) (color.NRGBA, error) {
	return config.ParseHexColor(s)
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
