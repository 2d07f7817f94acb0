package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

// newTestPipeline builds a pipeline on a fake engine whose mask is the
// constant prob. It is initialized when ready is true.
func newTestPipeline(t *testing.T, prob float32, ready bool) (*pipeline.Pipeline, *mock.Binding) {
	t.Helper()
	return newTestPipelineOn(t, prob, ready, blue)
}

// newTestPipelineOn is newTestPipeline with a solid background of bg.
func newTestPipelineOn(t *testing.T, prob float32, ready bool, bg color.NRGBA) (*pipeline.Pipeline, *mock.Binding) {
	t.Helper()
	binding := mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, prob))
	p, err := pipeline.NewBuilder().
		WithModelData([]byte("model")).
		WithInferenceSize(16, 9).
		WithBlurSigma(0).
		WithBackgroundColor(bg).
		WithBackend(pipeline.Backend{
			InitRuntime: func(string, bool) error { return nil },
			Load: func(context.Context, []byte, engine.LoadOptions) (engine.Binding, error) {
				return binding, nil
			},
		}).
		Build()
	require.NoError(t, err)
	if ready {
		require.NoError(t, p.Initialize(context.Background()))
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, binding
}

func newTestServer(t *testing.T, p segmentationPipeline, cfg Config) *Server {
	t.Helper()
	if cfg.ResampleFilter.Support == 0 {
		cfg.ResampleFilter = imaging.Linear
	}
	return NewServer(cfg, p, nil)
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// createMultipartRequest builds a POST /segment request with one file part per field.
func createMultipartRequest(t *testing.T, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for field, data := range files {
		part, err := writer.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/segment", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}
