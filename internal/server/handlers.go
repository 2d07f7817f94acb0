package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MeKo-Tech/cutout/internal/cache"
	"github.com/MeKo-Tech/cutout/internal/mask"
	"github.com/MeKo-Tech/cutout/internal/mempool"
	"github.com/MeKo-Tech/cutout/internal/models"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/utils"
	"github.com/MeKo-Tech/cutout/internal/version"
	"github.com/segmentio/ksuid"
)

const requestIDHeader = "X-Request-ID"

// healthHandler returns server and engine status. A failed engine reports 503.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.pipeline.State()
	response := HealthResponse{
		Status:     "healthy",
		Engine:     state.String(),
		Version:    version.String(),
		Time:       time.Now().UTC().Format(time.RFC3339),
		Stats:      s.pipeline.Stats(),
		Inferences: s.pipeline.Inferences(),
	}

	status := http.StatusOK
	if state == pipeline.StateFailed {
		response.Status = "unhealthy"
		if err := s.pipeline.Err(); err != nil {
			response.Error = err.Error()
		}
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, response)
}

// modelsHandler returns the known models and, once loaded, the active model geometry.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modelInfos := models.ListAvailableModels()
	modelList := make([]ModelInfo, len(modelInfos))
	for i, info := range modelInfos {
		modelList[i] = ModelInfo{
			Name:        info.Name,
			Path:        models.ResolveModelPath("", info.Type, info.Filename),
			Type:        info.Type,
			Width:       info.Width,
			Height:      info.Height,
			Description: info.Description,
		}
	}

	response := ModelsResponse{
		Models: modelList,
		Count:  len(modelList),
	}
	if s.pipeline.State() == pipeline.StateReady {
		loaded := s.pipeline.ModelInfo()
		response.Loaded = &loaded
	}

	s.writeJSON(w, http.StatusOK, response)
}

// segmentHandler composites an uploaded frame over the configured or an
// uploaded background and returns the result as PNG.
func (s *Server) segmentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = ksuid.New().String()
	}
	w.Header().Set(requestIDHeader, requestID)

	status := "error"
	defer func() { segmentRequestsTotal.WithLabelValues("http", status).Inc() }()

	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeErrorResponse(w, requestID, "File too large", http.StatusRequestEntityTooLarge)
		} else {
			s.writeErrorResponse(w, requestID, "Failed to parse form data", http.StatusBadRequest)
		}
		return
	}

	frameData, err := readFormFile(r, "image")
	if err != nil {
		s.writeErrorResponse(w, requestID, "No image file provided", http.StatusBadRequest)
		return
	}
	uploadSizeBytes.Observe(float64(len(frameData)))

	bgData, err := readFormFile(r, "background")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		s.writeErrorResponse(w, requestID, "Failed to read background", http.StatusBadRequest)
		return
	}

	if state := s.pipeline.State(); state != pipeline.StateReady {
		s.writeErrorResponse(w, requestID, "Segmentation engine "+state.String(), http.StatusServiceUnavailable)
		return
	}

	key := s.cacheKey(frameData, bgData)
	if cached, ok, err := s.cache.Get(r.Context(), key); err != nil {
		cacheLookupsTotal.WithLabelValues("error").Inc()
		slog.Warn("Result cache lookup failed", "error", err, "request_id", requestID)
	} else if ok {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		status = "success"
		s.writePNG(w, cached, "HIT")
		return
	} else if s.cache.Enabled() {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	frame, err := decodeUpload(frameData)
	if err != nil {
		s.writeErrorResponse(w, requestID, fmt.Sprintf("Invalid image: %v", err), http.StatusBadRequest)
		return
	}
	var background image.Image
	if len(bgData) > 0 {
		if background, err = decodeUpload(bgData); err != nil {
			s.writeErrorResponse(w, requestID, fmt.Sprintf("Invalid background: %v", err), http.StatusBadRequest)
			return
		}
	}

	b := frame.Bounds()
	if err := s.chargePixels(r, int64(b.Dx())*int64(b.Dy())); err != nil {
		s.handleRateLimitError(w, err)
		return
	}

	ctx := r.Context()
	if s.timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.timeoutSec)*time.Second)
		defer cancel()
	}

	encoded, err := s.composite(ctx, frame, background)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrNotReady) {
			code = http.StatusServiceUnavailable
		}
		slog.Error("Segmentation failed", "error", err, "request_id", requestID)
		s.writeErrorResponse(w, requestID, fmt.Sprintf("Segmentation failed: %v", err), code)
		return
	}

	_ = s.cache.Set(r.Context(), key, encoded)
	status = "success"
	s.writePNG(w, encoded, "MISS")
}

// composite runs frame through the shared REST stream and returns the PNG encoding.
func (s *Server) composite(ctx context.Context, frame, background image.Image) ([]byte, error) {
	stream, err := s.restStreamFor()
	if err != nil {
		return nil, err
	}

	b := frame.Bounds()
	out := mempool.GetRGBA(b.Dx(), b.Dy())
	defer mempool.PutRGBA(out)

	start := time.Now()
	before := stream.MaskStats()
	if err := stream.SegmentWithBackground(ctx, frame, background, out); err != nil {
		return nil, err
	}
	segmentDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	recordMask(stream.MaskStats().Reused > before.Reused)
	framePixels.Observe(float64(b.Dx() * b.Dy()))

	var buf bytes.Buffer
	if err := utils.EncodePNG(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// restStreamFor returns the stream shared by REST requests, creating it once
// the pipeline is ready.
func (s *Server) restStreamFor() (*pipeline.Stream, error) {
	s.restMu.Lock()
	defer s.restMu.Unlock()

	if s.restStream != nil {
		return s.restStream, nil
	}
	stream, err := s.pipeline.NewStream(mask.Options{Debounce: false, Filter: s.filter})
	if err != nil {
		return nil, err
	}
	s.restStream = stream
	return stream, nil
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, err
	}
	defer func(f multipart.File) { _ = f.Close() }(file)
	return io.ReadAll(file)
}

// cacheKey scopes a cached composite to the pipeline configuration and the
// server's resample filter, so servers rendering differently never share hits.
func (s *Server) cacheKey(frame, background []byte) string {
	scope := s.pipeline.Fingerprint() + "|" + utils.FilterFingerprint(s.filter)
	return cache.Key(scope, frame, string(background), "png")
}

func decodeUpload(data []byte) (image.Image, error) {
	img, _, err := utils.DecodeImageConstrained(data, utils.DefaultImageConstraints())
	return img, err
}

func (s *Server) writePNG(w http.ResponseWriter, data []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/png")
	if s.cache.Enabled() {
		w.Header().Set("X-Cache", cacheStatus)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Failed to write image response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, requestID, message string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Success:   false,
		Error:     message,
		RequestID: requestID,
	})
}
