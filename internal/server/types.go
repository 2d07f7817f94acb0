package server

import (
	"image"
	"net/http"
	"sync"

	"github.com/MeKo-Tech/cutout/internal/cache"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/mask"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// segmentationPipeline defines the methods needed by the server from a pipeline.
type segmentationPipeline interface {
	State() pipeline.State
	Err() error
	NewStream(opts mask.Options) (*pipeline.Stream, error)
	Background() image.Image
	ModelInfo() engine.ModelInfo
	Stats() pipeline.Stats
	Inferences() int64
	Fingerprint() string
	Close() error
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	pipeline    segmentationPipeline
	cache       *cache.ResultCache
	rateLimiter *RateLimiter
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
	filter      imaging.ResampleFilter

	// REST requests are independent, so they share one stream without mask reuse.
	restMu     sync.Mutex
	restStream *pipeline.Stream
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	// ResampleFilter shrinks frames to the inference size for every stream the server opens.
	ResampleFilter imaging.ResampleFilter
	RateLimit      RateLimitConfig
}

// RateLimitConfig holds per-client limits. Zero values disable a limit.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxPixelsPerDay   int64
}

// Response types for API endpoints.
type HealthResponse struct {
	Status     string         `json:"status"`
	Engine     string         `json:"engine"`
	Error      string         `json:"error,omitempty"`
	Version    string         `json:"version,omitempty"`
	Time       string         `json:"time"`
	Stats      pipeline.Stats `json:"stats"`
	Inferences int64          `json:"inferences"`
}

type ModelInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Description string `json:"description"`
}

type ModelsResponse struct {
	Models []ModelInfo       `json:"models"`
	Count  int               `json:"count"`
	Loaded *engine.ModelInfo `json:"loaded,omitempty"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// NewServer creates a segmentation server around an existing pipeline. The
// pipeline may still be initializing; segmentation requests answer 503 until
// it is ready. rc may be nil to disable result caching.
func NewServer(config Config, p segmentationPipeline, rc *cache.ResultCache) *Server {
	s := &Server{
		pipeline:    p,
		cache:       rc,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		timeoutSec:  config.TimeoutSec,
		filter:      config.ResampleFilter,
	}
	if s.maxUploadMB <= 0 {
		s.maxUploadMB = 20
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if config.RateLimit.Enabled {
		s.rateLimiter = NewRateLimiter(
			config.RateLimit.RequestsPerMinute,
			config.RateLimit.RequestsPerHour,
			config.RateLimit.MaxRequestsPerDay,
			config.RateLimit.MaxPixelsPerDay,
		)
	}
	return s
}

// Close releases server resources.
func (s *Server) Close() error {
	var err error
	if s.pipeline != nil {
		err = s.pipeline.Close()
	}
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/models", s.corsMiddleware(s.modelsHandler))
	mux.HandleFunc("/segment", s.corsMiddleware(s.rateLimitMiddleware(s.segmentHandler)))
	mux.HandleFunc("/ws/segment", s.rateLimitMiddleware(s.segmentWebSocketHandler))
	mux.Handle("/metrics", promhttp.Handler())
}
