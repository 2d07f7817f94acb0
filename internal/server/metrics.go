package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutout_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Segmentation metrics
	segmentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_segment_requests_total",
			Help: "Total number of segmentation requests",
		},
		[]string{"transport", "status"}, // transport: http, websocket
	)

	segmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutout_segment_duration_seconds",
			Help:    "Time spent segmenting and compositing a frame",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"transport"},
	)

	masksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_masks_total",
			Help: "Masks produced, by whether inference ran or a cached mask was reused",
		},
		[]string{"kind"}, // kind: computed, reused
	)

	framePixels = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cutout_frame_pixels",
			Help:    "Pixel count of segmented frames",
			Buckets: []float64{256 * 144, 640 * 360, 1280 * 720, 1920 * 1080, 3840 * 2160},
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_cache_lookups_total",
			Help: "Result cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// Rate limiting metrics
	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"type"}, // type: minute, hour, requests, pixels
	)

	// File upload metrics
	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cutout_upload_size_bytes",
			Help:    "Size of uploaded files in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 50 * 1024 * 1024},
		},
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cutout_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutout_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: sent, received
	)
)

func recordMask(reused bool) {
	if reused {
		masksTotal.WithLabelValues("reused").Inc()
		return
	}
	masksTotal.WithLabelValues("computed").Inc()
}
