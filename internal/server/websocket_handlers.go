package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/cutout/internal/mask"
	"github.com/MeKo-Tech/cutout/internal/mempool"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsReadLimit caps a single message at the upload limit plus room for the
// base64 encoding of JSON requests.
func wsReadLimit(maxUploadMB int64) int64 {
	return maxUploadMB<<20*4/3 + 64<<10
}

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebSocketSegmentRequest is a JSON frame request. Image holds an encoded
// PNG, JPEG or BMP (base64 in JSON).
type WebSocketSegmentRequest struct {
	Image      []byte `json:"image"`
	Background []byte `json:"background,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// WebSocketSegmentResponse answers a JSON frame request.
type WebSocketSegmentResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"` // "completed", "error"
	Image     []byte `json:"image,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Reused    bool   `json:"reused"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Frame is a raw binary frame exchanged as CBOR. Pix holds non-premultiplied
// RGBA, four bytes per pixel, rows packed without padding.
type Frame struct {
	Width  int    `cbor:"width"`
	Height int    `cbor:"height"`
	Pix    []byte `cbor:"pix"`
}

// wsConnection is the per-connection state. Each connection has its own
// debounced stream so consecutive frames can reuse masks.
type wsConnection struct {
	server   *Server
	conn     WebSocketConnWriter
	clientIP string
	stream   *pipeline.Stream
}

// segmentWebSocketHandler handles WebSocket connections for real-time segmentation.
func (s *Server) segmentWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	wc := &wsConnection{server: s, conn: conn, clientIP: getClientIP(r)}
	s.handleWebSocketConnection(r.Context(), conn, wc)
}

// handleWebSocketConnection processes messages until the client goes away.
func (s *Server) handleWebSocketConnection(ctx context.Context, conn *websocket.Conn, wc *wsConnection) {
	conn.SetReadLimit(wsReadLimit(s.maxUploadMB))
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		websocketMessagesTotal.WithLabelValues("received").Inc()

		switch messageType {
		case websocket.TextMessage:
			wc.handleJSON(ctx, data)
		case websocket.BinaryMessage:
			wc.handleFrame(ctx, data)
		}
	}
}

// handleJSON segments an encoded image and answers with a PNG.
func (wc *wsConnection) handleJSON(ctx context.Context, data []byte) {
	var req WebSocketSegmentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		wc.sendError("", "invalid_request", fmt.Sprintf("Failed to parse request: %v", err))
		return
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = ksuid.New().String()
	}
	if len(req.Image) == 0 {
		wc.sendError(requestID, "invalid_request", "No image data provided")
		return
	}

	frame, err := decodeUpload(req.Image)
	if err != nil {
		wc.sendError(requestID, "invalid_image", err.Error())
		return
	}
	var background image.Image
	if len(req.Background) > 0 {
		if background, err = decodeUpload(req.Background); err != nil {
			wc.sendError(requestID, "invalid_image", err.Error())
			return
		}
	}

	out, reused, ok := wc.segment(ctx, requestID, frame, background)
	if !ok {
		return
	}
	defer mempool.PutRGBA(out)

	var buf bytes.Buffer
	if err := utils.EncodePNG(&buf, out); err != nil {
		wc.sendError(requestID, "processing_error", err.Error())
		return
	}

	wc.sendResponse(WebSocketSegmentResponse{
		Type:      "segment_response",
		Status:    "completed",
		Image:     buf.Bytes(),
		Width:     out.Rect.Dx(),
		Height:    out.Rect.Dy(),
		Reused:    reused,
		RequestID: requestID,
	})
}

// handleFrame segments a raw CBOR frame and answers with a raw CBOR frame.
func (wc *wsConnection) handleFrame(ctx context.Context, data []byte) {
	var in Frame
	if err := cbor.Unmarshal(data, &in); err != nil {
		wc.sendError("", "invalid_request", fmt.Sprintf("Failed to decode frame: %v", err))
		return
	}
	frame, err := in.Image()
	if err != nil {
		wc.sendError("", "invalid_frame", err.Error())
		return
	}

	out, _, ok := wc.segment(ctx, "", frame, nil)
	if !ok {
		return
	}
	defer mempool.PutRGBA(out)

	payload, err := cbor.Marshal(FrameFromImage(out))
	if err != nil {
		wc.sendError("", "processing_error", err.Error())
		return
	}
	if err := wc.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		slog.Error("Failed to send WebSocket frame", "error", err)
		return
	}
	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// segment composites frame into a pooled image. On failure an error message
// has already been sent and ok is false.
func (wc *wsConnection) segment(ctx context.Context, requestID string, frame, background image.Image) (*image.RGBA, bool, bool) {
	s := wc.server
	if state := s.pipeline.State(); state != pipeline.StateReady {
		segmentRequestsTotal.WithLabelValues("websocket", "not_ready").Inc()
		wc.sendError(requestID, "not_ready", "Segmentation engine "+state.String())
		return nil, false, false
	}

	b := frame.Bounds()
	if s.rateLimiter != nil {
		if err := s.rateLimiter.ChargePixels(wc.clientIP, int64(b.Dx())*int64(b.Dy())); err != nil {
			recordRateLimitHit(err)
			wc.sendError(requestID, "quota_exceeded", err.Error())
			return nil, false, false
		}
	}

	if wc.stream == nil {
		stream, err := s.pipeline.NewStream(mask.Options{Debounce: true, Filter: s.filter})
		if err != nil {
			wc.sendError(requestID, "not_ready", err.Error())
			return nil, false, false
		}
		wc.stream = stream
	}

	out := mempool.GetRGBA(b.Dx(), b.Dy())
	start := time.Now()
	before := wc.stream.MaskStats()
	if err := wc.stream.SegmentWithBackground(ctx, frame, background, out); err != nil {
		mempool.PutRGBA(out)
		segmentRequestsTotal.WithLabelValues("websocket", "error").Inc()
		errType := "processing_error"
		if errors.Is(err, pipeline.ErrNotReady) {
			errType = "not_ready"
		}
		wc.sendError(requestID, errType, err.Error())
		return nil, false, false
	}
	reused := wc.stream.MaskStats().Reused > before.Reused

	segmentDuration.WithLabelValues("websocket").Observe(time.Since(start).Seconds())
	segmentRequestsTotal.WithLabelValues("websocket", "success").Inc()
	recordMask(reused)
	framePixels.Observe(float64(b.Dx() * b.Dy()))
	return out, reused, true
}

// Image validates the frame geometry and wraps Pix without copying.
func (f Frame) Image() (*image.NRGBA, error) {
	if err := utils.ValidateDimensions(f.Width, f.Height, utils.DefaultImageConstraints()); err != nil {
		return nil, fmt.Errorf("invalid frame size: %w", err)
	}
	if want := f.Width * f.Height * 4; len(f.Pix) != want {
		return nil, fmt.Errorf("frame %dx%d needs %d bytes, got %d", f.Width, f.Height, want, len(f.Pix))
	}
	return &image.NRGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}, nil
}

// FrameFromImage converts img to a non-premultiplied Frame.
func FrameFromImage(img image.Image) Frame {
	n := imaging.Clone(img)
	return Frame{Width: n.Rect.Dx(), Height: n.Rect.Dy(), Pix: n.Pix}
}

// sendResponse sends a response message over WebSocket.
func (wc *wsConnection) sendResponse(response WebSocketSegmentResponse) {
	sendWebSocketResponse(wc.conn, response)
}

func (wc *wsConnection) sendError(requestID, errorType, message string) {
	sendWebSocketError(wc.conn, requestID, errorType, message)
}

// sendWebSocketResponse sends a JSON response message over WebSocket.
func sendWebSocketResponse(conn WebSocketConnWriter, response WebSocketSegmentResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "error", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to send WebSocket message", "error", err)
		return
	}

	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// sendWebSocketError sends an error message over WebSocket.
func sendWebSocketError(conn WebSocketConnWriter, requestID, errorType, message string) {
	sendWebSocketResponse(conn, WebSocketSegmentResponse{
		Type:      "error",
		Status:    "error",
		Error:     message,
		ErrorType: errorType,
		RequestID: requestID,
	})
}
