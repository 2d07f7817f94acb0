package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ProgressCallback receives progress while a frame sequence is processed.
type ProgressCallback interface {
	// OnStart is called when processing begins with the total number of frames.
	OnStart(total int)
	// OnProgress is called after each frame.
	OnProgress(current, total int)
	// OnComplete is called when processing is finished.
	OnComplete()
	// OnError is called when a frame fails.
	OnError(current int, err error)
}

// NoOpProgressCallback implements ProgressCallback but does nothing.
type NoOpProgressCallback struct{}

func (NoOpProgressCallback) OnStart(total int)              {}
func (NoOpProgressCallback) OnProgress(current, total int)  {}
func (NoOpProgressCallback) OnComplete()                    {}
func (NoOpProgressCallback) OnError(current int, err error) {}

// ConsoleProgressCallback displays a progress bar on the console.
type ConsoleProgressCallback struct {
	writer         io.Writer
	prefix         string
	width          int
	lastUpdate     time.Time
	updateInterval time.Duration
	mutex          sync.Mutex
	startTime      time.Time
}

// NewConsoleProgressCallback creates a new console progress reporter.
func NewConsoleProgressCallback(writer io.Writer, prefix string) *ConsoleProgressCallback {
	if writer == nil {
		writer = os.Stderr
	}
	return &ConsoleProgressCallback{
		writer:         writer,
		prefix:         prefix,
		width:          40,
		updateInterval: 100 * time.Millisecond,
	}
}

func (c *ConsoleProgressCallback) OnStart(total int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.startTime = time.Now()
	c.lastUpdate = time.Time{}
	_, _ = fmt.Fprintf(c.writer, "%s0/%d frames\n", c.prefix, total)
}

func (c *ConsoleProgressCallback) OnProgress(current, total int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	if now.Sub(c.lastUpdate) < c.updateInterval && current < total {
		return
	}
	c.lastUpdate = now
	if total == 0 {
		return
	}

	filled := c.width * current / total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", c.width-filled)
	status := fmt.Sprintf("\r%s[%s] %d/%d", c.prefix, bar, current, total)
	if elapsed := now.Sub(c.startTime); elapsed > 0 && current > 0 {
		status += fmt.Sprintf(" %.1f fps", float64(current)/elapsed.Seconds())
	}
	_, _ = fmt.Fprint(c.writer, status)
}

func (c *ConsoleProgressCallback) OnComplete() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, _ = fmt.Fprintf(c.writer, "\n%sCompleted in %v\n", c.prefix, time.Since(c.startTime).Round(time.Millisecond))
}

func (c *ConsoleProgressCallback) OnError(current int, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, _ = fmt.Fprintf(c.writer, "\n%sError at frame %d: %v\n", c.prefix, current, err)
}

// LogProgressCallback logs progress updates using slog.
type LogProgressCallback struct {
	logger    *slog.Logger
	level     slog.Level
	interval  int
	lastLog   int
	startTime time.Time
}

// NewLogProgressCallback creates a log-based progress reporter that logs every interval frames.
func NewLogProgressCallback(logger *slog.Logger, level slog.Level, interval int) *LogProgressCallback {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10
	}
	return &LogProgressCallback{logger: logger, level: level, interval: interval}
}

func (l *LogProgressCallback) OnStart(total int) {
	l.startTime = time.Now()
	l.lastLog = 0
	l.logger.Log(context.Background(), l.level, "Segmenting frames", "total", total)
}

func (l *LogProgressCallback) OnProgress(current, total int) {
	if current-l.lastLog < l.interval && current != total {
		return
	}
	l.lastLog = current
	l.logger.Log(context.Background(), l.level, "Progress update",
		"current", current,
		"total", total,
		"elapsed", time.Since(l.startTime).Round(time.Millisecond))
}

func (l *LogProgressCallback) OnComplete() {
	l.logger.Log(context.Background(), l.level, "Frames completed",
		"elapsed", time.Since(l.startTime).Round(time.Millisecond))
}

func (l *LogProgressCallback) OnError(current int, err error) {
	l.logger.Log(context.Background(), slog.LevelError, "Frame failed", "current", current, "error", err)
}

// FrameSource loads the frame at index i of a sequence.
type FrameSource func(i int) (image.Image, error)

// FrameSink receives the composite for frame i. out is reused for the next frame.
type FrameSink func(i int, out *image.RGBA) error

// SegmentSequence processes n frames in order on the pipeline's default
// stream, so debouncing applies across consecutive frames. Processing stops
// at the first error.
func (p *Pipeline) SegmentSequence(ctx context.Context, n int, src FrameSource, sink FrameSink,
	cb ProgressCallback,
) error {
	if !p.Ready() {
		return ErrNotReady
	}
	if cb == nil {
		cb = NoOpProgressCallback{}
	}

	cb.OnStart(n)
	var out *image.RGBA
	for i := range n {
		if err := ctx.Err(); err != nil {
			cb.OnError(i, err)
			return err
		}
		frame, err := src(i)
		if err != nil {
			cb.OnError(i, err)
			return fmt.Errorf("frame %d: %w", i, err)
		}

		size := frame.Bounds().Size()
		if out == nil || out.Rect.Size() != size {
			out = image.NewRGBA(image.Rectangle{Max: size})
		}
		if err := p.stream.Segment(ctx, frame, out); err != nil {
			cb.OnError(i, err)
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if err := sink(i, out); err != nil {
			cb.OnError(i, err)
			return fmt.Errorf("frame %d: %w", i, err)
		}
		cb.OnProgress(i+1, n)
	}
	cb.OnComplete()
	return nil
}
