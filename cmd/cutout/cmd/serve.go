package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/cutout/internal/cache"
	"github.com/MeKo-Tech/cutout/internal/config"
	"github.com/MeKo-Tech/cutout/internal/server"
	"github.com/MeKo-Tech/cutout/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the segmentation API",
	Long: `Start an HTTP server that provides REST and WebSocket endpoints for
background replacement.

The server provides the following endpoints:
  POST /segment    - Composite an uploaded image (optional "background" part)
  GET  /ws/segment - WebSocket frame stream (JSON or CBOR frames)
  GET  /health     - Health check and engine state
  GET  /models     - List available models
  GET  /metrics    - Prometheus metrics

The engine loads in the background; segmentation requests answer 503 until
it is ready.

Examples:
  cutout serve
  cutout serve --port 8080
  cutout serve --host 0.0.0.0 --port 3000 --cache-enabled`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	builder, err := newPipelineBuilder(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	p, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	filter, err := utils.ParseFilter(cfg.Mask.ResampleFilter)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		start := time.Now()
		if err := p.Initialize(ctx); err != nil {
			slog.Error("Segmentation engine failed to initialize", "error", err)
			return
		}
		slog.Info("Segmentation engine ready",
			"duration", time.Since(start),
			"variant", p.ModelInfo().Variant)
	}()

	rc := cache.New(cfg.ToCacheConfig())
	if rc.Enabled() {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			slog.Warn("Result cache unreachable, continuing without hits", "addr", cfg.Cache.Addr, "error", err)
		}
		pingCancel()
	}

	srv := server.NewServer(serverConfig(cfg, filter), p, rc)
	defer func() { _ = srv.Close() }()

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	host, port := cfg.Server.Host, cfg.Server.Port
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.TimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.TimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("Starting segmentation server", "host", host, "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled, initiating shutdown")
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server shutdown completed")
	}

	if err := srv.Close(); err != nil {
		slog.Error("Server cleanup error", "error", err)
	}

	slog.Info("Graceful shutdown completed")
	return nil
}

// applyServeFlags layers explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = flags.GetInt("max-upload-size")
	}
	if flags.Changed("timeout") {
		cfg.Server.TimeoutSec, _ = flags.GetInt("timeout")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = flags.GetInt("shutdown-timeout")
	}
	if flags.Changed("model") {
		cfg.Engine.ModelPath, _ = flags.GetString("model")
	}
	if flags.Changed("background") {
		cfg.Background.Source, _ = flags.GetString("background")
	}
	if flags.Changed("color") {
		cfg.Background.Color, _ = flags.GetString("color")
	}

	rl := &cfg.Server.RateLimit
	if flags.Changed("rate-limit-enabled") {
		rl.Enabled, _ = flags.GetBool("rate-limit-enabled")
	}
	if flags.Changed("requests-per-minute") {
		rl.RequestsPerMinute, _ = flags.GetInt("requests-per-minute")
	}
	if flags.Changed("requests-per-hour") {
		rl.RequestsPerHour, _ = flags.GetInt("requests-per-hour")
	}
	if flags.Changed("max-requests-per-day") {
		rl.MaxRequestsPerDay, _ = flags.GetInt("max-requests-per-day")
	}
	if flags.Changed("max-pixels-per-day") {
		rl.MaxPixelsPerDay, _ = flags.GetInt64("max-pixels-per-day")
	}

	if flags.Changed("cache-enabled") {
		cfg.Cache.Enabled, _ = flags.GetBool("cache-enabled")
	}
	if flags.Changed("redis-addr") {
		cfg.Cache.Addr, _ = flags.GetString("redis-addr")
	}
}

func serverConfig(cfg *config.Config, filter imaging.ResampleFilter) server.Config {
	return server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		CORSOrigin:     cfg.Server.CORSOrigin,
		MaxUploadMB:    int64(cfg.Server.MaxUploadMB),
		TimeoutSec:     cfg.Server.TimeoutSec,
		ResampleFilter: filter,
		RateLimit: server.RateLimitConfig{
			Enabled:           cfg.Server.RateLimit.Enabled,
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			RequestsPerHour:   cfg.Server.RateLimit.RequestsPerHour,
			MaxRequestsPerDay: cfg.Server.RateLimit.MaxRequestsPerDay,
			MaxPixelsPerDay:   cfg.Server.RateLimit.MaxPixelsPerDay,
		},
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 20, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().String("model", "", "segmentation model location (file, http(s) or s3 URL)")
	serveCmd.Flags().StringP("background", "b", "", "background image location (file, http(s) or s3 URL)")
	serveCmd.Flags().String("color", "", "solid background color (hex)")
	// Rate limiting flags
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", 600, "maximum requests per minute per client")
	serveCmd.Flags().Int("requests-per-hour", 20000, "maximum requests per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", 200000, "maximum requests per day per client")
	serveCmd.Flags().Int64("max-pixels-per-day", 200000*1280*720, "maximum frame pixels processed per day per client")
	// Result cache flags
	serveCmd.Flags().Bool("cache-enabled", false, "cache composites in Redis")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address for the result cache")
}
