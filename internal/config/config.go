package config

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/cutout/internal/assets"
	"github.com/MeKo-Tech/cutout/internal/cache"
	"github.com/MeKo-Tech/cutout/internal/compositor"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/models"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/utils"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  "info",
		Verbose:   false,
		Engine: EngineConfig{
			InputWidth:       pipeline.DefaultInputWidth,
			InputHeight:      pipeline.DefaultInputHeight,
			Variant:          string(engine.PreferAuto),
			WarmupIterations: 0,
		},
		GPU: GPUConfig{
			Device:      0,
			MemoryLimit: "auto",
		},
		Mask: MaskConfig{
			Debounce:       true,
			ResampleFilter: "linear",
		},
		Compositor: CompositorConfig{
			BlurSigma:     compositor.DefaultBlurSigma,
			Interpolation: "bilinear",
		},
		Background: BackgroundConfig{
			Color: "#FFFFFF",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     20,
			TimeoutSec:      30,
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 600,
				RequestsPerHour:   20000,
				MaxRequestsPerDay: 200000,
				MaxPixelsPerDay:   200000 * 1280 * 720,
			},
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTLSec:  int(cache.DefaultTTL / time.Second),
		},
		Storage: StorageConfig{
			UseSSL: true,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if _, err := engine.ParsePreference(c.Engine.Variant); err != nil {
		return err
	}
	if c.Engine.InputWidth <= 0 || c.Engine.InputHeight <= 0 {
		return fmt.Errorf("invalid inference size: %dx%d (must be positive)", c.Engine.InputWidth, c.Engine.InputHeight)
	}
	if c.Engine.NumThreads < 0 {
		return fmt.Errorf("invalid num threads: %d (must be >= 0)", c.Engine.NumThreads)
	}
	if c.Engine.WarmupIterations < 0 {
		return fmt.Errorf("invalid warmup iterations: %d (must be >= 0)", c.Engine.WarmupIterations)
	}
	if _, err := utils.ParseFilter(c.Mask.ResampleFilter); err != nil {
		return err
	}
	if c.Compositor.BlurSigma < 0 {
		return fmt.Errorf("invalid blur sigma: %.2f (must be >= 0)", c.Compositor.BlurSigma)
	}
	if _, err := compositor.ParseInterpolator(c.Compositor.Interpolation); err != nil {
		return err
	}
	if c.Background.Color != "" {
		if _, err := ParseHexColor(c.Background.Color); err != nil {
			return err
		}
	}

	// Validate positive integers
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return errors.New("cache enabled but no address configured")
	}

	// Validate GPU settings
	if c.GPU.Device < 0 {
		return fmt.Errorf("invalid GPU device: %d (must be >= 0)", c.GPU.Device)
	}
	if _, err := ParseMemoryLimit(c.GPU.MemoryLimit); err != nil {
		return fmt.Errorf("invalid GPU memory limit: %w", err)
	}

	return nil
}

// ToPipelineBuilder converts the config into a pipeline builder. Callers may
// apply further overrides before calling Build.
func (c *Config) ToPipelineBuilder() (*pipeline.Builder, error) {
	variant, err := engine.ParsePreference(c.Engine.Variant)
	if err != nil {
		return nil, err
	}
	filter, err := utils.ParseFilter(c.Mask.ResampleFilter)
	if err != nil {
		return nil, err
	}
	interp, err := compositor.ParseInterpolator(c.Compositor.Interpolation)
	if err != nil {
		return nil, err
	}
	memLimit, err := ParseMemoryLimit(c.GPU.MemoryLimit)
	if err != nil {
		return nil, err
	}

	b := pipeline.NewBuilder().
		WithModelsDir(c.ModelsDir).
		WithModel(c.Engine.ModelPath).
		WithInferenceSize(c.Engine.InputWidth, c.Engine.InputHeight).
		WithVariant(variant).
		WithThreads(c.Engine.NumThreads).
		WithWarmupIterations(c.Engine.WarmupIterations).
		WithLibraryPath(c.Engine.LibraryPath).
		WithGPUDevice(c.GPU.Device).
		WithGPUMemoryLimit(memLimit).
		WithDebounce(c.Mask.Debounce).
		WithResampleFilter(filter).
		WithBlurSigma(c.Compositor.BlurSigma).
		WithInterpolator(interp).
		WithBackground(c.Background.Source).
		WithStorage(c.ToStorageConfig())

	if c.Background.Color != "" {
		bg, err := ParseHexColor(c.Background.Color)
		if err != nil {
			return nil, err
		}
		b = b.WithBackgroundColor(bg)
	}
	return b, nil
}

// ToStorageConfig converts to the asset fetcher's storage settings.
func (c *Config) ToStorageConfig() assets.StorageConfig {
	return assets.StorageConfig{
		Endpoint:  c.Storage.Endpoint,
		AccessKey: c.Storage.AccessKey,
		SecretKey: c.Storage.SecretKey,
		Region:    c.Storage.Region,
		UseSSL:    c.Storage.UseSSL,
	}
}

// ToCacheConfig converts to the result cache settings.
func (c *Config) ToCacheConfig() cache.Config {
	return cache.Config{
		Enabled:  c.Cache.Enabled,
		Addr:     c.Cache.Addr,
		Password: c.Cache.Password,
		DB:       c.Cache.DB,
		TTL:      time.Duration(c.Cache.TTLSec) * time.Second,
	}
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Cache.Password = mask(c.Cache.Password)
	c.Storage.AccessKey = mask(c.Storage.AccessKey)
	c.Storage.SecretKey = mask(c.Storage.SecretKey)
	return c
}

// Helper functions

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ParseHexColor parses colors like "#RRGGBB" or "RRGGBB" into an opaque color.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q (want #RRGGBB)", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil //nolint:gosec // G115: masked to 8 bits
}

// ParseMemoryLimit converts a limit such as "1GB" or "512MB" to bytes.
// Empty and "auto" mean unlimited (0).
func ParseMemoryLimit(limit string) (uint64, error) {
	limit = strings.ToUpper(strings.TrimSpace(limit))
	if limit == "" || limit == "AUTO" {
		return 0, nil
	}

	units := []struct {
		suffix string
		scale  float64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if !strings.HasSuffix(limit, u.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(limit, u.suffix))
		n, err := strconv.ParseFloat(numStr, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.scale), nil
	}
	return 0, errors.New("memory limit must end with one of: B, KB, MB, GB")
}
