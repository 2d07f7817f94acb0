//nolint:lll
package config

// Config represents the complete configuration for the cutout application.
// It covers the segment and serve commands and supports loading from
// configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Inference engine
	Engine EngineConfig `mapstructure:"engine" yaml:"engine" json:"engine"`

	// GPU configuration
	GPU GPUConfig `mapstructure:"gpu" yaml:"gpu" json:"gpu"`

	// Mask production
	Mask MaskConfig `mapstructure:"mask" yaml:"mask" json:"mask"`

	// Compositing
	Compositor CompositorConfig `mapstructure:"compositor" yaml:"compositor" json:"compositor"`

	// Background replacement
	Background BackgroundConfig `mapstructure:"background" yaml:"background" json:"background"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Result cache (for serve command)
	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`

	// Object storage for s3:// asset locations
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// EngineConfig contains segmentation model and runtime settings.
type EngineConfig struct {
	ModelPath        string `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	InputWidth       int    `mapstructure:"input_width" yaml:"input_width" json:"input_width"`
	InputHeight      int    `mapstructure:"input_height" yaml:"input_height" json:"input_height"`
	Variant          string `mapstructure:"variant" yaml:"variant" json:"variant"`
	NumThreads       int    `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	WarmupIterations int    `mapstructure:"warmup_iterations" yaml:"warmup_iterations" json:"warmup_iterations"`
	LibraryPath      string `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// MaskConfig contains mask producer settings.
type MaskConfig struct {
	Debounce       bool   `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
	ResampleFilter string `mapstructure:"resample_filter" yaml:"resample_filter" json:"resample_filter"`
}

// CompositorConfig contains compositing settings.
type CompositorConfig struct {
	BlurSigma     float64 `mapstructure:"blur_sigma" yaml:"blur_sigma" json:"blur_sigma"`
	Interpolation string  `mapstructure:"interpolation" yaml:"interpolation" json:"interpolation"`
}

// BackgroundConfig selects the replacement background.
type BackgroundConfig struct {
	Source string `mapstructure:"source" yaml:"source" json:"source"`
	Color  string `mapstructure:"color" yaml:"color" json:"color"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int             `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int             `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client request limits and daily quotas.
type RateLimitConfig struct {
	Enabled           bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int   `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxPixelsPerDay   int64 `mapstructure:"max_pixels_per_day" yaml:"max_pixels_per_day" json:"max_pixels_per_day"`
}

// CacheConfig contains Redis result cache settings.
type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
	TTLSec   int    `mapstructure:"ttl_sec" yaml:"ttl_sec" json:"ttl_sec"`
}

// StorageConfig contains S3-compatible object storage settings.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key" json:"-"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key" json:"-"`
	Region    string `mapstructure:"region" yaml:"region" json:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl" json:"use_ssl"`
}
