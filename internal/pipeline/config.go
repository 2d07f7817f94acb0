package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"

	"github.com/MeKo-Tech/cutout/internal/assets"
	"github.com/MeKo-Tech/cutout/internal/compositor"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/mask"
	"github.com/MeKo-Tech/cutout/internal/models"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Default inference resolution.
const (
	DefaultInputWidth  = 256
	DefaultInputHeight = 144
)

// Config holds configuration for the segmentation pipeline and its components.
type Config struct {
	ModelsDir string
	// ModelLocation is a file path, http(s) URL or s3://bucket/key.
	ModelLocation string
	// BackgroundLocation is a file path, http(s) URL or s3://bucket/key.
	// Empty selects a solid BackgroundColor.
	BackgroundLocation string
	BackgroundColor    color.NRGBA
	// LibraryPath points at the ONNX Runtime shared library; empty searches.
	LibraryPath      string
	Engine           engine.LoadOptions
	Mask             mask.Options
	Compositor       compositor.Options
	WarmupIterations int
	Assets           assets.Config
}

// DefaultConfig returns a default pipeline config with component defaults.
func DefaultConfig() Config {
	return Config{
		ModelsDir:       models.GetModelsDir(""),
		ModelLocation:   models.GetSegmentationModelPath("", ""),
		BackgroundColor: color.NRGBA{R: 255, G: 255, B: 255, A: 255},
		Engine: engine.LoadOptions{
			Preference: engine.PreferAuto,
			Width:      DefaultInputWidth,
			Height:     DefaultInputHeight,
			GPU:        engine.DefaultGPUConfig(),
		},
		Mask:       mask.DefaultOptions(),
		Compositor: compositor.DefaultOptions(),
	}
}

// Backend abstracts runtime setup and engine loading.
type Backend struct {
	InitRuntime func(libraryPath string, useGPU bool) error
	Load        func(ctx context.Context, modelData []byte, opts engine.LoadOptions) (engine.Binding, error)
}

// ONNXBackend loads models with ONNX Runtime.
func ONNXBackend() Backend {
	return Backend{
		InitRuntime: engine.InitRuntime,
		Load: func(ctx context.Context, modelData []byte, opts engine.LoadOptions) (engine.Binding, error) {
			return engine.Load(ctx, modelData, opts)
		},
	}
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg       Config
	backend   Backend
	modelData []byte
}

// NewBuilder creates a new pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig(), backend: ONNXBackend()} }

// WithModelsDir sets the models directory and re-resolves the default model and background.
func (b *Builder) WithModelsDir(dir string) *Builder {
	if dir == "" {
		return b
	}
	b.cfg.ModelsDir = dir
	b.cfg.ModelLocation = models.GetSegmentationModelPath(dir, "")
	return b
}

// WithModel overrides the model location.
func (b *Builder) WithModel(location string) *Builder {
	if location != "" {
		b.cfg.ModelLocation = location
	}
	return b
}

// WithModelData supplies model bytes directly; no fetch happens.
func (b *Builder) WithModelData(data []byte) *Builder {
	b.modelData = data
	return b
}

// WithBackground sets the background image location.
func (b *Builder) WithBackground(location string) *Builder {
	b.cfg.BackgroundLocation = location
	return b
}

// WithBackgroundColor sets the solid fill used when no background image is configured.
func (b *Builder) WithBackgroundColor(c color.NRGBA) *Builder {
	b.cfg.BackgroundColor = c
	return b
}

// WithInferenceSize sets the engine input resolution.
func (b *Builder) WithInferenceSize(width, height int) *Builder {
	if width > 0 {
		b.cfg.Engine.Width = width
	}
	if height > 0 {
		b.cfg.Engine.Height = height
	}
	return b
}

// WithVariant sets the kernel variant preference.
func (b *Builder) WithVariant(p engine.Preference) *Builder {
	if p != "" {
		b.cfg.Engine.Preference = p
	}
	return b
}

// WithThreads sets intra-op thread count (if >0).
func (b *Builder) WithThreads(n int) *Builder {
	if n > 0 {
		b.cfg.Engine.NumThreads = n
	}
	return b
}

// WithGPUDevice sets the CUDA device ID.
func (b *Builder) WithGPUDevice(deviceID int) *Builder {
	b.cfg.Engine.GPU.DeviceID = deviceID
	return b
}

// WithGPUMemoryLimit sets the GPU memory limit in bytes.
func (b *Builder) WithGPUMemoryLimit(limitBytes uint64) *Builder {
	b.cfg.Engine.GPU.MemLimit = limitBytes
	return b
}

// WithLibraryPath sets the ONNX Runtime shared library path.
func (b *Builder) WithLibraryPath(path string) *Builder {
	b.cfg.LibraryPath = path
	return b
}

// WithDebounce toggles mask reuse on alternate frames.
func (b *Builder) WithDebounce(enabled bool) *Builder {
	b.cfg.Mask.Debounce = enabled
	return b
}

// WithResampleFilter sets the filter used to shrink frames to inference size.
func (b *Builder) WithResampleFilter(f imaging.ResampleFilter) *Builder {
	b.cfg.Mask.Filter = f
	return b
}

// WithBlurSigma sets the mask edge blur. 0 disables it.
func (b *Builder) WithBlurSigma(sigma float64) *Builder {
	if sigma >= 0 {
		b.cfg.Compositor.BlurSigma = sigma
	}
	return b
}

// WithInterpolator sets the interpolator used to scale surfaces to output size.
func (b *Builder) WithInterpolator(ip draw.Interpolator) *Builder {
	if ip != nil {
		b.cfg.Compositor.Interpolator = ip
	}
	return b
}

// WithWarmupIterations sets engine warmup runs to reduce cold-start latency.
func (b *Builder) WithWarmupIterations(n int) *Builder {
	if n >= 0 {
		b.cfg.WarmupIterations = n
	}
	return b
}

// WithStorage configures object storage access for s3:// locations.
func (b *Builder) WithStorage(sc assets.StorageConfig) *Builder {
	b.cfg.Assets.Storage = sc
	return b
}

// WithBackend replaces runtime setup and engine loading.
func (b *Builder) WithBackend(be Backend) *Builder {
	if be.InitRuntime != nil && be.Load != nil {
		b.backend = be
	}
	return b
}

// Config returns a copy of the current config.
func (b *Builder) Config() Config { return b.cfg }

// Validate checks that the model is reachable and the configuration looks sane.
func (b *Builder) Validate() error {
	if b.modelData == nil {
		if b.cfg.ModelLocation == "" {
			return errors.New("model location is empty")
		}
		if !models.IsRemote(b.cfg.ModelLocation) {
			if _, err := os.Stat(b.cfg.ModelLocation); err != nil {
				return fmt.Errorf("model not found: %s", b.cfg.ModelLocation)
			}
		}
	}
	if b.cfg.Engine.Width < 0 || b.cfg.Engine.Height < 0 {
		return fmt.Errorf("invalid inference size %dx%d", b.cfg.Engine.Width, b.cfg.Engine.Height)
	}
	if b.cfg.Compositor.BlurSigma < 0 {
		return errors.New("blur sigma must be >= 0")
	}
	if err := b.cfg.Engine.GPU.Validate(); err != nil {
		return err
	}
	if b.cfg.BackgroundLocation != "" && !models.IsRemote(b.cfg.BackgroundLocation) {
		if _, err := os.Stat(b.cfg.BackgroundLocation); err != nil {
			return fmt.Errorf("background not found: %s", b.cfg.BackgroundLocation)
		}
	}
	return nil
}

// Build validates the configuration and returns an uninitialized pipeline.
// Call Initialize before segmenting.
func (b *Builder) Build() (*Pipeline, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       b.cfg,
		backend:   b.backend,
		fetcher:   assets.NewFetcher(b.cfg.Assets),
		modelData: b.modelData,
	}, nil
}
