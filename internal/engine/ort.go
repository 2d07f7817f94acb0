package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/cutout/internal/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// LoadOptions controls how a model is bound to ONNX Runtime.
type LoadOptions struct {
	Preference Preference
	// Width and Height fill dynamic model dimensions and are checked against static ones.
	Width      int
	Height     int
	NumThreads int
	GPU        GPUConfig
}

// ORTBinding is a Binding backed by an ONNX Runtime session with
// preallocated input and output tensors.
type ORTBinding struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	geom    geometry
	variant Variant
	info    ModelInfo
}

// Load binds model bytes to ONNX Runtime. The kernel variant is probed once:
// with PreferAuto a failed accelerated load falls back to baseline.
// InitRuntime must have been called first.
func Load(ctx context.Context, modelData []byte, opts LoadOptions) (*ORTBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		return nil, fmt.Errorf("%w: ONNX Runtime environment is not initialized", ErrNotLoaded)
	}
	if len(modelData) == 0 {
		return nil, errors.New("model data is empty")
	}
	if opts.Preference == "" {
		opts.Preference = PreferAuto
	}

	in, out, err := inspectModel(modelData)
	if err != nil {
		return nil, err
	}
	geom, err := resolveGeometry(in, out, opts.Width, opts.Height)
	if err != nil {
		return nil, err
	}

	if opts.Preference.WantsAccelerated() {
		if err := opts.GPU.Validate(); err != nil {
			return nil, fmt.Errorf("invalid GPU config: %w", err)
		}
		b, err := newORTBinding(modelData, in, out, geom, VariantAccelerated, opts)
		if err == nil {
			return b, nil
		}
		if opts.Preference == PreferAccelerated {
			return nil, fmt.Errorf("accelerated variant unavailable: %w", err)
		}
		slog.Warn("Accelerated variant unavailable, falling back to baseline", "error", err)
	}

	return newORTBinding(modelData, in, out, geom, VariantBaseline, opts)
}

func newORTBinding(modelData []byte, in, out ort.InputOutputInfo, geom geometry,
	variant Variant, opts LoadOptions,
) (*ORTBinding, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		if err := sessionOptions.Destroy(); err != nil {
			slog.Warn("Failed to destroy session options", "error", err)
		}
	}()

	if variant == VariantAccelerated {
		if err := appendCUDA(sessionOptions, opts.GPU); err != nil {
			return nil, err
		}
	}
	if opts.NumThreads > 0 {
		if err := sessionOptions.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](geom.inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](geom.outputShape)
	if err != nil {
		_ = input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(modelData,
		[]string{in.Name}, []string{out.Name},
		[]ort.Value{input}, []ort.Value{output}, sessionOptions)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	b := &ORTBinding{
		session: session,
		input:   input,
		output:  output,
		geom:    geom,
		variant: variant,
		info: ModelInfo{
			InputName:    in.Name,
			OutputName:   out.Name,
			InputShape:   append([]int64(nil), geom.inputShape...),
			OutputShape:  append([]int64(nil), geom.outputShape...),
			Width:        geom.width,
			Height:       geom.height,
			Variant:      variant.String(),
			ModelSizeKiB: len(modelData) / 1024,
		},
	}

	slog.Debug("Engine binding loaded",
		"variant", variant.String(),
		"input", in.Name,
		"output", out.Name,
		"width", geom.width,
		"height", geom.height)
	return b, nil
}

// InputDimensions returns the fixed inference resolution.
func (b *ORTBinding) InputDimensions() (int, int) {
	return b.geom.width, b.geom.height
}

// WriteInput copies data into the preallocated input tensor.
func (b *ORTBinding) WriteInput(data []float32) error {
	if b.session == nil {
		return ErrNotLoaded
	}
	dst := b.input.GetData()
	if len(data) != len(dst) || len(dst) != tensor.Len(b.geom.width, b.geom.height) {
		return fmt.Errorf("%w: input has %d values, model expects %d", ErrDimensionMismatch, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// Run executes the session against the bound tensors.
func (b *ORTBinding) Run() error {
	if b.session == nil {
		return ErrNotLoaded
	}
	if err := b.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

// ReadOutput returns the output tensor data. The slice is reused by the next Run.
func (b *ORTBinding) ReadOutput() []float32 {
	if b.session == nil {
		return nil
	}
	return b.output.GetData()
}

// Variant reports the kernel variant chosen at load time.
func (b *ORTBinding) Variant() Variant {
	return b.variant
}

// Info returns a copy of the model description.
func (b *ORTBinding) Info() ModelInfo {
	info := b.info
	info.InputShape = append([]int64(nil), b.info.InputShape...)
	info.OutputShape = append([]int64(nil), b.info.OutputShape...)
	return info
}

// Close releases the session and its tensors. The runtime environment stays
// up; it is shared by the whole process.
func (b *ORTBinding) Close() error {
	if b.session == nil {
		return nil
	}
	var errs []error
	if err := b.session.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy session: %w", err))
	}
	if err := b.input.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy input tensor: %w", err))
	}
	if err := b.output.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy output tensor: %w", err))
	}
	b.session = nil
	return errors.Join(errs...)
}
