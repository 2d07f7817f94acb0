// Package engine binds the segmentation network to the rest of the pipeline.
// The network is opaque: callers write an input tensor, run it and read the
// single-channel probability output.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MeKo-Tech/cutout/internal/tensor"
)

var (
	// ErrNotLoaded is returned by a binding that was closed or never loaded.
	ErrNotLoaded = errors.New("engine not loaded")
	// ErrDimensionMismatch is returned when an input does not match the model geometry.
	ErrDimensionMismatch = tensor.ErrDimensionMismatch
)

// Binding is a loaded inference engine with a reserved input and output region.
// Implementations are not safe for concurrent use; wrap them in a Session.
type Binding interface {
	// InputDimensions returns the fixed inference width and height.
	InputDimensions() (width, height int)
	// WriteInput copies W*H*3 interleaved RGB values into the input region.
	WriteInput(data []float32) error
	// Run executes the network synchronously.
	Run() error
	// ReadOutput returns the W*H probability values. The slice aliases the
	// output region and is only valid until the next WriteInput or Run.
	ReadOutput() []float32
	// Variant reports which kernel variant was loaded.
	Variant() Variant
	Close() error
}

// Variant identifies the execution kernels in use.
type Variant int

const (
	// VariantBaseline runs on the CPU execution provider.
	VariantBaseline Variant = iota
	// VariantAccelerated runs on the CUDA execution provider.
	VariantAccelerated
)

func (v Variant) String() string {
	switch v {
	case VariantBaseline:
		return "baseline"
	case VariantAccelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Preference selects how the variant is chosen at load time.
type Preference string

const (
	// PreferAuto tries the accelerated variant and falls back to baseline.
	PreferAuto Preference = "auto"
	// PreferBaseline always loads the baseline variant.
	PreferBaseline Preference = "baseline"
	// PreferAccelerated requires the accelerated variant.
	PreferAccelerated Preference = "accelerated"
)

// ParsePreference parses a case-insensitive preference name. Empty means auto.
func ParsePreference(s string) (Preference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PreferAuto):
		return PreferAuto, nil
	case string(PreferBaseline), "cpu":
		return PreferBaseline, nil
	case string(PreferAccelerated), "gpu", "cuda":
		return PreferAccelerated, nil
	default:
		return "", fmt.Errorf("unknown engine variant %q (must be auto, baseline or accelerated)", s)
	}
}

// WantsAccelerated reports whether loading should attempt the accelerated variant first.
func (p Preference) WantsAccelerated() bool {
	return p == PreferAuto || p == PreferAccelerated
}

// ModelInfo describes the loaded model for status endpoints.
type ModelInfo struct {
	InputName    string  `json:"input_name"`
	OutputName   string  `json:"output_name"`
	InputShape   []int64 `json:"input_shape"`
	OutputShape  []int64 `json:"output_shape"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Variant      string  `json:"variant"`
	ModelSizeKiB int     `json:"model_size_kib"`
}
