package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/cutout/internal/mempool"
	"github.com/MeKo-Tech/cutout/internal/tensor"
)

// Session serializes access to a Binding so that at most one inference runs
// at a time and the output region is consumed before it can be overwritten.
type Session struct {
	mu      sync.Mutex
	binding Binding
	runs    atomic.Int64
}

// NewSession wraps a loaded binding.
func NewSession(b Binding) *Session {
	return &Session{binding: b}
}

// Dimensions returns the inference width and height.
func (s *Session) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return 0, 0
	}
	return s.binding.InputDimensions()
}

// Variant reports the loaded kernel variant.
func (s *Session) Variant() Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return VariantBaseline
	}
	return s.binding.Variant()
}

// Info describes the bound model. Bindings that cannot describe themselves
// report only their geometry and variant.
func (s *Session) Info() ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return ModelInfo{}
	}
	if d, ok := s.binding.(interface{ Info() ModelInfo }); ok {
		return d.Info()
	}
	w, h := s.binding.InputDimensions()
	return ModelInfo{Width: w, Height: h, Variant: s.binding.Variant().String()}
}

// Runs returns the number of inferences executed.
func (s *Session) Runs() int64 {
	return s.runs.Load()
}

// Infer writes input, runs the network and hands the probability output to
// consume while the session is still held. consume must not retain the slice.
func (s *Session) Infer(input []float32, consume func(output []float32) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding == nil {
		return ErrNotLoaded
	}
	if err := s.binding.WriteInput(input); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	if err := s.binding.Run(); err != nil {
		return err
	}
	s.runs.Add(1)

	out := s.binding.ReadOutput()
	w, h := s.binding.InputDimensions()
	if len(out) != w*h {
		return fmt.Errorf("%w: output has %d values, want %d", ErrDimensionMismatch, len(out), w*h)
	}
	return consume(out)
}

// Warmup runs a number of inferences on a blank frame to reduce first-call latency.
func (s *Session) Warmup(iterations int) error {
	if iterations <= 0 {
		return nil
	}
	w, h := s.Dimensions()
	if w == 0 || h == 0 {
		return ErrNotLoaded
	}

	blank := mempool.GetFloat32(tensor.Len(w, h))
	defer mempool.PutFloat32(blank)
	clear(blank)
	start := time.Now()
	for range iterations {
		if err := s.Infer(blank, func([]float32) error { return nil }); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}
	slog.Debug("Engine warmed up", "iterations", iterations, "duration", time.Since(start))
	return nil
}

// Close releases the binding. Subsequent calls return ErrNotLoaded.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return nil
	}
	err := s.binding.Close()
	s.binding = nil
	return err
}
