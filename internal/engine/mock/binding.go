package mock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MeKo-Tech/cutout/internal/engine"
)

// Binding is an in-memory engine.Binding for tests. Each Run copies Map into
// the output region, or calls Compute when it is set.
type Binding struct {
	Width       int
	Height      int
	Map         ProbMap
	Compute     func(input, output []float32)
	RunErr      error
	Accelerated bool

	mu     sync.Mutex
	runs   int
	writes int
	input  []float32
	output []float32
	closed bool
}

// NewBinding creates a fake binding of the given inference size returning m on every run.
func NewBinding(width, height int, m ProbMap) *Binding {
	return &Binding{
		Width:  width,
		Height: height,
		Map:    m,
		input:  make([]float32, width*height*3),
		output: make([]float32, width*height),
	}
}

// NewLuminanceBinding creates a fake binding whose mask follows input brightness.
func NewLuminanceBinding(width, height int) *Binding {
	b := NewBinding(width, height, ProbMap{})
	b.Compute = LuminanceOutput
	return b
}

func (b *Binding) InputDimensions() (int, int) {
	return b.Width, b.Height
}

func (b *Binding) WriteInput(data []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return engine.ErrNotLoaded
	}
	if len(data) != len(b.input) {
		return fmt.Errorf("%w: input has %d values, want %d", engine.ErrDimensionMismatch, len(data), len(b.input))
	}
	copy(b.input, data)
	b.writes++
	return nil
}

func (b *Binding) Run() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return engine.ErrNotLoaded
	}
	if b.RunErr != nil {
		return b.RunErr
	}
	b.runs++
	switch {
	case b.Compute != nil:
		b.Compute(b.input, b.output)
	case len(b.Map.Data) == len(b.output):
		copy(b.output, b.Map.Data)
	case len(b.Map.Data) == 0:
		clear(b.output)
	default:
		return errors.New("mock map size does not match binding output")
	}
	return nil
}

func (b *Binding) ReadOutput() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.output
}

func (b *Binding) Variant() engine.Variant {
	if b.Accelerated {
		return engine.VariantAccelerated
	}
	return engine.VariantBaseline
}

func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Runs returns how many times Run succeeded.
func (b *Binding) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// Writes returns how many inputs were accepted.
func (b *Binding) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// LastInput returns a copy of the most recent input.
func (b *Binding) LastInput() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float32(nil), b.input...)
}

// Closed reports whether Close was called.
func (b *Binding) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
