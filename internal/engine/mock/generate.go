// Package mock provides a fake engine binding and synthetic probability maps.
package mock

import (
	"math"
)

// ProbMap is a synthetic single-channel network output of size W x H.
type ProbMap struct {
	Data   []float32
	Width  int
	Height int
}

// NewUniformMap creates a map where every pixel has the given value in [0,1].
func NewUniformMap(w, h int, value float32) ProbMap {
	if w <= 0 || h <= 0 {
		return ProbMap{}
	}
	data := make([]float32, w*h)
	for i := range data {
		data[i] = clamp01(value)
	}
	return ProbMap{Data: data, Width: w, Height: h}
}

// NewCenteredBlobMap creates a Gaussian-like blob centered in the map,
// roughly the shape of a single person in frame. sigma controls spread.
func NewCenteredBlobMap(w, h int, peak float32, sigma float64) ProbMap {
	if w <= 0 || h <= 0 {
		return ProbMap{}
	}
	data := make([]float32, w*h)
	cx := float64(w-1) / 2.0
	cy := float64(h-1) / 2.0
	inv2s2 := 1.0 / (2.0 * sigma * sigma)
	for y := range h {
		for x := range w {
			dx := float64(x) - cx
			dy := float64(y) - cy
			data[y*w+x] = clamp01(float32(math.Exp(-(dx*dx+dy*dy)*inv2s2)) * peak)
		}
	}
	return ProbMap{Data: data, Width: w, Height: h}
}

// NewCheckerMap creates a checkerboard of cell x cell squares alternating
// between hi (top-left) and lo.
func NewCheckerMap(w, h, cell int, hi, lo float32) ProbMap {
	if w <= 0 || h <= 0 || cell <= 0 {
		return ProbMap{}
	}
	data := make([]float32, w*h)
	for y := range h {
		for x := range w {
			v := lo
			if ((x/cell)+(y/cell))%2 == 0 {
				v = hi
			}
			data[y*w+x] = clamp01(v)
		}
	}
	return ProbMap{Data: data, Width: w, Height: h}
}

// NewVerticalSplitMap marks the left half (x < w/2) with hi and the right half with lo.
func NewVerticalSplitMap(w, h int, hi, lo float32) ProbMap {
	if w <= 0 || h <= 0 {
		return ProbMap{}
	}
	data := make([]float32, w*h)
	for y := range h {
		for x := range w {
			v := lo
			if x < w/2 {
				v = hi
			}
			data[y*w+x] = clamp01(v)
		}
	}
	return ProbMap{Data: data, Width: w, Height: h}
}

// LuminanceOutput derives a probability per pixel from the mean of its RGB
// input values, so the mask follows the frame content.
func LuminanceOutput(input []float32, dst []float32) {
	for i := range dst {
		o := i * 3
		if o+2 >= len(input) {
			dst[i] = 0
			continue
		}
		dst[i] = clamp01((input[o] + input[o+1] + input[o+2]) / 3)
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
