package pipeline

import (
	"context"
	"image"
	"testing"

	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/testutil"
)

func benchmarkSegment(b *testing.B, w, h int, debounce bool) {
	m := &mockBackend{binding: mock.NewBinding(256, 144, mock.NewCenteredBlobMap(256, 144, 1, 40))}
	p := readyPipeline(b, m, func(bl *Builder) {
		bl.WithInferenceSize(256, 144).WithBlurSigma(2).WithDebounce(debounce)
	})
	frame := solidFrame(w, h, red)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	ctx := context.Background()

	b.ReportAllocs()
	b.SetBytes(int64(w * h * 4))
	b.ResetTimer()
	for b.Loop() {
		if err := p.Segment(ctx, frame, out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSegment_720p(b *testing.B) {
	benchmarkSegment(b, testutil.HDSize.Width, testutil.HDSize.Height, true)
}

func BenchmarkSegment_720p_NoDebounce(b *testing.B) {
	benchmarkSegment(b, testutil.HDSize.Width, testutil.HDSize.Height, false)
}

func BenchmarkSegment_1080p(b *testing.B) {
	benchmarkSegment(b, 1920, 1080, true)
}
