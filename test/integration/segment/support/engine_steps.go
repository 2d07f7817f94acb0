package support

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/tensor"
	"github.com/cucumber/godog"
)

func (tc *TestContext) anEngineReturningProbability(prob float64) error {
	tc.Binding = mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, float32(prob)))
	return nil
}

func (tc *TestContext) anEngineThatFailsToLoadWith(message string) error {
	tc.LoadErr = errors.New(message)
	return nil
}

func (tc *TestContext) maskReuseIsDisabled() error {
	tc.Debounce = false
	return nil
}

func (tc *TestContext) theBackgroundColorIs(hex string) error {
	c, err := parseColor(hex)
	if err != nil {
		return err
	}
	tc.Background = c
	return nil
}

func (tc *TestContext) thePipelineIsBuilt() error {
	return tc.BuildPipeline()
}

func (tc *TestContext) thePipelineIsInitialized() error {
	if err := tc.BuildPipeline(); err != nil {
		return err
	}
	tc.InitErr = tc.Pipeline.Initialize(context.Background())
	return nil
}

func (tc *TestContext) thePipelineStateIs(want string) error {
	if got := tc.Pipeline.State().String(); got != want {
		return fmt.Errorf("expected state %q, got %q", want, got)
	}
	return nil
}

func (tc *TestContext) initializationFailsWith(message string) error {
	if tc.InitErr == nil {
		return errors.New("expected initialization to fail")
	}
	if !errors.Is(tc.InitErr, pipeline.ErrInitFailed) {
		return fmt.Errorf("expected ErrInitFailed, got %v", tc.InitErr)
	}
	if !strings.Contains(tc.InitErr.Error(), message) {
		return fmt.Errorf("expected error to mention %q, got %v", message, tc.InitErr)
	}
	return nil
}

func (tc *TestContext) iSegmentAFrameIntoAPrefilledOutput(w, h int, hex string) error {
	c, err := parseColor(hex)
	if err != nil {
		return err
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range out.Pix {
		out.Pix[i] = 42
	}
	tc.Prefill = append([]byte(nil), out.Pix...)
	tc.LastOutput = out
	tc.LastErr = tc.Pipeline.Segment(context.Background(), solidFrame(w, h, c), out)
	return nil
}

func (tc *TestContext) iSegmentAFrame(w, h int, hex string) error {
	c, err := parseColor(hex)
	if err != nil {
		return err
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	tc.LastOutput = out
	tc.LastErr = tc.Pipeline.Segment(context.Background(), solidFrame(w, h, c), out)
	return nil
}

func (tc *TestContext) iSegmentFrames(n int) error {
	frame := solidFrame(8, 8, color.NRGBA{R: 255, A: 255})
	out := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range n {
		if err := tc.Pipeline.Segment(context.Background(), frame, out); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	tc.LastOutput = out
	return nil
}

func (tc *TestContext) iSegmentAFrameIntoAnEmptyOutput() error {
	tc.LastErr = tc.Pipeline.Segment(context.Background(),
		solidFrame(4, 4, color.NRGBA{A: 255}), &image.RGBA{})
	return nil
}

func (tc *TestContext) theCallSucceeds() error {
	return tc.LastErr
}

func (tc *TestContext) theCallFailsWithADimensionMismatch() error {
	if !errors.Is(tc.LastErr, tensor.ErrDimensionMismatch) {
		return fmt.Errorf("expected dimension mismatch, got %v", tc.LastErr)
	}
	return nil
}

func (tc *TestContext) theOutputIsUnchanged() error {
	if tc.LastErr != nil {
		return fmt.Errorf("expected no error, got %w", tc.LastErr)
	}
	for i, v := range tc.LastOutput.Pix {
		if v != tc.Prefill[i] {
			return fmt.Errorf("output byte %d changed from %d to %d", i, tc.Prefill[i], v)
		}
	}
	return nil
}

func (tc *TestContext) everyOutputPixelIs(hex string) error {
	c, err := parseColor(hex)
	if err != nil {
		return err
	}
	want := color.RGBAModel.Convert(c).(color.RGBA)
	b := tc.LastOutput.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if got := tc.LastOutput.RGBAAt(x, y); got != want {
				return fmt.Errorf("pixel (%d,%d) is %v, want %v", x, y, got, want)
			}
		}
	}
	return nil
}

func (tc *TestContext) theEngineRanTimes(n int) error {
	if got := tc.Binding.Runs(); got != n {
		return fmt.Errorf("expected %d engine runs, got %d", n, got)
	}
	return nil
}

func (tc *TestContext) masksWereReused(n int) error {
	if got := tc.Pipeline.Stats().Reused; got != int64(n) {
		return fmt.Errorf("expected %d reused masks, got %d", n, got)
	}
	return nil
}

func (tc *TestContext) callsWereSkipped(n int) error {
	if got := tc.Pipeline.Stats().Skipped; got != int64(n) {
		return fmt.Errorf("expected %d skipped calls, got %d", n, got)
	}
	return nil
}

// RegisterEngineSteps registers pipeline-level step definitions.
func (tc *TestContext) RegisterEngineSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a segmentation engine returning probability ([0-9.]+)$`, tc.anEngineReturningProbability)
	sc.Step(`^an engine that fails to load with "([^"]*)"$`, tc.anEngineThatFailsToLoadWith)
	sc.Step(`^mask reuse is disabled$`, tc.maskReuseIsDisabled)
	sc.Step(`^the background color is "([^"]*)"$`, tc.theBackgroundColorIs)
	sc.Step(`^the pipeline is built$`, tc.thePipelineIsBuilt)
	sc.Step(`^the pipeline is initialized$`, tc.thePipelineIsInitialized)
	sc.Step(`^the pipeline state is "([^"]*)"$`, tc.thePipelineStateIs)
	sc.Step(`^initialization fails with "([^"]*)"$`, tc.initializationFailsWith)
	sc.Step(`^I segment a (\d+)x(\d+) "([^"]*)" frame into a prefilled output$`, tc.iSegmentAFrameIntoAPrefilledOutput)
	sc.Step(`^I segment a (\d+)x(\d+) "([^"]*)" frame$`, tc.iSegmentAFrame)
	sc.Step(`^I segment (\d+) frames$`, tc.iSegmentFrames)
	sc.Step(`^I segment a frame into an empty output$`, tc.iSegmentAFrameIntoAnEmptyOutput)
	sc.Step(`^the call succeeds$`, tc.theCallSucceeds)
	sc.Step(`^the call fails with a dimension mismatch$`, tc.theCallFailsWithADimensionMismatch)
	sc.Step(`^the output is unchanged$`, tc.theOutputIsUnchanged)
	sc.Step(`^every output pixel is "([^"]*)"$`, tc.everyOutputPixelIs)
	sc.Step(`^the engine ran (\d+) times?$`, tc.theEngineRanTimes)
	sc.Step(`^(\d+) masks? (?:was|were) reused$`, tc.masksWereReused)
	sc.Step(`^(\d+) calls? (?:was|were) skipped$`, tc.callsWereSkipped)
}
