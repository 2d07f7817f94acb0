package cmd

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/cutout/internal/config"
	"github.com/MeKo-Tech/cutout/internal/engine"
	"github.com/MeKo-Tech/cutout/internal/engine/mock"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/testutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// useFakeEngine routes pipeline construction to an in-memory engine whose
// mask is the constant prob.
func useFakeEngine(t *testing.T, prob float32) *mock.Binding {
	t.Helper()
	binding := mock.NewBinding(16, 9, mock.NewUniformMap(16, 9, prob))
	prev := newPipelineBuilder
	newPipelineBuilder = func(cfg *config.Config) (*pipeline.Builder, error) {
		b, err := cfg.ToPipelineBuilder()
		if err != nil {
			return nil, err
		}
		return b.
			WithModelData([]byte("model")).
			WithInferenceSize(16, 9).
			WithBackend(pipeline.Backend{
				InitRuntime: func(string, bool) error { return nil },
				Load: func(context.Context, []byte, engine.LoadOptions) (engine.Binding, error) {
					return binding, nil
				},
			}), nil
	}
	t.Cleanup(func() { newPipelineBuilder = prev })
	return binding
}

// executeCommand runs the root command with args and returns its stdout.
// Flags are reset first because cobra keeps parsed values between runs.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := executeCommandC(t, args...)
	return stdout, err
}

// executeCommandC is executeCommand with stderr (logs, progress) returned separately.
func executeCommandC(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	viper.Reset()
	bindPersistentFlags()
	globalConfig = nil
	configLoader = nil

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func writePNG(t *testing.T, dir, name string, w, h int, c color.NRGBA) string {
	t.Helper()
	path := filepath.Join(dir, name)
	testutil.SaveImage(t, testutil.CreateTestImage(w, h, c), path)
	return path
}

func readPNG(t *testing.T, path string) image.Image {
	t.Helper()
	return testutil.LoadImage(t, path)
}
