package cmd

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MeKo-Tech/cutout/internal/config"
	"github.com/MeKo-Tech/cutout/internal/pipeline"
	"github.com/MeKo-Tech/cutout/internal/utils"
	"github.com/spf13/cobra"
)

const outputSuffix = "_cutout.png"

// segmentCmd represents the segment command.
var segmentCmd = &cobra.Command{
	Use:   "segment <input...>",
	Short: "Replace the background of images or a frame sequence",
	Long: `Segment the person in each input image and composite it over the
configured background.

Multiple inputs are processed in order as one frame sequence, so mask reuse
applies between consecutive frames. Directories expand to the images they
contain in name order; earlier results (*_cutout.png) are skipped. With a single input, --output names the
result file; with several inputs it names a directory.

Examples:
  cutout segment photo.jpg
  cutout segment photo.jpg -o result.png --color "#00FF00"
  cutout segment frames/*.png -o out/ --background studio.jpg
  cutout segment frames/ -r --exclude "*_thumb.jpg" -o out/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSegment,
}

func runSegment(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if err := applySegmentFlags(cmd, cfg); err != nil {
		return err
	}
	if mustBool(cmd, "quiet") && !cfg.Verbose {
		setLogger(cmd.ErrOrStderr(), slog.LevelWarn)
	}

	recursive, _ := cmd.Flags().GetBool("recursive")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	inputs, err := utils.DiscoverImages(args, recursive, append(exclude, "*"+outputSuffix))
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return errors.New("no input images found")
	}

	outputs, err := outputPaths(inputs, mustString(cmd, "output"))
	if err != nil {
		return err
	}

	builder, err := newPipelineBuilder(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	p, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() { _ = p.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize segmentation engine: %w", err)
	}
	slog.Debug("Segmentation engine ready", "duration", time.Since(start), "variant", p.ModelInfo().Variant)

	progress := progressFor(cmd, cfg, len(inputs))

	src := func(i int) (image.Image, error) {
		img, _, err := utils.LoadImage(inputs[i])
		return img, err
	}
	sink := func(i int, out *image.RGBA) error {
		if err := utils.SaveImage(outputs[i], out); err != nil {
			return err
		}
		if !mustBool(cmd, "quiet") {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), outputs[i])
		}
		return nil
	}

	if err := p.SegmentSequence(ctx, len(inputs), src, sink, progress); err != nil {
		return err
	}

	stats := p.Stats()
	slog.Info("Segmentation finished",
		"frames", len(inputs),
		"computed", stats.Computed,
		"reused", stats.Reused,
		"duration", time.Since(start))
	return nil
}

// progressFor picks how sequence progress is reported: a progress bar on
// stderr by default, log records under --quiet --verbose, nothing otherwise.
func progressFor(cmd *cobra.Command, cfg *config.Config, frames int) pipeline.ProgressCallback {
	switch {
	case frames <= 1:
		return pipeline.NoOpProgressCallback{}
	case !mustBool(cmd, "quiet"):
		return pipeline.NewConsoleProgressCallback(cmd.ErrOrStderr(), "Segmenting")
	case cfg.Verbose:
		return pipeline.NewLogProgressCallback(slog.Default(), slog.LevelInfo, 10)
	default:
		return pipeline.NoOpProgressCallback{}
	}
}

// applySegmentFlags layers explicitly set flags over the loaded configuration.
func applySegmentFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Engine.ModelPath, _ = flags.GetString("model")
	}
	if flags.Changed("background") {
		cfg.Background.Source, _ = flags.GetString("background")
	}
	if flags.Changed("color") {
		cfg.Background.Color, _ = flags.GetString("color")
	}
	if flags.Changed("blur") {
		cfg.Compositor.BlurSigma, _ = flags.GetFloat64("blur")
	}
	if flags.Changed("no-debounce") {
		noDebounce, _ := flags.GetBool("no-debounce")
		cfg.Mask.Debounce = !noDebounce
	}
	if flags.Changed("variant") {
		cfg.Engine.Variant, _ = flags.GetString("variant")
	}
	if flags.Changed("threads") {
		cfg.Engine.NumThreads, _ = flags.GetInt("threads")
	}
	return cfg.Validate()
}

// outputPaths maps each input to its result file. A single input with an
// output that is not an existing directory writes exactly there.
func outputPaths(inputs []string, output string) ([]string, error) {
	if len(inputs) == 1 && output != "" && !isDir(output) && !strings.HasSuffix(output, string(os.PathSeparator)) {
		return []string{output}, nil
	}

	dir := output
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	paths := make([]string, len(inputs))
	seen := make(map[string]string, len(inputs))
	for i, in := range inputs {
		base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
		target := filepath.Join(filepath.Dir(in), base+outputSuffix)
		if dir != "" {
			target = filepath.Join(dir, base+outputSuffix)
		}
		if prev, ok := seen[target]; ok {
			return nil, fmt.Errorf("inputs %s and %s map to the same output %s", prev, in, target)
		}
		seen[target] = in
		paths[i] = target
	}
	return paths, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func init() {
	rootCmd.AddCommand(segmentCmd)
	segmentCmd.Flags().StringP("output", "o", "", "output file (single input) or directory")
	segmentCmd.Flags().String("model", "", "segmentation model location (file, http(s) or s3 URL)")
	segmentCmd.Flags().StringP("background", "b", "", "background image location (file, http(s) or s3 URL)")
	segmentCmd.Flags().String("color", "", "solid background color (hex), used when no background image is set")
	segmentCmd.Flags().Float64("blur", 2, "mask edge blur sigma (0 disables)")
	segmentCmd.Flags().Bool("no-debounce", false, "run inference on every frame instead of alternate frames")
	segmentCmd.Flags().String("variant", "auto", "kernel variant: auto, baseline or accelerated")
	segmentCmd.Flags().Int("threads", 0, "intra-op threads (0 = runtime default)")
	segmentCmd.Flags().BoolP("recursive", "r", false, "descend into subdirectories of directory inputs")
	segmentCmd.Flags().StringSlice("exclude", nil, "file name patterns to skip")
	segmentCmd.Flags().BoolP("quiet", "q", false, "do not print output paths or progress")
}
