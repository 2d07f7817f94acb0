package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	osLinux    = "linux"
	osDarwin   = "darwin"
	osWindows  = "windows"
	libLinux   = "libonnxruntime.so"
	libDarwin  = "libonnxruntime.dylib"
	libWindows = "onnxruntime.dll"
)

// GPUConfig holds CUDA options for the accelerated variant.
type GPUConfig struct {
	DeviceID              int    // CUDA device ID (default: 0)
	MemLimit              uint64 // GPU memory limit in bytes (0 = unlimited)
	ArenaExtendStrategy   string // "kNextPowerOfTwo" or "kSameAsRequested"
	CUDNNConvAlgoSearch   string // "EXHAUSTIVE", "HEURISTIC" or "DEFAULT"
	DoCopyInDefaultStream bool
}

// DefaultGPUConfig returns default CUDA options.
func DefaultGPUConfig() GPUConfig {
	return GPUConfig{
		DeviceID:              0,
		MemLimit:              0,
		ArenaExtendStrategy:   "kNextPowerOfTwo",
		CUDNNConvAlgoSearch:   "DEFAULT",
		DoCopyInDefaultStream: true,
	}
}

// Validate checks the CUDA options.
func (c GPUConfig) Validate() error {
	if c.DeviceID < 0 {
		return fmt.Errorf("device ID must be non-negative, got %d", c.DeviceID)
	}

	validStrategies := map[string]bool{
		"kNextPowerOfTwo":  true,
		"kSameAsRequested": true,
	}
	if c.ArenaExtendStrategy != "" && !validStrategies[c.ArenaExtendStrategy] {
		return fmt.Errorf("invalid arena extend strategy: %s (must be 'kNextPowerOfTwo' or "+
			"'kSameAsRequested')", c.ArenaExtendStrategy)
	}

	validAlgoSearch := map[string]bool{
		"EXHAUSTIVE": true,
		"HEURISTIC":  true,
		"DEFAULT":    true,
	}
	if c.CUDNNConvAlgoSearch != "" && !validAlgoSearch[c.CUDNNConvAlgoSearch] {
		return fmt.Errorf("invalid CUDNN conv algo search: %s (must be 'EXHAUSTIVE', 'HEURISTIC', or "+
			"'DEFAULT')", c.CUDNNConvAlgoSearch)
	}
	return nil
}

// cudaSettings renders the options in the key/value form ONNX Runtime expects.
func (c GPUConfig) cudaSettings() map[string]string {
	settings := map[string]string{
		"device_id": strconv.Itoa(c.DeviceID),
	}
	if c.MemLimit > 0 {
		settings["gpu_mem_limit"] = strconv.FormatUint(c.MemLimit, 10)
	}
	if c.ArenaExtendStrategy != "" {
		settings["arena_extend_strategy"] = c.ArenaExtendStrategy
	}
	if c.CUDNNConvAlgoSearch != "" {
		settings["cudnn_conv_algo_search"] = c.CUDNNConvAlgoSearch
	}
	if c.DoCopyInDefaultStream {
		settings["do_copy_in_default_stream"] = "1"
	} else {
		settings["do_copy_in_default_stream"] = "0"
	}
	return settings
}

// appendCUDA attaches the CUDA execution provider to the session options.
func appendCUDA(opts *ort.SessionOptions, gpu GPUConfig) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("failed to create CUDA provider options: %w", err)
	}
	defer func() {
		if destroyErr := cudaOpts.Destroy(); destroyErr != nil {
			slog.Warn("Failed to destroy CUDA provider options", "error", destroyErr)
		}
	}()

	if err := cudaOpts.Update(gpu.cudaSettings()); err != nil {
		return fmt.Errorf("failed to update CUDA provider options: %w", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		return fmt.Errorf("failed to append CUDA execution provider: %w", err)
	}
	return nil
}

// systemLibraryPaths returns system library paths to try, GPU builds first when requested.
func systemLibraryPaths(useGPU bool) []string {
	if useGPU {
		return []string{
			"/opt/onnxruntime/gpu/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
		}
	}
	return []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
	}
}

// findProjectRoot walks up from the working directory to the directory holding go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not find project root")
		}
		dir = parent
	}
}

// libraryName returns the shared library filename for the current OS.
func libraryName() (string, error) {
	switch runtime.GOOS {
	case osLinux:
		return libLinux, nil
	case osDarwin:
		return libDarwin, nil
	case osWindows:
		return libWindows, nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ResolveLibraryPath finds the ONNX Runtime shared library. An explicit path
// wins; otherwise system locations and the project's onnxruntime/ directory
// are searched.
func ResolveLibraryPath(explicit string, useGPU bool) (string, error) {
	if explicit != "" {
		if !fileExists(explicit) {
			return "", fmt.Errorf("ONNX Runtime library not found at %s", explicit)
		}
		return explicit, nil
	}

	for _, path := range systemLibraryPaths(useGPU) {
		if fileExists(path) {
			return path, nil
		}
	}

	root, err := findProjectRoot()
	if err != nil {
		return "", err
	}
	name, err := libraryName()
	if err != nil {
		return "", err
	}

	if useGPU {
		gpuPath := filepath.Join(root, "onnxruntime", "gpu", "lib", name)
		if fileExists(gpuPath) {
			return gpuPath, nil
		}
	}
	cpuPath := filepath.Join(root, "onnxruntime", "lib", name)
	if !fileExists(cpuPath) {
		return "", fmt.Errorf("ONNX Runtime library not found at %s", cpuPath)
	}
	return cpuPath, nil
}

var runtimeMu sync.Mutex

// InitRuntime locates the shared library and initializes the ONNX Runtime
// environment. Later calls are no-ops once the environment is up.
func InitRuntime(libraryPath string, useGPU bool) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	path, err := ResolveLibraryPath(libraryPath, useGPU)
	if err != nil {
		return fmt.Errorf("failed to set ONNX Runtime library path: %w", err)
	}
	ort.SetSharedLibraryPath(path)

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	slog.Debug("ONNX Runtime initialized", "library", path, "version", ort.GetVersion())
	return nil
}
