package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGPUConfig(t *testing.T) {
	cfg := DefaultGPUConfig()
	assert.Equal(t, 0, cfg.DeviceID)
	assert.Zero(t, cfg.MemLimit)
	assert.Equal(t, "kNextPowerOfTwo", cfg.ArenaExtendStrategy)
	assert.Equal(t, "DEFAULT", cfg.CUDNNConvAlgoSearch)
	assert.True(t, cfg.DoCopyInDefaultStream)
	assert.NoError(t, cfg.Validate())
}

func TestGPUConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GPUConfig)
		wantErr bool
	}{
		{"defaults", func(*GPUConfig) {}, false},
		{"negative device", func(c *GPUConfig) { c.DeviceID = -1 }, true},
		{"bad arena strategy", func(c *GPUConfig) { c.ArenaExtendStrategy = "grow" }, true},
		{"bad algo search", func(c *GPUConfig) { c.CUDNNConvAlgoSearch = "FAST" }, true},
		{"empty strings allowed", func(c *GPUConfig) {
			c.ArenaExtendStrategy = ""
			c.CUDNNConvAlgoSearch = ""
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultGPUConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestCUDASettings(t *testing.T) {
	cfg := DefaultGPUConfig()
	cfg.DeviceID = 1
	cfg.MemLimit = 1024
	cfg.DoCopyInDefaultStream = false

	s := cfg.cudaSettings()
	assert.Equal(t, "1", s["device_id"])
	assert.Equal(t, "1024", s["gpu_mem_limit"])
	assert.Equal(t, "kNextPowerOfTwo", s["arena_extend_strategy"])
	assert.Equal(t, "DEFAULT", s["cudnn_conv_algo_search"])
	assert.Equal(t, "0", s["do_copy_in_default_stream"])

	_, ok := DefaultGPUConfig().cudaSettings()["gpu_mem_limit"]
	assert.False(t, ok)
}

func TestSystemLibraryPaths(t *testing.T) {
	gpu := systemLibraryPaths(true)
	cpu := systemLibraryPaths(false)
	assert.Contains(t, gpu[0], "gpu")
	assert.Len(t, cpu, 3)
	for _, p := range cpu {
		assert.NotContains(t, p, "gpu")
	}
}

func TestLibraryName(t *testing.T) {
	name, err := libraryName()
	switch runtime.GOOS {
	case osLinux:
		require.NoError(t, err)
		assert.Equal(t, libLinux, name)
	case osDarwin:
		require.NoError(t, err)
		assert.Equal(t, libDarwin, name)
	case osWindows:
		require.NoError(t, err)
		assert.Equal(t, libWindows, name)
	default:
		assert.Error(t, err)
	}
}

func TestResolveLibraryPathExplicit(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, []byte("stub"), 0o600))

	got, err := ResolveLibraryPath(lib, false)
	require.NoError(t, err)
	assert.Equal(t, lib, got)

	_, err = ResolveLibraryPath(filepath.Join(dir, "missing.so"), false)
	assert.Error(t, err)
}

func TestFindProjectRoot(t *testing.T) {
	root, err := findProjectRoot()
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(root, "go.mod"))
	assert.NoError(t, statErr)
}
