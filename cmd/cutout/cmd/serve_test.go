package cmd

import (
	"testing"

	"github.com/MeKo-Tech/cutout/internal/config"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	assert.Equal(t, "serve", serveCmd.Use)
	assert.Contains(t, serveCmd.Long, "/ws/segment")
	for _, name := range []string{
		"host", "port", "cors-origin", "max-upload-size", "timeout", "shutdown-timeout",
		"rate-limit-enabled", "max-pixels-per-day", "cache-enabled", "redis-addr",
	} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
}

func TestApplyServeFlags(t *testing.T) {
	resetFlags(serveCmd)
	t.Cleanup(func() { resetFlags(serveCmd) })

	require.NoError(t, serveCmd.ParseFlags([]string{
		"--host", "0.0.0.0",
		"-p", "9000",
		"--rate-limit-enabled",
		"--max-pixels-per-day", "1000",
		"--cache-enabled",
		"--redis-addr", "cache:6379",
		"--color", "#112233",
	}))

	cfg := config.DefaultConfig()
	applyServeFlags(serveCmd, &cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, int64(1000), cfg.Server.RateLimit.MaxPixelsPerDay)
	assert.Equal(t, 600, cfg.Server.RateLimit.RequestsPerMinute, "unchanged flags keep configured values")
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "cache:6379", cfg.Cache.Addr)
	assert.Equal(t, "#112233", cfg.Background.Color)
	assert.Equal(t, 30, cfg.Server.TimeoutSec)
	require.NoError(t, cfg.Validate())
}

func TestServerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.MaxUploadMB = 5
	cfg.Server.RateLimit.Enabled = true

	sc := serverConfig(&cfg, imaging.Lanczos)
	assert.Equal(t, "localhost", sc.Host)
	assert.Equal(t, 8080, sc.Port)
	assert.Equal(t, int64(5), sc.MaxUploadMB)
	assert.Equal(t, imaging.Lanczos.Support, sc.ResampleFilter.Support)
	assert.True(t, sc.RateLimit.Enabled)
	assert.Equal(t, cfg.Server.RateLimit.MaxPixelsPerDay, sc.RateLimit.MaxPixelsPerDay)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	useFakeEngine(t, 1)
	_, err := executeCommand(t, "serve", "--color", "not-a-color")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
