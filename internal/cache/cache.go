// Package cache stores composited images in Redis so repeated requests for
// the same frame and background skip inference.
package cache

import (
	"context"
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cutout:composite:"

// DefaultTTL is how long a cached composite lives.
const DefaultTTL = time.Hour

// Config configures the Redis connection.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// ResultCache caches encoded composites. A nil *ResultCache is a valid,
// always-missing cache.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis when cfg.Enabled is set. It returns nil otherwise.
func New(cfg Config) *ResultCache {
	if !cfg.Enabled || cfg.Addr == "" {
		return nil
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &ResultCache{client: client, ttl: ttl}
}

// Key fingerprints a request. scope identifies the renderer (model,
// configured background, blur and scaling); the rest are the uploaded frame
// bytes, the uploaded background and the output encoding.
func Key(scope string, frame []byte, background, format string) string {
	h := md5.New() //nolint:gosec // see import
	_, _ = h.Write([]byte(scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(frame)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(background))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(format))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Enabled reports whether the cache talks to Redis.
func (c *ResultCache) Enabled() bool {
	return c != nil && c.client != nil
}

// Ping checks the connection.
func (c *ResultCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Get returns the cached bytes for key. A miss returns nil, false, nil.
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set stores data under key with the configured TTL.
func (c *ResultCache) Set(ctx context.Context, key string, data []byte) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.Warn("Failed to cache composite", "key", key, "error", err)
		return err
	}
	return nil
}

// TTL returns the entry lifetime.
func (c *ResultCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Close releases the connection pool.
func (c *ResultCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
