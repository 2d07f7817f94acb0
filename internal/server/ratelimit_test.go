package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter's notion of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(perMinute, perHour, perDay int, pixels int64) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(perMinute, perHour, perDay, pixels)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiterMinute(t *testing.T) {
	rl, clock := newClockedLimiter(2, 0, 0, 0)

	require.NoError(t, rl.CheckRateLimit("a"))
	require.NoError(t, rl.CheckRateLimit("a"))

	clock.Advance(20 * time.Second)
	err := rl.CheckRateLimit("a")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "minute", rle.Type)
	assert.Equal(t, 2, rle.Limit)
	assert.Equal(t, 40*time.Second, rle.RetryAfter)

	require.NoError(t, rl.CheckRateLimit("b"), "clients are tracked separately")

	clock.Advance(40 * time.Second)
	require.NoError(t, rl.CheckRateLimit("a"))
}

func TestRateLimiterHour(t *testing.T) {
	rl, clock := newClockedLimiter(0, 3, 0, 0)

	for range 3 {
		require.NoError(t, rl.CheckRateLimit("a"))
		clock.Advance(5 * time.Minute)
	}

	var rle *RateLimitError
	require.ErrorAs(t, rl.CheckRateLimit("a"), &rle)
	assert.Equal(t, "hour", rle.Type)
	assert.Equal(t, 45*time.Minute, rle.RetryAfter)

	clock.Advance(45 * time.Minute)
	require.NoError(t, rl.CheckRateLimit("a"))
}

func TestRateLimiterDailyRequests(t *testing.T) {
	rl, clock := newClockedLimiter(0, 0, 1, 0)

	require.NoError(t, rl.CheckRateLimit("a"))

	var qe *QuotaExceededError
	require.ErrorAs(t, rl.CheckRateLimit("a"), &qe)
	assert.Equal(t, "requests", qe.Type)
	assert.Equal(t, int64(1), qe.Used)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), qe.Resets)

	clock.Advance(12 * time.Hour)
	require.NoError(t, rl.CheckRateLimit("a"))
}

func TestRateLimiterPixels(t *testing.T) {
	rl, clock := newClockedLimiter(0, 0, 0, 1000)

	require.NoError(t, rl.ChargePixels("a", 600))

	var qe *QuotaExceededError
	require.ErrorAs(t, rl.ChargePixels("a", 600), &qe)
	assert.Equal(t, "pixels", qe.Type)
	assert.Equal(t, int64(600), qe.Used)
	assert.Equal(t, int64(1000), qe.Limit)

	// A rejected charge is not recorded.
	require.NoError(t, rl.ChargePixels("a", 400))
	assert.Equal(t, int64(1000), rl.GetUsage("a").PixelsToday)

	clock.Advance(24 * time.Hour)
	require.NoError(t, rl.ChargePixels("a", 1000))
}

func TestRateLimiterZeroLimitsAreUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0, 0, 0)
	for range 100 {
		require.NoError(t, rl.CheckRateLimit("a"))
		require.NoError(t, rl.ChargePixels("a", 1<<30))
	}
	usage := rl.GetUsage("a")
	assert.Equal(t, 100, usage.RequestsToday)
	assert.Equal(t, int64(100<<30), usage.PixelsToday)
}

func TestRateLimiterGetUsageUnknownClient(t *testing.T) {
	rl := NewRateLimiter(1, 1, 1, 1)
	assert.Equal(t, ClientUsage{}, rl.GetUsage("nobody"))
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl := NewRateLimiter(50, 0, 0, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for range 100 {
		wg.Go(func() {
			if rl.CheckRateLimit("a") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRateLimitErrorMessages(t *testing.T) {
	err := &RateLimitError{Type: "minute", Limit: 10, RetryAfter: 30 * time.Second}
	assert.Equal(t, "rate limit exceeded for minute (limit: 10, retry after: 30s)", err.Error())

	resets := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	qe := &QuotaExceededError{Type: "pixels", Limit: 100, Used: 90, Resets: resets}
	assert.Equal(t, "quota exceeded for pixels (used: 90, limit: 100, resets: 2024-01-02T00:00:00Z)", qe.Error())

	var target *QuotaExceededError
	assert.True(t, errors.As(error(qe), &target))
}
