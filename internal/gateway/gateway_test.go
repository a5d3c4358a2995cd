package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		GetLimit:          10,
		GetWindow:         time.Second,
		PostLimit:         6,
		PostWindow:        time.Second,
		MaxRetries:        2,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffCap:        200 * time.Millisecond,
		FailureThreshold:  5,
		RecoveryTimeout:   50 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

func TestSlidingWindowNeverExceedsLimitOverTime(t *testing.T) {
	t.Parallel()
	w := newSlidingWindow(6, 200*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 14; i++ {
		require.NoError(t, w.Wait(ctx))
	}
	elapsed := time.Since(start)

	// 14 admissions at 6/200ms must span at least two windows.
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestCallSucceedsOnFirstTry(t *testing.T) {
	t.Parallel()
	g := New(testConfig(), testLogger())

	var calls int32
	result, err := g.Call(context.Background(), Get, func(ctx context.Context) (any, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", 0, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(1), calls)
}

func TestCallRetriesTransientFailureThenSucceeds(t *testing.T) {
	t.Parallel()
	g := New(testConfig(), testLogger())

	var calls int32
	result, err := g.Call(context.Background(), Post, func(ctx context.Context) (any, time.Duration, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return nil, 0, errors.New("transient network error")
		}
		return "ok", 0, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(2), calls)
}

func TestCallHonorsRateLimitWithoutTrippingBreaker(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxRetries = 3
	g := New(cfg, testLogger())

	var calls int32
	_, err := g.Call(context.Background(), Post, func(ctx context.Context) (any, time.Duration, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, 5 * time.Millisecond, errors.New("429")
		}
		return "ok", 0, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
}

func TestBreakerOpensAfterConsecutiveFailuresAndRecovers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.FailureThreshold = 5
	cfg.MaxRetries = 0 // isolate one failure per Call so each counts toward the breaker
	cfg.RecoveryTimeout = 30 * time.Millisecond
	g := New(cfg, testLogger())

	failing := func(ctx context.Context) (any, time.Duration, error) {
		return nil, 0, errors.New("boom")
	}

	for i := 0; i < 5; i++ {
		_, err := g.Call(context.Background(), Get, failing)
		require.Error(t, err)
	}

	_, err := g.Call(context.Background(), Get, failing)
	var circuitOpen *CircuitOpenError
	require.ErrorAs(t, err, &circuitOpen)

	time.Sleep(40 * time.Millisecond) // past RecoveryTimeout

	_, err = g.Call(context.Background(), Get, func(ctx context.Context) (any, time.Duration, error) {
		return "ok", 0, nil
	})
	assert.NoError(t, err)
}
