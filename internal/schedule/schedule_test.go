package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/schedule/scheduletest"
)

func at(h, m int) time.Time { return time.Date(2026, 5, 4, h, m, 0, 0, time.UTC) }

func utcConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func TestDelayUntilOpen(t *testing.T) {
	s, err := New(utcConfig())
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"inside", at(12, 0), 0},
		{"at open", at(9, 0), 0},
		{"last minute", at(20, 59), 0},
		{"at close", at(21, 0), 12 * time.Hour},
		{"after close", at(21, 5), 11*time.Hour + 55*time.Minute},
		{"early morning", at(3, 30), 5*time.Hour + 30*time.Minute},
		{"midnight", at(0, 0), 9 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.DelayUntilOpen(tc.now))
		})
	}
}

func TestWindowNotEnforced(t *testing.T) {
	cfg := utcConfig()
	cfg.EnforceWindow = false
	s, err := New(cfg)
	require.NoError(t, err)
	assert.Zero(t, s.DelayUntilOpen(at(23, 0)))
	assert.True(t, s.InWindow(at(23, 0)))
}

func TestWaitAt2105WaitsUntilNine(t *testing.T) {
	clock := scheduletest.NewClock(at(21, 5))
	s, err := New(utcConfig(), WithClock(clock.Now), WithSleeper(clock))
	require.NoError(t, err)

	require.NoError(t, s.Wait(context.Background(), false))
	assert.Equal(t, time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC), clock.Now())
	assert.Equal(t, []time.Duration{11*time.Hour + 55*time.Minute}, clock.Sleeps())
}

func TestPacingThenWindow(t *testing.T) {
	cfg := utcConfig()
	cfg.MinDelay = 30 * time.Minute
	cfg.MaxDelay = 30 * time.Minute
	clock := scheduletest.NewClock(at(20, 45))
	s, err := New(cfg, WithClock(clock.Now), WithSleeper(clock))
	require.NoError(t, err)

	require.NoError(t, s.Wait(context.Background(), true))
	// 20:45 + 30m = 21:15, outside the window, so wait until 09:00.
	assert.Equal(t, []time.Duration{30 * time.Minute, 11*time.Hour + 45*time.Minute}, clock.Sleeps())
	assert.True(t, s.InWindow(clock.Now()))
}

func TestNextDelayWithinRange(t *testing.T) {
	cfg := utcConfig()
	s, err := New(cfg, WithSeed(42))
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		d := s.NextDelay()
		assert.GreaterOrEqual(t, d, cfg.MinDelay)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
}

func TestWaitCancelled(t *testing.T) {
	clock := scheduletest.NewClock(at(22, 0))
	s, err := New(utcConfig(), WithClock(clock.Now), WithSleeper(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx, true), context.Canceled)
	assert.Empty(t, clock.Sleeps())
}

func TestRealSleeperHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := realSleeper{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestValidateAndApply(t *testing.T) {
	bad := utcConfig()
	bad.WindowStart, bad.WindowEnd = 21, 9
	_, err := New(bad)
	assert.Error(t, err)

	s, err := New(utcConfig())
	require.NoError(t, err)
	assert.Error(t, s.Apply(bad))

	next := utcConfig()
	next.WindowStart, next.WindowEnd = 0, 24
	require.NoError(t, s.Apply(next))
	assert.True(t, s.InWindow(at(23, 30)))
}
