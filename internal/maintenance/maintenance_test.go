package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/pool"
	logx "botrelay/pkg/logx"
)

type fakeSweeper struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeSweeper) HealthSweep(ctx context.Context) (pool.SweepSummary, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return pool.SweepSummary{}, ctx.Err()
		}
	}
	return pool.SweepSummary{Checked: 1, Connected: 1}, f.err
}

type fakeResetter struct{ calls atomic.Int32 }

func (f *fakeResetter) ResetDailyCounts(context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestValidate(t *testing.T) {
	s := New(DefaultConfig(), &fakeSweeper{}, &fakeResetter{}, logx.Nop())
	assert.NoError(t, s.Validate(DefaultConfig()))
	assert.NoError(t, s.Validate(Config{HealthSweep: "*/30 * * * * *"}))

	bad := DefaultConfig()
	bad.DailyReset = "every day"
	assert.ErrorContains(t, s.Validate(bad), "daily_reset")

	bad = DefaultConfig()
	bad.Timezone = "Mars/Olympus"
	assert.Error(t, s.Validate(bad))
}

func TestRunNow(t *testing.T) {
	sw, rs := &fakeSweeper{}, &fakeResetter{}
	s := New(DefaultConfig(), sw, rs, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.RunNow(ctx, JobHealthSweep))
	require.NoError(t, s.RunNow(ctx, JobDailyReset))
	assert.ErrorIs(t, s.RunNow(ctx, "vacuum"), ErrUnknownJob)
	assert.Equal(t, int32(1), sw.calls.Load())
	assert.Equal(t, int32(1), rs.calls.Load())

	sw.err = errors.New("store down")
	assert.EqualError(t, s.RunNow(ctx, JobHealthSweep), "store down")
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, JobDailyReset, snap[0].Name)
	assert.Equal(t, JobHealthSweep, snap[1].Name)
	assert.Equal(t, 2, snap[1].Runs)
	assert.Equal(t, "store down", snap[1].LastErr)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	sw := &fakeSweeper{block: make(chan struct{})}
	s := New(DefaultConfig(), sw, &fakeResetter{}, logx.Nop())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.RunNow(ctx, JobHealthSweep) }()
	require.Eventually(t, func() bool { return sw.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.RunNow(ctx, JobHealthSweep))
	close(sw.block)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), sw.calls.Load())
	for _, info := range s.Snapshot() {
		if info.Name == JobHealthSweep {
			assert.Equal(t, 1, info.Skipped)
			assert.Equal(t, 1, info.Runs)
		}
	}
}

func TestScheduledSweepFires(t *testing.T) {
	sw := &fakeSweeper{}
	cfg := Config{Enabled: true, HealthSweep: "@every 1s"}
	s := New(cfg, sw, &fakeResetter{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())
	require.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	for _, info := range s.Snapshot() {
		if info.Name == JobHealthSweep {
			assert.False(t, info.NextRun.IsZero())
		} else {
			assert.True(t, info.NextRun.IsZero(), "disabled job has no next run")
		}
	}
}

func TestDisabledDoesNotSchedule(t *testing.T) {
	sw := &fakeSweeper{}
	s := New(Config{HealthSweep: "@every 1s"}, sw, &fakeResetter{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, sw.calls.Load())

	require.NoError(t, s.Apply(Config{Enabled: true, HealthSweep: "@every 1s"}))
	defer s.Stop(context.Background())
	require.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
}
