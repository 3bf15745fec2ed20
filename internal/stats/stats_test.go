package stats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/domain"
)

func TestMemoryCounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, a := range []domain.DispatchAttempt{
		{AccountID: "a", Outcome: domain.OutcomeSent, At: at},
		{AccountID: "a", Outcome: domain.OutcomeTransportError, At: at.Add(time.Minute)},
		{AccountID: "b", Outcome: domain.OutcomeSent, At: at},
		{Outcome: domain.OutcomeSkipped, At: at},
	} {
		require.NoError(t, m.Record(ctx, a))
	}

	snap := m.Snapshot()
	assert.Equal(t, Counts{Sent: 2, Skipped: 1, TransportError: 1}, snap.Total)
	assert.Equal(t, Counts{Sent: 1, TransportError: 1}, snap.ByAccount["a"])
	assert.Equal(t, Counts{Sent: 1}, snap.ByAccount["b"])
	assert.Len(t, snap.ByAccount, 2)
	assert.Equal(t, at.Add(time.Minute), snap.LastAt)
}

type failing struct{}

func (failing) Record(context.Context, domain.DispatchAttempt) error { return errors.New("down") }

func TestTeeRecordsEverywhere(t *testing.T) {
	m1, m2 := NewMemory(), NewMemory()
	err := Tee{m1, nil, failing{}, m2}.Record(context.Background(), domain.DispatchAttempt{Outcome: domain.OutcomeSent})
	assert.EqualError(t, err, "down")
	assert.Equal(t, int64(1), m1.Snapshot().Total.Sent)
	assert.Equal(t, int64(1), m2.Snapshot().Total.Sent)
}

func TestNilRedisRecorderIsNoop(t *testing.T) {
	var r *RedisRecorder
	assert.NoError(t, r.Record(context.Background(), domain.DispatchAttempt{}))
	assert.NoError(t, r.Close())
}

// Needs a reachable Redis: BOTRELAY_TEST_REDIS_ADDR=localhost:6379.
func TestRedisRecorder(t *testing.T) {
	addr := os.Getenv("BOTRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BOTRELAY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)

	prefix := "botrelay:test:" + uuid.NewString()
	r := NewRedisRecorder(rdb, WithPrefix(prefix+":"), WithTTL(time.Minute))
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
		_ = r.Close()
	})

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record(ctx, domain.DispatchAttempt{AccountID: "a", Outcome: domain.OutcomeSent, At: at}))
	require.NoError(t, r.Record(ctx, domain.DispatchAttempt{AccountID: "a", Outcome: domain.OutcomeSent, At: at}))
	require.NoError(t, r.Record(ctx, domain.DispatchAttempt{Outcome: domain.OutcomeSkipped, At: at}))

	tot, err := r.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Sent: 2, Skipped: 1}, tot)

	day, err := rdb.HGetAll(ctx, prefix+":day:20260310").Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sent": "2", "skipped": "1"}, day)

	ttl, err := rdb.TTL(ctx, prefix+":account:a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
