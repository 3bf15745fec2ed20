package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/domain"
	logx "botrelay/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	m := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := openFile(Config{Path: filepath.Join(t.TempDir(), "botrelay.json")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "botrelay.db")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("BOTRELAY_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store {
			s, err := openPostgres(Config{DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			_, err = s.db.Exec(`TRUNCATE accounts`)
			require.NoError(t, err)
			return s
		}
	}
	return m
}

func TestStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			a, err := s.CreateAccount(ctx, []byte("cred-a"), domain.KindDryRun, "+70000000001")
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
			b, err := s.CreateAccount(ctx, []byte("cred-b"), domain.KindTelegramBot, "@relay")
			require.NoError(t, err)
			assert.NotEqual(t, a.ID, b.ID)

			_, err = s.CreateAccount(ctx, nil, domain.TransportKind("pigeon"), "")
			assert.ErrorIs(t, err, ErrInvalid)

			list, err := s.ListAccounts(ctx, true)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, a.ID, list[0].ID, "creation order")
			assert.Equal(t, []byte("cred-a"), list[0].Credential)

			require.NoError(t, s.MarkBanned(ctx, a.ID))
			list, err = s.ListAccounts(ctx, true)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, b.ID, list[0].ID)
			all, err := s.ListAccounts(ctx, false)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			require.NoError(t, s.Unban(ctx, a.ID))

			require.NoError(t, s.IncrementDailyCount(ctx, b.ID))
			require.NoError(t, s.IncrementDailyCount(ctx, b.ID))
			at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, s.TouchActivity(ctx, b.ID, at))
			require.NoError(t, s.UpdateCredential(ctx, b.ID, []byte("cred-b2")))

			got, err := s.GetAccount(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.DailyCount)
			assert.True(t, got.LastActivity.Equal(at))
			assert.Equal(t, []byte("cred-b2"), got.Credential)
			assert.False(t, got.Banned)

			require.NoError(t, s.ResetDailyCounts(ctx))
			got, err = s.GetAccount(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, got.DailyCount)

			_, err = s.GetAccount(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			assert.ErrorIs(t, s.MarkBanned(ctx, "missing"), domain.ErrNotFound)
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	ctx := context.Background()

	s, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	s.compactEvery = 3
	a, err := s.CreateAccount(ctx, []byte("x"), domain.KindDryRun, "a")
	require.NoError(t, err)
	b, err := s.CreateAccount(ctx, []byte("y"), domain.KindDryRun, "b")
	require.NoError(t, err)
	require.NoError(t, s.MarkBanned(ctx, a.ID))
	require.NoError(t, s.IncrementDailyCount(ctx, b.ID))
	// State is split between snapshot and journal; skip the final compaction.
	require.NoError(t, s.journal.Close())

	s2, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	all, err := s2.ListAccounts(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.True(t, all[0].Banned)
	assert.Equal(t, 1, all[1].DailyCount)
}

type brokenStore struct {
	Store
	calls int
}

func (b *brokenStore) IncrementDailyCount(ctx context.Context, id domain.AccountID) error {
	b.calls++
	return errors.New("disk I/O error")
}

func TestGuardMapsFailuresAndOpens(t *testing.T) {
	inner := &brokenStore{Store: NewMemory()}
	g := NewGuard(inner, BreakerConfig{Threshold: 2, Timeout: time.Hour}, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := g.IncrementDailyCount(ctx, "a")
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	}
	assert.Equal(t, 2, inner.calls, "open breaker fails fast")
	assert.Equal(t, "open", g.State())
}

func TestGuardPassesCallerErrors(t *testing.T) {
	g := NewGuard(NewMemory(), BreakerConfig{Threshold: 1}, logx.Nop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := g.MarkBanned(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	}
	assert.Equal(t, "closed", g.State())
}

func TestOpen(t *testing.T) {
	g, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, g.Close())

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}
