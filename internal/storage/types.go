package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"botrelay/internal/domain"
)

// ErrInvalid marks caller errors (bad kind, empty id). They never trip the breaker.
var ErrInvalid = errors.New("invalid argument")

// Store is the persistence contract used by the session pool.
//
// ListAccounts returns accounts in a stable order (creation order); the pool
// rotation order follows it.
type Store interface {
	ListAccounts(ctx context.Context, excludeBanned bool) ([]domain.Account, error)
	GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error)
	CreateAccount(ctx context.Context, credential []byte, kind domain.TransportKind, label string) (domain.Account, error)
	MarkBanned(ctx context.Context, id domain.AccountID) error
	Unban(ctx context.Context, id domain.AccountID) error
	IncrementDailyCount(ctx context.Context, id domain.AccountID) error
	TouchActivity(ctx context.Context, id domain.AccountID, at time.Time) error
	UpdateCredential(ctx context.Context, id domain.AccountID, credential []byte) error
	ResetDailyCounts(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres". Empty means memory.
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	Breaker     BreakerConfig
}

// BreakerConfig tunes the Guard circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32
}

func newAccountID() domain.AccountID { return domain.AccountID(uuid.NewString()) }

func validateCreate(kind domain.TransportKind) error {
	if !kind.Valid() {
		return errors.Join(ErrInvalid, errors.New("unsupported transport kind "+string(kind)))
	}
	return nil
}
