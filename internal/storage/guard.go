package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"botrelay/internal/domain"
	logx "botrelay/pkg/logx"
)

// Guard wraps a Store with a circuit breaker.
//
// Driver failures count against the breaker and are returned wrapped in
// domain.ErrStoreUnavailable; while the breaker is open calls fail fast with
// the same sentinel. Not-found and invalid-argument errors are passed through
// untouched and count as successes.
type Guard struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Timeout: 30 * time.Second, MaxRequests: 1}
}

func NewGuard(inner Store, cfg BreakerConfig, log logx.Logger) *Guard {
	def := DefaultBreakerConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	settings := gobreaker.Settings{
		Name:        "storage",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCallerError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
		},
	}
	return &Guard{inner: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State reports the breaker state ("closed", "half-open", "open").
func (g *Guard) State() string { return g.cb.State().String() }

func isCallerError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, ErrInvalid) ||
		errors.Is(err, context.Canceled)
}

func (g *Guard) do(op string, fn func() (any, error)) (any, error) {
	v, err := g.cb.Execute(fn)
	if err == nil || isCallerError(err) {
		return v, err
	}
	return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (g *Guard) run(op string, fn func() error) error {
	_, err := g.do(op, func() (any, error) { return nil, fn() })
	return err
}

func (g *Guard) ListAccounts(ctx context.Context, excludeBanned bool) ([]domain.Account, error) {
	v, err := g.do("list accounts", func() (any, error) { return g.inner.ListAccounts(ctx, excludeBanned) })
	if err != nil {
		return nil, err
	}
	list, _ := v.([]domain.Account)
	return list, nil
}

func (g *Guard) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	v, err := g.do("get account", func() (any, error) { return g.inner.GetAccount(ctx, id) })
	if err != nil {
		return domain.Account{}, err
	}
	a, _ := v.(domain.Account)
	return a, nil
}

func (g *Guard) CreateAccount(ctx context.Context, credential []byte, kind domain.TransportKind, label string) (domain.Account, error) {
	v, err := g.do("create account", func() (any, error) { return g.inner.CreateAccount(ctx, credential, kind, label) })
	if err != nil {
		return domain.Account{}, err
	}
	a, _ := v.(domain.Account)
	return a, nil
}

func (g *Guard) MarkBanned(ctx context.Context, id domain.AccountID) error {
	return g.run("mark banned", func() error { return g.inner.MarkBanned(ctx, id) })
}

func (g *Guard) Unban(ctx context.Context, id domain.AccountID) error {
	return g.run("unban", func() error { return g.inner.Unban(ctx, id) })
}

func (g *Guard) IncrementDailyCount(ctx context.Context, id domain.AccountID) error {
	return g.run("increment daily count", func() error { return g.inner.IncrementDailyCount(ctx, id) })
}

func (g *Guard) TouchActivity(ctx context.Context, id domain.AccountID, at time.Time) error {
	return g.run("touch activity", func() error { return g.inner.TouchActivity(ctx, id, at) })
}

func (g *Guard) UpdateCredential(ctx context.Context, id domain.AccountID, credential []byte) error {
	return g.run("update credential", func() error { return g.inner.UpdateCredential(ctx, id, credential) })
}

func (g *Guard) ResetDailyCounts(ctx context.Context) error {
	return g.run("reset daily counts", func() error { return g.inner.ResetDailyCounts(ctx) })
}

func (g *Guard) Close() error { return g.inner.Close() }
