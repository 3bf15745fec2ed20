// Package dryrun is a loopback transport: it accepts every message and logs
// it instead of delivering it. It is meant for staging environments and for
// exercising the pool without real accounts.
package dryrun

import (
	"context"
	"errors"
	"sync"
	"time"

	"botrelay/internal/domain"
	"botrelay/internal/transport"
	logx "botrelay/pkg/logx"
)

type Options struct {
	// Latency is added to every send.
	Latency time.Duration
}

// Factory returns a transport.Factory producing loopback transports.
func Factory(opts Options, log logx.Logger) transport.Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(acct domain.Account) (transport.Transport, error) {
		return &Transport{
			acct:   acct,
			opts:   opts,
			log:    log.With(logx.String("comp", "transport.dryrun"), logx.String("account", string(acct.ID))),
			events: make(chan transport.Event, 4),
		}, nil
	}
}

type Transport struct {
	acct domain.Account
	opts Options
	log  logx.Logger

	mu        sync.Mutex
	events    chan transport.Event
	connected bool
	closed    bool
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ConnectionError(errors.New("dryrun transport closed"))
	}
	t.connected = true
	select {
	case t.events <- transport.Event{Kind: transport.EventOpened}:
	default:
	}
	return nil
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) Send(ctx context.Context, to, text string) error {
	addr, err := transport.NormalizeRecipient(t.acct.Kind, to)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ok := t.connected && !t.closed
	t.mu.Unlock()
	if !ok {
		return transport.ConnectionError(errors.New("dryrun transport not connected"))
	}
	if t.opts.Latency > 0 {
		timer := time.NewTimer(t.opts.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	t.log.Info("dry-run send", logx.String("to", addr), logx.Int("chars", len([]rune(text))))
	return nil
}

func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.closed {
		return transport.ConnectionError(errors.New("dryrun transport not connected"))
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.events)
	return nil
}
