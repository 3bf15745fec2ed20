// Package pool owns the sessions of all usable accounts and hands them out in
// round-robin order.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botrelay/internal/domain"
	"botrelay/internal/eventbus"
	"botrelay/internal/session"
	"botrelay/internal/transport"
	logx "botrelay/pkg/logx"
)

// Store is what the pool needs from persistence.
type Store interface {
	session.Store
	ListAccounts(ctx context.Context, excludeBanned bool) ([]domain.Account, error)
}

// Handle is a borrowed account. It stays valid until the pool drops the
// account; sends on a dropped handle fail with domain.ErrAccountUnavailable.
type Handle interface {
	AccountID() domain.AccountID
	Kind() domain.TransportKind
	Send(ctx context.Context, to, text string) error
}

type Options struct {
	Session session.Config
	// SweepWorkers bounds concurrent health checks during a sweep.
	SweepWorkers int
}

type Deps struct {
	Store   Store
	Factory transport.Factory
	// Supports filters accounts on Refresh: kinds it rejects never get a
	// session. nil accepts every kind.
	Supports func(domain.TransportKind) bool
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// SweepSummary reports the states observed after a health sweep.
type SweepSummary struct {
	Checked      int `json:"checked"`
	Connected    int `json:"connected"`
	Reconnecting int `json:"reconnecting"`
	Failed       int `json:"failed"`
	LoggedOut    int `json:"logged_out"`
}

type Pool struct {
	opts Options
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	sessions map[domain.AccountID]*session.Session
	order    []domain.AccountID
	// cursors holds one rotation position per kind filter; "" is the
	// rotation over every kind.
	cursors map[domain.TransportKind]int
	// unsupported remembers accounts already reported as having no transport.
	unsupported map[domain.AccountID]bool
	stopped     bool
}

func New(opts Options, deps Deps) *Pool {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = 8
	}
	return &Pool{
		opts:        opts,
		deps:        deps,
		log:         deps.Log.With(logx.String("comp", "pool")),
		sessions:    map[domain.AccountID]*session.Session{},
		cursors:     map[domain.TransportKind]int{},
		unsupported: map[domain.AccountID]bool{},
	}
}

// Apply swaps the session settings used for sessions created from now on.
func (p *Pool) Apply(opts Options) {
	p.mu.Lock()
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = p.opts.SweepWorkers
	}
	p.opts = opts
	p.mu.Unlock()
}

func (p *Pool) newSession(acct domain.Account, cfg session.Config) *session.Session {
	return session.New(acct, cfg, session.Deps{
		Factory:  p.deps.Factory,
		Store:    p.deps.Store,
		Bus:      p.deps.Bus,
		Log:      p.deps.Log,
		Now:      p.deps.Now,
		OnFailed: p.onFailed,
	})
}

func (p *Pool) onFailed(id domain.AccountID, cause error) {
	p.log.Warn("account removed from rotation", logx.String("account", string(id)), logx.Err(cause))
}

// Refresh reconciles the registry with the store's non-banned accounts.
// New accounts get a session (not yet connected); sessions of accounts that
// vanished or were banned are stopped. Accounts of a kind without a
// transport are left out with a warning. The rotation order follows the
// store order and every cursor is kept modulo the new length.
func (p *Pool) Refresh(ctx context.Context) error {
	accts, err := p.deps.Store.ListAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("refresh pool: %w", err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("refresh pool: %w", domain.ErrAccountUnavailable)
	}
	cfg := p.opts.Session
	keep := make(map[domain.AccountID]bool, len(accts))
	order := make([]domain.AccountID, 0, len(accts))
	var added int
	var skipped []domain.Account
	for _, a := range accts {
		if p.deps.Supports != nil && !p.deps.Supports(a.Kind) {
			if !p.unsupported[a.ID] {
				p.unsupported[a.ID] = true
				skipped = append(skipped, a)
			}
			continue
		}
		delete(p.unsupported, a.ID)
		keep[a.ID] = true
		order = append(order, a.ID)
		if _, ok := p.sessions[a.ID]; !ok {
			p.sessions[a.ID] = p.newSession(a, cfg)
			added++
		}
	}
	var dropped []*session.Session
	for id, s := range p.sessions {
		if !keep[id] {
			dropped = append(dropped, s)
			delete(p.sessions, id)
		}
	}
	p.order = order
	for k, c := range p.cursors {
		if len(order) == 0 {
			p.cursors[k] = 0
		} else {
			p.cursors[k] = c % len(order)
		}
	}
	p.mu.Unlock()

	for _, a := range skipped {
		p.log.Warn("account left out of rotation: no transport for its kind",
			logx.String("account", string(a.ID)), logx.String("kind", string(a.Kind)))
	}
	for _, s := range dropped {
		s.Stop()
	}
	if added > 0 || len(dropped) > 0 {
		p.log.Info("pool refreshed", logx.Int("accounts", len(order)), logx.Int("added", added), logx.Int("dropped", len(dropped)))
	}
	return nil
}

// Next returns the next usable account in rotation order, skipping failed
// and logged-out sessions, and advances the cursor past it. A non-empty kind
// restricts the rotation to accounts of that kind; each kind keeps its own
// cursor so mailings on different networks do not disturb each other.
func (p *Pool) Next(kind domain.TransportKind) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	cursor := p.cursors[kind]
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		s := p.sessions[p.order[idx]]
		if s == nil || (kind != "" && s.Kind() != kind) || !s.Usable() {
			continue
		}
		p.cursors[kind] = (idx + 1) % n
		return s, nil
	}
	return nil, domain.ErrPoolExhausted
}

// HealthSweep refreshes the registry and checks every session concurrently.
func (p *Pool) HealthSweep(ctx context.Context) (SweepSummary, error) {
	if err := p.Refresh(ctx); err != nil {
		return SweepSummary{}, err
	}
	p.mu.Lock()
	workers := p.opts.SweepWorkers
	p.mu.Unlock()
	list := p.list()

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, s := range list {
		select {
		case <-ctx.Done():
			wg.Wait()
			return SweepSummary{}, ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.CheckHealth(ctx); err != nil {
				p.log.Debug("health check failed", logx.String("account", string(s.AccountID())), logx.Err(err))
			}
		}(s)
	}
	wg.Wait()

	var sum SweepSummary
	for _, s := range list {
		st := s.State()
		sum.Checked++
		switch {
		case st.LoggedOut:
			sum.LoggedOut++
		case st.Status == domain.StatusConnected:
			sum.Connected++
		case st.Status == domain.StatusFailed:
			sum.Failed++
		case st.Status == domain.StatusReconnecting || st.Status == domain.StatusConnecting:
			sum.Reconnecting++
		}
	}
	p.log.Debug("health sweep done", logx.Int("checked", sum.Checked), logx.Int("connected", sum.Connected),
		logx.Int("reconnecting", sum.Reconnecting), logx.Int("failed", sum.Failed))
	return sum, nil
}

func (p *Pool) list() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session.Session, 0, len(p.order))
	for _, id := range p.order {
		if s := p.sessions[id]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Ban bans an account through its session, or directly in the store when
// the pool does not hold it.
func (p *Pool) Ban(ctx context.Context, id domain.AccountID) error {
	p.mu.Lock()
	s := p.sessions[id]
	p.mu.Unlock()
	if s == nil {
		return p.deps.Store.MarkBanned(ctx, id)
	}
	return s.Ban(ctx)
}

// Snapshot returns the connection state of every registered account in
// rotation order.
func (p *Pool) Snapshot() []domain.ConnectionState {
	list := p.list()
	out := make([]domain.ConnectionState, 0, len(list))
	for _, s := range list {
		out = append(out, s.State())
	}
	return out
}

// Stop stops every session. The pool cannot be refreshed afterwards.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	list := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		list = append(list, s)
	}
	p.sessions = map[domain.AccountID]*session.Session{}
	p.order = nil
	clear(p.cursors)
	p.mu.Unlock()
	for _, s := range list {
		s.Stop()
	}
}
