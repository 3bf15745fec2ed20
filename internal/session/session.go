package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botrelay/internal/domain"
	"botrelay/internal/eventbus"
	"botrelay/internal/transport"
	logx "botrelay/pkg/logx"
)

// Store is the slice of persistence a session writes to.
type Store interface {
	MarkBanned(ctx context.Context, id domain.AccountID) error
	IncrementDailyCount(ctx context.Context, id domain.AccountID) error
	TouchActivity(ctx context.Context, id domain.AccountID, at time.Time) error
	UpdateCredential(ctx context.Context, id domain.AccountID, credential []byte) error
}

type Deps struct {
	Factory transport.Factory
	Store   Store
	Bus     eventbus.Bus
	Log     logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// OnFailed is called once when the session gives up or is banned.
	OnFailed func(id domain.AccountID, cause error)
}

type Session struct {
	acct domain.Account
	cfg  Config
	deps Deps
	log  logx.Logger

	mu           sync.Mutex
	status       domain.ConnectionStatus
	attempt      int
	lastActivity time.Time
	loggedOut    bool
	stopped      bool
	lastErr      error
	tr           transport.Transport
	gen          uint64
	retry        *time.Timer
	stopLiveness context.CancelFunc
	connecting   chan struct{}
}

func New(acct domain.Account, cfg Config, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Session{
		acct:         acct,
		cfg:          cfg.withDefaults(),
		deps:         deps,
		log:          deps.Log.With(logx.String("comp", "session"), logx.String("account", string(acct.ID)), logx.String("kind", string(acct.Kind))),
		lastActivity: acct.LastActivity,
	}
}

func (s *Session) AccountID() domain.AccountID { return s.acct.ID }
func (s *Session) Kind() domain.TransportKind  { return s.acct.Kind }
func (s *Session) Account() domain.Account     { return s.acct }

func (s *Session) publish(topic string, data any) {
	s.deps.Bus.Publish(eventbus.Event{Type: topic, Data: data})
}

// State returns a snapshot of the connection state.
func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.ConnectionState{
		AccountID:        s.acct.ID,
		Kind:             s.acct.Kind,
		Status:           s.status,
		ReconnectAttempt: s.attempt,
		LastActivity:     s.lastActivity,
		LoggedOut:        s.loggedOut,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Usable reports whether the pool may hand this session out.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && s.status != domain.StatusFailed && !s.loggedOut
}

func (s *Session) unavailableLocked() error {
	switch {
	case s.loggedOut:
		return fmt.Errorf("account %s: %w", s.acct.ID, domain.ErrTerminalLogout)
	case s.stopped || s.status == domain.StatusFailed:
		return fmt.Errorf("account %s: %w", s.acct.ID, domain.ErrAccountUnavailable)
	}
	return nil
}

// Connect opens a fresh transport. A pending deferred reconnect is cancelled;
// a connect already in flight is joined instead of duplicated.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if err := s.unavailableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.status == domain.StatusConnected {
		s.mu.Unlock()
		return nil
	}
	if wait := s.connecting; wait != nil {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status == domain.StatusConnected {
			return nil
		}
		if err := s.unavailableLocked(); err != nil {
			return err
		}
		return fmt.Errorf("connect account %s: %w: %v", s.acct.ID, domain.ErrConnection, s.lastErr)
	}

	s.cancelRetryLocked()
	s.status = domain.StatusConnecting
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	s.connecting = done
	old := s.tr
	s.tr = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	tr, ferr := s.deps.Factory(s.acct)
	err := ferr
	if ferr == nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err = tr.Connect(cctx)
		cancel()
	}

	s.mu.Lock()
	s.connecting = nil
	stale := s.gen != gen || s.stopped
	var (
		result    error
		failed    *failure
		loggedOut bool
	)
	switch {
	case stale:
		// Stopped or banned while connecting.
		result = fmt.Errorf("account %s: %w", s.acct.ID, domain.ErrAccountUnavailable)
	case err == nil:
		s.tr = tr
		s.status = domain.StatusConnected
		s.attempt = 0
		s.lastErr = nil
		s.lastActivity = s.deps.Now()
		lctx, cancel := context.WithCancel(context.Background())
		s.stopLiveness = cancel
		go s.pump(gen, tr)
		go s.liveness(lctx, gen, tr)
	case ferr != nil:
		// No transport can be built for this account; retrying cannot help.
		failed = s.failLocked(fmt.Errorf("build transport: %w", ferr))
		failed.keep = true
		result = fmt.Errorf("connect account %s: %w", s.acct.ID, failed.cause)
	case transport.IsTerminal(err):
		s.markLoggedOutLocked(err)
		loggedOut = true
		result = fmt.Errorf("connect account %s: %w", s.acct.ID, domain.ErrTerminalLogout)
	case ctx.Err() != nil:
		// The caller gave up; this is not an attempt against the budget.
		s.status = domain.StatusDisconnected
		s.lastErr = err
		result = ctx.Err()
	default:
		s.lastErr = err
		s.log.Warn("connect failed", logx.Err(err), logx.Int("attempt", s.attempt))
		failed = s.scheduleReconnectLocked()
		result = fmt.Errorf("connect account %s: %w: %w", s.acct.ID, domain.ErrConnection, err)
	}
	s.mu.Unlock()
	close(done)

	if (stale || err != nil) && tr != nil {
		_ = tr.Close()
	}
	switch {
	case result == nil:
		s.log.Info("account connected")
		s.publish(eventbus.AccountConnected, s.acct.ID)
	case loggedOut:
		s.afterLoggedOut(err)
	case failed != nil:
		s.afterFailed(failed)
	}
	return result
}

type failure struct {
	tr    transport.Transport
	cause error
	// keep skips the persisted ban: the account is fine, this process is not.
	keep bool
}

// scheduleReconnectLocked arms the deferred reconnect, or moves the session
// to Failed when the attempt budget is spent. The returned failure must be
// finished with afterFailed once the lock is released.
func (s *Session) scheduleReconnectLocked() *failure {
	s.cancelRetryLocked()
	if s.attempt >= s.cfg.MaxReconnectAttempts {
		cause := fmt.Errorf("%w after %d attempts: %v", domain.ErrMaxReconnectAttempts, s.attempt, s.lastErr)
		return s.failLocked(cause)
	}
	delay := Backoff(s.cfg.ReconnectBase, s.attempt)
	s.attempt++
	s.status = domain.StatusReconnecting
	gen := s.gen
	s.retry = time.AfterFunc(delay, func() { s.fireRetry(gen) })
	s.log.Info("reconnect scheduled", logx.Duration("delay", delay), logx.Int("attempt", s.attempt))
	s.publish(eventbus.AccountReconnecting, s.acct.ID)
	return nil
}

func (s *Session) fireRetry(gen uint64) {
	s.mu.Lock()
	ok := s.gen == gen && s.status == domain.StatusReconnecting && !s.stopped
	if ok {
		s.retry = nil
	}
	s.mu.Unlock()
	if ok {
		_ = s.Connect(context.Background())
	}
}

func (s *Session) cancelRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) cancelLivenessLocked() {
	if s.stopLiveness != nil {
		s.stopLiveness()
		s.stopLiveness = nil
	}
}

// detachLocked stops timers and hands back the current transport for closing.
func (s *Session) detachLocked() transport.Transport {
	s.cancelLivenessLocked()
	s.cancelRetryLocked()
	tr := s.tr
	s.tr = nil
	s.gen++
	return tr
}

func (s *Session) failLocked(cause error) *failure {
	tr := s.detachLocked()
	s.status = domain.StatusFailed
	s.lastErr = cause
	return &failure{tr: tr, cause: cause}
}

func (s *Session) afterFailed(f *failure) {
	if f.tr != nil {
		_ = f.tr.Close()
	}
	ban := s.cfg.BanOnMaxReconnects && !f.keep
	s.log.Error("account failed, giving up reconnects", logx.Err(f.cause), logx.Bool("ban", ban))
	if ban && s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.deps.Store.MarkBanned(ctx, s.acct.ID); err != nil {
			s.log.Error("failed to persist ban", logx.Err(err))
		}
		cancel()
	}
	s.publish(eventbus.AccountFailed, s.acct.ID)
	if s.deps.OnFailed != nil {
		s.deps.OnFailed(s.acct.ID, f.cause)
	}
}

func (s *Session) markLoggedOutLocked(cause error) transport.Transport {
	tr := s.detachLocked()
	s.status = domain.StatusDisconnected
	s.loggedOut = true
	s.lastErr = cause
	return tr
}

func (s *Session) afterLoggedOut(cause error) {
	s.log.Warn("account logged out by the network, re-enrollment required", logx.Err(cause))
	s.publish(eventbus.AccountLoggedOut, s.acct.ID)
}

// loggedOutFrom handles a terminal signal from the transport of generation gen.
func (s *Session) loggedOutFrom(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.loggedOut {
		s.mu.Unlock()
		return
	}
	tr := s.markLoggedOutLocked(cause)
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	s.afterLoggedOut(cause)
}

// lost handles a connection loss of the transport of generation gen.
func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.status != domain.StatusConnected {
		s.mu.Unlock()
		return
	}
	tr := s.detachLocked()
	s.lastErr = cause
	s.log.Warn("connection lost", logx.Err(cause))
	failed := s.scheduleReconnectLocked()
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	if failed != nil {
		s.afterFailed(failed)
	}
}

// drop discards the transport of generation gen without scheduling a
// reconnect; the caller reconnects synchronously.
func (s *Session) drop(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.status != domain.StatusConnected {
		s.mu.Unlock()
		return
	}
	tr := s.detachLocked()
	s.status = domain.StatusDisconnected
	s.lastErr = cause
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

func (s *Session) current() (transport.Transport, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != domain.StatusConnected {
		return nil, s.gen
	}
	return s.tr, s.gen
}

func (s *Session) pump(gen uint64, tr transport.Transport) {
	for ev := range tr.Events() {
		switch ev.Kind {
		case transport.EventOpened:
			s.log.Debug("transport opened")
		case transport.EventClosed:
			cause := ev.Err
			if cause == nil {
				cause = errors.New("connection closed")
			}
			if ev.Terminal {
				s.loggedOutFrom(gen, cause)
			} else {
				s.lost(gen, cause)
			}
		case transport.EventCredentialUpdated:
			s.saveCredential(ev.Credential)
		}
	}
}

func (s *Session) saveCredential(cred []byte) {
	if s.deps.Store == nil || len(cred) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateCredential(ctx, s.acct.ID, cred); err != nil {
		s.log.Error("failed to persist credential update", logx.Err(err))
		return
	}
	s.log.Debug("credential updated")
}

// liveness pings on the keep-alive tick, and on the heartbeat tick when the
// connection has been idle longer than the threshold.
func (s *Session) liveness(ctx context.Context, gen uint64, tr transport.Transport) {
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer keepAlive.Stop()
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			s.ping(ctx, gen, tr)
		case <-heartbeat.C:
			if s.idle() > s.cfg.IdleThreshold {
				s.ping(ctx, gen, tr)
			}
		}
	}
}

func (s *Session) idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Now().Sub(s.lastActivity)
}

func (s *Session) ping(ctx context.Context, gen uint64, tr transport.Transport) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	err := tr.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case err == nil:
		s.mu.Lock()
		if s.gen == gen {
			s.lastActivity = s.deps.Now()
		}
		s.mu.Unlock()
		return nil
	case transport.IsTerminal(err):
		s.loggedOutFrom(gen, err)
		return fmt.Errorf("ping account %s: %w", s.acct.ID, domain.ErrTerminalLogout)
	default:
		s.lost(gen, err)
		return fmt.Errorf("ping account %s: %w: %w", s.acct.ID, domain.ErrConnection, err)
	}
}

// CheckHealth verifies a connected session and revives a disconnected one.
// Sessions that are reconnecting, connecting, failed, stopped or logged out
// are left alone.
func (s *Session) CheckHealth(ctx context.Context) error {
	s.mu.Lock()
	status := s.status
	inactive := s.stopped || s.loggedOut
	tr, gen := s.tr, s.gen
	s.mu.Unlock()

	if inactive {
		return nil
	}
	switch status {
	case domain.StatusConnected:
		return s.ping(ctx, gen, tr)
	case domain.StatusDisconnected:
		return s.Connect(ctx)
	default:
		return nil
	}
}

// Send delivers text through this account.
//
// When not connected one synchronous reconnect is tried first. A
// connection-class transport error forces a reconnect and exactly one retry;
// any other transport error is returned as domain.ErrSendRejected without
// retry. On success the daily counter and activity time are persisted; a
// Store failure there is returned as domain.ErrStoreUnavailable.
func (s *Session) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, gen := s.current()
	if tr == nil {
		if err := s.Connect(ctx); err != nil {
			return fmt.Errorf("send to %s: %w", to, err)
		}
		if tr, gen = s.current(); tr == nil {
			return fmt.Errorf("send to %s: %w", to, domain.ErrConnection)
		}
	}

	err := tr.Send(ctx, to, text)
	if err != nil && ctx.Err() == nil && transport.IsConnection(err) {
		s.log.Warn("send hit a connection error, reconnecting", logx.Err(err))
		s.drop(gen, err)
		if cerr := s.Connect(ctx); cerr != nil {
			return fmt.Errorf("send to %s: %w", to, cerr)
		}
		if tr, gen = s.current(); tr == nil {
			return fmt.Errorf("send to %s: %w", to, domain.ErrConnection)
		}
		err = tr.Send(ctx, to, text)
		if err != nil && transport.IsConnection(err) {
			s.lost(gen, err)
			return fmt.Errorf("send to %s: %w: %w", to, domain.ErrConnection, err)
		}
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if transport.IsTerminal(err) {
			s.loggedOutFrom(gen, err)
			return fmt.Errorf("send to %s: %w", to, domain.ErrTerminalLogout)
		}
		return fmt.Errorf("send to %s: %w: %w", to, domain.ErrSendRejected, err)
	}
	return s.recordSuccess(ctx)
}

func (s *Session) recordSuccess(ctx context.Context) error {
	now := s.deps.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
	if s.deps.Store == nil {
		return nil
	}
	err := s.deps.Store.IncrementDailyCount(ctx, s.acct.ID)
	if err == nil {
		err = s.deps.Store.TouchActivity(ctx, s.acct.ID, now)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		// Account removed while connected; the next refresh drops the session.
		s.log.Warn("account vanished from store after send", logx.Err(err))
		return nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fmt.Errorf("record send: %w", err)
	default:
		return fmt.Errorf("record send: %w: %w", domain.ErrStoreUnavailable, err)
	}
}

// Ban disables the account for good: timers are cancelled, the transport is
// closed and the ban is persisted.
func (s *Session) Ban(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("account %s: %w", s.acct.ID, domain.ErrAccountUnavailable)
	}
	alreadyFailed := s.status == domain.StatusFailed
	f := s.failLocked(errors.New("banned by operator"))
	s.mu.Unlock()

	if f.tr != nil {
		_ = f.tr.Close()
	}
	var err error
	if s.deps.Store != nil {
		err = s.deps.Store.MarkBanned(ctx, s.acct.ID)
	}
	s.log.Warn("account banned")
	s.publish(eventbus.AccountBanned, s.acct.ID)
	if !alreadyFailed && s.deps.OnFailed != nil {
		s.deps.OnFailed(s.acct.ID, f.cause)
	}
	return err
}

// Stop tears the session down for process shutdown or pool removal. It is
// idempotent; a stopped session never reconnects.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tr := s.detachLocked()
	if s.status != domain.StatusFailed {
		s.status = domain.StatusDisconnected
	}
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	s.log.Debug("session stopped")
}
