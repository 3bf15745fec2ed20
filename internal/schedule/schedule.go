// Package schedule decides when the next send may start: a randomized pause
// between sends and a daily working-hours window.
package schedule

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	logx "botrelay/pkg/logx"
)

type Config struct {
	// WindowStart and WindowEnd are hours of day; sends start in [start, end).
	WindowStart int
	WindowEnd   int
	Location    *time.Location
	// EnforceWindow=false disables the working-hours gate.
	EnforceWindow bool
	MinDelay      time.Duration
	MaxDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowStart:   9,
		WindowEnd:     21,
		Location:      time.Local,
		EnforceWindow: true,
		MinDelay:      3 * time.Minute,
		MaxDelay:      31 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.WindowStart < 0 || c.WindowStart > 23 || c.WindowEnd < 1 || c.WindowEnd > 24 {
		return fmt.Errorf("window hours out of range: [%d, %d)", c.WindowStart, c.WindowEnd)
	}
	if c.WindowStart >= c.WindowEnd {
		return fmt.Errorf("window start %d must be before end %d", c.WindowStart, c.WindowEnd)
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("invalid pacing range [%s, %s]", c.MinDelay, c.MaxDelay)
	}
	return nil
}

// Sleeper waits for d or until ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	now     func() time.Time
	sleeper Sleeper
	log     logx.Logger
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithSleeper(sl Sleeper) Option         { return func(s *Scheduler) { s.sleeper = sl } }
func WithLogger(log logx.Logger) Option     { return func(s *Scheduler) { s.log = log } }

// WithSeed makes pacing deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:     time.Now,
		sleeper: realSleeper{},
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "schedule"))
	return s, nil
}

// Apply swaps the configuration. Waits already in progress keep their delay.
func (s *Scheduler) Apply(cfg Config) error {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// InWindow reports whether t falls inside the working hours.
func (s *Scheduler) InWindow(t time.Time) bool {
	cfg := s.Config()
	return !cfg.EnforceWindow || inWindow(cfg, t)
}

func inWindow(cfg Config, t time.Time) bool {
	h := t.In(cfg.Location).Hour()
	return h >= cfg.WindowStart && h < cfg.WindowEnd
}

// DelayUntilOpen returns how long to wait from t until the window opens:
// zero inside the window, otherwise until the next WindowStart boundary
// (today when before it, tomorrow otherwise).
func (s *Scheduler) DelayUntilOpen(t time.Time) time.Duration {
	cfg := s.Config()
	if !cfg.EnforceWindow || inWindow(cfg, t) {
		return 0
	}
	lt := t.In(cfg.Location)
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), cfg.WindowStart, 0, 0, 0, cfg.Location)
	if !lt.Before(open) {
		open = time.Date(lt.Year(), lt.Month(), lt.Day()+1, cfg.WindowStart, 0, 0, 0, cfg.Location)
	}
	return open.Sub(lt)
}

// NextDelay draws a pacing delay uniformly from [MinDelay, MaxDelay].
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := int64(s.cfg.MaxDelay - s.cfg.MinDelay)
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(s.rng.Int64N(span+1))
}

// WaitForWindow blocks until the working hours are open, re-checking the
// clock after every sleep.
func (s *Scheduler) WaitForWindow(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := s.DelayUntilOpen(s.now())
		if d <= 0 {
			return nil
		}
		s.log.Info("outside working hours, waiting", logx.Duration("delay", d))
		if err := s.sleeper.Sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Wait performs the pacing pause (when paced) and then the window gate.
func (s *Scheduler) Wait(ctx context.Context, paced bool) error {
	if paced {
		d := s.NextDelay()
		s.log.Debug("pacing", logx.Duration("delay", d))
		if err := s.sleeper.Sleep(ctx, d); err != nil {
			return err
		}
	}
	return s.WaitForWindow(ctx)
}
