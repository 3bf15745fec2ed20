// Package maintenance runs the periodic pool jobs: a health sweep over every
// account and the midnight reset of the daily send counters.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"botrelay/internal/pool"
	logx "botrelay/pkg/logx"
)

const (
	JobHealthSweep = "health_sweep"
	JobDailyReset  = "daily_reset"
)

type Config struct {
	Enabled bool
	// Timezone is an IANA name; empty means local time.
	Timezone string
	// HealthSweep and DailyReset are cron specs ("@every 10m", "0 0 * * *").
	// An empty spec disables the job.
	HealthSweep string
	DailyReset  string
	// Timeout bounds one job run.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		HealthSweep: "@every 10m",
		DailyReset:  "0 0 * * *",
		Timeout:     5 * time.Minute,
	}
}

type Sweeper interface {
	HealthSweep(ctx context.Context) (pool.SweepSummary, error)
}

type Resetter interface {
	ResetDailyCounts(ctx context.Context) error
}

// RunInfo is the last outcome of a job.
type RunInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Runs    int           `json:"runs"`
	Skipped int           `json:"skipped"`
	LastRun time.Time     `json:"last_run,omitzero"`
	LastDur time.Duration `json:"last_duration"`
	LastErr string        `json:"last_error,omitempty"`
	NextRun time.Time     `json:"next_run,omitzero"`

	entryID cron.EntryID
	running bool
	runFunc func(ctx context.Context) error
}

type Service struct {
	sweeper  Sweeper
	resetter Resetter
	log      logx.Logger
	parser   cron.Parser

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*RunInfo
}

func New(cfg Config, sweeper Sweeper, resetter Resetter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sweeper:  sweeper,
		resetter: resetter,
		log:      log.With(logx.String("comp", "maintenance")),
		// SecondOptional accepts 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
		jobs:   map[string]*RunInfo{},
	}
	s.jobs[JobHealthSweep] = &RunInfo{Name: JobHealthSweep, runFunc: s.sweep}
	s.jobs[JobDailyReset] = &RunInfo{Name: JobDailyReset, runFunc: s.reset}
	return s
}

// Validate checks that every non-empty spec parses and the timezone exists.
func (s *Service) Validate(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for name, spec := range specs(cfg) {
		if spec == "" {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("%s schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

func specs(cfg Config) map[string]string {
	return map[string]string{
		JobHealthSweep: strings.TrimSpace(cfg.HealthSweep),
		JobDailyReset:  strings.TrimSpace(cfg.DailyReset),
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start registers the jobs and starts triggering. Job runs derive their
// context from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.Validate(s.cfg); err != nil {
		return err
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("maintenance disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for name, spec := range specs(s.cfg) {
		info := s.jobs[name]
		info.Spec = spec
		info.entryID = 0
		if spec == "" {
			continue
		}
		name := name
		id, err := s.c.AddFunc(spec, func() { s.trigger(name) })
		if err != nil {
			return fmt.Errorf("%s schedule %q: %w", name, spec, err)
		}
		info.entryID = id
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()),
		logx.String(JobHealthSweep, s.jobs[JobHealthSweep].Spec), logx.String(JobDailyReset, s.jobs[JobDailyReset].Spec))
	return nil
}

// Apply swaps the configuration and restarts triggering when running.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.cfg = cfg
	var err error
	if s.ctx != nil && cfg.Enabled {
		err = s.startLocked()
	}
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	return err
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

var ErrUnknownJob = errors.New("unknown maintenance job")

// RunNow runs a job synchronously, outside its schedule. A run already in
// progress makes it a no-op.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, name)
}

func (s *Service) trigger(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.run(ctx, name)
}

func (s *Service) run(ctx context.Context, name string) error {
	s.mu.Lock()
	info := s.jobs[name]
	if info.running {
		info.Skipped++
		s.mu.Unlock()
		s.log.Warn("job still running, skipping", logx.String("job", name))
		return nil
	}
	info.running = true
	timeout := s.cfg.Timeout
	fn := info.runFunc
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)

	s.mu.Lock()
	info.running = false
	info.Runs++
	info.LastRun = start
	info.LastDur = dur
	info.LastErr = ""
	if err != nil {
		info.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", logx.String("job", name), logx.Duration("took", dur), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", dur))
	}
	return err
}

func (s *Service) sweep(ctx context.Context) error {
	sum, err := s.sweeper.HealthSweep(ctx)
	if err != nil {
		return err
	}
	s.log.Info("health sweep", logx.Int("checked", sum.Checked), logx.Int("connected", sum.Connected),
		logx.Int("reconnecting", sum.Reconnecting), logx.Int("failed", sum.Failed), logx.Int("logged_out", sum.LoggedOut))
	return nil
}

func (s *Service) reset(ctx context.Context) error {
	if err := s.resetter.ResetDailyCounts(ctx); err != nil {
		return err
	}
	s.log.Info("daily counters reset")
	return nil
}

// Snapshot lists the jobs by name with their next trigger time.
func (s *Service) Snapshot() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunInfo, 0, len(s.jobs))
	for _, info := range s.jobs {
		cp := *info
		cp.runFunc = nil
		if s.c != nil && info.entryID != 0 {
			cp.NextRun = s.c.Entry(info.entryID).Next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
