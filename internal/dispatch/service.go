package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"botrelay/internal/domain"
	"botrelay/internal/runtime/supervisor"
	logx "botrelay/pkg/logx"
)

var (
	ErrQueueFull  = errors.New("dispatch queue is full")
	ErrNotRunning = errors.New("dispatch service is not running")
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobCancelled JobState = "cancelled"
	JobFailed    JobState = "failed"
)

// JobStatus is the externally visible state of a submitted batch.
type JobStatus struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Kind      domain.TransportKind `json:"kind,omitempty"`
	Total     int                  `json:"total"`
	State     JobState             `json:"state"`
	Report    Report               `json:"report"`
	CreatedAt time.Time            `json:"created_at"`
	StartedAt time.Time            `json:"started_at,omitzero"`
	DoneAt    time.Time            `json:"done_at,omitzero"`
	Error     string               `json:"error,omitempty"`
}

type ServiceConfig struct {
	// Workers is the number of batches run concurrently. Batches running in
	// parallel share the pool rotation.
	Workers   int
	QueueSize int
	StatusMax int
	StatusTTL time.Duration
}

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StatusMax <= 0 {
		c.StatusMax = defaultStatusMax
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = defaultStatusTTL
	}
	return c
}

type job struct {
	batch Batch
}

// Service queues batches and runs them on supervised workers.
type Service struct {
	engine *Engine
	cfg    ServiceConfig
	log    logx.Logger
	now    func() time.Time

	queue chan job

	mu      sync.Mutex
	started bool
	status  map[string]*JobStatus
	cancels map[string]context.CancelFunc
}

func NewService(engine *Engine, cfg ServiceConfig, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		engine:  engine,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "dispatch.service")),
		now:     engine.deps.Now,
		queue:   make(chan job, cfg.QueueSize),
		status:  map[string]*JobStatus{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Start launches the workers under sup. Queued jobs stay pending until a
// worker picks them up; workers exit when sup's context ends.
func (s *Service) Start(sup *supervisor.Supervisor) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		sup.Go(fmt.Sprintf("dispatch.worker.%d", idx), func(ctx context.Context) error {
			s.worker(ctx, idx)
			return nil
		})
	}
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Submit queues b and returns its id.
func (s *Service) Submit(b Batch) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if _, dup := s.status[b.ID]; dup {
		s.mu.Unlock()
		return "", fmt.Errorf("batch %s already submitted", b.ID)
	}
	st := &JobStatus{
		ID:        b.ID,
		Name:      b.Name,
		Kind:      b.Kind,
		Total:     len(b.Recipients),
		State:     JobQueued,
		CreatedAt: s.now(),
		Report:    Report{BatchID: b.ID, Total: len(b.Recipients)},
	}
	s.status[b.ID] = st
	s.mu.Unlock()

	select {
	case s.queue <- job{batch: b}:
	default:
		s.mu.Lock()
		delete(s.status, b.ID)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	s.pruneStatus(s.now())
	s.log.Info("batch queued", logx.String("batch", b.ID), logx.String("name", b.Name), logx.Int("recipients", st.Total))
	return b.ID, nil
}

// Cancel stops a queued or running batch. It reports false for unknown or
// finished batches.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[id]
	if !ok {
		return false
	}
	switch st.State {
	case JobQueued:
		st.State = JobCancelled
		st.DoneAt = s.now()
		st.Report.Cancelled = true
		st.Report.Remaining = st.Total
		return true
	case JobRunning:
		if cancel := s.cancels[id]; cancel != nil {
			cancel()
		}
		return true
	}
	return false
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

// List returns every tracked batch, newest first.
func (s *Service) List() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Service) worker(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.runJob(ctx, idx, j)
		}
	}
}

func (s *Service) runJob(ctx context.Context, idx int, j job) {
	id := j.batch.ID
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	st, ok := s.status[id]
	if !ok || st.State != JobQueued {
		s.mu.Unlock()
		s.log.Debug("skipping batch", logx.String("batch", id), logx.Bool("tracked", ok))
		return
	}
	st.State = JobRunning
	st.StartedAt = s.now()
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.log.Debug("worker picked batch", logx.Int("worker", idx), logx.String("batch", id))
	rep, err := s.engine.run(jctx, j.batch, func(r Report) {
		s.mu.Lock()
		if st, ok := s.status[id]; ok {
			st.Report = r
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	delete(s.cancels, id)
	if st, ok := s.status[id]; ok {
		st.Report = rep
		st.DoneAt = s.now()
		switch {
		case rep.Cancelled:
			st.State = JobCancelled
		case err != nil:
			st.State = JobFailed
			st.Error = err.Error()
		default:
			st.State = JobDone
		}
	}
	s.mu.Unlock()
	s.pruneStatus(s.now())
}

// pruneStatus drops finished jobs older than the TTL, then the oldest jobs
// while the map is still over its bound. Queued and running jobs are kept.
func (s *Service) pruneStatus(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.status {
		if !finished(st.State) {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > s.cfg.StatusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.cfg.StatusMax {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		if !finished(st.State) {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - s.cfg.StatusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}

func finished(st JobState) bool {
	return st == JobDone || st == JobCancelled || st == JobFailed
}
