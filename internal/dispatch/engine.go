// Package dispatch drives batches: one pass over the recipients, each one
// paced by the scheduler and sent through the next account of the pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"botrelay/internal/domain"
	"botrelay/internal/eventbus"
	"botrelay/internal/pool"
	logx "botrelay/pkg/logx"
)

var (
	ErrEmptyContent = errors.New("batch has no content")
	ErrBadKind      = errors.New("batch kind is not a transport kind")
)

// Batch is one mailing: every recipient gets one content body chosen
// uniformly at random. A non-empty Kind sends only through accounts of that
// network.
type Batch struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Kind       domain.TransportKind `json:"kind,omitempty"`
	Recipients []string             `json:"recipients"`
	Contents   []string             `json:"contents"`
}

func (b Batch) Validate() error {
	if b.Kind != "" && !b.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrBadKind, b.Kind)
	}
	for _, c := range b.Contents {
		if strings.TrimSpace(c) != "" {
			return nil
		}
	}
	return ErrEmptyContent
}

// Report summarizes a batch. For a batch that ran to completion
// Sent+Failed+Skipped == Total; otherwise Remaining counts recipients that
// were never attempted.
type Report struct {
	BatchID   string    `json:"batch_id"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Remaining int       `json:"remaining"`
	Cancelled bool      `json:"cancelled"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at,omitzero"`
}

// Pool is the account source used by the engine.
type Pool interface {
	HealthSweep(ctx context.Context) (pool.SweepSummary, error)
	Next(kind domain.TransportKind) (pool.Handle, error)
}

type Scheduler interface {
	WaitForWindow(ctx context.Context) error
	Wait(ctx context.Context, paced bool) error
}

// Recorder receives every attempt. Failures are logged and ignored.
type Recorder interface {
	Record(ctx context.Context, a domain.DispatchAttempt) error
}

type Deps struct {
	Pool      Pool
	Scheduler Scheduler
	Recorder  Recorder
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
	// Rand picks content bodies; defaults to a randomly seeded source.
	Rand *rand.Rand
}

type Engine struct {
	deps Deps
	log  logx.Logger

	rngMu sync.Mutex
}

func NewEngine(deps Deps) *Engine {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{deps: deps, log: deps.Log.With(logx.String("comp", "dispatch"))}
}

func (e *Engine) pick(contents []string) string {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return contents[e.deps.Rand.IntN(len(contents))]
}

func nonEmpty(contents []string) []string {
	out := make([]string, 0, len(contents))
	for _, c := range contents {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

// Run executes b to completion, cancellation, or a store outage.
//
// Per-recipient failures never stop the batch. domain.ErrStoreUnavailable
// aborts it and is returned with the partial report; cancellation returns
// ctx.Err() with Cancelled set.
func (e *Engine) Run(ctx context.Context, b Batch) (Report, error) {
	return e.run(ctx, b, nil)
}

func (e *Engine) run(ctx context.Context, b Batch, progress func(Report)) (rep Report, err error) {
	if err := b.Validate(); err != nil {
		return Report{}, err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	contents := nonEmpty(b.Contents)
	log := e.log.With(logx.String("batch", b.ID), logx.String("name", b.Name))
	if b.Kind != "" {
		log = log.With(logx.String("kind", string(b.Kind)))
	}

	rep = Report{BatchID: b.ID, Total: len(b.Recipients), StartedAt: e.deps.Now()}
	e.deps.Bus.Publish(eventbus.Event{Type: eventbus.BatchStarted, Data: rep})
	log.Info("batch started", logx.Int("recipients", rep.Total), logx.Int("contents", len(contents)))

	next := 0
	defer func() {
		rep.DoneAt = e.deps.Now()
		if rep.Cancelled || err != nil {
			rep.Remaining = rep.Total - next
		}
		if progress != nil {
			progress(rep)
		}
		e.deps.Bus.Publish(eventbus.Event{Type: eventbus.BatchFinished, Data: rep})
		fields := []logx.Field{
			logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped),
			logx.Int("remaining", rep.Remaining), logx.Bool("cancelled", rep.Cancelled),
			logx.Duration("dur", rep.DoneAt.Sub(rep.StartedAt)),
		}
		if err != nil && !rep.Cancelled {
			log.Error("batch aborted", append(fields, logx.Err(err))...)
		} else {
			log.Info("batch finished", fields...)
		}
	}()

	if err := e.deps.Scheduler.WaitForWindow(ctx); err != nil {
		rep.Cancelled = true
		return rep, err
	}
	if sum, err := e.deps.Pool.HealthSweep(ctx); err != nil {
		switch {
		case ctx.Err() != nil:
			rep.Cancelled = true
			return rep, ctx.Err()
		case errors.Is(err, domain.ErrStoreUnavailable):
			return rep, fmt.Errorf("health sweep: %w", err)
		default:
			log.Warn("health sweep failed, continuing", logx.Err(err))
		}
	} else {
		log.Debug("health sweep", logx.Int("connected", sum.Connected), logx.Int("reconnecting", sum.Reconnecting), logx.Int("failed", sum.Failed))
	}

	paced := false
	for i, to := range b.Recipients {
		next = i
		if err := e.deps.Scheduler.Wait(ctx, paced); err != nil {
			rep.Cancelled = true
			return rep, err
		}

		h, err := e.deps.Pool.Next(b.Kind)
		if err != nil {
			// No usable account: skip without pacing the next recipient.
			rep.Skipped++
			paced = false
			e.record(ctx, log, domain.DispatchAttempt{BatchID: b.ID, Recipient: to, Outcome: domain.OutcomeSkipped, Err: err})
			next = i + 1
			if progress != nil {
				progress(rep)
			}
			continue
		}

		err = h.Send(ctx, to, e.pick(contents))
		paced = true
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			rep.Cancelled = true
			return rep, ctx.Err()
		}
		next = i + 1
		a := domain.DispatchAttempt{BatchID: b.ID, Recipient: to, AccountID: h.AccountID(), Err: err}
		if err == nil {
			rep.Sent++
			a.Outcome = domain.OutcomeSent
		} else {
			rep.Failed++
			a.Outcome = domain.OutcomeTransportError
		}
		e.record(ctx, log, a)
		if progress != nil {
			progress(rep)
		}
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return rep, err
		}
	}
	next = len(b.Recipients)
	return rep, nil
}

func (e *Engine) record(ctx context.Context, log logx.Logger, a domain.DispatchAttempt) {
	a.At = e.deps.Now()
	fields := []logx.Field{
		logx.String("recipient", a.Recipient),
		logx.String("account", string(a.AccountID)),
		logx.String("outcome", string(a.Outcome)),
		logx.Err(a.Err),
	}
	switch a.Outcome {
	case domain.OutcomeSent:
		log.Info("message sent", fields...)
	default:
		log.Warn("message not sent", fields...)
	}
	if e.deps.Recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.deps.Recorder.Record(rctx, a); err != nil {
		log.Debug("attempt not recorded", logx.Err(err))
	}
}
