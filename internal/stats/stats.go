// Package stats records dispatch attempts for operators: an in-process
// counter set for the status API and an optional Redis sink shared by
// several instances.
package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	"botrelay/internal/domain"
)

// Counts is a per-outcome tally.
type Counts struct {
	Sent           int64 `json:"sent"`
	Skipped        int64 `json:"skipped"`
	TransportError int64 `json:"transport_error"`
}

func (c *Counts) add(o domain.Outcome) {
	switch o {
	case domain.OutcomeSent:
		c.Sent++
	case domain.OutcomeSkipped:
		c.Skipped++
	case domain.OutcomeTransportError:
		c.TransportError++
	}
}

type Snapshot struct {
	Total     Counts                      `json:"total"`
	ByAccount map[domain.AccountID]Counts `json:"by_account"`
	LastAt    time.Time                   `json:"last_at,omitzero"`
}

// Memory keeps counters for the lifetime of the process.
type Memory struct {
	mu        sync.Mutex
	total     Counts
	byAccount map[domain.AccountID]*Counts
	lastAt    time.Time
}

func NewMemory() *Memory {
	return &Memory{byAccount: map[domain.AccountID]*Counts{}}
}

func (m *Memory) Record(_ context.Context, a domain.DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total.add(a.Outcome)
	if a.AccountID != "" {
		c := m.byAccount[a.AccountID]
		if c == nil {
			c = &Counts{}
			m.byAccount[a.AccountID] = c
		}
		c.add(a.Outcome)
	}
	if a.At.After(m.lastAt) {
		m.lastAt = a.At
	}
	return nil
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Snapshot{Total: m.total, ByAccount: make(map[domain.AccountID]Counts, len(m.byAccount)), LastAt: m.lastAt}
	for id, c := range m.byAccount {
		out.ByAccount[id] = *c
	}
	return out
}

// Recorder matches dispatch.Recorder.
type Recorder interface {
	Record(ctx context.Context, a domain.DispatchAttempt) error
}

// Tee records into every recorder and joins their errors.
type Tee []Recorder

func (t Tee) Record(ctx context.Context, a domain.DispatchAttempt) error {
	var errs []error
	for _, r := range t {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
