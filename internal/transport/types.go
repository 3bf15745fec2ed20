package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"botrelay/internal/domain"
)

type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventCredentialUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventCredentialUpdated:
		return "credential_updated"
	default:
		return "unknown"
	}
}

// Event is a connectivity notification emitted by a Transport.
type Event struct {
	Kind EventKind
	// Terminal is set on EventClosed when the network revoked the session
	// (explicit logout); no reconnect must follow.
	Terminal bool
	// Credential carries the refreshed session blob on EventCredentialUpdated.
	Credential []byte
	Err        error
}

// Transport is one live client for one account.
//
// A Transport instance is used for a single connection. After a loss the
// session discards it and asks the Factory for a fresh one.
type Transport interface {
	// Connect returns nil when the connection is ready.
	Connect(ctx context.Context) error
	// Events is closed when the transport is closed.
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	// Ping returns nil when the connection is alive.
	Ping(ctx context.Context) error
	Close() error
}

// Factory builds a Transport for an account.
type Factory func(acct domain.Account) (Transport, error)

// Registry maps transport kinds to factories.
// It is built once at process start and is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.TransportKind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[domain.TransportKind]Factory{}}
}

func (r *Registry) Register(kind domain.TransportKind, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

func (r *Registry) Kinds() []domain.TransportKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TransportKind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supports reports whether a factory is registered for kind.
func (r *Registry) Supports(kind domain.TransportKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[kind] != nil
}

// New builds a transport for acct using the factory registered for its kind.
func (r *Registry) New(acct domain.Account) (Transport, error) {
	r.mu.RLock()
	f := r.factories[acct.Kind]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w for kind %q", domain.ErrNoTransport, acct.Kind)
	}
	return f(acct)
}
