// Package transporttest provides a scripted in-memory network for tests of
// code built on the transport contract.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"botrelay/internal/domain"
	"botrelay/internal/transport"
)

// Sent is one delivered message.
type Sent struct {
	Account domain.AccountID
	To      string
	Text    string
}

// Network hands out Fake transports and records what they did.
// Scripts are consumed in order; an exhausted script means success unless a
// sticky error was set.
type Network struct {
	mu sync.Mutex

	connectScript map[domain.AccountID][]error
	connectSticky map[domain.AccountID]error
	sendScript    map[domain.AccountID][]error
	pingErr       map[domain.AccountID]error

	connects map[domain.AccountID]int
	pings    map[domain.AccountID]int
	closes   map[domain.AccountID]int
	sent     []Sent
	latest   map[domain.AccountID]*Fake
}

func NewNetwork() *Network {
	return &Network{
		connectScript: map[domain.AccountID][]error{},
		connectSticky: map[domain.AccountID]error{},
		sendScript:    map[domain.AccountID][]error{},
		pingErr:       map[domain.AccountID]error{},
		connects:      map[domain.AccountID]int{},
		pings:         map[domain.AccountID]int{},
		closes:        map[domain.AccountID]int{},
		latest:        map[domain.AccountID]*Fake{},
	}
}

// Factory returns a transport.Factory bound to the network.
func (n *Network) Factory() transport.Factory {
	return func(acct domain.Account) (transport.Transport, error) {
		f := &Fake{net: n, id: acct.ID, events: make(chan transport.Event, 16)}
		n.mu.Lock()
		n.latest[acct.ID] = f
		n.mu.Unlock()
		return f, nil
	}
}

// ScriptConnect queues results for the next Connect calls of id.
func (n *Network) ScriptConnect(id domain.AccountID, errs ...error) {
	n.mu.Lock()
	n.connectScript[id] = append(n.connectScript[id], errs...)
	n.mu.Unlock()
}

// FailConnect makes every unscripted Connect of id fail with err. nil clears it.
func (n *Network) FailConnect(id domain.AccountID, err error) {
	n.mu.Lock()
	n.connectSticky[id] = err
	n.mu.Unlock()
}

// ScriptSend queues results for the next Send calls of id.
func (n *Network) ScriptSend(id domain.AccountID, errs ...error) {
	n.mu.Lock()
	n.sendScript[id] = append(n.sendScript[id], errs...)
	n.mu.Unlock()
}

// FailPing makes every Ping of id fail with err. nil clears it.
func (n *Network) FailPing(id domain.AccountID, err error) {
	n.mu.Lock()
	n.pingErr[id] = err
	n.mu.Unlock()
}

func (n *Network) Connects(id domain.AccountID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects[id]
}

func (n *Network) Pings(id domain.AccountID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pings[id]
}

func (n *Network) Closes(id domain.AccountID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closes[id]
}

func (n *Network) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Latest returns the most recently built transport for id.
func (n *Network) Latest(id domain.AccountID) *Fake {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest[id]
}

func pop(m map[domain.AccountID][]error, id domain.AccountID) (error, bool) {
	q := m[id]
	if len(q) == 0 {
		return nil, false
	}
	m[id] = q[1:]
	return q[0], true
}

var errClosed = transport.ConnectionError(errors.New("fake transport closed"))

// Fake is one scripted transport instance.
type Fake struct {
	net *Network
	id  domain.AccountID

	mu     sync.Mutex
	events chan transport.Event
	closed bool
}

func (f *Fake) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := f.net
	n.mu.Lock()
	n.connects[f.id]++
	err, ok := pop(n.connectScript, f.id)
	if !ok {
		err = n.connectSticky[f.id]
	}
	n.mu.Unlock()
	if err == nil {
		f.Emit(transport.Event{Kind: transport.EventOpened})
	}
	return err
}

func (f *Fake) Events() <-chan transport.Event { return f.events }

func (f *Fake) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errClosed
	}
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, _ := pop(n.sendScript, f.id); err != nil {
		return err
	}
	n.sent = append(n.sent, Sent{Account: f.id, To: to, Text: text})
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pings[f.id]++
	return n.pingErr[f.id]
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	f.net.mu.Lock()
	f.net.closes[f.id]++
	f.net.mu.Unlock()
	return nil
}

// Emit delivers ev to the consumer. Events on a closed transport are dropped.
func (f *Fake) Emit(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}
