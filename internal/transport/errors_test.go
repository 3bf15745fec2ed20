package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"botrelay/internal/domain"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "explicit connection", err: ConnectionError(errors.New("boom")), want: ClassConnection},
		{name: "explicit rejected wins over phrase", err: Rejected(errors.New("timeout in content")), want: ClassRejected},
		{name: "explicit terminal", err: Terminal(errors.New("logged out")), want: ClassTerminal},
		{name: "wrapped explicit", err: fmt.Errorf("send: %w", ConnectionError(errors.New("x"))), want: ClassConnection},
		{name: "connection closed phrase", err: errors.New("Connection Closed by peer"), want: ClassConnection},
		{name: "socket closed phrase", err: errors.New("socket closed"), want: ClassConnection},
		{name: "precondition phrase", err: errors.New("Precondition Required"), want: ClassConnection},
		{name: "timed out phrase", err: errors.New("request timed out"), want: ClassConnection},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassConnection},
		{name: "net error", err: timeoutErr{}, want: ClassConnection},
		{name: "status 503", err: &StatusError{Code: 503}, want: ClassConnection},
		{name: "status 428", err: &StatusError{Code: 428}, want: ClassConnection},
		{name: "status 401", err: &StatusError{Code: 401}, want: ClassTerminal},
		{name: "status 400", err: &StatusError{Code: 400, Description: "chat not found"}, want: ClassRejected},
		{name: "unknown", err: errors.New("recipient is not on the network"), want: ClassRejected},
		{name: "domain sentinel", err: fmt.Errorf("x: %w", domain.ErrTerminalLogout), want: ClassTerminal},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestWrappersUnwrapToSentinels(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := ConnectionError(base)
	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.ErrorIs(t, Rejected(base), domain.ErrSendRejected)
	assert.ErrorIs(t, Terminal(base), domain.ErrTerminalLogout)
	assert.Nil(t, ConnectionError(nil))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.New(domain.Account{ID: "a", Kind: domain.KindDryRun})
	assert.ErrorIs(t, err, domain.ErrNoTransport)
	assert.False(t, r.Supports(domain.KindDryRun))

	r.Register(domain.KindDryRun, func(acct domain.Account) (Transport, error) { return nil, nil })
	_, err = r.New(domain.Account{ID: "a", Kind: domain.KindDryRun})
	assert.NoError(t, err)
	assert.Equal(t, []domain.TransportKind{domain.KindDryRun}, r.Kinds())
	assert.True(t, r.Supports(domain.KindDryRun))
	assert.False(t, r.Supports(domain.KindWhatsApp))
}
