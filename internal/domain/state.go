package domain

import "time"

// ConnectionStatus is the lifecycle state of one account connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ConnectionState is an in-memory snapshot of one session.
type ConnectionState struct {
	AccountID        AccountID        `json:"account_id"`
	Kind             TransportKind    `json:"kind"`
	Status           ConnectionStatus `json:"status"`
	ReconnectAttempt int              `json:"reconnect_attempt"`
	LastActivity     time.Time        `json:"last_activity"`
	// LoggedOut is set after a terminal logout; the account needs re-enrollment.
	LoggedOut bool   `json:"logged_out,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Usable reports whether the pool may hand the account out for a send.
func (s ConnectionState) Usable() bool {
	return s.Status != StatusFailed && !s.LoggedOut
}
