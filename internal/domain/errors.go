package domain

import "errors"

var (
	// ErrConnection is retryable and drives reconnect/backoff.
	ErrConnection = errors.New("connection error")
	// ErrTerminalLogout ends an account's lifecycle without banning it.
	ErrTerminalLogout = errors.New("terminal logout")
	// ErrSendRejected is a content/destination level failure; never retried.
	ErrSendRejected = errors.New("send rejected")
	// ErrPoolExhausted means no usable account is available.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrMaxReconnectAttempts is recorded when a session gives up reconnecting.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")
	// ErrStoreUnavailable is the only failure allowed to abort a batch.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAccountUnavailable is returned by sessions that were stopped, banned or failed.
	ErrAccountUnavailable = errors.New("account unavailable")
	ErrNotFound           = errors.New("not found")
	// ErrNoTransport means no transport is registered for an account's kind.
	ErrNoTransport = errors.New("no transport registered")
)
