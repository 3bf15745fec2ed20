package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"botrelay/internal/domain"
)

// Class is the retry classification of a transport error.
type Class int

const (
	ClassNone Class = iota
	// ClassConnection errors are retried after a reconnect.
	ClassConnection
	// ClassRejected errors are content or destination level; never retried.
	ClassRejected
	// ClassTerminal errors mean the account was logged out by the network.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassConnection:
		return "connection"
	case ClassRejected:
		return "rejected"
	case ClassTerminal:
		return "terminal"
	default:
		return "none"
	}
}

// StatusError carries a protocol status code (HTTP-like) for classification.
type StatusError struct {
	Code        int
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Description)
}

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() []error {
	return []error{e.err, e.class.sentinel()}
}

func (c Class) sentinel() error {
	switch c {
	case ClassConnection:
		return domain.ErrConnection
	case ClassRejected:
		return domain.ErrSendRejected
	case ClassTerminal:
		return domain.ErrTerminalLogout
	default:
		return nil
	}
}

func wrap(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: c, err: err}
}

// ConnectionError marks err as connection-class.
func ConnectionError(err error) error { return wrap(ClassConnection, err) }

// Rejected marks err as a content/destination rejection.
func Rejected(err error) error { return wrap(ClassRejected, err) }

// Terminal marks err as an explicit logout/revocation.
func Terminal(err error) error { return wrap(ClassTerminal, err) }

// connection-class status codes: precondition required, request timeout,
// bad gateway, service unavailable, gateway timeout.
var connectionCodes = map[int]bool{428: true, 408: true, 502: true, 503: true, 504: true}

var connectionPhrases = []string{
	"connection closed",
	"connection lost",
	"connection reset",
	"socket closed",
	"disconnected",
	"precondition required",
	"timed out",
	"timeout",
	"broken pipe",
}

// Classify returns the class of err. Explicit wrappers win; otherwise
// network errors, status codes and well-known phrases are inspected.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	switch {
	case errors.Is(err, domain.ErrTerminalLogout):
		return ClassTerminal
	case errors.Is(err, domain.ErrConnection):
		return ClassConnection
	case errors.Is(err, domain.ErrSendRejected):
		return ClassRejected
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnection
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassConnection
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == 401 {
			return ClassTerminal
		}
		if connectionCodes[se.Code] {
			return ClassConnection
		}
		return ClassRejected
	}
	msg := strings.ToLower(err.Error())
	for _, p := range connectionPhrases {
		if strings.Contains(msg, p) {
			return ClassConnection
		}
	}
	return ClassRejected
}

// IsConnection reports whether err should trigger a reconnect-and-retry.
func IsConnection(err error) bool { return Classify(err) == ClassConnection }

// IsTerminal reports whether err is an explicit logout.
func IsTerminal(err error) bool { return Classify(err) == ClassTerminal }
