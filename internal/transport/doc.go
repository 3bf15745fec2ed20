// Package transport defines the capability the session pool needs from a
// messaging network: connect, a stream of connectivity events, send, and a
// liveness ping.
//
// # Errors
//
// Implementations classify their failures by wrapping them with
// ConnectionError, Rejected or Terminal. Unwrapped errors are classified
// heuristically by Classify so third-party clients can be plugged in without
// translating every error they return.
package transport
