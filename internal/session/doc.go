// Package session supervises the connection of one sending account.
//
// A Session owns at most one live transport. It connects, keeps the
// connection alive with periodic pings, reconnects with exponential backoff
// after a loss, and gives up (status Failed) after a bounded number of
// consecutive reconnects. Send wraps the transport with the retry contract
// the dispatch engine relies on: one reconnect-and-retry for connection-class
// errors, none for anything else.
//
// State lives behind one mutex. Transport calls happen outside it; every
// transport instance gets a generation number so late events, ping results
// and timer callbacks from a discarded transport are ignored.
package session
