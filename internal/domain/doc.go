// Package domain holds the data model shared by the session pool and the
// dispatch engine: accounts, connection states, dispatch attempts and the
// error taxonomy used to classify per-recipient failures.
package domain
