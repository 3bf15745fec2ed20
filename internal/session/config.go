package session

import (
	"math"
	"time"
)

type Config struct {
	ConnectTimeout       time.Duration
	PingTimeout          time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	KeepAliveInterval    time.Duration
	HeartbeatInterval    time.Duration
	IdleThreshold        time.Duration
	// BanOnMaxReconnects persists a ban when the session gives up.
	BanOnMaxReconnects bool
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       30 * time.Second,
		PingTimeout:          15 * time.Second,
		ReconnectBase:        5 * time.Second,
		MaxReconnectAttempts: 10,
		KeepAliveInterval:    5 * time.Minute,
		HeartbeatInterval:    2 * time.Minute,
		IdleThreshold:        10 * time.Minute,
		BanOnMaxReconnects:   true,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	return c
}

// Backoff returns the delay before reconnect number attempt (0-based):
// base * 2^attempt, without cap or jitter.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 || base > time.Duration(math.MaxInt64>>uint(attempt)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(attempt)
}
