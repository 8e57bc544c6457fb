package client

import (
	"log/slog"
	"time"

	"github.com/sshnaidm/directord/backoff"
)

// Option configures a Client before it dials.
type Option func(*Client)

// WithToken sets the auth token sent on the hello frame.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the client logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFormat requests a session codec, "json" or "msgpack". The hub
// has the final word; the welcome frame names the codec in effect.
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithHandshakeTimeout bounds the wait for the welcome frame.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithRequestTimeout bounds every request/response round trip.
// Defaults to 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithEventBuffer sets the per-subscription event channel capacity.
// Events are dropped when a subscriber falls this far behind.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// WithReconnect enables automatic redial after a dropped session.
// Active subscriptions are re-issued on the new session. maxRetries
// caps consecutive failed attempts; zero retries forever.
func WithReconnect(maxRetries int) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
	}
}

// WithReconnectBackoff sets the delay curve between reconnect
// attempts.
func WithReconnectBackoff(cfg backoff.Config) Option {
	return func(c *Client) { c.retry = backoff.FromConfig(cfg) }
}
