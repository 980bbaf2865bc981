package opbus

import "time"

// Config holds configuration for the Bus.
type Config struct {
	// DefaultTTL is the lifetime of operation metadata and event logs.
	// Operations expire after this regardless of status.
	DefaultTTL time.Duration

	// MaxConnectionsPerUser caps concurrent stream connections per owner.
	MaxConnectionsPerUser int

	// ConnectionQueueCapacity bounds each connection's delivery queue.
	// A connection whose queue overflows is evicted.
	ConnectionQueueCapacity int

	// IdleKeepalive is how long a connection may go without an event
	// before a synthetic keepalive is injected. Zero disables keepalives.
	IdleKeepalive time.Duration

	// ReapInterval is how often the backstop TTL sweep runs during
	// Bus.Run. Zero disables the sweep.
	ReapInterval time.Duration

	// ProgressInterval, when non-zero, rate-limits progress events per
	// operation on the producer side. Terminal events are never limited.
	ProgressInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:              time.Hour,
		MaxConnectionsPerUser:   5,
		ConnectionQueueCapacity: 100,
		IdleKeepalive:           30 * time.Second,
		ReapInterval:            5 * time.Minute,
	}
}
