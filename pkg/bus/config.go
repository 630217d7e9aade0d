package bus

import "time"

// Config selects and tunes the bus backend.
type Config struct {
	// Backend is "nats" or "memory". Mandatory; enforced single per
	// process by New.
	Backend string

	// URL is the backend connection string (nats://host:4222).
	URL string

	// Name identifies this process on the broker.
	Name string

	// Reconnect policy: bounded exponential backoff between
	// ReconnectMinWait and ReconnectMaxWait, giving up after
	// ReconnectAttempts.
	ReconnectAttempts int
	ReconnectMinWait  time.Duration
	ReconnectMaxWait  time.Duration
}

// DefaultConfig returns the built-in bus defaults: 5 reconnect attempts
// backed off from 5s to 25s.
func DefaultConfig() Config {
	return Config{
		Backend:           BackendNATS,
		URL:               "nats://localhost:4222",
		Name:              "fixengine",
		ReconnectAttempts: 5,
		ReconnectMinWait:  5 * time.Second,
		ReconnectMaxWait:  25 * time.Second,
	}
}
