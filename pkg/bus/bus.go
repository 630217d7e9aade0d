// Package bus provides the topic bus abstraction: uniform
// publish/subscribe over a pluggable backend. Exactly one backend is
// active per process lifetime, selected by configuration at boot.
//
// Delivery contract: at-least-once, per-topic FIFO best-effort. Neither
// total order across topics nor exactly-once is assumed; consumers are
// built around idempotent handlers.
//
// Dispatch contract: messages on a single subscription are serialized;
// the handler for a subscription is never invoked concurrently with
// itself. Distinct subscriptions run concurrently.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crisisops/fixengine/pkg/event"
)

// ErrRetriable marks transient bus failures: publishing during a
// reconnect gap, or a backend that is temporarily unreachable. Callers
// may retry with backoff.
var ErrRetriable = errors.New("transient bus error")

// ErrNotConnected is returned by Publish and Subscribe before Connect
// succeeds or after Close.
var ErrNotConnected = errors.New("bus not connected")

// Handler processes one message on a subscription. Handlers must not
// panic; the dispatcher recovers and logs panics so a poison message
// never kills the process, but a recovered panic is a bug.
type Handler func(ctx context.Context, topic string, env *event.Envelope)

// Bus is the uniform pub/sub surface every component is handed at
// construction. Tests inject the memory backend.
type Bus interface {
	// Connect establishes the backend connection. Reconnection after a
	// disconnect is the bus's responsibility; previously registered
	// subscriptions are restored.
	Connect(ctx context.Context) error

	// Publish sends an envelope on a topic. During a connection gap it
	// fails with an error wrapping ErrRetriable.
	Publish(ctx context.Context, topic string, env *event.Envelope) error

	// Subscribe registers a handler for a topic. A topic may have
	// multiple independent subscriptions; each receives every message.
	Subscribe(topic string, h Handler) error

	// Close drains and releases the backend connection.
	Close() error
}

// Backend names recognized by New. Solace is part of the configuration
// vocabulary but has no implementation; selecting it fails at boot with
// a named error instead of the generic unknown-backend one.
const (
	BackendNATS   = "nats"
	BackendMemory = "memory"
	BackendSolace = "solace"
)

var (
	activeMu      sync.Mutex
	activeBackend string
)

// New constructs the configured backend. The single-backend contract is
// enforced here: constructing a second bus while another is active is a
// programming error and fails.
func New(cfg Config, logger *slog.Logger) (Bus, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeBackend != "" {
		return nil, fmt.Errorf("bus backend %q already active in this process", activeBackend)
	}

	var b Bus
	switch cfg.Backend {
	case BackendNATS:
		b = newNATSBus(cfg, logger)
	case BackendMemory:
		b = newMemoryBus(logger)
	case BackendSolace:
		return nil, fmt.Errorf("bus backend %q is recognized but not implemented", cfg.Backend)
	default:
		return nil, fmt.Errorf("unknown bus backend %q (supported: nats, memory)", cfg.Backend)
	}
	activeBackend = cfg.Backend
	return b, nil
}

// release clears the single-backend guard; called by backend Close.
func release() {
	activeMu.Lock()
	activeBackend = ""
	activeMu.Unlock()
}

// safeDispatch invokes a handler, recovering panics so the dispatcher
// loop survives poison messages.
func safeDispatch(ctx context.Context, logger *slog.Logger, h Handler, topic string, env *event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked",
				"topic", topic,
				"event_id", env.EventID,
				"panic", r)
		}
	}()
	h(ctx, topic, env)
}
