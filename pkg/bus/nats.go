package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/crisisops/fixengine/pkg/event"
)

// natsBus is the production backend over core NATS.
//
// Serialization: nats.go invokes the callback of a single subscription
// from one goroutine, so per-subscription ordering is the broker
// client's guarantee and no extra dispatcher queue is needed. Distinct
// subscriptions run on distinct goroutines.
//
// Reconnection: the client reconnects with bounded exponential backoff
// (ReconnectAttempts tries, ReconnectMinWait doubling up to
// ReconnectMaxWait) and restores all registered subscriptions itself.
// Publishes during the gap fail with ErrRetriable.
type natsBus struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	subs   []*nats.Subscription
	closed bool

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
}

func newNATSBus(cfg Config, logger *slog.Logger) *natsBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &natsBus{
		cfg:            cfg,
		logger:         logger.With("component", "bus", "backend", "nats"),
		dispatchCtx:    ctx,
		dispatchCancel: cancel,
	}
}

// reconnectDelay doubles the wait per attempt, capped at the configured
// maximum: 5s, 10s, 20s, 25s, 25s with the defaults.
func (b *natsBus) reconnectDelay(attempt int) time.Duration {
	d := b.cfg.ReconnectMinWait
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.cfg.ReconnectMaxWait {
			return b.cfg.ReconnectMaxWait
		}
	}
	return d
}

func (b *natsBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("nats bus closed: %w", ErrNotConnected)
	}
	if b.nc != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(b.cfg.ReconnectAttempts),
		nats.CustomReconnectDelay(b.reconnectDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("Bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("Bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.logger.Warn("Bus connection closed")
		}),
	}

	// Initial connection retries with the same bounded policy as
	// reconnects; startup fails hard once attempts are exhausted.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.ReconnectMinWait
	policy.MaxInterval = b.cfg.ReconnectMaxWait
	policy.Multiplier = 2

	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(b.cfg.URL, opts...)
		if err != nil {
			b.logger.Warn("Bus connect attempt failed", "url", b.cfg.URL, "error", err)
			return err
		}
		return nil
	}
	err := backoff.Retry(connect, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(b.cfg.ReconnectAttempts)), ctx))
	if err != nil {
		return fmt.Errorf("connect to nats at %s: %w", b.cfg.URL, err)
	}

	b.nc = nc
	b.logger.Info("Bus connected", "url", nc.ConnectedUrl())
	return nil
}

func (b *natsBus) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("publish to %s: %w", topic, ErrNotConnected)
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	// During a reconnect gap the client buffers internally, but the
	// contract here is an explicit retriable failure instead of silent
	// queueing of side-effecting lifecycle events.
	if status := nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("publish to %s while %s: %w", topic, status, ErrRetriable)
	}
	if err := nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w (%w)", topic, err, ErrRetriable)
	}
	return nil
}

func (b *natsBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil {
		return fmt.Errorf("subscribe to %s: %w", topic, ErrNotConnected)
	}

	sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		env, err := event.Decode(m.Data)
		if err != nil {
			// Bad payload: log at warning and drop, never redeliver.
			b.logger.Warn("Dropping undecodable message",
				"topic", m.Subject, "error", err, "bytes", len(m.Data))
			return
		}
		safeDispatch(b.dispatchCtx, b.logger, h, m.Subject, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *natsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	nc := b.nc
	b.nc = nil
	b.mu.Unlock()

	b.dispatchCancel()
	if nc != nil {
		// Drain lets in-flight handlers finish before the connection
		// goes away.
		if err := nc.Drain(); err != nil {
			b.logger.Warn("Bus drain failed, closing hard", "error", err)
			nc.Close()
		}
	}
	release()
	b.logger.Info("Bus closed")
	return nil
}
