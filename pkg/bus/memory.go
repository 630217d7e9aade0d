package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crisisops/fixengine/pkg/event"
)

// subscriptionBuffer bounds the per-subscription delivery queue. A full
// queue blocks the publisher, preserving at-least-once delivery.
const subscriptionBuffer = 256

type memorySub struct {
	topic   string
	handler Handler
	ch      chan *event.Envelope
}

// memoryBus is an in-process backend used by tests and single-process
// deployments. It preserves the dispatch contract of the NATS backend:
// per-subscription serialization via one goroutine per subscription,
// concurrency across subscriptions.
type memoryBus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	subs      map[string][]*memorySub
	connected bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMemoryBus(logger *slog.Logger) *memoryBus {
	return &memoryBus{
		logger: logger.With("component", "bus", "backend", "memory"),
		subs:   make(map[string][]*memorySub),
	}
}

func (b *memoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus closed: %w", ErrNotConnected)
	}
	if b.connected {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.connected = true

	// Subscriptions registered before Connect start dispatching now.
	for _, subs := range b.subs {
		for _, s := range subs {
			b.startDispatcher(s)
		}
	}
	b.logger.Info("Memory bus connected")
	return nil
}

func (b *memoryBus) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return fmt.Errorf("publish to %s: %w", topic, ErrNotConnected)
	}
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return fmt.Errorf("publish to %s during shutdown: %w", topic, ErrRetriable)
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe to %s: %w", topic, ErrNotConnected)
	}
	s := &memorySub{
		topic:   topic,
		handler: h,
		ch:      make(chan *event.Envelope, subscriptionBuffer),
	}
	b.subs[topic] = append(b.subs[topic], s)
	if b.connected {
		b.startDispatcher(s)
	}
	return nil
}

// startDispatcher runs the per-subscription serialization loop. Caller
// holds b.mu.
func (b *memoryBus) startDispatcher(s *memorySub) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case env := <-s.ch:
				safeDispatch(b.ctx, b.logger, s.handler, s.topic, env)
			case <-b.ctx.Done():
				// Drain what was already queued before shutdown.
				for {
					select {
					case env := <-s.ch:
						safeDispatch(context.Background(), b.logger, s.handler, s.topic, env)
					default:
						return
					}
				}
			}
		}
	}()
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	release()
	b.logger.Info("Memory bus closed")
	return nil
}
