package bus

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisops/fixengine/pkg/event"
)

func newTestBus(t *testing.T) Bus {
	t.Helper()
	b, err := New(Config{Backend: BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testEnvelope(t *testing.T, summary string) *event.Envelope {
	t.Helper()
	env, err := event.New("test", event.SeverityInfo, "sector-1", summary, map[string]any{"n": 1})
	require.NoError(t, err)
	return env
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *event.Envelope, 1)
	require.NoError(t, b.Subscribe("test.topic", func(ctx context.Context, topic string, env *event.Envelope) {
		received <- env
	}))

	sent := testEnvelope(t, "hello")
	require.NoError(t, b.Publish(context.Background(), "test.topic", sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.EventID, got.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	b := newTestBus(t)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe("fan.out", func(ctx context.Context, topic string, env *event.Envelope) {
			wg.Done()
		}))
	}
	require.NoError(t, b.Publish(context.Background(), "fan.out", testEnvelope(t, "fan")))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every subscription received the message")
	}
}

func TestMemoryBusSerializedDispatch(t *testing.T) {
	b := newTestBus(t)

	// The handler for one subscription must never run concurrently with
	// itself.
	var (
		mu      sync.Mutex
		active  int
		overlap bool
		wg      sync.WaitGroup
	)
	const n = 20
	wg.Add(n)
	require.NoError(t, b.Subscribe("serial.topic", func(ctx context.Context, topic string, env *event.Envelope) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		wg.Done()
	}))

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "serial.topic", testEnvelope(t, "serial")))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not all dispatched")
	}
	assert.False(t, overlap, "handler invoked concurrently with itself")
}

func TestMemoryBusRejectsInvalidEnvelope(t *testing.T) {
	b := newTestBus(t)

	err := b.Publish(context.Background(), "bad.topic", &event.Envelope{EventID: "e1"})
	assert.Error(t, err)
}

func TestMemoryBusPublishBeforeConnect(t *testing.T) {
	b, err := New(Config{Backend: BackendMemory}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	err = b.Publish(context.Background(), "early.topic", testEnvelope(t, "early"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryBusHandlerPanicDoesNotKillDispatcher(t *testing.T) {
	b := newTestBus(t)

	received := make(chan struct{}, 2)
	require.NoError(t, b.Subscribe("poison.topic", func(ctx context.Context, topic string, env *event.Envelope) {
		received <- struct{}{}
		if env.Summary == "poison" {
			panic("poison message")
		}
	}))

	require.NoError(t, b.Publish(context.Background(), "poison.topic", testEnvelope(t, "poison")))
	require.NoError(t, b.Publish(context.Background(), "poison.topic", testEnvelope(t, "fine")))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher died after handler panic")
		}
	}
}

func TestSingleBackendPerProcess(t *testing.T) {
	b, err := New(Config{Backend: BackendMemory}, slog.Default())
	require.NoError(t, err)

	_, err = New(Config{Backend: BackendMemory}, slog.Default())
	assert.Error(t, err, "second backend must be refused while one is active")

	require.NoError(t, b.Close())

	// Close releases the guard; a new backend may be constructed.
	b2, err := New(Config{Backend: BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b2.Close())
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "rabbitmq"}, slog.Default())
	assert.Error(t, err)
}

func TestNewRejectsSolaceByName(t *testing.T) {
	// Solace is configuration vocabulary without an implementation; the
	// boot error must say so rather than claim the name is unknown.
	_, err := New(Config{Backend: BackendSolace}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solace")
	assert.Contains(t, err.Error(), "not implemented")
}
