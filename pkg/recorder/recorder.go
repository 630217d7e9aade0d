// Package recorder implements the event store writer: a single
// component subscribed to every canonical topic, appending each bus
// message to the durable log. It is the event log's only writer; all
// other components read.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/store"
)

// appendAttempts bounds local retries for transient store errors before
// a message is dropped from the log (the bus already delivered it to
// consumers; only auditability is lost, and loudly).
const appendAttempts = 3

// Recorder subscribes all topics and logs every message.
type Recorder struct {
	log     *store.EventLog
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Recorder.
func New(log *store.EventLog, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		log:     log,
		metrics: m,
		logger:  logger.With("component", "recorder"),
	}
}

// Register subscribes the recorder to every canonical topic.
func (r *Recorder) Register(b bus.Bus) error {
	for _, topic := range event.AllTopics() {
		if err := b.Subscribe(topic, r.handle); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) handle(ctx context.Context, topic string, env *event.Envelope) {
	r.metrics.EventsConsumed.WithLabelValues(topic, "recorder").Inc()

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(200*time.Millisecond), appendAttempts-1), ctx)

	err := backoff.Retry(func() error {
		_, err := r.log.Append(ctx, topic, env)
		return err
	}, policy)
	if err != nil {
		r.logger.Error("Failed to append event to store after retries",
			"topic", topic,
			"event_id", env.EventID,
			"error", err)
	}
}
