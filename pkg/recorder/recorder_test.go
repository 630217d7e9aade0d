package recorder

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
	"github.com/crisisops/fixengine/test/database"
)

func TestRecorderLogsEveryTopic(t *testing.T) {
	client := database.NewTestClient(t)
	log := store.NewEventLog(client)

	b, err := bus.New(bus.Config{Backend: bus.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	r := New(log, metrics.New(), slog.Default())
	require.NoError(t, r.Register(b))

	ctx := context.Background()
	fixEnv, err := event.New("fix-proposer", event.SeverityCritical, "sector-1",
		"proposed", event.FixDetails{Fix: models.Fix{FixID: "F1"}})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event.TopicFixProposed, fixEnv))

	domainEnv, err := event.New("grid-monitor", event.SeverityWarning, "sector-2",
		"brownout", event.PowerFailureDetails{GridID: "g1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event.TopicPowerFailure, domainEnv))

	// Dispatch is asynchronous; poll the log until both rows land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := log.QueryWindow(ctx, store.WindowQuery{
			Topics: []string{event.TopicFixProposed, event.TopicPowerFailure},
		})
		require.NoError(t, err)
		if len(got) == 2 {
			assert.Equal(t, event.TopicFixProposed, got[0].Topic)
			assert.Equal(t, fixEnv.EventID, got[0].Envelope.EventID)
			assert.Equal(t, event.TopicPowerFailure, got[1].Topic)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 logged events, have %d", len(got))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRecorderCoversAllCanonicalTopics(t *testing.T) {
	topics := event.AllTopics()
	require.NotEmpty(t, topics)

	seen := map[string]bool{}
	for _, topic := range topics {
		assert.False(t, seen[topic], "duplicate topic %s", topic)
		seen[topic] = true
	}
	// Spot-check both ends of the pipeline are in the canonical set.
	assert.True(t, seen[event.TopicPowerFailure])
	assert.True(t, seen[event.TopicFixProposed])
	assert.True(t, seen[event.TopicFixRollbackSucceeded])
	assert.True(t, seen[event.TopicThreatResolved])
}
