package defense

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

func newDefenseVerifier(t *testing.T) (*Verifier, *store.VerificationStore, *store.EventLog, func(topic string) chan *event.Envelope) {
	t.Helper()
	client := database.NewTestClient(t)
	verifications := store.NewDefenseVerifications(client)
	log := store.NewEventLog(client)

	b, err := bus.New(bus.Config{Backend: bus.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	v := NewVerifier(b, verifications, log, testDefenseConfig(), metrics.New(), slog.Default())

	capture := func(topic string) chan *event.Envelope {
		ch := make(chan *event.Envelope, 8)
		require.NoError(t, b.Subscribe(topic, func(ctx context.Context, _ string, env *event.Envelope) {
			ch <- env
		}))
		return ch
	}
	return v, verifications, log, capture
}

func logThreatDetected(t *testing.T, log *store.EventLog, threat models.Threat) {
	t.Helper()
	env, err := event.New("threat-detector", event.SeverityModerate, "sector-1",
		threat.Summary, event.ThreatDetails{Threat: threat})
	require.NoError(t, err)
	_, err = log.Append(context.Background(), event.TopicThreatDetected, env)
	require.NoError(t, err)
}

func observationRecord(key string) models.VerificationRecord {
	now := time.Now().UTC()
	return models.VerificationRecord{
		Key:           key,
		CorrelationID: "corr-" + key,
		StartedAt:     now.Add(-time.Minute),
		WakeAt:        now.Add(time.Minute),
	}
}

func TestQuietThreatResolves(t *testing.T) {
	v, verifications, log, capture := newDefenseVerifier(t)
	resolved := capture(event.TopicThreatResolved)
	escalated := capture(event.TopicThreatEscalated)
	ctx := context.Background()

	threat := sampleThreat(models.ThreatSeverityHigh, models.ThreatEnvironmental)
	logThreatDetected(t, log, threat)
	require.NoError(t, verifications.Start(ctx, threat.ThreatID, "", time.Now().UTC()))

	v.decide(ctx, observationRecord(threat.ThreatID))

	env := collectThreatEnvelope(t, resolved)
	var details event.ThreatResolvedDetails
	require.NoError(t, env.DecodeDetails(&details))
	assert.Equal(t, threat.ThreatID, details.ThreatID)
	assert.Equal(t, "resolved", details.Outcome)
	assert.Zero(t, details.Indicators)
	expectNoThreat(t, escalated, "quiet threat must not escalate")

	rec, err := verifications.Get(ctx, threat.ThreatID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationVerified, rec.Status)
}

func TestActiveThreatEscalates(t *testing.T) {
	v, verifications, log, capture := newDefenseVerifier(t)
	resolved := capture(event.TopicThreatResolved)
	escalated := capture(event.TopicThreatEscalated)
	ctx := context.Background()

	threat := sampleThreat(models.ThreatSeverityHigh, models.ThreatEnvironmental)
	logThreatDetected(t, log, threat)
	require.NoError(t, verifications.Start(ctx, threat.ThreatID, "", time.Now().UTC()))

	// An indicator well within 5 km of the threat keeps it alive.
	indicator, err := event.New("sensor", event.SeverityWarning, "sector-1", "still failing",
		map[string]any{"lat": threat.Lat + 0.005, "lon": threat.Lon, "grid_id": "g1"})
	require.NoError(t, err)
	_, err = log.Append(ctx, event.TopicPowerFailure, indicator)
	require.NoError(t, err)

	// An indicator far away must not count.
	distant, err := event.New("sensor", event.SeverityWarning, "sector-9", "unrelated",
		map[string]any{"lat": threat.Lat + 2.0, "lon": threat.Lon})
	require.NoError(t, err)
	_, err = log.Append(ctx, event.TopicPowerFailure, distant)
	require.NoError(t, err)

	v.decide(ctx, observationRecord(threat.ThreatID))

	env := collectThreatEnvelope(t, escalated)
	var details event.ThreatDetails
	require.NoError(t, env.DecodeDetails(&details))
	assert.Equal(t, threat.ThreatID, details.ThreatID)
	assert.Equal(t, models.ThreatSeverityCritical, details.Severity)
	assert.Contains(t, details.Summary, "escalated: 1 indicators")
	expectNoThreat(t, resolved, "active threat must not resolve")

	rec, err := verifications.Get(ctx, threat.ThreatID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationFailed, rec.Status)
	assert.Equal(t, 1.0, rec.Metrics["threat_indicators"])
}

func TestMissingThreatSkips(t *testing.T) {
	v, verifications, _, capture := newDefenseVerifier(t)
	resolved := capture(event.TopicThreatResolved)
	escalated := capture(event.TopicThreatEscalated)
	ctx := context.Background()

	require.NoError(t, verifications.Start(ctx, "THREAT-20260824-00000000", "", time.Now().UTC()))
	v.decide(ctx, observationRecord("THREAT-20260824-00000000"))

	expectNoThreat(t, resolved, "unloadable threat must not resolve")
	expectNoThreat(t, escalated, "unloadable threat must not escalate")

	rec, err := verifications.Get(ctx, "THREAT-20260824-00000000")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationSkipped, rec.Status)
}

func collectThreatEnvelope(t *testing.T, ch chan *event.Envelope) *event.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("expected event never arrived")
		return nil
	}
}
