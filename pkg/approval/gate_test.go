package approval

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
)

// fakeLog serves canned fix states to the gate.
type fakeLog struct {
	events map[string]*store.StoredEvent
	err    error
}

func (f *fakeLog) LastFixEvent(_ context.Context, fixID string) (*store.StoredEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events[fixID], nil
}

func reviewRequiredEvent(t *testing.T, fixID string) *store.StoredEvent {
	t.Helper()
	fix := models.Fix{
		FixID:         fixID,
		CorrelationID: "corr-" + fixID,
		Title:         "Test remediation",
		Actions: []models.Action{{
			ID:     "a1",
			Type:   models.ActionPowerRecovery,
			Target: "grid-1",
		}},
		RiskLevel:             models.RiskMed,
		RequiresHumanApproval: true,
	}
	env, err := event.New("fix-proposer", event.SeverityCritical, "sector-1",
		fix.Title, event.FixDetails{Fix: fix})
	require.NoError(t, err)
	env.WithCorrelation(fix.CorrelationID)

	return &store.StoredEvent{
		Topic:      event.TopicFixReviewRequired,
		Envelope:   *env,
		ReceivedAt: time.Now().UTC(),
	}
}

func newTestGate(t *testing.T, log FixEventReader) (*Gate, func(topic string) chan *event.Envelope) {
	t.Helper()
	b, err := bus.New(bus.Config{Backend: bus.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	g := New(b, log, metrics.New(), slog.Default())

	capture := func(topic string) chan *event.Envelope {
		ch := make(chan *event.Envelope, 8)
		require.NoError(t, b.Subscribe(topic, func(ctx context.Context, _ string, env *event.Envelope) {
			ch <- env
		}))
		return ch
	}
	return g, capture
}

func decisionEvent(t *testing.T, fixID string, approved bool) *event.Envelope {
	t.Helper()
	env, err := event.New("ops-api", event.SeverityInfo, "", "decision",
		event.ApprovalDecisionDetails{
			FixID:    fixID,
			Approved: approved,
			Operator: "op-1",
			Notes:    "checked",
		})
	require.NoError(t, err)
	return env
}

func waitFor(t *testing.T, ch chan *event.Envelope) *event.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("expected event never arrived")
		return nil
	}
}

func expectSilence(t *testing.T, ch chan *event.Envelope, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGateApproveEmitsApprovedThenDeployRequested(t *testing.T) {
	log := &fakeLog{events: map[string]*store.StoredEvent{
		"F1": reviewRequiredEvent(t, "F1"),
	}}
	g, capture := newTestGate(t, log)
	approved := capture(event.TopicFixApproved)
	requested := capture(event.TopicFixDeployRequested)

	g.handle(context.Background(), event.TopicApprovalDecision, decisionEvent(t, "F1", true))

	approvedEnv := waitFor(t, approved)
	var approvedFix event.FixDetails
	require.NoError(t, approvedEnv.DecodeDetails(&approvedFix))
	assert.Equal(t, "F1", approvedFix.FixID)
	assert.Equal(t, "op-1", approvedFix.ApprovedBy)
	assert.False(t, approvedFix.ApprovedAt.IsZero())
	assert.Equal(t, "corr-F1", approvedEnv.CorrelationID)

	requestedEnv := waitFor(t, requested)
	var requestedFix event.FixDetails
	require.NoError(t, requestedEnv.DecodeDetails(&requestedFix))
	assert.Equal(t, "F1", requestedFix.FixID)
	assert.Equal(t, "corr-F1", requestedEnv.CorrelationID)
}

func TestGateRejectEmitsRejectedOnly(t *testing.T) {
	log := &fakeLog{events: map[string]*store.StoredEvent{
		"F2": reviewRequiredEvent(t, "F2"),
	}}
	g, capture := newTestGate(t, log)
	rejected := capture(event.TopicFixRejected)
	requested := capture(event.TopicFixDeployRequested)

	g.handle(context.Background(), event.TopicApprovalDecision, decisionEvent(t, "F2", false))

	env := waitFor(t, rejected)
	var fix event.FixDetails
	require.NoError(t, env.DecodeDetails(&fix))
	assert.Equal(t, "F2", fix.FixID)
	assert.Equal(t, "checked", fix.ReviewNotes)

	expectSilence(t, requested, "rejected fix must not be deploy-requested")
}

func TestGateIgnoresUnknownFix(t *testing.T) {
	g, capture := newTestGate(t, &fakeLog{events: map[string]*store.StoredEvent{}})
	approved := capture(event.TopicFixApproved)

	g.handle(context.Background(), event.TopicApprovalDecision, decisionEvent(t, "nope", true))

	expectSilence(t, approved, "unknown fix must be ignored")
}

func TestGateIgnoresFixNotInReview(t *testing.T) {
	se := reviewRequiredEvent(t, "F3")
	se.Topic = event.TopicFixDeploySucceeded
	g, capture := newTestGate(t, &fakeLog{events: map[string]*store.StoredEvent{"F3": se}})
	approved := capture(event.TopicFixApproved)

	g.handle(context.Background(), event.TopicApprovalDecision, decisionEvent(t, "F3", true))

	expectSilence(t, approved, "fix past review must not be re-approved")
}

func TestGateFailsClosedWhenStoreUnavailable(t *testing.T) {
	g, capture := newTestGate(t, &fakeLog{err: store.ErrUnavailable})
	approved := capture(event.TopicFixApproved)
	rejected := capture(event.TopicFixRejected)

	g.handle(context.Background(), event.TopicApprovalDecision, decisionEvent(t, "F4", true))

	expectSilence(t, approved, "gate must not approve without store confirmation")
	expectSilence(t, rejected, "gate must not reject without store confirmation")
}

func TestGateDropsDecisionWithoutFixID(t *testing.T) {
	g, capture := newTestGate(t, &fakeLog{events: map[string]*store.StoredEvent{}})
	approved := capture(event.TopicFixApproved)

	g.handle(context.Background(), event.TopicApprovalDecision, decisionEvent(t, "", true))

	expectSilence(t, approved, "decision without fix_id must be dropped")
}
