package autonomy

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
)

func newTestRouter(t *testing.T, initial Level) (*Router, func(topic string) chan *event.Envelope) {
	t.Helper()
	b, err := bus.New(bus.Config{Backend: bus.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	r := New(b, initial, metrics.New(), slog.Default())

	capture := func(topic string) chan *event.Envelope {
		ch := make(chan *event.Envelope, 8)
		require.NoError(t, b.Subscribe(topic, func(ctx context.Context, _ string, env *event.Envelope) {
			ch <- env
		}))
		return ch
	}
	return r, capture
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

func operatorStatus(t *testing.T, level string) *event.Envelope {
	t.Helper()
	env, err := event.New("console", event.SeverityInfo, "", "level change",
		event.OperatorStatusDetails{AutonomyLevel: level, Operator: "op-1"})
	require.NoError(t, err)
	return env
}

func recoveryPlan(t *testing.T, planID string) *event.Envelope {
	t.Helper()
	env, err := event.New("planner", event.SeverityWarning, "sector-1", "plan",
		event.RecoveryPlanDetails{PlanID: planID, Summary: "restore feeder"})
	require.NoError(t, err)
	return env
}

func TestRouterLevelChanges(t *testing.T) {
	r, _ := newTestRouter(t, LevelNormal)
	assert.Equal(t, LevelNormal, r.Level())

	r.handleOperatorStatus(context.Background(), event.TopicOperatorStatus, operatorStatus(t, "HIGH"))
	assert.Equal(t, LevelHigh, r.Level())

	r.handleOperatorStatus(context.Background(), event.TopicOperatorStatus, operatorStatus(t, "NORMAL"))
	assert.Equal(t, LevelNormal, r.Level())

	// Unknown levels are ignored, not applied.
	r.handleOperatorStatus(context.Background(), event.TopicOperatorStatus, operatorStatus(t, "MAXIMUM"))
	assert.Equal(t, LevelNormal, r.Level())
}

func TestRouterHighAutonomyExecutesAutomatically(t *testing.T) {
	r, capture := newTestRouter(t, LevelHigh)
	audit := capture(event.TopicAuditDecision)
	action := capture(event.TopicSystemAction)
	approvalRequired := capture(event.TopicApprovalRequired)

	r.handleRecoveryPlan(context.Background(), event.TopicRecoveryPlan, recoveryPlan(t, "plan-1"))

	auditEnv := waitFor(t, audit)
	var decision event.AuditDecisionDetails
	require.NoError(t, auditEnv.DecodeDetails(&decision))
	assert.Equal(t, "automated", decision.Type)
	assert.Equal(t, "pending", decision.Outcome)
	assert.Equal(t, "plan-1", decision.PlanID)

	actionEnv := waitFor(t, action)
	var sysAction event.SystemActionDetails
	require.NoError(t, actionEnv.DecodeDetails(&sysAction))
	assert.Equal(t, "executing", sysAction.Status)
	assert.True(t, sysAction.SimulationMode)
	assert.True(t, sysAction.SandboxOnly)

	expectSilence(t, approvalRequired, "HIGH mode must not request approval")
}

func TestRouterNormalAutonomyRequestsApproval(t *testing.T) {
	r, capture := newTestRouter(t, LevelNormal)
	audit := capture(event.TopicAuditDecision)
	approvalRequired := capture(event.TopicApprovalRequired)

	r.handleRecoveryPlan(context.Background(), event.TopicRecoveryPlan, recoveryPlan(t, "plan-2"))

	env := waitFor(t, approvalRequired)
	var details event.ApprovalRequiredDetails
	require.NoError(t, env.DecodeDetails(&details))
	assert.Equal(t, "plan-2", details.PlanID)
	assert.True(t, details.ExpiresAt.After(time.Now()))

	expectSilence(t, audit, "NORMAL mode must not auto-execute")
}

func TestRouterDefaultsToNormalOnUnknownInitialLevel(t *testing.T) {
	r, _ := newTestRouter(t, Level("BOGUS"))
	assert.Equal(t, LevelNormal, r.Level())
}
