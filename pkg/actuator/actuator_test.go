package actuator

import (
	"context"
	"log/slog"
	"sync"
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

func newTestActuator(t *testing.T) (*Actuator, *store.DeploymentStore, func(topic string) chan *event.Envelope) {
	t.Helper()
	client := database.NewTestClient(t)
	deployments := store.NewFixDeployments(client)

	b, err := bus.New(bus.Config{Backend: bus.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	a := New(b, deployments, metrics.New(), slog.Default())

	capture := func(topic string) chan *event.Envelope {
		ch := make(chan *event.Envelope, 16)
		require.NoError(t, b.Subscribe(topic, func(ctx context.Context, _ string, env *event.Envelope) {
			ch <- env
		}))
		return ch
	}
	return a, deployments, capture
}

func deployRequest(t *testing.T, fixID string, actions ...models.Action) *event.Envelope {
	t.Helper()
	if len(actions) == 0 {
		actions = []models.Action{{
			ID:     "a1",
			Type:   models.ActionPowerRecovery,
			Target: "grid-1",
		}}
	}
	fix := models.Fix{
		FixID:         fixID,
		CorrelationID: "corr-" + fixID,
		Title:         "Restore feeder",
		Actions:       actions,
		RiskLevel:     models.RiskMed,
	}
	env, err := event.New("approval-gate", event.SeverityCritical, "sector-1",
		fix.Title, event.FixDetails{Fix: fix})
	require.NoError(t, err)
	return env.WithCorrelation(fix.CorrelationID)
}

func waitFor(t *testing.T, ch chan *event.Envelope) *event.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("expected event never arrived")
		return nil
	}
}

func expectSilence(t *testing.T, ch chan *event.Envelope, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeployPublishesLifecycleAndRecords(t *testing.T) {
	a, deployments, capture := newTestActuator(t)
	started := capture(event.TopicFixDeployStarted)
	succeeded := capture(event.TopicFixDeploySucceeded)
	effects := capture(event.TopicSystemAction)

	ctx := context.Background()
	a.handleDeploy(ctx, event.TopicFixDeployRequested, deployRequest(t, "F1"))

	startedEnv := waitFor(t, started)
	assert.Equal(t, "corr-F1", startedEnv.CorrelationID)

	effectEnv := waitFor(t, effects)
	var effect event.SystemActionDetails
	require.NoError(t, effectEnv.DecodeDetails(&effect))
	assert.True(t, effect.SimulationMode)
	assert.True(t, effect.SandboxOnly)

	succeededEnv := waitFor(t, succeeded)
	var outcome event.DeployStatusDetails
	require.NoError(t, succeededEnv.DecodeDetails(&outcome))
	assert.Equal(t, "F1", outcome.FixID)
	assert.Equal(t, string(models.DeploymentSucceeded), outcome.Status)
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[0].Success)
	assert.False(t, outcome.DeployedAt.IsZero())

	rec, err := deployments.Get(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.DeploymentSucceeded, rec.Status)
	assert.Equal(t, "corr-F1", rec.CorrelationID)
}

func TestDeployIsIdempotent(t *testing.T) {
	a, _, capture := newTestActuator(t)
	started := capture(event.TopicFixDeployStarted)
	succeeded := capture(event.TopicFixDeploySucceeded)

	ctx := context.Background()
	req := deployRequest(t, "F2")
	a.handleDeploy(ctx, event.TopicFixDeployRequested, req)

	waitFor(t, started)
	waitFor(t, succeeded)

	// Redelivery of the same request must be a no-op.
	a.handleDeploy(ctx, event.TopicFixDeployRequested, req)
	expectSilence(t, started, "duplicate deploy must not start again")
	expectSilence(t, succeeded, "duplicate deploy must not succeed again")
}

func TestConcurrentDeploysClaimOnce(t *testing.T) {
	a, _, capture := newTestActuator(t)
	started := capture(event.TopicFixDeployStarted)

	ctx := context.Background()
	req := deployRequest(t, "F3")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handleDeploy(ctx, event.TopicFixDeployRequested, req)
		}()
	}
	wg.Wait()

	waitFor(t, started)
	expectSilence(t, started, "exactly one concurrent claim may win")
}

func TestDeployFailsOnUnknownActionType(t *testing.T) {
	a, deployments, capture := newTestActuator(t)
	succeeded := capture(event.TopicFixDeploySucceeded)
	failed := capture(event.TopicFixDeployFailed)

	ctx := context.Background()
	req := deployRequest(t, "F4", models.Action{ID: "a1", Type: "launch-the-missiles", Target: "x"})
	a.handleDeploy(ctx, event.TopicFixDeployRequested, req)

	env := waitFor(t, failed)
	var outcome event.DeployStatusDetails
	require.NoError(t, env.DecodeDetails(&outcome))
	assert.Equal(t, string(models.DeploymentFailed), outcome.Status)
	assert.Contains(t, outcome.Error, "unknown action type")
	expectSilence(t, succeeded, "unknown action type must not deploy")

	rec, err := deployments.Get(ctx, "F4")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.DeploymentFailed, rec.Status)
}

func TestFailedDeployCanBeRetried(t *testing.T) {
	a, deployments, capture := newTestActuator(t)
	failed := capture(event.TopicFixDeployFailed)
	succeeded := capture(event.TopicFixDeploySucceeded)

	ctx := context.Background()
	a.handleDeploy(ctx, event.TopicFixDeployRequested,
		deployRequest(t, "F5", models.Action{ID: "a1", Type: "bogus", Target: "x"}))
	waitFor(t, failed)

	// A corrected request for the same fix takes over the failed record.
	a.handleDeploy(ctx, event.TopicFixDeployRequested, deployRequest(t, "F5"))
	waitFor(t, succeeded)

	rec, err := deployments.Get(ctx, "F5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.DeploymentSucceeded, rec.Status)
}

func TestRollbackAppendsTimelineAndPublishes(t *testing.T) {
	a, deployments, capture := newTestActuator(t)
	succeeded := capture(event.TopicFixDeploySucceeded)
	rolledBack := capture(event.TopicFixRollbackSucceeded)

	ctx := context.Background()
	a.handleDeploy(ctx, event.TopicFixDeployRequested, deployRequest(t, "F6"))
	waitFor(t, succeeded)

	req, err := event.New("fix-verifier", event.SeverityWarning, "sector-1",
		"rollback", event.RollbackRequestedDetails{
			FixID:  "F6",
			Reason: "metric voltage_stable measured 0.000, threshold 1.000",
			RollbackAction: models.Action{
				ID:     "rb-1",
				Type:   models.ActionPowerRecovery,
				Target: "grid-1",
				Params: map[string]any{"rollback_of": "a1"},
			},
		})
	require.NoError(t, err)
	a.handleRollback(ctx, event.TopicFixRollbackRequested, req.WithCorrelation("corr-F6"))

	env := waitFor(t, rolledBack)
	var outcome event.DeployStatusDetails
	require.NoError(t, env.DecodeDetails(&outcome))
	assert.Equal(t, "rollback_succeeded", outcome.Status)

	rec, err := deployments.Get(ctx, "F6")
	require.NoError(t, err)
	require.NotNil(t, rec)
	last := rec.Timeline[len(rec.Timeline)-1]
	assert.Equal(t, "rollback_succeeded", last.Status)
}
