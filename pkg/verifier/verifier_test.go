package verifier

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
	"github.com/crisisops/fixengine/test/database"
)

func newTestVerifier(t *testing.T) (*Verifier, *store.VerificationStore, *store.EventLog, func(topic string) chan *event.Envelope) {
	t.Helper()
	client := database.NewTestClient(t)
	verifications := store.NewFixVerifications(client)
	log := store.NewEventLog(client)

	b, err := bus.New(bus.Config{Backend: bus.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	v := New(b, verifications, log, config.Default().Verifier, metrics.New(), slog.Default())

	capture := func(topic string) chan *event.Envelope {
		ch := make(chan *event.Envelope, 8)
		require.NoError(t, b.Subscribe(topic, func(ctx context.Context, _ string, env *event.Envelope) {
			ch <- env
		}))
		return ch
	}
	return v, verifications, log, capture
}

func voltageAction(windowSeconds int) models.Action {
	return models.Action{
		ID:     "a1",
		Type:   models.ActionPowerRecovery,
		Target: "grid-1",
		Verification: &models.VerificationSpec{
			Metric:        MetricVoltageStable,
			Threshold:     1,
			WindowSeconds: windowSeconds,
		},
	}
}

func deploySucceededEnv(t *testing.T, fixID string, deployedAt time.Time, actions ...models.Action) *event.Envelope {
	t.Helper()
	env, err := event.New("fix-actuator", event.SeverityInfo, "sector-1",
		"deploy succeeded", event.DeployStatusDetails{
			FixID:      fixID,
			Status:     string(models.DeploymentSucceeded),
			Actions:    actions,
			DeployedAt: event.At(deployedAt),
		})
	require.NoError(t, err)
	return env.WithCorrelation("corr-" + fixID)
}

func expectEvent(t *testing.T, ch chan *event.Envelope) *event.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("expected event never arrived")
		return nil
	}
}

func expectNoEvent(t *testing.T, ch chan *event.Envelope, msg string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal(msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeploySucceededOpensVerification(t *testing.T) {
	v, verifications, _, _ := newTestVerifier(t)
	ctx := context.Background()

	deployedAt := time.Now().UTC()
	env := deploySucceededEnv(t, "F1", deployedAt, voltageAction(600))
	v.handleDeploySucceeded(ctx, event.TopicFixDeploySucceeded, env)

	rec, err := verifications.Get(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationInProgress, rec.Status)
	assert.Equal(t, "corr-F1", rec.CorrelationID)
	assert.WithinDuration(t, deployedAt.Add(600*time.Second), rec.WakeAt, 2*time.Second)
}

func TestVerifyPassesQuietGrid(t *testing.T) {
	v, verifications, log, capture := newTestVerifier(t)
	verified := capture(event.TopicFixVerified)
	ctx := context.Background()

	// Window fully in the past, no power failures logged: the grid held.
	deployedAt := time.Now().UTC().Add(-2 * time.Minute)
	_, err := log.Append(ctx, event.TopicFixDeploySucceeded,
		deploySucceededEnv(t, "F1", deployedAt, voltageAction(60)))
	require.NoError(t, err)
	require.NoError(t, verifications.Start(ctx, "F1", "corr-F1", deployedAt.Add(time.Minute)))

	v.verify(ctx, models.VerificationRecord{Key: "F1", CorrelationID: "corr-F1"})

	env := expectEvent(t, verified)
	var details event.VerifiedDetails
	require.NoError(t, env.DecodeDetails(&details))
	assert.Equal(t, "F1", details.FixID)
	require.Len(t, details.Results, 1)
	assert.True(t, details.Results[0].Passed)
	assert.Equal(t, float64(nominalVoltage), details.Metrics[MetricVoltageStable])
	assert.Equal(t, "corr-F1", env.CorrelationID)

	rec, err := verifications.Get(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationVerified, rec.Status)
}

func TestVerifyFailureRequestsRollback(t *testing.T) {
	v, verifications, log, capture := newTestVerifier(t)
	verified := capture(event.TopicFixVerified)
	rollback := capture(event.TopicFixRollbackRequested)
	ctx := context.Background()

	deployedAt := time.Now().UTC().Add(-2 * time.Minute)
	_, err := log.Append(ctx, event.TopicFixDeploySucceeded,
		deploySucceededEnv(t, "F2", deployedAt, voltageAction(300)))
	require.NoError(t, err)

	// A power failure on the fixed grid inside the window fails the check.
	failure, err := event.New("grid-monitor", event.SeverityCritical, "sector-1",
		"feeder down", event.PowerFailureDetails{GridID: "grid-1"})
	require.NoError(t, err)
	_, err = log.Append(ctx, event.TopicPowerFailure, failure)
	require.NoError(t, err)

	require.NoError(t, verifications.Start(ctx, "F2", "corr-F2", deployedAt.Add(time.Minute)))
	v.verify(ctx, models.VerificationRecord{Key: "F2", CorrelationID: "corr-F2"})

	env := expectEvent(t, rollback)
	var details event.RollbackRequestedDetails
	require.NoError(t, env.DecodeDetails(&details))
	assert.Equal(t, "F2", details.FixID)
	assert.Contains(t, details.Reason, MetricVoltageStable)
	assert.Equal(t, models.ActionPowerRecovery, details.RollbackAction.Type)
	assert.Equal(t, "grid-1", details.RollbackAction.Target)
	assert.Equal(t, "a1", details.RollbackAction.Params["rollback_of"])
	expectNoEvent(t, verified, "failed verification must not verify")

	rec, err := verifications.Get(ctx, "F2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationFailed, rec.Status)
}

func TestVerifySkipsWithoutDeployEvent(t *testing.T) {
	v, verifications, _, capture := newTestVerifier(t)
	verified := capture(event.TopicFixVerified)
	rollback := capture(event.TopicFixRollbackRequested)
	ctx := context.Background()

	require.NoError(t, verifications.Start(ctx, "F3", "", time.Now().UTC()))
	v.verify(ctx, models.VerificationRecord{Key: "F3"})

	expectNoEvent(t, verified, "nothing to measure against")
	expectNoEvent(t, rollback, "a skip must not trigger rollback")

	rec, err := verifications.Get(ctx, "F3")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationSkipped, rec.Status)
}

func TestVerifySkipsActionsWithoutSpec(t *testing.T) {
	v, verifications, log, capture := newTestVerifier(t)
	verified := capture(event.TopicFixVerified)
	ctx := context.Background()

	deployedAt := time.Now().UTC().Add(-time.Minute)
	bare := models.Action{ID: "a1", Type: models.ActionTrafficAdvisory, Target: "dt-1"}
	_, err := log.Append(ctx, event.TopicFixDeploySucceeded,
		deploySucceededEnv(t, "F4", deployedAt, bare))
	require.NoError(t, err)
	require.NoError(t, verifications.Start(ctx, "F4", "", deployedAt))

	v.verify(ctx, models.VerificationRecord{Key: "F4"})

	env := expectEvent(t, verified)
	var details event.VerifiedDetails
	require.NoError(t, env.DecodeDetails(&details))
	require.Len(t, details.Results, 1)
	assert.True(t, details.Results[0].Skipped)
	assert.Equal(t, "no verification spec", details.Results[0].Reason)
}

func TestBackfillOpensMissingRecords(t *testing.T) {
	v, verifications, log, _ := newTestVerifier(t)
	ctx := context.Background()

	deployedAt := time.Now().UTC().Add(-time.Minute)
	_, err := log.Append(ctx, event.TopicFixDeploySucceeded,
		deploySucceededEnv(t, "F5", deployedAt, voltageAction(300)))
	require.NoError(t, err)

	// A record that already exists must not be reopened.
	_, err = log.Append(ctx, event.TopicFixDeploySucceeded,
		deploySucceededEnv(t, "F6", deployedAt, voltageAction(300)))
	require.NoError(t, err)
	require.NoError(t, verifications.Start(ctx, "F6", "", deployedAt))
	require.NoError(t, verifications.Complete(ctx, "F6", models.VerificationVerified, nil, nil))

	v.backfill(ctx)

	rec, err := verifications.Get(ctx, "F5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationInProgress, rec.Status)
	assert.WithinDuration(t, deployedAt.Add(300*time.Second), rec.WakeAt, 2*time.Second)

	rec, err = verifications.Get(ctx, "F6")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.VerificationVerified, rec.Status)
}
