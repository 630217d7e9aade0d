// Package actuator executes approved fixes. Every execution is
// sandboxed: the actuator publishes simulation-marked effect events and
// never touches a real system. A per-fix deployment record in Postgres
// makes execution idempotent; when the record store is unreachable the
// actuator refuses to deploy rather than risk a double execution.
package actuator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
)

// source tags envelopes emitted by the actuator.
const source = "fix-actuator"

// Actuator consumes fix.deploy_requested and fix.rollback_requested.
type Actuator struct {
	bus         bus.Bus
	deployments *store.DeploymentStore
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates an Actuator backed by the fix deployment store.
func New(b bus.Bus, deployments *store.DeploymentStore, m *metrics.Metrics, logger *slog.Logger) *Actuator {
	return &Actuator{
		bus:         b,
		deployments: deployments,
		metrics:     m,
		logger:      logger.With("component", "actuator"),
	}
}

// Register subscribes the actuator to its input topics.
func (a *Actuator) Register(b bus.Bus) error {
	if err := b.Subscribe(event.TopicFixDeployRequested, a.handleDeploy); err != nil {
		return err
	}
	return b.Subscribe(event.TopicFixRollbackRequested, a.handleRollback)
}

func (a *Actuator) handleDeploy(ctx context.Context, topic string, env *event.Envelope) {
	a.metrics.EventsConsumed.WithLabelValues(topic, "actuator").Inc()

	var details event.FixDetails
	if err := env.DecodeDetails(&details); err != nil {
		a.logger.Warn("Dropping deploy request with bad details", "event_id", env.EventID, "error", err)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	fix := details.Fix
	if fix.FixID == "" {
		a.logger.Warn("Dropping deploy request without fix_id", "event_id", env.EventID)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	claim, err := a.deployments.Claim(ctx, fix.FixID, env.CorrelationID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			// Fail closed: without the record store we cannot prove this
			// fix has not already run.
			a.logger.Error("Refusing deployment, record store unavailable",
				"fix_id", fix.FixID, "error", err)
			return
		}
		a.logger.Error("Failed to claim deployment", "fix_id", fix.FixID, "error", err)
		return
	}
	if !claim.Claimed {
		status := models.DeploymentStatus("")
		if claim.Existing != nil {
			status = claim.Existing.Status
		}
		a.logger.Info("Ignoring duplicate deploy request",
			"fix_id", fix.FixID, "existing_status", status)
		return
	}

	start := time.Now()
	a.logger.Info("Deployment started", "fix_id", fix.FixID, "actions", len(fix.Actions))

	started, err := event.New(source, event.SeverityInfo, env.Sector,
		"deploy started: "+fix.Title, event.DeployStatusDetails{
			FixID:   fix.FixID,
			Status:  string(models.DeploymentStarted),
			Actions: fix.Actions,
		})
	if err == nil {
		err = a.publish(ctx, event.TopicFixDeployStarted, started.WithCorrelation(env.CorrelationID))
	}
	if err != nil {
		a.logger.Error("Failed to publish fix.deploy_started", "fix_id", fix.FixID, "error", err)
	} else {
		a.metrics.FixTransitions.WithLabelValues("deploy_started").Inc()
	}

	results := make([]models.ActionResult, 0, len(fix.Actions))
	failed := 0
	var firstErr string
	for _, action := range fix.Actions {
		res := a.executeAction(ctx, fix.FixID, env.Sector, env.CorrelationID, action)
		results = append(results, res)
		if !res.Success {
			failed++
			if firstErr == "" {
				firstErr = res.Error
			}
			a.logger.Warn("Action failed", "fix_id", fix.FixID, "action_id", action.ID, "error", res.Error)
		}
	}

	a.metrics.DeployDuration.Observe(time.Since(start).Seconds())

	if failed > 0 {
		a.complete(ctx, env, fix, models.DeploymentFailed, results, firstErr)
		return
	}
	a.complete(ctx, env, fix, models.DeploymentSucceeded, results, "")
}

// complete records the terminal deployment state and publishes the
// matching lifecycle event. Record first, then publish: the verifier
// keys off the bus event, so the store must already reflect the
// outcome when it fires.
func (a *Actuator) complete(ctx context.Context, env *event.Envelope, fix models.Fix, status models.DeploymentStatus, results []models.ActionResult, errMsg string) {
	if err := a.deployments.Complete(ctx, fix.FixID, status, results, errMsg); err != nil {
		a.logger.Error("Failed to record deployment outcome",
			"fix_id", fix.FixID, "status", status, "error", err)
	}

	topic := event.TopicFixDeploySucceeded
	severity := event.SeverityInfo
	if status == models.DeploymentFailed {
		topic = event.TopicFixDeployFailed
		severity = event.SeverityWarning
	}

	now := time.Now().UTC()
	out, err := event.New(source, severity, env.Sector,
		"deploy "+string(status)+": "+fix.Title, event.DeployStatusDetails{
			FixID:      fix.FixID,
			Status:     string(status),
			Actions:    fix.Actions,
			Results:    results,
			Error:      errMsg,
			DeployedAt: event.At(now),
		})
	if err != nil {
		a.logger.Error("Failed to build deployment outcome event", "fix_id", fix.FixID, "error", err)
		return
	}
	if err := a.publish(ctx, topic, out.WithCorrelation(env.CorrelationID)); err != nil {
		a.logger.Error("Failed to publish deployment outcome", "fix_id", fix.FixID, "topic", topic, "error", err)
		return
	}
	a.metrics.FixTransitions.WithLabelValues(string("deploy_" + status)).Inc()
	a.logger.Info("Deployment finished", "fix_id", fix.FixID, "status", status, "actions", len(results))
}

func (a *Actuator) handleRollback(ctx context.Context, topic string, env *event.Envelope) {
	a.metrics.EventsConsumed.WithLabelValues(topic, "actuator").Inc()

	var req event.RollbackRequestedDetails
	if err := env.DecodeDetails(&req); err != nil {
		a.logger.Warn("Dropping rollback request with bad details", "event_id", env.EventID, "error", err)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	if req.FixID == "" {
		a.logger.Warn("Dropping rollback request without fix_id", "event_id", env.EventID)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	a.logger.Info("Rollback started", "fix_id", req.FixID, "reason", req.Reason)

	res := a.executeAction(ctx, req.FixID, env.Sector, env.CorrelationID, req.RollbackAction)
	if !res.Success {
		// A failed rollback leaves the deployment record as is; the
		// timeline entry is the operator's breadcrumb.
		a.logger.Error("Rollback action failed", "fix_id", req.FixID, "error", res.Error)
		a.appendTimeline(ctx, req.FixID, "rollback_failed", res.Error)
		return
	}
	a.appendTimeline(ctx, req.FixID, "rollback_succeeded", req.Reason)

	out, err := event.New(source, event.SeverityInfo, env.Sector,
		"rollback succeeded for "+req.FixID, event.DeployStatusDetails{
			FixID:   req.FixID,
			Status:  "rollback_succeeded",
			Results: []models.ActionResult{res},
		})
	if err != nil {
		a.logger.Error("Failed to build fix.rollback_succeeded", "fix_id", req.FixID, "error", err)
		return
	}
	if err := a.publish(ctx, event.TopicFixRollbackSucceeded, out.WithCorrelation(env.CorrelationID)); err != nil {
		a.logger.Error("Failed to publish fix.rollback_succeeded", "fix_id", req.FixID, "error", err)
		return
	}
	a.metrics.FixTransitions.WithLabelValues("rollback_succeeded").Inc()
}

func (a *Actuator) appendTimeline(ctx context.Context, fixID, status, message string) {
	err := a.deployments.AppendTimeline(ctx, fixID, models.TimelineEntry{
		Status:  status,
		Message: message,
	})
	if err != nil {
		a.logger.Warn("Failed to append deployment timeline", "fix_id", fixID, "error", err)
	}
}

func (a *Actuator) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := a.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	a.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
