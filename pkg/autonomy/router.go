// Package autonomy implements the autonomy router: it tracks the
// operator-controlled autonomy level and routes recovery plans to
// either automatic execution or a human approval request.
package autonomy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
)

// Level is the operator autonomy mode.
type Level string

const (
	LevelNormal Level = "NORMAL"
	LevelHigh   Level = "HIGH"
)

// approvalExpiry is how long a NORMAL-mode approval request stays open.
const approvalExpiry = time.Hour

// source tags envelopes emitted by the router.
const source = "autonomy-router"

// Router is a single-writer component: one instance per process owns
// the level. Reads from other components (the proposer consults the
// level to decide requires_human_approval) go through Level().
type Router struct {
	bus     bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	level Level
}

// New creates a Router starting at the configured initial level.
func New(b bus.Bus, initial Level, m *metrics.Metrics, logger *slog.Logger) *Router {
	if initial != LevelHigh {
		initial = LevelNormal
	}
	return &Router{
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "autonomy-router"),
		level:   initial,
	}
}

// Level returns the current autonomy level.
func (r *Router) Level() Level {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.level
}

// Register subscribes the router to operator.status and recovery.plan.
func (r *Router) Register(b bus.Bus) error {
	if err := b.Subscribe(event.TopicOperatorStatus, r.handleOperatorStatus); err != nil {
		return err
	}
	return b.Subscribe(event.TopicRecoveryPlan, r.handleRecoveryPlan)
}

func (r *Router) handleOperatorStatus(ctx context.Context, topic string, env *event.Envelope) {
	r.metrics.EventsConsumed.WithLabelValues(topic, "autonomy-router").Inc()

	var details event.OperatorStatusDetails
	if err := env.DecodeDetails(&details); err != nil {
		r.logger.Warn("Dropping operator.status with bad details", "event_id", env.EventID, "error", err)
		r.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	var next Level
	switch details.AutonomyLevel {
	case string(LevelHigh):
		next = LevelHigh
	case string(LevelNormal):
		next = LevelNormal
	default:
		r.logger.Warn("Ignoring unknown autonomy level",
			"event_id", env.EventID, "autonomy_level", details.AutonomyLevel)
		return
	}

	r.mu.Lock()
	prev := r.level
	r.level = next
	r.mu.Unlock()

	if prev != next {
		r.logger.Info("Autonomy level changed", "from", prev, "to", next, "operator", details.Operator)
	}
}

func (r *Router) handleRecoveryPlan(ctx context.Context, topic string, env *event.Envelope) {
	r.metrics.EventsConsumed.WithLabelValues(topic, "autonomy-router").Inc()

	var plan event.RecoveryPlanDetails
	if err := env.DecodeDetails(&plan); err != nil {
		r.logger.Warn("Dropping recovery.plan with bad details", "event_id", env.EventID, "error", err)
		r.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	if plan.PlanID == "" {
		plan.PlanID = env.EventID
	}

	if r.Level() == LevelHigh {
		r.executeAutomatically(ctx, env, plan)
		return
	}
	r.requestApproval(ctx, env, plan)
}

// executeAutomatically handles HIGH mode: an automated audit decision
// plus a system action marked executing, no human in the loop.
func (r *Router) executeAutomatically(ctx context.Context, env *event.Envelope, plan event.RecoveryPlanDetails) {
	decisionID := uuid.New().String()

	audit, err := event.New(source, event.SeverityInfo, env.Sector,
		"automated decision for recovery plan "+plan.PlanID,
		event.AuditDecisionDetails{
			DecisionID: decisionID,
			PlanID:     plan.PlanID,
			Type:       "automated",
			Outcome:    "pending",
		})
	if err != nil {
		r.logger.Error("Failed to build audit.decision", "plan_id", plan.PlanID, "error", err)
		return
	}
	if err := r.publish(ctx, event.TopicAuditDecision, audit.WithCorrelation(env.CorrelationID)); err != nil {
		r.logger.Error("Failed to publish audit.decision", "plan_id", plan.PlanID, "error", err)
		return
	}

	action, err := event.New(source, event.SeverityInfo, env.Sector,
		"executing recovery plan "+plan.PlanID,
		event.SystemActionDetails{
			SandboxMarkers: event.Sandboxed(),
			PlanID:         plan.PlanID,
			Status:         "executing",
			Description:    plan.Summary,
		})
	if err != nil {
		r.logger.Error("Failed to build system.action", "plan_id", plan.PlanID, "error", err)
		return
	}
	if err := r.publish(ctx, event.TopicSystemAction, action.WithCorrelation(env.CorrelationID)); err != nil {
		r.logger.Error("Failed to publish system.action", "plan_id", plan.PlanID, "error", err)
		return
	}

	r.logger.Info("Recovery plan routed to automatic execution",
		"plan_id", plan.PlanID, "decision_id", decisionID)
}

// requestApproval handles NORMAL mode: a human surface is expected to
// approve out-of-band before the plan expires.
func (r *Router) requestApproval(ctx context.Context, env *event.Envelope, plan event.RecoveryPlanDetails) {
	required, err := event.New(source, event.SeverityWarning, env.Sector,
		"approval required for recovery plan "+plan.PlanID,
		event.ApprovalRequiredDetails{
			PlanID:    plan.PlanID,
			Summary:   plan.Summary,
			ExpiresAt: event.At(time.Now().Add(approvalExpiry)),
		})
	if err != nil {
		r.logger.Error("Failed to build approval.required", "plan_id", plan.PlanID, "error", err)
		return
	}
	if err := r.publish(ctx, event.TopicApprovalRequired, required.WithCorrelation(env.CorrelationID)); err != nil {
		r.logger.Error("Failed to publish approval.required", "plan_id", plan.PlanID, "error", err)
		return
	}

	r.logger.Info("Recovery plan routed to human approval", "plan_id", plan.PlanID)
}

func (r *Router) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := r.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	r.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
