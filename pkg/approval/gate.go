// Package approval implements the approval gate: it consumes operator
// decisions from the control-plane topic (fed by the ops API), checks
// the fix against the event log, and emits the approve/reject lifecycle
// events. On approval the deploy request is published strictly after
// fix.approved with the same fix_id, so downstream consumers never race
// the two.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/store"
)

// source tags envelopes emitted by the gate.
const source = "approval-gate"

// FixEventReader is the slice of the event log the gate needs.
type FixEventReader interface {
	LastFixEvent(ctx context.Context, fixID string) (*store.StoredEvent, error)
}

// Gate consumes approval.decision and advances fixes out of review.
type Gate struct {
	bus     bus.Bus
	log     FixEventReader
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Gate.
func New(b bus.Bus, log FixEventReader, m *metrics.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		bus:     b,
		log:     log,
		metrics: m,
		logger:  logger.With("component", "approval-gate"),
	}
}

// Register subscribes the gate to the decision control topic.
func (g *Gate) Register(b bus.Bus) error {
	return b.Subscribe(event.TopicApprovalDecision, g.handle)
}

func (g *Gate) handle(ctx context.Context, topic string, env *event.Envelope) {
	g.metrics.EventsConsumed.WithLabelValues(topic, "approval-gate").Inc()

	var decision event.ApprovalDecisionDetails
	if err := env.DecodeDetails(&decision); err != nil {
		g.logger.Warn("Dropping approval.decision with bad details", "event_id", env.EventID, "error", err)
		g.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	if decision.FixID == "" {
		g.logger.Warn("Dropping approval.decision without fix_id", "event_id", env.EventID)
		g.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	last, err := g.log.LastFixEvent(ctx, decision.FixID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			// Fail closed: without the store we cannot confirm state.
			g.logger.Error("Refusing approval decision, event store unavailable",
				"fix_id", decision.FixID, "error", err)
			return
		}
		g.logger.Error("Failed to read fix state", "fix_id", decision.FixID, "error", err)
		return
	}
	if last == nil {
		g.logger.Warn("Ignoring decision for unknown fix", "fix_id", decision.FixID)
		return
	}
	if last.Topic != event.TopicFixReviewRequired {
		g.logger.Warn("Ignoring decision for fix not in review",
			"fix_id", decision.FixID, "current_state", last.Topic)
		return
	}

	var fix event.FixDetails
	if err := last.Envelope.DecodeDetails(&fix); err != nil {
		g.logger.Error("Stored review_required event has bad details",
			"fix_id", decision.FixID, "error", err)
		return
	}

	if !decision.Approved {
		g.reject(ctx, &last.Envelope, fix, decision)
		return
	}
	g.approve(ctx, &last.Envelope, fix, decision)
}

func (g *Gate) approve(ctx context.Context, orig *event.Envelope, fix event.FixDetails, decision event.ApprovalDecisionDetails) {
	fix.ApprovedAt = time.Now().UTC()
	fix.ApprovedBy = decision.Operator
	fix.ReviewNotes = decision.Notes

	approved, err := event.New(source, event.SeverityInfo, orig.Sector,
		"fix approved: "+fix.Title, fix)
	if err != nil {
		g.logger.Error("Failed to build fix.approved", "fix_id", fix.FixID, "error", err)
		return
	}
	if err := g.publish(ctx, event.TopicFixApproved, approved.WithCorrelation(fix.CorrelationID)); err != nil {
		g.logger.Error("Failed to publish fix.approved", "fix_id", fix.FixID, "error", err)
		return
	}
	g.metrics.FixTransitions.WithLabelValues("approved").Inc()

	// deploy_requested goes out only after approved succeeded.
	request, err := event.New(source, event.SeverityInfo, orig.Sector,
		"deploy requested: "+fix.Title, fix)
	if err != nil {
		g.logger.Error("Failed to build fix.deploy_requested", "fix_id", fix.FixID, "error", err)
		return
	}
	if err := g.publish(ctx, event.TopicFixDeployRequested, request.WithCorrelation(fix.CorrelationID)); err != nil {
		g.logger.Error("Failed to publish fix.deploy_requested", "fix_id", fix.FixID, "error", err)
		return
	}
	g.metrics.FixTransitions.WithLabelValues("deploy_requested").Inc()

	g.logger.Info("Fix approved", "fix_id", fix.FixID, "operator", decision.Operator)
}

func (g *Gate) reject(ctx context.Context, orig *event.Envelope, fix event.FixDetails, decision event.ApprovalDecisionDetails) {
	fix.ReviewNotes = decision.Notes

	rejected, err := event.New(source, event.SeverityInfo, orig.Sector,
		"fix rejected: "+fix.Title, fix)
	if err != nil {
		g.logger.Error("Failed to build fix.rejected", "fix_id", fix.FixID, "error", err)
		return
	}
	if err := g.publish(ctx, event.TopicFixRejected, rejected.WithCorrelation(fix.CorrelationID)); err != nil {
		g.logger.Error("Failed to publish fix.rejected", "fix_id", fix.FixID, "error", err)
		return
	}
	g.metrics.FixTransitions.WithLabelValues("rejected").Inc()

	g.logger.Info("Fix rejected", "fix_id", fix.FixID, "operator", decision.Operator)
}

func (g *Gate) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := g.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	g.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
