// Package verifier checks deployed fixes against their verification
// claims. Each fix.deploy_succeeded opens a verification record whose
// wake time is persisted in Postgres, so a restart resumes pending
// verifications instead of losing them. When the window elapses the
// verifier recomputes the claimed metric from the event log and
// publishes fix.verified or fix.rollback_requested.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
)

// source tags envelopes emitted by the verifier.
const source = "fix-verifier"

// Verifier consumes fix.deploy_succeeded and schedules metric checks.
type Verifier struct {
	bus           bus.Bus
	verifications *store.VerificationStore
	log           *store.EventLog
	cfg           config.VerifierConfig
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New creates a Verifier backed by the fix verification store.
func New(b bus.Bus, verifications *store.VerificationStore, log *store.EventLog, cfg config.VerifierConfig, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		bus:           b,
		verifications: verifications,
		log:           log,
		cfg:           cfg,
		metrics:       m,
		logger:        logger.With("component", "verifier"),
	}
}

// Register subscribes the verifier to deployment outcomes.
func (v *Verifier) Register(b bus.Bus) error {
	return b.Subscribe(event.TopicFixDeploySucceeded, v.handleDeploySucceeded)
}

func (v *Verifier) handleDeploySucceeded(ctx context.Context, topic string, env *event.Envelope) {
	v.metrics.EventsConsumed.WithLabelValues(topic, "verifier").Inc()

	var details event.DeployStatusDetails
	if err := env.DecodeDetails(&details); err != nil {
		v.logger.Warn("Dropping deploy_succeeded with bad details", "event_id", env.EventID, "error", err)
		v.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	if details.FixID == "" {
		v.logger.Warn("Dropping deploy_succeeded without fix_id", "event_id", env.EventID)
		v.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	deployedAt := details.DeployedAt.Time
	if deployedAt.IsZero() {
		deployedAt = env.Timestamp.Time
	}
	wakeAt := deployedAt.Add(v.longestWindow(details.Actions))

	if err := v.verifications.Start(ctx, details.FixID, env.CorrelationID, wakeAt); err != nil {
		v.logger.Error("Failed to open verification record",
			"fix_id", details.FixID, "error", err)
		return
	}
	v.logger.Info("Verification scheduled",
		"fix_id", details.FixID, "wake_at", wakeAt.UTC().Format(time.RFC3339))
}

// longestWindow returns the widest verification window among the fix's
// actions; actions without a spec don't extend it. A fix with no
// verifiable actions wakes immediately and verifies trivially.
func (v *Verifier) longestWindow(actions []models.Action) time.Duration {
	var longest time.Duration
	for _, a := range actions {
		if a.Verification == nil {
			continue
		}
		w := time.Duration(a.Verification.WindowSeconds) * time.Second
		if w <= 0 {
			w = v.cfg.DefaultWindow
		}
		if w > longest {
			longest = w
		}
	}
	return longest
}

// verify runs the metric checks for one due verification record. The
// fix's actions are recovered from the logged deploy_succeeded event,
// which also makes resumption after a restart self-contained.
func (v *Verifier) verify(ctx context.Context, rec models.VerificationRecord) {
	stored, err := v.latestDeploySucceeded(ctx, rec.Key)
	if err != nil {
		v.logger.Error("Failed to load deployment for verification", "fix_id", rec.Key, "error", err)
		return
	}
	if stored == nil {
		// The record was opened but the deploy event never reached the
		// log. Nothing to measure against.
		v.completeSkipped(ctx, rec.Key, "deploy_succeeded event not found in log")
		return
	}

	var details event.DeployStatusDetails
	if err := stored.Envelope.DecodeDetails(&details); err != nil {
		v.completeSkipped(ctx, rec.Key, fmt.Sprintf("undecodable deploy event: %v", err))
		return
	}
	deployedAt := details.DeployedAt.Time
	if deployedAt.IsZero() {
		deployedAt = stored.Envelope.Timestamp.Time
	}

	var (
		results  []models.ActionVerification
		measured = map[string]float64{}
		failed   []models.ActionVerification
	)
	for _, action := range details.Actions {
		if action.Verification == nil {
			results = append(results, models.ActionVerification{
				ActionID: action.ID,
				Skipped:  true,
				Reason:   "no verification spec",
			})
			continue
		}
		res := v.checkAction(ctx, action, deployedAt)
		results = append(results, res)
		if !res.Skipped {
			measured[res.Metric] = res.Actual
		}
		if !res.Passed && !res.Skipped {
			failed = append(failed, res)
		}
	}

	if len(failed) > 0 {
		v.fail(ctx, rec, stored.Envelope, details, results, measured, failed)
		return
	}
	v.pass(ctx, rec, stored.Envelope, results, measured)
}

func (v *Verifier) pass(ctx context.Context, rec models.VerificationRecord, orig event.Envelope, results []models.ActionVerification, measured map[string]float64) {
	if err := v.verifications.Complete(ctx, rec.Key, models.VerificationVerified, results, measured); err != nil {
		v.logger.Error("Failed to record verification outcome", "fix_id", rec.Key, "error", err)
	}

	out, err := event.New(source, event.SeverityInfo, orig.Sector,
		"fix verified: "+rec.Key, event.VerifiedDetails{
			FixID:   rec.Key,
			Results: results,
			Metrics: measured,
		})
	if err != nil {
		v.logger.Error("Failed to build fix.verified", "fix_id", rec.Key, "error", err)
		return
	}
	if err := v.publish(ctx, event.TopicFixVerified, out.WithCorrelation(rec.CorrelationID)); err != nil {
		v.logger.Error("Failed to publish fix.verified", "fix_id", rec.Key, "error", err)
		return
	}
	v.metrics.FixTransitions.WithLabelValues("verified").Inc()
	v.metrics.VerificationOutcomes.WithLabelValues("verified").Inc()
	v.logger.Info("Fix verified", "fix_id", rec.Key, "checks", len(results))
}

func (v *Verifier) fail(ctx context.Context, rec models.VerificationRecord, orig event.Envelope, details event.DeployStatusDetails, results []models.ActionVerification, measured map[string]float64, failed []models.ActionVerification) {
	if err := v.verifications.Complete(ctx, rec.Key, models.VerificationFailed, results, measured); err != nil {
		v.logger.Error("Failed to record verification outcome", "fix_id", rec.Key, "error", err)
	}

	rollback := synthesizeRollback(details.Actions, failed[0])
	reason := fmt.Sprintf("metric %s measured %.3f, threshold %.3f",
		failed[0].Metric, failed[0].Actual, failed[0].Threshold)

	out, err := event.New(source, event.SeverityWarning, orig.Sector,
		"verification failed for "+rec.Key, event.RollbackRequestedDetails{
			FixID:          rec.Key,
			Reason:         reason,
			FailedResults:  failed,
			RollbackAction: rollback,
		})
	if err != nil {
		v.logger.Error("Failed to build fix.rollback_requested", "fix_id", rec.Key, "error", err)
		return
	}
	if err := v.publish(ctx, event.TopicFixRollbackRequested, out.WithCorrelation(rec.CorrelationID)); err != nil {
		v.logger.Error("Failed to publish fix.rollback_requested", "fix_id", rec.Key, "error", err)
		return
	}
	v.metrics.FixTransitions.WithLabelValues("rollback_requested").Inc()
	v.metrics.VerificationOutcomes.WithLabelValues("failed").Inc()
	v.logger.Warn("Fix failed verification", "fix_id", rec.Key, "reason", reason)
}

func (v *Verifier) completeSkipped(ctx context.Context, fixID, reason string) {
	err := v.verifications.Complete(ctx, fixID, models.VerificationSkipped,
		[]models.ActionVerification{{Skipped: true, Reason: reason}}, nil)
	if err != nil {
		v.logger.Error("Failed to record skipped verification", "fix_id", fixID, "error", err)
	}
	v.metrics.VerificationOutcomes.WithLabelValues("skipped").Inc()
	v.logger.Warn("Verification skipped", "fix_id", fixID, "reason", reason)
}

// synthesizeRollback builds the compensating action for a failed check.
// The rollback targets the same selector as the original action.
func synthesizeRollback(actions []models.Action, failed models.ActionVerification) models.Action {
	for _, a := range actions {
		if a.ID == failed.ActionID {
			return models.Action{
				ID:     uuid.New().String(),
				Type:   a.Type,
				Target: a.Target,
				Params: map[string]any{"rollback_of": a.ID},
			}
		}
	}
	// Failed result without a matching action should not happen; emit a
	// rollback shell so the actuator still records the attempt.
	return models.Action{ID: uuid.New().String(), Params: map[string]any{"rollback_of": failed.ActionID}}
}

func (v *Verifier) latestDeploySucceeded(ctx context.Context, fixID string) (*store.StoredEvent, error) {
	events, err := v.log.QueryWindow(ctx, store.WindowQuery{
		Topics:       []string{event.TopicFixDeploySucceeded},
		DetailField:  "fix_id",
		DetailEquals: fixID,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[len(events)-1], nil
}

func (v *Verifier) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := v.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	v.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
