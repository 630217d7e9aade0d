package defense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
)

const verifierSource = "defense-verifier"

// indicatorRadiusKm bounds which domain events count as indicators of a
// threat during verification; matches the dedup radius scale.
const indicatorRadiusKm = 5.0

// Verifier watches a threat for the verification window after its
// actions deploy. If the indicator events around the threat's location
// go quiet, the threat is resolved; otherwise an escalation is
// suggested. The wake time is persisted like the fix verifier's.
type Verifier struct {
	bus           bus.Bus
	verifications *store.VerificationStore
	log           *store.EventLog
	cfg           config.DefenseConfig
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewVerifier creates a defense Verifier backed by the defense
// verification store.
func NewVerifier(b bus.Bus, verifications *store.VerificationStore, log *store.EventLog, cfg config.DefenseConfig, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		bus:           b,
		verifications: verifications,
		log:           log,
		cfg:           cfg,
		metrics:       m,
		logger:        logger.With("component", "defense-verifier"),
	}
}

// Register subscribes the verifier to deployed defense actions.
func (v *Verifier) Register(b bus.Bus) error {
	return b.Subscribe(event.TopicActionDeployed, v.handleDeployed)
}

func (v *Verifier) handleDeployed(ctx context.Context, topic string, env *event.Envelope) {
	v.metrics.EventsConsumed.WithLabelValues(topic, "defense-verifier").Inc()

	var details event.DefenseActionDetails
	if err := env.DecodeDetails(&details); err != nil {
		v.logger.Warn("Dropping deployed action with bad details", "event_id", env.EventID, "error", err)
		v.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	threatID := details.ThreatID
	if threatID == "" {
		v.logger.Warn("Dropping deployed action without threat_id", "event_id", env.EventID)
		v.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	// One observation window per threat; further deployed actions for
	// the same threat reset the wake time, which only widens the watch.
	wakeAt := time.Now().UTC().Add(v.cfg.VerificationWindow)
	if err := v.verifications.Start(ctx, threatID, env.CorrelationID, wakeAt); err != nil {
		v.logger.Error("Failed to open threat verification", "threat_id", threatID, "error", err)
		return
	}
	v.logger.Info("Threat observation started",
		"threat_id", threatID, "wake_at", wakeAt.Format(time.RFC3339))
}

// Run drives the wake scheduler until the context is canceled.
func (v *Verifier) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.VerificationWindow / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweep(ctx)
		}
	}
}

func (v *Verifier) sweep(ctx context.Context) {
	pending, err := v.verifications.PendingInProgress(ctx)
	if err != nil {
		v.logger.Error("Failed to scan pending threat verifications", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range pending {
		if rec.WakeAt.After(now) {
			return
		}
		v.decide(ctx, rec)
	}
}

func (v *Verifier) decide(ctx context.Context, rec models.VerificationRecord) {
	threat, err := v.loadThreat(ctx, rec.Key)
	if err != nil {
		v.logger.Error("Failed to load threat for verification", "threat_id", rec.Key, "error", err)
		return
	}
	if threat == nil {
		v.completeSkipped(ctx, rec.Key, "threat.detected event not found in log")
		return
	}

	count, err := v.countIndicators(ctx, threat, rec.StartedAt, rec.WakeAt)
	if err != nil {
		v.logger.Error("Failed to count threat indicators", "threat_id", rec.Key, "error", err)
		return
	}

	result := models.ActionVerification{
		Metric:  "threat_indicators",
		Actual:  float64(count),
		Passed:  count == 0,
		Samples: count,
	}
	measured := map[string]float64{"threat_indicators": float64(count)}

	if count == 0 {
		v.resolve(ctx, rec, threat, result, measured)
		return
	}
	v.escalate(ctx, rec, threat, count, result, measured)
}

func (v *Verifier) resolve(ctx context.Context, rec models.VerificationRecord, threat *models.Threat, result models.ActionVerification, measured map[string]float64) {
	if err := v.verifications.Complete(ctx, rec.Key, models.VerificationVerified,
		[]models.ActionVerification{result}, measured); err != nil {
		v.logger.Error("Failed to record threat resolution", "threat_id", rec.Key, "error", err)
	}

	out, err := event.New(verifierSource, event.SeverityInfo, "",
		"threat resolved: "+threat.Summary, event.ThreatResolvedDetails{
			ThreatID:   rec.Key,
			Outcome:    "resolved",
			Summary:    "no further indicators observed in the verification window",
			Indicators: 0,
		})
	if err != nil {
		v.logger.Error("Failed to build defense.threat.resolved", "threat_id", rec.Key, "error", err)
		return
	}
	if err := v.publish(ctx, event.TopicThreatResolved, out.WithCorrelation(rec.CorrelationID)); err != nil {
		v.logger.Error("Failed to publish defense.threat.resolved", "threat_id", rec.Key, "error", err)
		return
	}
	v.metrics.VerificationOutcomes.WithLabelValues("threat_resolved").Inc()
	v.logger.Info("Threat resolved", "threat_id", rec.Key)
}

func (v *Verifier) escalate(ctx context.Context, rec models.VerificationRecord, threat *models.Threat, count int, result models.ActionVerification, measured map[string]float64) {
	if err := v.verifications.Complete(ctx, rec.Key, models.VerificationFailed,
		[]models.ActionVerification{result}, measured); err != nil {
		v.logger.Error("Failed to record threat escalation", "threat_id", rec.Key, "error", err)
	}

	escalated := *threat
	escalated.Severity = raiseSeverity(threat.Severity)
	escalated.Summary = fmt.Sprintf("%s (escalated: %d indicators during verification)", threat.Summary, count)

	out, err := event.New(verifierSource, threatSeverity(escalated.Severity), "",
		escalated.Summary, event.ThreatDetails{Threat: escalated})
	if err != nil {
		v.logger.Error("Failed to build defense.threat.escalated", "threat_id", rec.Key, "error", err)
		return
	}
	if err := v.publish(ctx, event.TopicThreatEscalated, out.WithCorrelation(rec.CorrelationID)); err != nil {
		v.logger.Error("Failed to publish defense.threat.escalated", "threat_id", rec.Key, "error", err)
		return
	}
	v.metrics.VerificationOutcomes.WithLabelValues("threat_escalated").Inc()
	v.logger.Warn("Threat escalation suggested", "threat_id", rec.Key, "indicators", count)
}

func (v *Verifier) completeSkipped(ctx context.Context, threatID, reason string) {
	err := v.verifications.Complete(ctx, threatID, models.VerificationSkipped,
		[]models.ActionVerification{{Skipped: true, Reason: reason}}, nil)
	if err != nil {
		v.logger.Error("Failed to record skipped threat verification", "threat_id", threatID, "error", err)
	}
	v.logger.Warn("Threat verification skipped", "threat_id", threatID, "reason", reason)
}

func (v *Verifier) loadThreat(ctx context.Context, threatID string) (*models.Threat, error) {
	events, err := v.log.QueryWindow(ctx, store.WindowQuery{
		Topics:       []string{event.TopicThreatDetected},
		DetailField:  "threat_id",
		DetailEquals: threatID,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	var details event.ThreatDetails
	if err := events[len(events)-1].Envelope.DecodeDetails(&details); err != nil {
		return nil, err
	}
	return &details.Threat, nil
}

// countIndicators counts domain events near the threat's location
// inside the observation window.
func (v *Verifier) countIndicators(ctx context.Context, threat *models.Threat, from, to time.Time) (int, error) {
	events, err := v.log.QueryWindow(ctx, store.WindowQuery{
		Topics: event.DefenseInputTopics(),
		From:   from,
		To:     to,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range events {
		var probe event.GeoPoint
		if err := events[i].Envelope.DecodeDetails(&probe); err != nil {
			continue
		}
		if probe.Lat == 0 && probe.Lon == 0 {
			continue
		}
		if haversineKm(threat.Lat, threat.Lon, probe.Lat, probe.Lon) <= indicatorRadiusKm {
			count++
		}
	}
	return count, nil
}

func raiseSeverity(s models.ThreatSeverity) models.ThreatSeverity {
	switch s {
	case models.ThreatSeverityLow:
		return models.ThreatSeverityMed
	case models.ThreatSeverityMed:
		return models.ThreatSeverityHigh
	default:
		return models.ThreatSeverityCritical
	}
}

func (v *Verifier) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := v.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	v.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
