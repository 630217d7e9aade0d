package defense

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
)

const assessorSource = "threat-assessor"

// assessedCacheSize bounds the seen-event cache. Action IDs are minted
// per assessment, so a redelivered detection must be dropped here or
// the same threat grows a second action set.
const assessedCacheSize = 4096

// Reasoner produces a free-text assessment of a threat. The LLM-backed
// implementation is optional; without one the assessor falls back to a
// deterministic summary.
type Reasoner interface {
	Assess(ctx context.Context, t models.Threat) (string, error)
}

// Assessor consumes defense.threat.detected, enriches the threat and
// proposes informational actions. Since every defense action is
// advisory and sandboxed, proposals are approved immediately; the
// approval topic exists so an operator console can veto before the
// actuator picks the action up.
type Assessor struct {
	bus      bus.Bus
	reasoner Reasoner
	metrics  *metrics.Metrics
	logger   *slog.Logger
	seen     *lru.Cache[string, struct{}]
}

// NewAssessor creates an Assessor. reasoner may be nil.
func NewAssessor(b bus.Bus, reasoner Reasoner, m *metrics.Metrics, logger *slog.Logger) (*Assessor, error) {
	seen, err := lru.New[string, struct{}](assessedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create assessed-event cache: %w", err)
	}
	return &Assessor{
		bus:      b,
		reasoner: reasoner,
		metrics:  m,
		logger:   logger.With("component", "threat-assessor"),
		seen:     seen,
	}, nil
}

// NewReasoner builds the LLM-backed Reasoner from config, or nil when
// no API key is configured.
func NewReasoner(cfg config.LLMConfig) Reasoner {
	key := cfg.APIKeys[config.ProviderAnthropic]
	if key == "" {
		return nil
	}
	return &anthropicReasoner{
		client:  anthropic.NewClient(option.WithAPIKey(key)),
		model:   cfg.Model,
		timeout: cfg.RequestTimeout,
	}
}

// Register subscribes the assessor to detections.
func (a *Assessor) Register(b bus.Bus) error {
	return b.Subscribe(event.TopicThreatDetected, a.handle)
}

func (a *Assessor) handle(ctx context.Context, topic string, env *event.Envelope) {
	a.metrics.EventsConsumed.WithLabelValues(topic, "threat-assessor").Inc()

	// At-least-once delivery: a redelivered detection is a no-op.
	if dup, _ := a.seen.ContainsOrAdd(env.EventID, struct{}{}); dup {
		return
	}

	var details event.ThreatDetails
	if err := env.DecodeDetails(&details); err != nil {
		a.logger.Warn("Dropping threat with bad details", "event_id", env.EventID, "error", err)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	threat := details.Threat
	if threat.ThreatID == "" {
		a.logger.Warn("Dropping threat without threat_id", "event_id", env.EventID)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	assessment := a.assess(ctx, threat)
	actions := proposeActions(threat)

	assessed, err := event.New(assessorSource, env.Severity, env.Sector,
		"threat assessed: "+threat.Summary, event.ThreatAssessedDetails{
			Threat:          threat,
			Assessment:      assessment,
			ProposedActions: actions,
		})
	if err != nil {
		a.logger.Error("Failed to build defense.threat.assessed", "threat_id", threat.ThreatID, "error", err)
		return
	}
	if err := a.publish(ctx, event.TopicThreatAssessed, assessed.WithCorrelation(env.CorrelationID)); err != nil {
		a.logger.Error("Failed to publish defense.threat.assessed", "threat_id", threat.ThreatID, "error", err)
		return
	}

	for _, action := range actions {
		for _, step := range []string{event.TopicActionProposed, event.TopicActionApproved} {
			out, err := event.New(assessorSource, event.SeverityInfo, env.Sector,
				action.Summary, event.DefenseActionDetails{
					SandboxMarkers: event.Sandboxed(),
					DefenseAction:  action,
					Status:         statusFor(step),
				})
			if err != nil {
				a.logger.Error("Failed to build defense action event",
					"action_id", action.ActionID, "topic", step, "error", err)
				break
			}
			if err := a.publish(ctx, step, out.WithCorrelation(env.CorrelationID)); err != nil {
				a.logger.Error("Failed to publish defense action event",
					"action_id", action.ActionID, "topic", step, "error", err)
				break
			}
		}
	}

	a.logger.Info("Threat assessed",
		"threat_id", threat.ThreatID, "actions", len(actions))
}

func statusFor(topic string) string {
	if topic == event.TopicActionApproved {
		return "approved"
	}
	return "proposed"
}

func (a *Assessor) assess(ctx context.Context, t models.Threat) string {
	if a.reasoner != nil {
		text, err := a.reasoner.Assess(ctx, t)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			a.logger.Warn("Reasoner failed, using deterministic assessment",
				"threat_id", t.ThreatID, "error", err)
		}
	}
	return fmt.Sprintf("%s threat (%s severity, confidence %.2f): %s",
		t.Type, t.Severity, t.ConfidenceScore, t.Summary)
}

// proposeActions derives the informational action set from the threat.
func proposeActions(t models.Threat) []models.DefenseAction {
	target := fmt.Sprintf("%.4f,%.4f", t.Lat, t.Lon)
	mk := func(kind models.DefenseActionType, summary string, params map[string]any) models.DefenseAction {
		return models.DefenseAction{
			ActionID: uuid.New().String(),
			ThreatID: t.ThreatID,
			Type:     kind,
			Target:   target,
			Params:   params,
			Summary:  summary,
		}
	}

	actions := []models.DefenseAction{
		mk(models.DefenseMonitoringBump, "increase monitoring rate near "+target,
			map[string]any{"factor": 2}),
	}
	if t.Severity == models.ThreatSeverityHigh || t.Severity == models.ThreatSeverityCritical {
		actions = append(actions, mk(models.DefenseAlertLevelChange, "raise alert level",
			map[string]any{"alert_level": string(t.Severity)}))
	}
	if t.Type == models.ThreatEnvironmental || t.Type == models.ThreatCivil {
		actions = append(actions, mk(models.DefensePublicAdvisory, "issue public advisory",
			map[string]any{"disclaimer": models.DefenseDisclaimer}))
	}
	if t.Severity == models.ThreatSeverityCritical {
		actions = append(actions, mk(models.DefenseAutonomyLock, "lock autonomy to NORMAL pending review", nil))
	}
	return actions
}

func (a *Assessor) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := a.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	a.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}

// anthropicReasoner asks the Messages API for a short operator-facing
// assessment. Plain text, no structured contract; anything goes wrong
// and the caller falls back.
type anthropicReasoner struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

func (r *anthropicReasoner) Assess(ctx context.Context, t models.Threat) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Summarize this detected threat for a crisis-operations console in at most three sentences. "+
			"Be factual; do not propose actions.\n\ntype: %s\nseverity: %s\nconfidence: %.2f\nsummary: %s\nsources: %s",
		t.Type, t.Severity, t.ConfidenceScore, t.Summary, strings.Join(t.Sources, ", "))

	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
