package defense

import (
	"context"
	"errors"
	"log/slog"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
)

const actuatorSource = "defense-actuator"

// Actuator executes approved defense actions. Execution means
// publishing the sandboxed advisory events; nothing real is touched. A
// per-action deployment record makes execution idempotent, with the
// same fail-closed rule as the fix actuator.
type Actuator struct {
	bus         bus.Bus
	deployments *store.DeploymentStore
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewActuator creates a defense Actuator backed by the defense
// deployment store.
func NewActuator(b bus.Bus, deployments *store.DeploymentStore, m *metrics.Metrics, logger *slog.Logger) *Actuator {
	return &Actuator{
		bus:         b,
		deployments: deployments,
		metrics:     m,
		logger:      logger.With("component", "defense-actuator"),
	}
}

// Register subscribes the actuator to approved actions.
func (a *Actuator) Register(b bus.Bus) error {
	return b.Subscribe(event.TopicActionApproved, a.handle)
}

func (a *Actuator) handle(ctx context.Context, topic string, env *event.Envelope) {
	a.metrics.EventsConsumed.WithLabelValues(topic, "defense-actuator").Inc()

	var details event.DefenseActionDetails
	if err := env.DecodeDetails(&details); err != nil {
		a.logger.Warn("Dropping defense action with bad details", "event_id", env.EventID, "error", err)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}
	action := details.DefenseAction
	if action.ActionID == "" || !action.Type.IsValid() {
		a.logger.Warn("Dropping malformed defense action",
			"event_id", env.EventID, "action_id", action.ActionID, "type", action.Type)
		a.metrics.EventsDropped.WithLabelValues(topic).Inc()
		return
	}

	claim, err := a.deployments.Claim(ctx, action.ActionID, env.CorrelationID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			a.logger.Error("Refusing defense action, record store unavailable",
				"action_id", action.ActionID, "error", err)
			return
		}
		a.logger.Error("Failed to claim defense action", "action_id", action.ActionID, "error", err)
		return
	}
	if !claim.Claimed {
		a.logger.Info("Ignoring duplicate defense action", "action_id", action.ActionID)
		return
	}

	result := a.execute(ctx, env, action)
	status := models.DeploymentSucceeded
	if !result.Success {
		status = models.DeploymentFailed
	}
	if err := a.deployments.Complete(ctx, action.ActionID, status, []models.ActionResult{result}, result.Error); err != nil {
		a.logger.Error("Failed to record defense action outcome",
			"action_id", action.ActionID, "error", err)
	}
	if !result.Success {
		a.logger.Error("Defense action failed", "action_id", action.ActionID, "error", result.Error)
		return
	}

	deployed, err := event.New(actuatorSource, event.SeverityInfo, env.Sector,
		action.Summary, event.DefenseActionDetails{
			SandboxMarkers: event.Sandboxed(),
			DefenseAction:  action,
			Status:         "deployed",
		})
	if err != nil {
		a.logger.Error("Failed to build defense.action.deployed", "action_id", action.ActionID, "error", err)
		return
	}
	if err := a.publish(ctx, event.TopicActionDeployed, deployed.WithCorrelation(env.CorrelationID)); err != nil {
		a.logger.Error("Failed to publish defense.action.deployed", "action_id", action.ActionID, "error", err)
		return
	}
	a.logger.Info("Defense action deployed",
		"action_id", action.ActionID, "threat_id", action.ThreatID, "type", action.Type)
}

// execute publishes the advisory effect for the action type.
func (a *Actuator) execute(ctx context.Context, env *event.Envelope, action models.DefenseAction) models.ActionResult {
	result := models.ActionResult{
		ActionID: action.ActionID,
		Target:   action.Target,
	}

	var (
		topic   string
		payload any
	)
	switch action.Type {
	case models.DefenseAlertLevelChange:
		level, _ := action.Params["alert_level"].(string)
		topic = event.TopicPostureChanged
		payload = event.PostureChangedDetails{
			SandboxMarkers: event.Sandboxed(),
			ThreatID:       action.ThreatID,
			ActionID:       action.ActionID,
			AlertLevel:     level,
		}
	case models.DefensePublicAdvisory, models.DefenseMonitoringBump, models.DefenseAutonomyLock:
		topic = event.TopicSystemAction
		payload = event.SystemActionDetails{
			SandboxMarkers: event.Sandboxed(),
			ActionID:       action.ActionID,
			ActionType:     string(action.Type),
			Status:         "applied",
			Target:         action.Target,
			Description:    action.Summary,
		}
	default:
		result.Error = "unknown defense action type " + string(action.Type)
		return result
	}

	effect, err := event.New(actuatorSource, event.SeverityInfo, env.Sector, action.Summary, payload)
	if err != nil {
		result.Error = "build effect event: " + err.Error()
		return result
	}
	if err := a.publish(ctx, topic, effect.WithCorrelation(env.CorrelationID)); err != nil {
		result.Error = "publish effect event: " + err.Error()
		return result
	}
	result.Success = true
	result.Detail = map[string]any{"effect_topic": topic}
	return result
}

func (a *Actuator) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := a.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	a.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
