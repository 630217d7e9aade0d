package actuator

import (
	"context"
	"fmt"

	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/models"
)

// executeAction runs one sandboxed action: it publishes the
// simulation-marked effect event for the action type and reports the
// result. Unknown action types are a hard failure; the closed set is
// the contract with every downstream consumer.
func (a *Actuator) executeAction(ctx context.Context, fixID, sector string, correlationID string, action models.Action) models.ActionResult {
	result := models.ActionResult{
		ActionID: action.ID,
		Type:     action.Type,
		Target:   action.Target,
	}

	topic, details, err := actionEffect(fixID, action)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	env, err := event.New(source, event.SeverityInfo, sector,
		fmt.Sprintf("sandboxed %s applied to %s", action.Type, action.Target), details)
	if err != nil {
		result.Error = fmt.Sprintf("build effect event: %v", err)
		return result
	}
	if err := a.publish(ctx, topic, env.WithCorrelation(correlationID)); err != nil {
		result.Error = fmt.Sprintf("publish effect event: %v", err)
		return result
	}

	result.Success = true
	result.Detail = map[string]any{"effect_topic": topic}
	return result
}

// actionEffect maps an action type to its effect topic and payload. All
// payloads embed the sandbox markers.
func actionEffect(fixID string, action models.Action) (string, any, error) {
	switch action.Type {
	case models.ActionTransitReroute:
		return event.TopicTransitMitigationApplied, event.MitigationAppliedDetails{
			SandboxMarkers: event.Sandboxed(),
			FixID:          fixID,
			ActionID:       action.ID,
			ActionType:     string(action.Type),
			Target:         action.Target,
			Params:         action.Params,
		}, nil

	case models.ActionAirspaceMitigation:
		return event.TopicAirspaceMitigationApplied, event.MitigationAppliedDetails{
			SandboxMarkers: event.Sandboxed(),
			FixID:          fixID,
			ActionID:       action.ID,
			ActionType:     string(action.Type),
			Target:         action.Target,
			Params:         action.Params,
		}, nil

	case models.ActionTrafficAdvisory, models.ActionPowerRecovery:
		return event.TopicSystemAction, event.SystemActionDetails{
			SandboxMarkers: event.Sandboxed(),
			ActionID:       action.ID,
			FixID:          fixID,
			ActionType:     string(action.Type),
			Status:         "applied",
			Target:         action.Target,
			Description:    fmt.Sprintf("simulated %s on %s", action.Type, action.Target),
		}, nil

	default:
		return "", nil, fmt.Errorf("unknown action type %q", action.Type)
	}
}
