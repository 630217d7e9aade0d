package proposer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/models"
)

// rulesGenerator is the deterministic fallback: a fixed mapping from
// trigger topic to a single sandboxed action with a verification claim.
// It never fails, which makes the generator chain total.
type rulesGenerator struct{}

func (g *rulesGenerator) Name() string { return "rules" }

func (g *rulesGenerator) Generate(_ context.Context, topic string, env *event.Envelope) (*models.Fix, error) {
	actionID := uuid.New().String()

	var (
		action models.Action
		title  string
		impact models.ExpectedImpact
	)

	switch {
	case topic == event.TopicPowerFailure:
		var d event.PowerFailureDetails
		_ = env.DecodeDetails(&d)
		target := d.GridID
		if target == "" {
			target = env.Sector
		}
		action = models.Action{
			ID:     actionID,
			Type:   models.ActionPowerRecovery,
			Target: target,
			Params: map[string]any{"strategy": "reroute-load", "load": d.Load},
			Verification: &models.VerificationSpec{
				Metric:        "voltage_stable",
				Threshold:     1,
				WindowSeconds: 300,
			},
		}
		title = "Power recovery for " + target
		impact = models.ExpectedImpact{AffectedArea: env.Sector}

	case strings.HasPrefix(topic, "transit."):
		var d event.TransitDisruptionDetails
		_ = env.DecodeDetails(&d)
		target := d.RouteID
		if target == "" {
			target = d.StopID
		}
		if target == "" {
			target = env.Sector
		}
		action = models.Action{
			ID:     actionID,
			Type:   models.ActionTransitReroute,
			Target: target,
			Params: map[string]any{"mode": "detour"},
			Verification: &models.VerificationSpec{
				Metric:        "delay_reduction",
				Threshold:     5,
				WindowSeconds: 300,
			},
		}
		title = "Transit reroute around " + target
		impact = models.ExpectedImpact{DelayReductionMinutes: 5, AffectedArea: env.Sector}

	case strings.HasPrefix(topic, "airspace."):
		var d event.AirspaceDetails
		_ = env.DecodeDetails(&d)
		target := d.SectorID
		if target == "" {
			target = env.Sector
		}
		action = models.Action{
			ID:     actionID,
			Type:   models.ActionAirspaceMitigation,
			Target: target,
			Params: map[string]any{"measure": "flow-restriction"},
			Verification: &models.VerificationSpec{
				Metric:        "congestion_score",
				Threshold:     0.2,
				WindowSeconds: 300,
			},
		}
		title = "Airspace mitigation in " + target

	case strings.HasPrefix(topic, "geo."):
		var d event.GeoRiskAreaDetails
		_ = env.DecodeDetails(&d)
		target := fmt.Sprintf("%.4f,%.4f", d.Lat, d.Lon)
		action = models.Action{
			ID:     actionID,
			Type:   models.ActionTrafficAdvisory,
			Target: target,
			Params: map[string]any{"radius_km": d.RadiusKm},
			Verification: &models.VerificationSpec{
				Metric:        "risk_score_delta",
				Threshold:     0.1,
				WindowSeconds: 300,
			},
		}
		title = "Traffic advisory near " + target
		impact = models.ExpectedImpact{RiskScoreDelta: -0.1, AffectedArea: env.Sector}

	default:
		return nil, fmt.Errorf("no rule for topic %s", topic)
	}

	return &models.Fix{
		Source:         models.FixSourceRules,
		Title:          title,
		Summary:        fmt.Sprintf("Rule-generated remediation for %s: %s", topic, env.Summary),
		Actions:        []models.Action{action},
		RiskLevel:      models.RiskMed,
		ExpectedImpact: impact,
	}, nil
}
