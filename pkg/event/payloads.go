package event

import (
	"github.com/crisisops/fixengine/pkg/models"
)

// SandboxMarkers must be embedded in the details of every event that
// purports to affect the outside world. The engine never emits an
// action-effect event without both markers set.
type SandboxMarkers struct {
	SimulationMode bool `json:"simulation_mode"`
	SandboxOnly    bool `json:"sandbox_only"`
}

// Sandboxed returns the mandatory marker pair.
func Sandboxed() SandboxMarkers {
	return SandboxMarkers{SimulationMode: true, SandboxOnly: true}
}

// ───────────────────────── fix lifecycle ─────────────────────────

// FixDetails is the payload of fix.proposed, fix.review_required,
// fix.approved, fix.rejected and fix.deploy_requested. The proposed and
// review_required emissions carry identical details.
type FixDetails struct {
	models.Fix
}

// DeployStatusDetails is the payload of fix.deploy_started,
// fix.deploy_succeeded, fix.deploy_failed and fix.rollback_succeeded.
type DeployStatusDetails struct {
	FixID      string                `json:"fix_id"`
	Status     string                `json:"status"`
	Actions    []models.Action       `json:"actions,omitempty"`
	Results    []models.ActionResult `json:"results,omitempty"`
	Error      string                `json:"error,omitempty"`
	DeployedAt Timestamp             `json:"deployed_at,omitzero"`
}

// VerifiedDetails is the payload of fix.verified.
type VerifiedDetails struct {
	FixID   string                      `json:"fix_id"`
	Results []models.ActionVerification `json:"results"`
	Metrics map[string]float64          `json:"metrics,omitempty"`
}

// RollbackRequestedDetails is the payload of fix.rollback_requested.
// The rollback action targets the same selector as the original action
// that failed verification.
type RollbackRequestedDetails struct {
	FixID          string                      `json:"fix_id"`
	Reason         string                      `json:"reason"`
	FailedResults  []models.ActionVerification `json:"failed_results,omitempty"`
	RollbackAction models.Action               `json:"rollback_action"`
}

// ───────────────────────── control plane ─────────────────────────

// ApprovalDecisionDetails is the control-plane payload on
// approval.decision, fed by the ops API's approve/reject endpoints.
type ApprovalDecisionDetails struct {
	FixID    string `json:"fix_id"`
	Approved bool   `json:"approved"`
	Operator string `json:"operator"`
	Notes    string `json:"notes,omitempty"`
}

// ApprovalRequiredDetails is published by the autonomy router in NORMAL
// mode for recovery plans awaiting a human decision.
type ApprovalRequiredDetails struct {
	PlanID    string    `json:"plan_id"`
	Summary   string    `json:"summary"`
	ExpiresAt Timestamp `json:"expires_at"`
}

// AuditDecisionDetails is published by the autonomy router when a plan
// is executed without a human in the loop.
type AuditDecisionDetails struct {
	DecisionID string `json:"decision_id"`
	PlanID     string `json:"plan_id"`
	Type       string `json:"type"`    // "automated"
	Outcome    string `json:"outcome"` // "pending"
}

// SystemActionDetails is the payload of system.action, used both by the
// autonomy router (status=executing) and by the power-recovery action
// handler (sandboxed simulation marker).
type SystemActionDetails struct {
	SandboxMarkers
	ActionID    string `json:"action_id,omitempty"`
	FixID       string `json:"fix_id,omitempty"`
	PlanID      string `json:"plan_id,omitempty"`
	ActionType  string `json:"action_type,omitempty"`
	Status      string `json:"status"`
	Target      string `json:"target,omitempty"`
	Description string `json:"description,omitempty"`
}

// OperatorStatusDetails carries autonomy level changes on operator.status.
type OperatorStatusDetails struct {
	AutonomyLevel string `json:"autonomy_level"`
	Operator      string `json:"operator,omitempty"`
}

// RecoveryPlanDetails is the payload of recovery.plan.
type RecoveryPlanDetails struct {
	PlanID  string   `json:"plan_id"`
	Sector  string   `json:"sector,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Steps   []string `json:"steps,omitempty"`
}

// ───────────────────────── domain triggers ─────────────────────────

// GeoPoint is the location carried by domain events; the threat
// detector buckets events spatially by it.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PowerFailureDetails is the payload of power.failure.
type PowerFailureDetails struct {
	GeoPoint
	GridID  string  `json:"grid_id,omitempty"`
	Voltage float64 `json:"voltage"`
	Load    float64 `json:"load"`
}

// TransitDisruptionDetails is the payload of transit.disruption.risk
// and transit.hotspot. Delay is in minutes; some producers report
// average_delay_minutes instead, so the verifier accepts either.
type TransitDisruptionDetails struct {
	GeoPoint
	RouteID             string  `json:"route_id,omitempty"`
	StopID              string  `json:"stop_id,omitempty"`
	Delay               float64 `json:"delay,omitempty"`
	AverageDelayMinutes float64 `json:"average_delay_minutes,omitempty"`
	RiskScore           float64 `json:"risk_score,omitempty"`
}

// GeoRiskAreaDetails is the payload of geo.risk_area and geo.incident.
type GeoRiskAreaDetails struct {
	GeoPoint
	RiskScore float64 `json:"risk_score"`
	Kind      string  `json:"kind,omitempty"`
	RadiusKm  float64 `json:"radius_km,omitempty"`
}

// AirspaceDetails is the payload of airspace.conflict.detected and
// airspace.hotspot.detected.
type AirspaceDetails struct {
	GeoPoint
	SectorID string   `json:"sector_id,omitempty"`
	Flights  []string `json:"flights,omitempty"`
	Score    float64  `json:"score,omitempty"`
}

// MitigationAppliedDetails is the sandboxed emission of transit and
// airspace action handlers on *.mitigation.applied.
type MitigationAppliedDetails struct {
	SandboxMarkers
	FixID      string         `json:"fix_id"`
	ActionID   string         `json:"action_id"`
	ActionType string         `json:"action_type"`
	Target     string         `json:"target"`
	Params     map[string]any `json:"params,omitempty"`
}

// ───────────────────────── defense ─────────────────────────

// ThreatDetails is the payload of defense.threat.detected and
// defense.threat.escalated.
type ThreatDetails struct {
	models.Threat
}

// ThreatAssessedDetails is the payload of defense.threat.assessed.
type ThreatAssessedDetails struct {
	models.Threat
	Assessment      string                 `json:"assessment"`
	ProposedActions []models.DefenseAction `json:"proposed_actions"`
}

// DefenseActionDetails is the payload of defense.action.proposed,
// defense.action.approved and defense.action.deployed. Deployed
// emissions carry the sandbox markers.
type DefenseActionDetails struct {
	SandboxMarkers
	models.DefenseAction
	Status string `json:"status,omitempty"`
}

// ThreatResolvedDetails is the payload of defense.threat.resolved.
type ThreatResolvedDetails struct {
	ThreatID   string `json:"threat_id"`
	Outcome    string `json:"outcome"` // "resolved" or "escalation_suggested"
	Summary    string `json:"summary,omitempty"`
	Indicators int    `json:"indicators_in_window"`
}

// PostureChangedDetails is the payload of defense.posture.changed.
type PostureChangedDetails struct {
	SandboxMarkers
	ThreatID   string `json:"threat_id"`
	ActionID   string `json:"action_id"`
	AlertLevel string `json:"alert_level"`
}
