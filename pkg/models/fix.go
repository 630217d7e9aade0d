// Package models defines the core domain entities: fixes, actions,
// threats, and the deployment/verification records that track their
// lifecycle.
package models

import (
	"fmt"
	"time"
)

// RiskLevel classifies how risky a proposed fix is. Together with the
// current autonomy level it decides whether a human must approve.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskMed  RiskLevel = "med"
	RiskHigh RiskLevel = "high"
)

// IsValid checks whether the risk level is one of the known values.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMed, RiskHigh:
		return true
	default:
		return false
	}
}

// ActionType enumerates the closed set of sandboxed action types the
// actuator knows how to execute. Anything else is a business-invariant
// violation and fails the deployment.
type ActionType string

const (
	ActionTransitReroute     ActionType = "transit-reroute-sim"
	ActionTrafficAdvisory    ActionType = "traffic-advisory-sim"
	ActionAirspaceMitigation ActionType = "airspace-mitigation-sim"
	ActionPowerRecovery      ActionType = "power-recovery-sim"
)

// IsValid checks whether the action type belongs to the closed set.
func (t ActionType) IsValid() bool {
	switch t {
	case ActionTransitReroute, ActionTrafficAdvisory, ActionAirspaceMitigation, ActionPowerRecovery:
		return true
	default:
		return false
	}
}

// VerificationSpec is the claim attached to an action: after deployment,
// the named metric must clear the threshold within the window. Actions
// without a spec are not independently verifiable and are skipped.
type VerificationSpec struct {
	Metric        string  `json:"metric" validate:"required"`
	Threshold     float64 `json:"threshold"`
	WindowSeconds int     `json:"window_seconds" validate:"gt=0"`
}

// Action is a typed, targeted, parameterized side effect. Every action is
// sandboxed: executing it publishes simulation-marked events and never
// touches a real system.
type Action struct {
	ID           string            `json:"action_id"`
	Type         ActionType        `json:"type" validate:"required"`
	Target       string            `json:"target" validate:"required"`
	Params       map[string]any    `json:"params,omitempty"`
	Verification *VerificationSpec `json:"verification,omitempty"`
}

// ExpectedImpact is the structured claim a proposer makes about what the
// fix will improve.
type ExpectedImpact struct {
	DelayReductionMinutes float64 `json:"delay_reduction_minutes,omitempty"`
	RiskScoreDelta        float64 `json:"risk_score_delta,omitempty"`
	AffectedArea          string  `json:"affected_area,omitempty"`
}

// FixSource identifies which proposer generated a fix.
type FixSource string

const (
	FixSourceRules     FixSource = "rules"
	FixSourceAnthropic FixSource = "anthropic"
)

// Fix is the central entity of the pipeline: a proposed remediation with
// one or more sandboxed actions and a verification claim. The FixID is
// the idempotency key for the entire lifecycle.
type Fix struct {
	FixID                 string         `json:"fix_id" validate:"required"`
	CorrelationID         string         `json:"correlation_id,omitempty"`
	Source                FixSource      `json:"source"`
	Title                 string         `json:"title" validate:"required"`
	Summary               string         `json:"summary"`
	Actions               []Action       `json:"actions" validate:"required,min=1,dive"`
	RiskLevel             RiskLevel      `json:"risk_level" validate:"required"`
	ExpectedImpact        ExpectedImpact `json:"expected_impact"`
	RequiresHumanApproval bool           `json:"requires_human_approval"`

	ProposedAt     time.Time `json:"proposed_at,omitzero"`
	ApprovedAt     time.Time `json:"approved_at,omitzero"`
	ApprovedBy     string    `json:"approved_by,omitempty"`
	DeployedBy     string    `json:"deployed_by,omitempty"`
	ReviewNotes    string    `json:"review_notes,omitempty"`
	RollbackReason string    `json:"rollback_reason,omitempty"`
}

// Validate checks structural invariants that the validator tags cannot
// express.
func (f *Fix) Validate() error {
	if !f.RiskLevel.IsValid() {
		return fmt.Errorf("invalid risk_level %q", f.RiskLevel)
	}
	for i, a := range f.Actions {
		if !a.Type.IsValid() {
			return fmt.Errorf("action %d: unknown action type %q", i, a.Type)
		}
	}
	return nil
}
