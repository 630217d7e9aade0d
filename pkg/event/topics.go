package event

import "strings"

// Fix lifecycle topics.
const (
	TopicFixProposed          = "fix.proposed"
	TopicFixReviewRequired    = "fix.review_required"
	TopicFixApproved          = "fix.approved"
	TopicFixRejected          = "fix.rejected"
	TopicFixDeployRequested   = "fix.deploy_requested"
	TopicFixDeployStarted     = "fix.deploy_started"
	TopicFixDeploySucceeded   = "fix.deploy_succeeded"
	TopicFixDeployFailed      = "fix.deploy_failed"
	TopicFixVerified          = "fix.verified"
	TopicFixRollbackRequested = "fix.rollback_requested"
	TopicFixRollbackSucceeded = "fix.rollback_succeeded"
)

// Defense sub-chain topics.
const (
	TopicThreatDetected  = "defense.threat.detected"
	TopicThreatAssessed  = "defense.threat.assessed"
	TopicThreatEscalated = "defense.threat.escalated"
	TopicPostureChanged  = "defense.posture.changed"
	TopicActionProposed  = "defense.action.proposed"
	TopicActionApproved  = "defense.action.approved"
	TopicActionDeployed  = "defense.action.deployed"
	TopicThreatResolved  = "defense.threat.resolved"
)

// Domain trigger topics consumed by the engine.
const (
	TopicPowerFailure         = "power.failure"
	TopicRecoveryPlan         = "recovery.plan"
	TopicTransitDisruption    = "transit.disruption.risk"
	TopicTransitHotspot       = "transit.hotspot"
	TopicAirspaceConflict     = "airspace.conflict.detected"
	TopicAirspaceHotspot      = "airspace.hotspot.detected"
	TopicGeoIncident          = "geo.incident"
	TopicGeoRiskArea          = "geo.risk_area"
	TopicOperatorStatus       = "operator.status"
)

// Control-plane and sandbox emission topics.
const (
	TopicApprovalRequired = "approval.required"
	TopicApprovalDecision = "approval.decision"
	TopicAuditDecision    = "audit.decision"
	TopicSystemAction     = "system.action"

	TopicTransitMitigationApplied  = "transit.mitigation.applied"
	TopicAirspaceMitigationApplied = "airspace.mitigation.applied"
)

// IsFixTopic reports whether the topic belongs to the fix lifecycle.
// The proposer uses this for loop prevention: it never consumes fix.*.
func IsFixTopic(topic string) bool {
	return strings.HasPrefix(topic, "fix.")
}

// IsDefenseTopic reports whether the topic belongs to the defense
// sub-chain.
func IsDefenseTopic(topic string) bool {
	return strings.HasPrefix(topic, "defense.")
}

// DomainTriggerTopics lists the non-fix topics the proposer watches for
// critical events.
func DomainTriggerTopics() []string {
	return []string{
		TopicPowerFailure,
		TopicTransitDisruption,
		TopicTransitHotspot,
		TopicAirspaceConflict,
		TopicAirspaceHotspot,
		TopicGeoIncident,
		TopicGeoRiskArea,
	}
}

// DefenseInputTopics lists the non-defense topics the threat detector
// correlates across its sliding window.
func DefenseInputTopics() []string {
	return []string{
		TopicPowerFailure,
		TopicTransitDisruption,
		TopicTransitHotspot,
		TopicAirspaceConflict,
		TopicAirspaceHotspot,
		TopicGeoIncident,
		TopicGeoRiskArea,
	}
}

// AllTopics lists every canonical topic. The event recorder subscribes
// to the full set so the event log sees every bus message.
func AllTopics() []string {
	return []string{
		TopicFixProposed, TopicFixReviewRequired, TopicFixApproved, TopicFixRejected,
		TopicFixDeployRequested, TopicFixDeployStarted, TopicFixDeploySucceeded,
		TopicFixDeployFailed, TopicFixVerified, TopicFixRollbackRequested,
		TopicFixRollbackSucceeded,
		TopicThreatDetected, TopicThreatAssessed, TopicThreatEscalated,
		TopicPostureChanged, TopicActionProposed, TopicActionApproved,
		TopicActionDeployed, TopicThreatResolved,
		TopicPowerFailure, TopicRecoveryPlan, TopicTransitDisruption,
		TopicTransitHotspot, TopicAirspaceConflict, TopicAirspaceHotspot,
		TopicGeoIncident, TopicGeoRiskArea, TopicOperatorStatus,
		TopicApprovalRequired, TopicApprovalDecision, TopicAuditDecision,
		TopicSystemAction,
		TopicTransitMitigationApplied, TopicAirspaceMitigationApplied,
	}
}
