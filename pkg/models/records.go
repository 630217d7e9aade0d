package models

import "time"

// DeploymentStatus is the lifecycle state of a deployment record.
type DeploymentStatus string

const (
	DeploymentStarted   DeploymentStatus = "started"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
)

// VerificationStatus is the lifecycle state of a verification record.
type VerificationStatus string

const (
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
	VerificationSkipped    VerificationStatus = "skipped"
)

// TimelineEntry is one append-only provenance entry on a deployment or
// verification record. Entries are never updated or removed.
type TimelineEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// ActionResult captures the outcome of executing a single action during
// deployment.
type ActionResult struct {
	ActionID string         `json:"action_id"`
	Type     ActionType     `json:"type"`
	Target   string         `json:"target"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// DeploymentRecord tracks one deployment attempt per fix_id (or per
// action_id on the defense side). It is the idempotency anchor: a second
// deploy request for a key already in started/succeeded is a no-op.
type DeploymentRecord struct {
	Key             string           `json:"key"` // fix_id or defense action_id
	CorrelationID   string           `json:"correlation_id,omitempty"`
	Status          DeploymentStatus `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at,omitzero"`
	ExecutedActions []ActionResult   `json:"executed_actions,omitempty"`
	Error           string           `json:"error,omitempty"`
	Timeline        []TimelineEntry  `json:"timeline,omitempty"`
}

// ActionVerification is the per-action verdict inside a verification
// record, with the evidence that produced it.
type ActionVerification struct {
	ActionID  string  `json:"action_id"`
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Actual    float64 `json:"actual"`
	Passed    bool    `json:"passed"`
	Skipped   bool    `json:"skipped"`
	Reason    string  `json:"reason,omitempty"`
	Samples   int     `json:"samples"`
}

// VerificationRecord tracks the post-deployment verification of a fix
// (keyed by fix_id) or a threat (keyed by threat_id).
type VerificationRecord struct {
	Key           string               `json:"key"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Status        VerificationStatus   `json:"status"`
	WakeAt        time.Time            `json:"wake_at,omitzero"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   time.Time            `json:"completed_at,omitzero"`
	Results       []ActionVerification `json:"results,omitempty"`
	Metrics       map[string]float64   `json:"metrics,omitempty"`
	Timeline      []TimelineEntry      `json:"timeline,omitempty"`
}
