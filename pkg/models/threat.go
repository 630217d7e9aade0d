package models

import "time"

// ThreatType classifies a detected threat by the domain it affects.
type ThreatType string

const (
	ThreatAirspace      ThreatType = "airspace"
	ThreatCyberPhysical ThreatType = "cyber-physical"
	ThreatEnvironmental ThreatType = "environmental"
	ThreatCivil         ThreatType = "civil"
)

// IsValid checks whether the threat type is one of the known values.
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatAirspace, ThreatCyberPhysical, ThreatEnvironmental, ThreatCivil:
		return true
	default:
		return false
	}
}

// ThreatSeverity mirrors RiskLevel but includes critical, matching the
// defense sub-chain's four-step scale.
type ThreatSeverity string

const (
	ThreatSeverityLow      ThreatSeverity = "low"
	ThreatSeverityMed      ThreatSeverity = "med"
	ThreatSeverityHigh     ThreatSeverity = "high"
	ThreatSeverityCritical ThreatSeverity = "critical"
)

// DefenseDisclaimer is attached to every threat the detector emits. The
// defense sub-chain is informational only; it never actuates anything.
const DefenseDisclaimer = "Informational only. This subsystem performs no real-world actuation; " +
	"all outputs are simulated advisories for operator awareness."

// GeoArea is a minimal GeoJSON-style geometry describing the affected
// area of a threat.
type GeoArea struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

// Threat is the defense sub-chain analogue of a fix's originating
// incident. ThreatID is the idempotency key for assessment; the actions
// the defense actuator runs are keyed by their own action_id.
type Threat struct {
	ThreatID        string         `json:"threat_id" validate:"required"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Type            ThreatType     `json:"threat_type" validate:"required"`
	ConfidenceScore float64        `json:"confidence_score" validate:"gte=0,lte=1"`
	Severity        ThreatSeverity `json:"severity" validate:"required"`
	AffectedArea    GeoArea        `json:"affected_area"`
	Sources         []string       `json:"sources"`
	Summary         string         `json:"summary"`
	DetectedAt      time.Time      `json:"detected_at"`
	Disclaimer      string         `json:"disclaimer" validate:"required"`

	// Detector bookkeeping: centroid of the spatial bucket that fired,
	// used for 5 km / 5 min deduplication.
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DefenseActionType enumerates the informational actions the defense
// actuator may take. All are sandboxed.
type DefenseActionType string

const (
	DefenseAlertLevelChange DefenseActionType = "alert-level-change"
	DefensePublicAdvisory   DefenseActionType = "public-advisory"
	DefenseMonitoringBump   DefenseActionType = "monitoring-rate-bump"
	DefenseAutonomyLock     DefenseActionType = "autonomy-lock"
)

// IsValid checks whether the defense action type is known.
func (t DefenseActionType) IsValid() bool {
	switch t {
	case DefenseAlertLevelChange, DefensePublicAdvisory, DefenseMonitoringBump, DefenseAutonomyLock:
		return true
	default:
		return false
	}
}

// DefenseAction is a single informational action proposed by the
// assessor for a threat.
type DefenseAction struct {
	ActionID string            `json:"action_id" validate:"required"`
	ThreatID string            `json:"threat_id" validate:"required"`
	Type     DefenseActionType `json:"type" validate:"required"`
	Target   string            `json:"target"`
	Params   map[string]any    `json:"params,omitempty"`
	Summary  string            `json:"summary"`
}
