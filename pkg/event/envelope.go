// Package event defines the bus envelope, the canonical topic set, and
// the typed per-topic detail payloads exchanged over the bus.
//
// Everything on the bus is an Envelope: a JSON document with a stable
// header (event_id, timestamp, source, severity, sector, summary,
// correlation_id) and a details object whose schema is determined by the
// topic. Details are carried as raw JSON so unknown fields survive
// pass-through; components decode them into the typed payloads in
// payloads.go at the edge and work with typed values internally.
//
// Timestamps are timezone-aware only. A timestamp without zone
// information is rejected at the bus boundary as a bad payload, and all
// timestamps normalize to UTC on decode.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Severity classifies an event. The proposer triggers on critical;
// the defense verifier maps severities to congestion scores.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for the monotonicity invariant along a
// correlation chain. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityModerate:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Timestamp wraps time.Time with strict RFC 3339 JSON handling: encode
// always as UTC with trailing Z, decode rejects anything without zone
// information (RFC 3339 requires an offset, so a naive timestamp fails
// to parse).
type Timestamp struct {
	time.Time
}

// Now returns the current time as a UTC Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

// At wraps an existing time, normalizing to UTC.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

// MarshalJSON encodes as RFC 3339 with nanosecond precision in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON decodes an RFC 3339 string and normalizes to UTC.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be an RFC 3339 string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q (naive or malformed): %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Envelope is the wire format of every bus message.
type Envelope struct {
	EventID       string          `json:"event_id" validate:"required"`
	Timestamp     Timestamp       `json:"timestamp"`
	Source        string          `json:"source" validate:"required"`
	Severity      Severity        `json:"severity" validate:"required,oneof=info warning moderate critical"`
	Sector        string          `json:"sector,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New constructs an envelope with a fresh event id and the current UTC
// time. The details value is marshaled immediately so a bad payload
// fails at construction, not at publish.
func New(source string, severity Severity, sector, summary string, details any) (*Envelope, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return &Envelope{
		EventID:   uuid.New().String(),
		Timestamp: Now(),
		Source:    source,
		Severity:  severity,
		Sector:    sector,
		Summary:   summary,
		Details:   raw,
	}, nil
}

// WithCorrelation sets the correlation id and returns the envelope for
// chaining during construction.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// Validate checks the envelope header. Decode calls it automatically;
// producers constructing envelopes by hand should call it before
// publishing.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("invalid envelope: timestamp is required")
	}
	return nil
}

// DecodeDetails unmarshals the raw details into a typed payload.
func (e *Envelope) DecodeDetails(v any) error {
	if len(e.Details) == 0 {
		return fmt.Errorf("envelope %s has no details", e.EventID)
	}
	if err := json.Unmarshal(e.Details, v); err != nil {
		return fmt.Errorf("decode details of %s: %w", e.EventID, err)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope from the wire. Failures are
// bad payloads: the caller logs at warning and drops the message.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
