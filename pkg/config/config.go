// Package config loads and validates the engine configuration from
// environment variables. Every component receives its slice of the
// config at construction; nothing reads the environment after boot.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crisisops/fixengine/pkg/bus"
)

// LLMProvider names a fix generator backend in the provider order.
type LLMProvider string

const (
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderRules     LLMProvider = "rules"
)

// IsValid checks whether the provider name is known.
func (p LLMProvider) IsValid() bool {
	switch p {
	case ProviderAnthropic, ProviderRules:
		return true
	default:
		return false
	}
}

// LLMConfig configures the proposer's generator chain.
type LLMConfig struct {
	// ProviderOrder is tried in sequence. The rules generator is the
	// guaranteed fallback: any provider failure falls through to the
	// next entry, and rules never fails.
	ProviderOrder []LLMProvider

	// APIKeys maps provider name to credential.
	APIKeys map[LLMProvider]string

	// Model is the model identifier for SDK-backed providers.
	Model string

	// RequestTimeout bounds one generation attempt.
	RequestTimeout time.Duration
}

// VerifierConfig tunes metric verification.
type VerifierConfig struct {
	// DefaultWindow applies to actions whose verification spec omits a
	// window.
	DefaultWindow time.Duration

	// BaselineFactors parameterize the baseline = avg × k heuristic,
	// keyed by metric name.
	BaselineFactors map[string]float64

	// PollInterval is how often the wake scheduler scans for due
	// verifications.
	PollInterval time.Duration

	// BackfillLookback is how far back startup reconciliation searches
	// for deploy_succeeded events without verification records.
	BackfillLookback time.Duration
}

// DefenseConfig tunes the threat detector and its verifier.
type DefenseConfig struct {
	// DedupWindow and DedupRadiusKm bound threat deduplication: a new
	// threat of the same type within the radius and window of an
	// existing one is absorbed.
	DedupWindow   time.Duration
	DedupRadiusKm float64

	// CorrelationWindow is the sliding window the detector maintains
	// over non-defense events.
	CorrelationWindow time.Duration

	// SpikeCount events in one spatial bucket within SpikeWindow fire
	// the event-spike rule.
	SpikeCount  int
	SpikeWindow time.Duration

	// SensorJumpFactor is the relative metric jump (0.5 = 50%) inside
	// SensorJumpWindow that fires the conflicting-sensor rule.
	SensorJumpFactor float64
	SensorJumpWindow time.Duration

	// StressedDomains distinct domains reporting critical events
	// within StressWindow fire the multi-system-stress rule.
	StressedDomains int
	StressWindow    time.Duration

	// EnvironmentalRiskThreshold fires the environmental rule when a
	// geo.risk_area risk_score meets it.
	EnvironmentalRiskThreshold float64

	// VerificationWindow is how long the defense verifier observes
	// before deciding resolved vs escalation.
	VerificationWindow time.Duration
}

// Config is the process-wide configuration.
type Config struct {
	Bus      bus.Config
	LLM      LLMConfig
	Verifier VerifierConfig
	Defense  DefenseConfig

	// AutonomyInitialLevel is NORMAL or HIGH.
	AutonomyInitialLevel string

	// HTTPPort serves the ops API (health, metrics, approvals).
	HTTPPort string

	// LogLevel: debug, info, warn, error.
	LogLevel slog.Level

	// EventRetention bounds the event log; the cleanup job deletes
	// older rows. Zero disables cleanup.
	EventRetention time.Duration

	// ObservabilityDSN and AuditMirrorEndpoint are optional side
	// channels; empty means disabled.
	ObservabilityDSN    string
	AuditMirrorEndpoint string
}

// Default returns the built-in defaults; LoadFromEnv overlays the
// environment on top.
func Default() *Config {
	return &Config{
		Bus: bus.DefaultConfig(),
		LLM: LLMConfig{
			ProviderOrder:  []LLMProvider{ProviderAnthropic, ProviderRules},
			APIKeys:        map[LLMProvider]string{},
			Model:          "claude-sonnet-4-5",
			RequestTimeout: 30 * time.Second,
		},
		Verifier: VerifierConfig{
			DefaultWindow: 300 * time.Second,
			BaselineFactors: map[string]float64{
				"delay_reduction":  1.5,
				"risk_score_delta": 1.2,
				"congestion_score": 1.3,
			},
			PollInterval:     5 * time.Second,
			BackfillLookback: 24 * time.Hour,
		},
		Defense: DefenseConfig{
			DedupWindow:                300 * time.Second,
			DedupRadiusKm:              5.0,
			CorrelationWindow:          time.Hour,
			SpikeCount:                 10,
			SpikeWindow:                60 * time.Second,
			SensorJumpFactor:           0.5,
			SensorJumpWindow:           30 * time.Second,
			StressedDomains:            3,
			StressWindow:               2 * time.Minute,
			EnvironmentalRiskThreshold: 0.8,
			VerificationWindow:         10 * time.Minute,
		},
		AutonomyInitialLevel: "NORMAL",
		HTTPPort:             "8080",
		LogLevel:             slog.LevelInfo,
		EventRetention:       7 * 24 * time.Hour,
	}
}

// LoadFromEnv builds the configuration from environment variables on
// top of the defaults, then validates it.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	backend := os.Getenv("BUS_BACKEND")
	if backend == "" {
		return nil, fmt.Errorf("BUS_BACKEND is required (nats or memory)")
	}
	cfg.Bus.Backend = backend
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}

	if v := os.Getenv("LLM_PROVIDER_ORDER"); v != "" {
		var order []LLMProvider
		for _, name := range strings.Split(v, ",") {
			order = append(order, LLMProvider(strings.TrimSpace(name)))
		}
		cfg.LLM.ProviderOrder = order
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKeys[ProviderAnthropic] = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("VERIFICATION_DEFAULT_WINDOW_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid VERIFICATION_DEFAULT_WINDOW_SECONDS: %w", err)
		}
		cfg.Verifier.DefaultWindow = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("DEDUPLICATION_WINDOW_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEDUPLICATION_WINDOW_SECONDS: %w", err)
		}
		cfg.Defense.DedupWindow = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("SPATIAL_DEDUPLICATION_RADIUS_KM"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SPATIAL_DEDUPLICATION_RADIUS_KM: %w", err)
		}
		cfg.Defense.DedupRadiusKm = radius
	}

	if v := os.Getenv("AUTONOMY_INITIAL_LEVEL"); v != "" {
		cfg.AutonomyInitialLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}
	if v := os.Getenv("EVENT_RETENTION_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EVENT_RETENTION_HOURS: %w", err)
		}
		cfg.EventRetention = time.Duration(hours) * time.Hour
	}
	cfg.ObservabilityDSN = os.Getenv("OBSERVABILITY_DSN")
	cfg.AuditMirrorEndpoint = os.Getenv("AUDIT_MIRROR_ENDPOINT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Failures here are fatal at
// boot.
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case bus.BackendNATS, bus.BackendMemory:
	case bus.BackendSolace:
		return fmt.Errorf("bus backend %q is recognized but not implemented", c.Bus.Backend)
	default:
		return fmt.Errorf("unknown bus backend %q (supported: nats, memory)", c.Bus.Backend)
	}

	if len(c.LLM.ProviderOrder) == 0 {
		return fmt.Errorf("llm provider order must not be empty")
	}
	for _, p := range c.LLM.ProviderOrder {
		if !p.IsValid() {
			return fmt.Errorf("unknown llm provider %q", p)
		}
	}

	switch c.AutonomyInitialLevel {
	case "NORMAL", "HIGH":
	default:
		return fmt.Errorf("autonomy initial level must be NORMAL or HIGH, got %q", c.AutonomyInitialLevel)
	}

	if c.Verifier.DefaultWindow <= 0 {
		return fmt.Errorf("verification default window must be positive")
	}
	for metric, k := range c.Verifier.BaselineFactors {
		if k <= 0 {
			return fmt.Errorf("baseline factor for %s must be positive, got %v", metric, k)
		}
	}
	if c.Defense.DedupRadiusKm <= 0 {
		return fmt.Errorf("spatial deduplication radius must be positive")
	}
	if c.Defense.StressedDomains < 1 {
		return fmt.Errorf("stressed domains threshold must be at least 1")
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
