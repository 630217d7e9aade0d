// Package defense implements the threat sub-chain: a detector that
// correlates domain events across a sliding spatial window, an assessor
// that enriches detections into informational actions, an actuator that
// executes them in the sandbox, and a verifier that watches whether the
// indicators normalize. The whole sub-chain is advisory; every emission
// carries the disclaimer and the sandbox markers where applicable.
package defense

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
)

const detectorSource = "threat-detector"

// observation is one windowed domain event as the detector sees it.
type observation struct {
	at       time.Time
	topic    string
	domain   string
	severity event.Severity
	lat, lon float64
	bucket   string
	metric   float64
	hasGeo   bool
}

// firedThreat remembers an emitted threat for spatial deduplication.
type firedThreat struct {
	at       time.Time
	lat, lon float64
	kind     models.ThreatType
}

// Detector correlates non-defense events and emits
// defense.threat.detected. State is in-memory; the window is short
// enough that a restart simply warms up again.
type Detector struct {
	bus     bus.Bus
	cfg     config.DefenseConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	window  []observation
	emitted []firedThreat
}

// NewDetector creates a Detector.
func NewDetector(b bus.Bus, cfg config.DefenseConfig, m *metrics.Metrics, logger *slog.Logger) *Detector {
	return &Detector{
		bus:     b,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "threat-detector"),
	}
}

// Register subscribes the detector to every domain input topic.
func (d *Detector) Register(b bus.Bus) error {
	for _, topic := range event.DefenseInputTopics() {
		if err := b.Subscribe(topic, d.handle); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) handle(ctx context.Context, topic string, env *event.Envelope) {
	d.metrics.EventsConsumed.WithLabelValues(topic, "threat-detector").Inc()

	obs := toObservation(topic, env)

	d.mu.Lock()
	d.prune(time.Now().UTC())
	d.window = append(d.window, obs)
	threats := d.evaluate(obs)
	d.mu.Unlock()

	for _, t := range threats {
		d.emit(ctx, env, t)
	}
}

func toObservation(topic string, env *event.Envelope) observation {
	obs := observation{
		at:       env.Timestamp.Time,
		topic:    topic,
		domain:   topicDomain(topic),
		severity: env.Severity,
	}
	if obs.at.IsZero() {
		obs.at = time.Now().UTC()
	}

	var probe struct {
		Lat       float64 `json:"lat"`
		Lon       float64 `json:"lon"`
		Delay     float64 `json:"delay"`
		RiskScore float64 `json:"risk_score"`
		Score     float64 `json:"score"`
		Voltage   float64 `json:"voltage"`
	}
	if err := env.DecodeDetails(&probe); err == nil {
		obs.lat, obs.lon = probe.Lat, probe.Lon
		obs.hasGeo = probe.Lat != 0 || probe.Lon != 0
		obs.bucket = bucketKey(probe.Lat, probe.Lon)
		// First nonzero reading wins as the bucket's tracked metric.
		for _, v := range []float64{probe.Delay, probe.RiskScore, probe.Score, probe.Voltage} {
			if v != 0 {
				obs.metric = v
				break
			}
		}
	}
	return obs
}

func topicDomain(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}

// prune drops observations and fired threats that fell out of their
// windows. Called with the lock held.
func (d *Detector) prune(now time.Time) {
	cutoff := now.Add(-d.cfg.CorrelationWindow)
	kept := d.window[:0]
	for _, o := range d.window {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	d.window = kept

	dedupCutoff := now.Add(-d.cfg.DedupWindow)
	keptThreats := d.emitted[:0]
	for _, t := range d.emitted {
		if t.at.After(dedupCutoff) {
			keptThreats = append(keptThreats, t)
		}
	}
	d.emitted = keptThreats
}

// evaluate runs the four rule families against the newest observation.
// Called with the lock held; returns fully formed threats, already
// deduplicated.
func (d *Detector) evaluate(latest observation) []models.Threat {
	var out []models.Threat
	add := func(t models.Threat) {
		if d.isDuplicate(t) {
			return
		}
		d.emitted = append(d.emitted, firedThreat{at: t.DetectedAt, lat: t.Lat, lon: t.Lon, kind: t.Type})
		out = append(out, t)
	}

	if t, ok := d.ruleEventSpike(latest); ok {
		add(t)
	}
	if t, ok := d.ruleSensorConflict(latest); ok {
		add(t)
	}
	if t, ok := d.ruleEnvironmentalRisk(latest); ok {
		add(t)
	}
	if t, ok := d.ruleMultiSystemStress(latest); ok {
		add(t)
	}
	return out
}

func (d *Detector) isDuplicate(t models.Threat) bool {
	for _, prev := range d.emitted {
		if prev.kind != t.Type {
			continue
		}
		if haversineKm(prev.lat, prev.lon, t.Lat, t.Lon) <= d.cfg.DedupRadiusKm {
			return true
		}
	}
	return false
}

// ruleEventSpike fires when one spatial bucket accumulates enough
// events inside the spike window.
func (d *Detector) ruleEventSpike(latest observation) (models.Threat, bool) {
	if !latest.hasGeo {
		return models.Threat{}, false
	}
	cutoff := latest.at.Add(-d.cfg.SpikeWindow)
	count := 0
	critical := false
	sources := map[string]struct{}{}
	for _, o := range d.window {
		if o.bucket != latest.bucket || o.at.Before(cutoff) {
			continue
		}
		count++
		sources[o.topic] = struct{}{}
		if o.severity == event.SeverityCritical {
			critical = true
		}
	}
	if count < d.cfg.SpikeCount {
		return models.Threat{}, false
	}

	sev := models.ThreatSeverityMed
	if critical {
		sev = models.ThreatSeverityHigh
	}
	return d.newThreat(dominantType(latest.domain), sev, latest,
		fmt.Sprintf("%d events in one area within %s", count, d.cfg.SpikeWindow),
		keysOf(sources), confidenceFromCount(count, d.cfg.SpikeCount)), true
}

// ruleSensorConflict fires on a large relative jump of the tracked
// metric inside the same bucket within the jump window.
func (d *Detector) ruleSensorConflict(latest observation) (models.Threat, bool) {
	if !latest.hasGeo || latest.metric == 0 {
		return models.Threat{}, false
	}
	cutoff := latest.at.Add(-d.cfg.SensorJumpWindow)
	for _, o := range d.window {
		if o.bucket != latest.bucket || o.at.Before(cutoff) || o.metric == 0 {
			continue
		}
		base := o.metric
		jump := (latest.metric - base) / base
		if jump < 0 {
			jump = -jump
		}
		if jump > d.cfg.SensorJumpFactor {
			return d.newThreat(models.ThreatCyberPhysical, models.ThreatSeverityMed, latest,
				fmt.Sprintf("sensor reading jumped %.0f%% within %s", jump*100, d.cfg.SensorJumpWindow),
				[]string{o.topic, latest.topic}, 0.6), true
		}
	}
	return models.Threat{}, false
}

// ruleEnvironmentalRisk fires on a geo.risk_area whose score clears the
// configured threshold.
func (d *Detector) ruleEnvironmentalRisk(latest observation) (models.Threat, bool) {
	if latest.topic != event.TopicGeoRiskArea {
		return models.Threat{}, false
	}
	if latest.metric < d.cfg.EnvironmentalRiskThreshold {
		return models.Threat{}, false
	}
	return d.newThreat(models.ThreatEnvironmental, models.ThreatSeverityHigh, latest,
		fmt.Sprintf("environmental risk score %.2f at or above %.2f", latest.metric, d.cfg.EnvironmentalRiskThreshold),
		[]string{latest.topic}, latest.metric), true
}

// ruleMultiSystemStress fires when enough distinct domains report
// critical events inside the stress window.
func (d *Detector) ruleMultiSystemStress(latest observation) (models.Threat, bool) {
	if latest.severity != event.SeverityCritical {
		return models.Threat{}, false
	}
	cutoff := latest.at.Add(-d.cfg.StressWindow)
	domains := map[string]struct{}{}
	sources := map[string]struct{}{}
	for _, o := range d.window {
		if o.at.Before(cutoff) || o.severity != event.SeverityCritical {
			continue
		}
		domains[o.domain] = struct{}{}
		sources[o.topic] = struct{}{}
	}
	if len(domains) < d.cfg.StressedDomains {
		return models.Threat{}, false
	}
	return d.newThreat(models.ThreatCivil, models.ThreatSeverityCritical, latest,
		fmt.Sprintf("%d domains under critical stress within %s", len(domains), d.cfg.StressWindow),
		keysOf(sources), 0.8), true
}

func (d *Detector) newThreat(kind models.ThreatType, sev models.ThreatSeverity, at observation, summary string, sources []string, confidence float64) models.Threat {
	if confidence > 1 {
		confidence = 1
	}
	return models.Threat{
		ThreatID:        NewThreatID(at.at),
		Type:            kind,
		ConfidenceScore: confidence,
		Severity:        sev,
		AffectedArea: models.GeoArea{
			Type:        "Point",
			Coordinates: [][]float64{{at.lon, at.lat}},
		},
		Sources:    sources,
		Summary:    summary,
		DetectedAt: at.at,
		Disclaimer: models.DefenseDisclaimer,
		Lat:        at.lat,
		Lon:        at.lon,
	}
}

func (d *Detector) emit(ctx context.Context, trigger *event.Envelope, t models.Threat) {
	t.CorrelationID = trigger.CorrelationID
	if t.CorrelationID == "" {
		t.CorrelationID = trigger.EventID
	}

	env, err := event.New(detectorSource, threatSeverity(t.Severity), trigger.Sector,
		t.Summary, event.ThreatDetails{Threat: t})
	if err != nil {
		d.logger.Error("Failed to build defense.threat.detected", "threat_id", t.ThreatID, "error", err)
		return
	}
	if err := d.bus.Publish(ctx, event.TopicThreatDetected, env.WithCorrelation(t.CorrelationID)); err != nil {
		d.logger.Error("Failed to publish defense.threat.detected", "threat_id", t.ThreatID, "error", err)
		return
	}
	d.metrics.EventsPublished.WithLabelValues(event.TopicThreatDetected).Inc()
	d.metrics.ThreatsDetected.WithLabelValues(string(t.Type)).Inc()
	d.logger.Info("Threat detected",
		"threat_id", t.ThreatID, "threat_type", t.Type, "severity", t.Severity,
		"confidence", t.ConfidenceScore)
}

// threatSeverity maps the threat scale onto the envelope scale.
func threatSeverity(s models.ThreatSeverity) event.Severity {
	switch s {
	case models.ThreatSeverityCritical:
		return event.SeverityCritical
	case models.ThreatSeverityHigh:
		return event.SeverityModerate
	case models.ThreatSeverityMed:
		return event.SeverityWarning
	default:
		return event.SeverityInfo
	}
}

func dominantType(domain string) models.ThreatType {
	switch domain {
	case "airspace":
		return models.ThreatAirspace
	case "power", "transit":
		return models.ThreatCyberPhysical
	case "geo":
		return models.ThreatEnvironmental
	default:
		return models.ThreatCivil
	}
}

func confidenceFromCount(count, threshold int) float64 {
	c := 0.5 + 0.05*float64(count-threshold)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// NewThreatID mints a threat identifier of form THREAT-YYYYMMDD-<8 hex>.
func NewThreatID(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("THREAT-%s-%x", now.UTC().Format("20060102"), id[:4])
}
