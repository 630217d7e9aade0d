// Package metrics exposes the Prometheus collectors shared by pipeline
// components. A single Registry is constructed in main and handed to
// each component; tests construct their own so collectors never collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	FixTransitions       *prometheus.CounterVec
	DeployDuration       prometheus.Histogram
	VerificationOutcomes *prometheus.CounterVec
	ThreatsDetected      *prometheus.CounterVec
	ProposerGenerations  *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_events_published_total",
			Help: "Bus messages published, by topic.",
		}, []string{"topic"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_events_consumed_total",
			Help: "Bus messages consumed, by topic and component.",
		}, []string{"topic", "component"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_events_dropped_total",
			Help: "Messages dropped as bad payloads, by topic.",
		}, []string{"topic"}),
		FixTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_fix_transitions_total",
			Help: "Fix lifecycle transitions, by target state.",
		}, []string{"state"}),
		DeployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fixengine_deploy_duration_seconds",
			Help:    "Wall time of fix deployments.",
			Buckets: prometheus.DefBuckets,
		}),
		VerificationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_verification_outcomes_total",
			Help: "Verification verdicts, by outcome.",
		}, []string{"outcome"}),
		ThreatsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_threats_detected_total",
			Help: "Defense threats detected, by type.",
		}, []string{"threat_type"}),
		ProposerGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fixengine_proposer_generations_total",
			Help: "Fix generation attempts, by provider and result.",
		}, []string{"provider", "result"}),
	}

	reg.MustRegister(
		m.EventsPublished, m.EventsConsumed, m.EventsDropped,
		m.FixTransitions, m.DeployDuration, m.VerificationOutcomes,
		m.ThreatsDetected, m.ProposerGenerations,
	)
	return m
}
