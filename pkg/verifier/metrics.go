package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/models"
	"github.com/crisisops/fixengine/pkg/store"
)

// Metric names of the closed action set.
const (
	MetricDelayReduction  = "delay_reduction"
	MetricRiskScoreDelta  = "risk_score_delta"
	MetricCongestionScore = "congestion_score"
	MetricVoltageStable   = "voltage_stable"
)

// nominalVoltage is the value reported for a stable grid; an unstable
// window reports zero.
const nominalVoltage = 120

// congestionWeights maps envelope severity to a congestion score.
var congestionWeights = map[event.Severity]float64{
	event.SeverityInfo:     0.2,
	event.SeverityWarning:  0.5,
	event.SeverityModerate: 0.7,
	event.SeverityCritical: 1.0,
}

// checkAction computes the claimed metric for one action over its
// window and applies the polarity-aware threshold comparison. Any
// error while computing is a skip, not a failure, so a flaky store read
// never triggers a rollback storm.
func (v *Verifier) checkAction(ctx context.Context, action models.Action, deployedAt time.Time) models.ActionVerification {
	spec := action.Verification
	res := models.ActionVerification{
		ActionID:  action.ID,
		Metric:    spec.Metric,
		Threshold: spec.Threshold,
	}

	window := time.Duration(spec.WindowSeconds) * time.Second
	if window <= 0 {
		window = v.cfg.DefaultWindow
	}
	from := deployedAt
	to := deployedAt.Add(window)
	if now := time.Now().UTC(); to.After(now) {
		to = now
	}

	actual, samples, err := v.computeMetric(ctx, action, from, to)
	if err != nil {
		res.Skipped = true
		res.Reason = err.Error()
		return res
	}
	res.Actual = actual
	res.Samples = samples
	res.Passed = passes(spec.Metric, actual, spec.Threshold)
	return res
}

// passes applies metric polarity: reduction metrics need actual at or
// above the threshold, delta metrics compare magnitudes, and the
// stability metric is a boolean where nonzero means stable.
func passes(metric string, actual, threshold float64) bool {
	switch metric {
	case MetricRiskScoreDelta:
		abs := func(f float64) float64 {
			if f < 0 {
				return -f
			}
			return f
		}
		return abs(actual) >= abs(threshold)
	case MetricVoltageStable:
		return (actual != 0) == (threshold != 0)
	default:
		return actual >= threshold
	}
}

// computeMetric dispatches to the per-metric computation. The baseline
// for the averaging metrics is the configured factor times the window
// average, standing in for a real pre-deployment snapshot.
func (v *Verifier) computeMetric(ctx context.Context, action models.Action, from, to time.Time) (float64, int, error) {
	switch action.Verification.Metric {
	case MetricDelayReduction:
		return v.averageImprovement(ctx, action, from, to,
			[]string{event.TopicTransitDisruption, event.TopicTransitHotspot},
			func(e *event.Envelope) (float64, bool) {
				var d event.TransitDisruptionDetails
				if err := e.DecodeDetails(&d); err != nil {
					return 0, false
				}
				if d.Delay != 0 {
					return d.Delay, true
				}
				return d.AverageDelayMinutes, d.AverageDelayMinutes != 0
			})

	case MetricRiskScoreDelta:
		return v.averageImprovement(ctx, action, from, to,
			[]string{event.TopicGeoRiskArea},
			func(e *event.Envelope) (float64, bool) {
				var d event.GeoRiskAreaDetails
				if err := e.DecodeDetails(&d); err != nil {
					return 0, false
				}
				return d.RiskScore, true
			})

	case MetricCongestionScore:
		return v.averageImprovement(ctx, action, from, to,
			[]string{event.TopicAirspaceHotspot},
			func(e *event.Envelope) (float64, bool) {
				w, ok := congestionWeights[e.Severity]
				return w, ok
			})

	case MetricVoltageStable:
		return v.voltageStable(ctx, action, from, to)

	default:
		return 0, 0, fmt.Errorf("unknown metric %q", action.Verification.Metric)
	}
}

// averageImprovement implements the baseline heuristic shared by the
// averaging metrics: average the sampled value over the window, take
// baseline = avg * k, and report baseline - avg. With no samples in the
// window there is nothing to measure and the check is skipped.
func (v *Verifier) averageImprovement(ctx context.Context, action models.Action, from, to time.Time, topics []string, sample func(*event.Envelope) (float64, bool)) (float64, int, error) {
	events, err := v.queryWindow(ctx, topics, from, to, action.Target)
	if err != nil {
		return 0, 0, err
	}

	var sum float64
	n := 0
	for i := range events {
		val, ok := sample(&events[i].Envelope)
		if !ok {
			continue
		}
		sum += val
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("no samples for %s in window", action.Verification.Metric)
	}

	avg := sum / float64(n)
	k, ok := v.cfg.BaselineFactors[action.Verification.Metric]
	if !ok {
		return 0, n, fmt.Errorf("no baseline factor configured for %s", action.Verification.Metric)
	}
	baseline := avg * k
	return baseline - avg, n, nil
}

// voltageStable reports the stability boolean as a voltage reading:
// a window with zero power.failure events means the grid held at
// nominal voltage; any failure event means it did not.
func (v *Verifier) voltageStable(ctx context.Context, action models.Action, from, to time.Time) (float64, int, error) {
	events, err := v.queryWindow(ctx, []string{event.TopicPowerFailure}, from, to, action.Target)
	if err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return nominalVoltage, 0, nil
	}
	return 0, len(events), nil
}

// queryWindow reads the relevant domain events and narrows them to the
// action's target. Events that carry a selector keep it honest; events
// without one count toward the area-wide signal.
func (v *Verifier) queryWindow(ctx context.Context, topics []string, from, to time.Time, target string) ([]store.StoredEvent, error) {
	events, err := v.log.QueryWindow(ctx, store.WindowQuery{
		Topics: topics,
		From:   from,
		To:     to,
	})
	if err != nil {
		return nil, err
	}
	if target == "" {
		return events, nil
	}

	var out []store.StoredEvent
	for _, se := range events {
		if sel, ok := eventSelector(&se.Envelope); ok && sel != target && se.Envelope.Sector != target {
			continue
		}
		out = append(out, se)
	}
	return out, nil
}

// eventSelector extracts the identifier a domain event names, if any.
func eventSelector(e *event.Envelope) (string, bool) {
	var probe struct {
		RouteID  string `json:"route_id"`
		StopID   string `json:"stop_id"`
		SectorID string `json:"sector_id"`
		GridID   string `json:"grid_id"`
	}
	if err := e.DecodeDetails(&probe); err != nil {
		return "", false
	}
	for _, sel := range []string{probe.RouteID, probe.StopID, probe.SectorID, probe.GridID} {
		if sel != "" {
			return sel, true
		}
	}
	return "", false
}
