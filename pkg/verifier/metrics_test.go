package verifier

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
)

func TestPasses(t *testing.T) {
	tests := []struct {
		name      string
		metric    string
		actual    float64
		threshold float64
		want      bool
	}{
		{name: "reduction above threshold", metric: MetricDelayReduction, actual: 6, threshold: 5, want: true},
		{name: "reduction at threshold", metric: MetricDelayReduction, actual: 5, threshold: 5, want: true},
		{name: "reduction below threshold", metric: MetricDelayReduction, actual: 4.9, threshold: 5, want: false},
		{name: "congestion reduction", metric: MetricCongestionScore, actual: 0.3, threshold: 0.2, want: true},
		{name: "delta compares magnitudes", metric: MetricRiskScoreDelta, actual: -0.2, threshold: 0.1, want: true},
		{name: "delta too small", metric: MetricRiskScoreDelta, actual: 0.05, threshold: 0.1, want: false},
		{name: "delta negative threshold", metric: MetricRiskScoreDelta, actual: 0.2, threshold: -0.1, want: true},
		{name: "stable grid", metric: MetricVoltageStable, actual: 120, threshold: 1, want: true},
		{name: "unstable grid", metric: MetricVoltageStable, actual: 0, threshold: 1, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, passes(tt.metric, tt.actual, tt.threshold))
		})
	}
}

func TestCongestionWeightsCoverAllSeverities(t *testing.T) {
	for _, sev := range []event.Severity{
		event.SeverityInfo, event.SeverityWarning, event.SeverityModerate, event.SeverityCritical,
	} {
		w, ok := congestionWeights[sev]
		require.True(t, ok, string(sev))
		assert.Greater(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0)
	}
	assert.Equal(t, 1.0, congestionWeights[event.SeverityCritical])
}

func TestSynthesizeRollbackTargetsOriginalAction(t *testing.T) {
	actions := []models.Action{
		{ID: "a1", Type: models.ActionTransitReroute, Target: "route-7"},
		{ID: "a2", Type: models.ActionTrafficAdvisory, Target: "elsewhere"},
	}
	failed := models.ActionVerification{ActionID: "a1", Metric: MetricDelayReduction}

	rb := synthesizeRollback(actions, failed)
	assert.Equal(t, "route-7", rb.Target)
	assert.Equal(t, models.ActionTransitReroute, rb.Type)
	assert.NotEqual(t, "a1", rb.ID)
	assert.Equal(t, "a1", rb.Params["rollback_of"])
}

func TestSynthesizeRollbackUnknownAction(t *testing.T) {
	rb := synthesizeRollback(nil, models.ActionVerification{ActionID: "ghost"})
	assert.NotEmpty(t, rb.ID)
	assert.Equal(t, "ghost", rb.Params["rollback_of"])
}

func TestLongestWindow(t *testing.T) {
	cfg := config.Default().Verifier
	v := &Verifier{cfg: cfg, metrics: metrics.New(), logger: slog.Default()}

	t.Run("widest spec wins", func(t *testing.T) {
		actions := []models.Action{
			{Verification: &models.VerificationSpec{Metric: MetricDelayReduction, WindowSeconds: 60}},
			{Verification: &models.VerificationSpec{Metric: MetricVoltageStable, WindowSeconds: 600}},
			{},
		}
		assert.Equal(t, 600*time.Second, v.longestWindow(actions))
	})

	t.Run("zero window falls back to default", func(t *testing.T) {
		actions := []models.Action{
			{Verification: &models.VerificationSpec{Metric: MetricDelayReduction}},
		}
		assert.Equal(t, cfg.DefaultWindow, v.longestWindow(actions))
	})

	t.Run("no verifiable actions wake immediately", func(t *testing.T) {
		assert.Zero(t, v.longestWindow([]models.Action{{}, {}}))
	})
}

func TestEventSelector(t *testing.T) {
	tests := []struct {
		name    string
		details any
		want    string
		wantOK  bool
	}{
		{name: "route", details: event.TransitDisruptionDetails{RouteID: "r1"}, want: "r1", wantOK: true},
		{name: "sector", details: event.AirspaceDetails{SectorID: "s1"}, want: "s1", wantOK: true},
		{name: "grid", details: event.PowerFailureDetails{GridID: "g1"}, want: "g1", wantOK: true},
		{name: "none", details: event.GeoRiskAreaDetails{RiskScore: 0.5}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := event.New("test", event.SeverityInfo, "", "sel", tt.details)
			require.NoError(t, err)
			got, ok := eventSelector(env)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
