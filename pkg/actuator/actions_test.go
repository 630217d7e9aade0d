package actuator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/models"
)

func TestActionEffect(t *testing.T) {
	tests := []struct {
		name       string
		actionType models.ActionType
		wantTopic  string
	}{
		{name: "transit reroute", actionType: models.ActionTransitReroute, wantTopic: event.TopicTransitMitigationApplied},
		{name: "airspace mitigation", actionType: models.ActionAirspaceMitigation, wantTopic: event.TopicAirspaceMitigationApplied},
		{name: "traffic advisory", actionType: models.ActionTrafficAdvisory, wantTopic: event.TopicSystemAction},
		{name: "power recovery", actionType: models.ActionPowerRecovery, wantTopic: event.TopicSystemAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := models.Action{
				ID:     "a1",
				Type:   tt.actionType,
				Target: "target-1",
				Params: map[string]any{"k": "v"},
			}
			topic, details, err := actionEffect("F1", action)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, topic)

			// Every effect payload carries the sandbox markers.
			switch d := details.(type) {
			case event.MitigationAppliedDetails:
				assert.True(t, d.SimulationMode)
				assert.True(t, d.SandboxOnly)
				assert.Equal(t, "F1", d.FixID)
				assert.Equal(t, "a1", d.ActionID)
				assert.Equal(t, "target-1", d.Target)
			case event.SystemActionDetails:
				assert.True(t, d.SimulationMode)
				assert.True(t, d.SandboxOnly)
				assert.Equal(t, "F1", d.FixID)
				assert.Equal(t, "applied", d.Status)
			default:
				t.Fatalf("unexpected details type %T", details)
			}
		})
	}
}

func TestActionEffectRejectsUnknownType(t *testing.T) {
	_, _, err := actionEffect("F1", models.Action{ID: "a1", Type: "launch-the-missiles"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}
