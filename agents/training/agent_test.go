package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

func processedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enc.csv")
	require.NoError(t, os.WriteFile(path, []byte("churn,tenure\n1,3\n"), 0o600))
	return path
}

func setup(t *testing.T, cfg Config, b backend.Backend) *capability.Dispatcher {
	t.Helper()
	tracker := persistence.NewTracker(persistence.NewMemoryTaskStore(), nil)
	return capability.New(AgentID, New(cfg, b, nil).Table(), tracker)
}

func TestAgent_TrainAndRequestReview(t *testing.T) {
	sim := backend.NewSimulator(backend.SimulatorConfig{BiasSequence: []float64{0.07}})
	guard := backend.NewGuard(sim, backend.DefaultGuardConfig(), nil, nil)
	d := setup(t, Config{ReviewerID: "compliance.v1"}, guard)

	res, err := d.Handle(context.Background(), "", a2a.VerbCall, a2a.DataPayload(map[string]any{
		FieldProcessedDataPath: processedFile(t),
		FieldTargetFeature:     "Churn",
		FieldParams:            map[string]any{"max_models": 10},
	}))
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCompleted, res.State)

	model, ok := res.Artifacts.String(ArtifactResults, FieldChampionModelID)
	require.True(t, ok)
	assert.Equal(t, "model-1", model)
	project, _ := res.Artifacts.String(ArtifactResults, FieldProjectID)
	assert.Equal(t, "proj-1", project)
	bias, ok := res.Artifacts.Float(ArtifactResults, FieldBias)
	require.True(t, ok)
	assert.InDelta(t, 0.07, bias, 1e-9)
	_, ok = res.Artifacts.Field(ArtifactResults, FieldParams)
	assert.True(t, ok)

	require.Len(t, res.FollowOns, 1)
	review := res.FollowOns[0]
	assert.Equal(t, a2a.VerbCall, review.Verb)
	assert.Equal(t, "compliance.v1", review.Receiver)
	assert.Empty(t, review.TaskID)
	assert.Equal(t, "Review model model-1 from project proj-1.", review.Payload.Text())
	mid, _ := review.Payload.String(FieldModelID)
	assert.Equal(t, "model-1", mid)
	rb, _ := review.Payload.Float(FieldBias)
	assert.InDelta(t, 0.07, rb, 1e-9)

	assert.Equal(t, 1, sim.Calls(backend.OpUpload))
	assert.Equal(t, 1, sim.Calls(backend.OpModelMetrics))
}

func TestAgent_MissingTargetFeatureSkipsBackend(t *testing.T) {
	sim := backend.NewSimulator(backend.SimulatorConfig{})
	d := setup(t, Config{ReviewerID: "compliance.v1"}, sim)

	res, err := d.Handle(context.Background(), "t-1", a2a.VerbCall, a2a.DataPayload(map[string]any{
		FieldProcessedDataPath: processedFile(t),
	}))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Equal(t, persistence.StateFailed, res.State)
	assert.Empty(t, res.FollowOns)
	assert.Zero(t, sim.TotalCalls())
}

func TestAgent_Validation(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing path", map[string]any{FieldTargetFeature: "Churn"}},
		{"missing file", map[string]any{FieldProcessedDataPath: "/nonexistent/enc.csv", FieldTargetFeature: "Churn"}},
		{"directory", map[string]any{FieldProcessedDataPath: t.TempDir(), FieldTargetFeature: "Churn"}},
		{"params not an object", map[string]any{
			FieldProcessedDataPath: processedFile(t),
			FieldTargetFeature:     "Churn",
			FieldParams:            "fast",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := backend.NewSimulator(backend.SimulatorConfig{})
			d := setup(t, Config{}, sim)
			res, err := d.Handle(context.Background(), "t", VerbRunAutoML, a2a.DataPayload(tt.payload))
			assert.True(t, types.IsCode(err, types.ErrValidation))
			assert.Equal(t, persistence.StateFailed, res.State)
			assert.Zero(t, sim.TotalCalls())
		})
	}
}

func TestAgent_BackendFailure(t *testing.T) {
	sim := backend.NewSimulator(backend.SimulatorConfig{})
	sim.FailOn(backend.OpRunAutopilot, errors.New("quota exceeded"))
	guard := backend.NewGuard(sim, backend.DefaultGuardConfig(), nil, nil)
	d := setup(t, Config{ReviewerID: "compliance.v1"}, guard)

	res, err := d.Handle(context.Background(), "t-2", a2a.VerbCall, a2a.DataPayload(map[string]any{
		FieldProcessedDataPath: processedFile(t),
		FieldTargetFeature:     "Churn",
	}))
	require.NoError(t, err)
	assert.Equal(t, persistence.StateFailed, res.State)
	assert.Equal(t, types.ErrBackend, res.Error.Code)
	assert.Empty(t, res.FollowOns)

	code, _ := res.Artifacts.String(persistence.ErrorArtifactName, "code")
	assert.Equal(t, "BACKEND", code)
	assert.Zero(t, sim.Calls(backend.OpTopModel))
}

func TestAgent_NoReviewer(t *testing.T) {
	d := setup(t, Config{}, backend.NewSimulator(backend.SimulatorConfig{}))
	res, err := d.Handle(context.Background(), "t-3", a2a.VerbCall, a2a.DataPayload(map[string]any{
		FieldProcessedDataPath: processedFile(t),
		FieldTargetFeature:     "Churn",
	}))
	require.NoError(t, err)
	assert.Equal(t, persistence.StateCompleted, res.State)
	assert.Empty(t, res.FollowOns)
}

func TestCard(t *testing.T) {
	card := Card("http://localhost:8002/call")
	require.NoError(t, card.Validate())
	assert.True(t, card.Supports(VerbRunAutoML))
	assert.False(t, card.Supports("process_dataset"))
}
