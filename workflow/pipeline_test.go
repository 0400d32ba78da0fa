package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/discovery"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/agent/router"
	"github.com/BaSui01/a2aflow/agents/compliance"
	"github.com/BaSui01/a2aflow/agents/dataprep"
	"github.com/BaSui01/a2aflow/agents/training"
	"github.com/BaSui01/a2aflow/types"
)

type stack struct {
	sim        *backend.Simulator
	router     *router.Router
	tracker    *persistence.Tracker
	compliance *compliance.Agent
}

func newStack(t *testing.T, bias []float64, drift bool) *stack {
	t.Helper()
	s := &stack{
		sim:     backend.NewSimulator(backend.SimulatorConfig{BiasSequence: bias}),
		tracker: persistence.NewTracker(persistence.NewMemoryTaskStore(), nil),
	}
	registry := discovery.NewRegistry(nil)
	s.router = router.New(registry, router.DefaultConfig())
	t.Cleanup(s.router.Close)

	s.compliance = compliance.New(compliance.Config{}, s.sim, nil)
	agents := []struct {
		card  func(string) *a2a.AgentDescriptor
		id    string
		table capability.Table
	}{
		{dataprep.Card, dataprep.AgentID, dataprep.New(dataprep.Config{}, dataprep.EncodingPreparer{Copy: true}, dataprep.StaticDrift(drift), nil).Table()},
		{training.Card, training.AgentID, training.New(training.Config{ReviewerID: compliance.AgentID}, s.sim, nil).Table()},
		{compliance.Card, compliance.AgentID, s.compliance.Table()},
	}
	for _, a := range agents {
		require.NoError(t, registry.Register(a.card("")))
		require.NoError(t, s.router.Handle(a.id, capability.New(a.id, a.table, s.tracker)))
	}
	return s
}

func rawDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw", "churn.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("churn,tenure\n1,3\n0,12\n"), 0o600))
	return path
}

func churnRequest(t *testing.T) Request {
	return Request{DatasetPath: rawDataset(t), TargetFeature: "Churn"}
}

func TestPipeline_ApprovedOnFirstPass(t *testing.T) {
	s := newStack(t, []float64{0.01}, false)
	p := NewPipeline(s.router, DefaultConfig())
	req := churnRequest(t)

	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, compliance.IntentApprove, res.Intent)
	assert.Equal(t, 0, res.RetrainCycles)
	assert.Equal(t, "model-1", res.ModelID)
	assert.Equal(t, "proj-1", res.ProjectID)
	assert.Equal(t, dataprep.EncodedPath(req.DatasetPath), res.ProcessedPath)
	assert.FileExists(t, res.ProcessedPath)

	require.NotNil(t, res.Review)
	assert.Equal(t, "model-1", res.Review.ModelID)
	assert.InDelta(t, 0.01, res.Review.Bias, 1e-9)

	require.Len(t, res.Steps, 3)
	stages := []string{res.Steps[0].Stage, res.Steps[1].Stage, res.Steps[2].Stage}
	assert.Equal(t, []string{StageDataPrep, StageTraining, StageReview}, stages)
	for _, st := range res.Steps {
		assert.Equal(t, persistence.StateCompleted, st.State)
		rec, err := s.tracker.Snapshot(context.Background(), st.AgentID, st.TaskID)
		require.NoError(t, err)
		assert.Equal(t, persistence.StateCompleted, rec.State)
	}
	assert.Equal(t, 1, s.sim.Calls(backend.OpUpload))
}

func TestPipeline_RetrainThenApprove(t *testing.T) {
	s := newStack(t, []float64{0.07, 0.02}, false)
	p := NewPipeline(s.router, DefaultConfig(), WithPolicy(ScaleParam("max_models", 2)))
	req := churnRequest(t)
	req.Params = map[string]any{"max_models": 10}

	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, compliance.IntentApprove, res.Intent)
	assert.Equal(t, 1, res.RetrainCycles)
	assert.Equal(t, "model-2", res.ModelID)
	assert.Equal(t, 2, s.sim.Calls(backend.OpRunAutopilot))
	assert.Len(t, res.Steps, 5)

	// 每次重训都是新任务
	var trainTasks []string
	for _, st := range res.Steps {
		if st.Stage == StageTraining {
			trainTasks = append(trainTasks, st.TaskID)
		}
	}
	require.Len(t, trainTasks, 2)
	assert.NotEqual(t, trainTasks[0], trainTasks[1])

	rec, err := s.tracker.Snapshot(context.Background(), p.Config().TrainingID, trainTasks[1])
	require.NoError(t, err)
	params, ok := rec.Artifacts.Field(training.ArtifactResults, training.FieldParams)
	require.True(t, ok)
	assert.Equal(t, 20.0, params.(map[string]any)["max_models"])
	assert.Equal(t, 10, req.Params["max_models"], "request params must not be mutated")
}

func TestPipeline_RetryLimit(t *testing.T) {
	s := newStack(t, []float64{0.07}, false)
	p := NewPipeline(s.router, DefaultConfig())

	res, err := p.Run(context.Background(), churnRequest(t))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRetryLimitExceeded))

	var limit *RetryLimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, compliance.IntentRetrain, limit.Review.Intent)
	assert.Equal(t, compliance.ReasonBias, limit.Review.Reason)
	assert.Equal(t, "model-2", limit.Review.ModelID)
	assert.Same(t, res, limit.Result)
	assert.Equal(t, 1, res.RetrainCycles)
	assert.Equal(t, compliance.IntentRetrain, res.Intent)
}

func TestPipeline_ZeroRetriesNeverRetrains(t *testing.T) {
	s := newStack(t, []float64{0.5}, false)
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	p := NewPipeline(s.router, cfg)

	_, err := p.Run(context.Background(), churnRequest(t))
	assert.True(t, types.IsCode(err, types.ErrRetryLimitExceeded))
	assert.Equal(t, 1, s.sim.Calls(backend.OpRunAutopilot))
}

// Property: a reviewer that always asks for retraining produces exactly
// MaxRetries retrain cycles before RETRY_LIMIT_EXCEEDED.
func TestProperty_RetrainCyclesBoundedByMaxRetries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("retrain loop stops after MaxRetries cycles", prop.ForAll(
		func(maxRetries int) bool {
			s := newStack(t, []float64{0.9}, false)
			cfg := DefaultConfig()
			cfg.MaxRetries = maxRetries
			p := NewPipeline(s.router, cfg)

			res, err := p.Run(context.Background(), churnRequest(t))
			if !types.IsCode(err, types.ErrRetryLimitExceeded) {
				t.Logf("unexpected error: %v", err)
				return false
			}
			return res.RetrainCycles == maxRetries &&
				s.sim.Calls(backend.OpRunAutopilot) == maxRetries+1
		},
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestPipeline_DataPrepFailureStopsRun(t *testing.T) {
	s := newStack(t, []float64{0.01}, false)
	p := NewPipeline(s.router, DefaultConfig())

	res, err := p.Run(context.Background(), Request{
		DatasetPath:   filepath.Join(t.TempDir(), "raw", "missing.csv"),
		TargetFeature: "Churn",
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBackend))
	require.Len(t, res.Steps, 1)
	assert.Equal(t, persistence.StateFailed, res.Steps[0].State)
	assert.Equal(t, 0, s.sim.TotalCalls())
}

func TestPipeline_TrainingFailureStopsRun(t *testing.T) {
	s := newStack(t, []float64{0.01}, false)
	s.sim.FailOn(backend.OpRunAutopilot, errors.New("quota exceeded"))
	p := NewPipeline(s.router, DefaultConfig())

	res, err := p.Run(context.Background(), churnRequest(t))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBackend))
	assert.Nil(t, res.Review)
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, 0, s.sim.Calls(backend.OpModelMetrics))
}

func TestPipeline_ValidatesRequest(t *testing.T) {
	s := newStack(t, nil, false)
	p := NewPipeline(s.router, DefaultConfig())

	_, err := p.Run(context.Background(), Request{TargetFeature: "Churn"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = p.Run(context.Background(), Request{DatasetPath: "data/raw/x.csv"})
	assert.True(t, types.IsCode(err, types.ErrValidation))
	assert.Equal(t, 0, s.sim.TotalCalls())
}

func TestPipeline_DriftNoticeReachesCompliance(t *testing.T) {
	s := newStack(t, []float64{0.01}, true)
	p := NewPipeline(s.router, DefaultConfig())

	res, err := p.Run(context.Background(), churnRequest(t))
	require.NoError(t, err)
	assert.Equal(t, compliance.IntentApprove, res.Intent)

	s.router.Close()
	assert.Equal(t, int64(1), s.compliance.DriftNotices())
}

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) ObservePipeline(_ *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func TestPipeline_RunBatch(t *testing.T) {
	s := newStack(t, []float64{0.01}, false)
	obs := &recordingObserver{}
	cfg := DefaultConfig()
	cfg.BatchConcurrency = 2
	p := NewPipeline(s.router, cfg, WithObserver(obs))

	reqs := []Request{churnRequest(t), {DatasetPath: "x.csv"}, churnRequest(t)}
	out := p.RunBatch(context.Background(), reqs)
	require.Len(t, out, 3)

	assert.NoError(t, out[0].Err)
	assert.True(t, types.IsCode(out[1].Err, types.ErrValidation))
	assert.NoError(t, out[2].Err)
	assert.Equal(t, reqs[1], out[1].Request)
	assert.NotEqual(t, out[0].Result.ModelID, out[2].Result.ModelID)
	assert.Len(t, obs.errs, 3)
}

func TestParamPolicies(t *testing.T) {
	params := map[string]any{"max_models": 10, "rate": 0.5, "name": "gbm"}

	next := ScaleParam("rate", 0.5).Next(1, params, Review{})
	assert.Equal(t, 0.25, next["rate"])
	assert.Equal(t, 0.5, params["rate"])

	next = ScaleParam("max_models", 1.5).Next(1, params, Review{})
	assert.Equal(t, 15.0, next["max_models"])

	next = ScaleParam("name", 2).Next(1, params, Review{})
	assert.Equal(t, "gbm", next["name"])

	next = PolicyByName("repeat", "", 0).Next(1, params, Review{})
	assert.Equal(t, params, next)

	next = PolicyByName("scale", "max_models", 2).Next(2, params, Review{})
	assert.Equal(t, 20.0, next["max_models"])
}
