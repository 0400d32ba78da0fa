package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimulatorConfig configures the deterministic in-process backend.
type SimulatorConfig struct {
	// Latency is applied to every call through a ctx-aware timer.
	Latency time.Duration `yaml:"latency" json:"latency"`

	// AutopilotLatency overrides Latency for RunAutopilot when non-zero.
	AutopilotLatency time.Duration `yaml:"autopilot_latency" json:"autopilot_latency"`

	// BiasSequence is the bias reported for successive trained models.
	// The last value repeats once the sequence is exhausted.
	BiasSequence []float64 `yaml:"bias_sequence" json:"bias_sequence"`
}

// Simulator is a deterministic Backend and MetricsReporter. Handles are
// numbered in call order, so runs with the same inputs produce the same ids.
type Simulator struct {
	cfg SimulatorConfig

	mu       sync.Mutex
	calls    map[string]int
	failures map[string]error
	datasets int
	projects map[ProjectHandle]*simProject
	models   map[ModelID]float64
	trained  int
}

type simProject struct {
	dataset DatasetHandle
	target  string
	model   ModelID
}

// NewSimulator creates a simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	return &Simulator{
		cfg:      cfg,
		calls:    make(map[string]int),
		failures: make(map[string]error),
		projects: make(map[ProjectHandle]*simProject),
		models:   make(map[ModelID]float64),
	}
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (s *Simulator) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (s *Simulator) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Upload implements Backend.
func (s *Simulator) Upload(ctx context.Context, datasetPath string) (DatasetHandle, error) {
	if err := s.enter(ctx, OpUpload, s.cfg.Latency); err != nil {
		return "", err
	}
	if datasetPath == "" {
		return "", fmt.Errorf("dataset path is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets++
	return DatasetHandle(fmt.Sprintf("ds-%d", s.datasets)), nil
}

// CreateProject implements Backend.
func (s *Simulator) CreateProject(ctx context.Context, dataset DatasetHandle, targetFeature string) (ProjectHandle, error) {
	if err := s.enter(ctx, OpCreateProject, s.cfg.Latency); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := ProjectHandle(fmt.Sprintf("proj-%d", len(s.projects)+1))
	s.projects[h] = &simProject{dataset: dataset, target: targetFeature}
	return h, nil
}

// RunAutopilot implements Backend.
func (s *Simulator) RunAutopilot(ctx context.Context, project ProjectHandle) error {
	latency := s.cfg.Latency
	if s.cfg.AutopilotLatency > 0 {
		latency = s.cfg.AutopilotLatency
	}
	if err := s.enter(ctx, OpRunAutopilot, latency); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[project]
	if !ok {
		return fmt.Errorf("unknown project %s", project)
	}
	if p.model == "" {
		s.trained++
		p.model = ModelID(fmt.Sprintf("model-%d", s.trained))
		s.models[p.model] = s.biasFor(s.trained)
	}
	return nil
}

// TopModel implements Backend.
func (s *Simulator) TopModel(ctx context.Context, project ProjectHandle) (ModelID, error) {
	if err := s.enter(ctx, OpTopModel, s.cfg.Latency); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[project]
	if !ok {
		return "", fmt.Errorf("unknown project %s", project)
	}
	if p.model == "" {
		return "", fmt.Errorf("project %s has not been trained", project)
	}
	return p.model, nil
}

// ModelMetrics implements MetricsReporter.
func (s *Simulator) ModelMetrics(ctx context.Context, model ModelID) (map[string]float64, error) {
	if err := s.enter(ctx, OpModelMetrics, s.cfg.Latency); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bias, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %s", model)
	}
	return map[string]float64{MetricBias: bias}, nil
}

// biasFor returns the bias of the n-th trained model (1-based).
func (s *Simulator) biasFor(n int) float64 {
	seq := s.cfg.BiasSequence
	if len(seq) == 0 {
		return 0
	}
	if n > len(seq) {
		return seq[len(seq)-1]
	}
	return seq[n-1]
}

func (s *Simulator) enter(ctx context.Context, op string, latency time.Duration) error {
	s.mu.Lock()
	s.calls[op]++
	failure := s.failures[op]
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	return failure
}
