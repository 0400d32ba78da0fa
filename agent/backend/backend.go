// Package backend defines the external model-training capability used by
// the training agent, together with a deadline and rate-limit guard, a
// deterministic simulator and a REST client.
package backend

import "context"

// DatasetHandle identifies an uploaded dataset.
type DatasetHandle string

// ProjectHandle identifies a training project.
type ProjectHandle string

// ModelID identifies a trained model.
type ModelID string

// Backend is the model-training service. Every method must honor ctx.
type Backend interface {
	// Upload registers the dataset at datasetPath.
	Upload(ctx context.Context, datasetPath string) (DatasetHandle, error)

	// CreateProject creates a training project predicting targetFeature.
	CreateProject(ctx context.Context, dataset DatasetHandle, targetFeature string) (ProjectHandle, error)

	// RunAutopilot trains candidate models and blocks until training ends.
	RunAutopilot(ctx context.Context, project ProjectHandle) error

	// TopModel returns the best model of a finished project.
	TopModel(ctx context.Context, project ProjectHandle) (ModelID, error)
}

// MetricsReporter is implemented by backends that expose model metrics.
type MetricsReporter interface {
	ModelMetrics(ctx context.Context, model ModelID) (map[string]float64, error)
}

// MetricBias is the metric key holding a model's bias score.
const MetricBias = "bias"

// Operation names reported to observers.
const (
	OpUpload        = "upload"
	OpCreateProject = "create_project"
	OpRunAutopilot  = "run_autopilot"
	OpTopModel      = "top_model"
	OpModelMetrics  = "model_metrics"
)
