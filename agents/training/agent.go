package training

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// AgentID is the registry id of the training agent.
const AgentID = "automl.v1"

// VerbRunAutoML is the capability verb advertised by the agent card.
const VerbRunAutoML a2a.Verb = "run_automl"

// Payload fields and artifact names.
const (
	FieldProcessedDataPath = "processed_data_path"
	FieldTargetFeature     = "target_feature"
	FieldParams            = "params"

	FieldProjectID       = "project_id"
	FieldDatasetID       = "dataset_id"
	FieldChampionModelID = "champion_model_id"
	FieldModelID         = "model_id"
	FieldBias            = "bias"

	ArtifactResults = "automl_results"
)

// Config configures the agent.
type Config struct {
	// ReviewerID receives the follow-on review CALL. Empty disables it.
	ReviewerID string
}

// Agent runs training projects on the backend and asks the reviewer to
// check the champion model.
type Agent struct {
	cfg     Config
	backend backend.Backend
	logger  *zap.Logger
}

// New creates the agent. backend is usually a *backend.Guard.
func New(cfg Config, b backend.Backend, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:     cfg,
		backend: b,
		logger:  logger.With(zap.String("component", "training_agent")),
	}
}

// Card returns the agent descriptor.
func Card(endpoint string) *a2a.AgentDescriptor {
	return a2a.NewAgentDescriptor(AgentID, "AutoMLAgent",
		"Runs AutoML training projects.", endpoint,
		a2a.VerbCall, a2a.VerbGetStatus, a2a.VerbCancel, VerbRunAutoML,
	).WithAuth(a2a.AuthBearer)
}

// Table returns the handler table. CALL and run_automl share a handler.
func (a *Agent) Table() capability.Table {
	h := capability.Validated(a.validate, a.run)
	return capability.Table{
		a2a.VerbCall:  h,
		VerbRunAutoML: h,
	}
}

func (a *Agent) validate(inv *capability.Invocation) error {
	path, ok := inv.Payload.String(FieldProcessedDataPath)
	if !ok {
		return types.Errorf(types.ErrValidation, "missing required field %s", FieldProcessedDataPath)
	}
	if _, ok := inv.Payload.String(FieldTargetFeature); !ok {
		return types.Errorf(types.ErrValidation, "missing required field %s", FieldTargetFeature)
	}
	info, err := os.Stat(path)
	if err != nil {
		return types.Errorf(types.ErrValidation, "processed data %s is not readable", path).WithCause(err)
	}
	if info.IsDir() {
		return types.Errorf(types.ErrValidation, "processed data %s is a directory", path)
	}
	if raw, ok := inv.Payload.Field(FieldParams); ok {
		if _, ok := raw.(map[string]any); !ok {
			return types.Errorf(types.ErrValidation, "%s must be an object", FieldParams)
		}
	}
	return nil
}

func (a *Agent) run(ctx context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
	path, _ := inv.Payload.String(FieldProcessedDataPath)
	target, _ := inv.Payload.String(FieldTargetFeature)
	log := a.logger.With(zap.String("task_id", inv.TaskID), zap.String("target_feature", target))

	dataset, err := a.backend.Upload(ctx, path)
	if err != nil {
		return nil, err
	}
	project, err := a.backend.CreateProject(ctx, dataset, target)
	if err != nil {
		return nil, err
	}
	log.Info("autopilot started", zap.String("project_id", string(project)))
	if err := a.backend.RunAutopilot(ctx, project); err != nil {
		return nil, err
	}
	model, err := a.backend.TopModel(ctx, project)
	if err != nil {
		return nil, err
	}

	results := map[string]any{
		FieldProjectID:       string(project),
		FieldDatasetID:       string(dataset),
		FieldChampionModelID: string(model),
		FieldTargetFeature:   target,
	}
	if params, ok := inv.Payload.Field(FieldParams); ok {
		results[FieldParams] = params
	}
	review := map[string]any{
		FieldProjectID: string(project),
		FieldModelID:   string(model),
	}
	if reporter, ok := a.backend.(backend.MetricsReporter); ok {
		metrics, err := reporter.ModelMetrics(ctx, model)
		if err != nil {
			return nil, err
		}
		if bias, ok := metrics[backend.MetricBias]; ok {
			results[FieldBias] = bias
			review[FieldBias] = bias
		}
	}
	log.Info("training completed", zap.String("project_id", string(project)), zap.String("model_id", string(model)))

	out := &capability.Outcome{
		Artifacts: a2a.Artifacts{ArtifactResults: {a2a.DataPart(results)}},
		Notice:    "AutoML completed.",
	}
	if a.cfg.ReviewerID != "" {
		out.FollowOns = []*a2a.Message{inv.Call(a.cfg.ReviewerID, a2a.NewPayload(
			a2a.TextPart(fmt.Sprintf("Review model %s from project %s.", model, project)),
			a2a.DataPart(review),
		))}
	}
	return out, nil
}
