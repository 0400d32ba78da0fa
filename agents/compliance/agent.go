package compliance

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// AgentID is the registry id of the compliance agent.
const AgentID = "compliance.v1"

// VerbReviewModel is the capability verb advertised by the agent card.
const VerbReviewModel a2a.Verb = "review_model"

// DefaultBiasThreshold is the highest bias a model may have and still pass.
const DefaultBiasThreshold = 0.05

// Intent is the verdict of a review.
type Intent string

const (
	IntentApprove Intent = "APPROVE"
	IntentRetrain Intent = "RETRAIN"
)

// ReasonBias is the RETRAIN reason when the bias threshold is exceeded.
const ReasonBias = "bias"

// Payload fields and artifact names.
const (
	FieldModelID   = "model_id"
	FieldProjectID = "project_id"
	FieldBias      = "bias"
	FieldIntent    = "intent"
	FieldReason    = "reason"
	FieldThreshold = "threshold"
	FieldDrift     = "drift_notices"

	ArtifactReview = "review"
)

// Config configures the agent.
type Config struct {
	BiasThreshold float64 `yaml:"bias_threshold" json:"bias_threshold"`
}

// Agent reviews trained models against the bias threshold.
type Agent struct {
	cfg     Config
	metrics backend.MetricsReporter
	drift   atomic.Int64
	logger  *zap.Logger
}

// New creates the agent. metrics is consulted when a review request carries
// no bias value and may be nil.
func New(cfg Config, metrics backend.MetricsReporter, logger *zap.Logger) *Agent {
	if cfg.BiasThreshold <= 0 {
		cfg.BiasThreshold = DefaultBiasThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "compliance_agent")),
	}
}

// Card returns the agent descriptor.
func Card(endpoint string) *a2a.AgentDescriptor {
	return a2a.NewAgentDescriptor(AgentID, "ComplianceAgent",
		"Reviews trained models for bias and receives data drift notices.", endpoint,
		a2a.VerbCall, a2a.VerbEvent, a2a.VerbGetStatus, a2a.VerbCancel, VerbReviewModel,
	).WithAuth(a2a.AuthBearer)
}

// Table returns the handler table.
func (a *Agent) Table() capability.Table {
	review := capability.Validated(a.validate, a.review)
	return capability.Table{
		a2a.VerbCall:    review,
		VerbReviewModel: review,
		a2a.VerbEvent:   capability.HandlerFunc(a.notice),
	}
}

// Decide returns the verdict for bias.
func (a *Agent) Decide(bias float64) (Intent, string) {
	if bias > a.cfg.BiasThreshold {
		return IntentRetrain, ReasonBias
	}
	return IntentApprove, ""
}

// DriftNotices returns the number of drift notices received.
func (a *Agent) DriftNotices() int64 {
	return a.drift.Load()
}

func (a *Agent) validate(inv *capability.Invocation) error {
	if _, ok := inv.Payload.String(FieldModelID); !ok {
		return types.Errorf(types.ErrValidation, "missing required field %s", FieldModelID)
	}
	if raw, ok := inv.Payload.Field(FieldBias); ok {
		if _, ok := inv.Payload.Float(FieldBias); !ok {
			return types.Errorf(types.ErrValidation, "%s must be a number, got %T", FieldBias, raw)
		}
		return nil
	}
	if a.metrics == nil {
		return types.Errorf(types.ErrValidation, "missing required field %s", FieldBias)
	}
	return nil
}

func (a *Agent) review(ctx context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
	model, _ := inv.Payload.String(FieldModelID)
	bias, ok := inv.Payload.Float(FieldBias)
	if !ok {
		metrics, err := a.metrics.ModelMetrics(ctx, backend.ModelID(model))
		if err != nil {
			return nil, err
		}
		if bias, ok = metrics[backend.MetricBias]; !ok {
			return nil, types.Errorf(types.ErrBackend, "no bias metric reported for model %s", model)
		}
	}

	intent, reason := a.Decide(bias)
	verdict := map[string]any{
		FieldIntent:    string(intent),
		FieldModelID:   model,
		FieldBias:      bias,
		FieldThreshold: a.cfg.BiasThreshold,
		FieldDrift:     a.drift.Load(),
	}
	if reason != "" {
		verdict[FieldReason] = reason
	}
	if project, ok := inv.Payload.String(FieldProjectID); ok {
		verdict[FieldProjectID] = project
	}
	a.logger.Info("model reviewed",
		zap.String("task_id", inv.TaskID),
		zap.String("model_id", model),
		zap.Float64("bias", bias),
		zap.String("intent", string(intent)))

	return &capability.Outcome{
		Artifacts: a2a.Artifacts{ArtifactReview: {a2a.DataPart(verdict)}},
	}, nil
}

func (a *Agent) notice(_ context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
	n := a.drift.Add(1)
	a.logger.Warn("drift notice received",
		zap.String("task_id", inv.TaskID),
		zap.String("sender", inv.Message.Sender),
		zap.String("text", inv.Payload.Text()),
		zap.Int64("total", n))
	return nil, nil
}
