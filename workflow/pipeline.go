package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/agent/router"
	"github.com/BaSui01/a2aflow/agents/compliance"
	"github.com/BaSui01/a2aflow/agents/dataprep"
	"github.com/BaSui01/a2aflow/agents/training"
	"github.com/BaSui01/a2aflow/types"
)

// Router routes messages. *router.Router implements it.
type Router interface {
	Route(ctx context.Context, msg *a2a.Message) (*router.Reply, error)
}

// Observer is notified when a pipeline run ends.
type Observer interface {
	ObservePipeline(res *Result, err error)
}

// Config configures a Pipeline.
type Config struct {
	// MaxRetries bounds the number of retrain cycles. Zero disables retraining.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BatchConcurrency bounds RunBatch. Zero or less runs one at a time.
	BatchConcurrency int `yaml:"batch_concurrency" json:"batch_concurrency"`

	Sender     string `yaml:"sender" json:"sender"`
	DataPrepID string `yaml:"dataprep_id" json:"dataprep_id"`
	TrainingID string `yaml:"training_id" json:"training_id"`
	ReviewerID string `yaml:"reviewer_id" json:"reviewer_id"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       1,
		BatchConcurrency: 4,
		Sender:           "orchestrator",
		DataPrepID:       dataprep.AgentID,
		TrainingID:       training.AgentID,
		ReviewerID:       compliance.AgentID,
	}
}

// Request starts one pipeline run.
type Request struct {
	DatasetPath   string         `json:"dataset_path"`
	TargetFeature string         `json:"target_feature"`
	Params        map[string]any `json:"params,omitempty"`
}

// Review is the verdict read from the reviewer's artifacts.
type Review struct {
	TaskID    string            `json:"task_id"`
	Intent    compliance.Intent `json:"intent"`
	Reason    string            `json:"reason,omitempty"`
	ModelID   string            `json:"model_id"`
	ProjectID string            `json:"project_id,omitempty"`
	Bias      float64           `json:"bias"`
}

// Stage names used in Step.
const (
	StageDataPrep = "dataprep"
	StageTraining = "training"
	StageReview   = "review"
)

// Step records one task executed by the pipeline.
type Step struct {
	Stage   string                `json:"stage"`
	Cycle   int                   `json:"cycle"`
	AgentID string                `json:"agent_id"`
	TaskID  string                `json:"task_id"`
	State   persistence.TaskState `json:"state"`
}

// Result is the outcome of a pipeline run. On error it holds whatever was
// completed before the failure.
type Result struct {
	DataPrepTaskID string            `json:"dataprep_task_id"`
	ProcessedPath  string            `json:"processed_path"`
	ModelID        string            `json:"model_id"`
	ProjectID      string            `json:"project_id"`
	Intent         compliance.Intent `json:"intent"`
	RetrainCycles  int               `json:"retrain_cycles"`
	Review         *Review           `json:"review,omitempty"`
	Steps          []Step            `json:"steps"`
}

// RetryLimitError reports that the reviewer still asked for a retrain after
// the last permitted cycle. It matches types.ErrRetryLimitExceeded.
type RetryLimitError struct {
	Review Review
	Result *Result
	err    *types.Error
}

func (e *RetryLimitError) Error() string { return e.err.Error() }

// Unwrap exposes the RETRY_LIMIT_EXCEEDED error.
func (e *RetryLimitError) Unwrap() error { return e.err }

// Pipeline drives dataprep → training → review with a bounded retrain loop.
type Pipeline struct {
	router   Router
	cfg      Config
	policy   ParamPolicy
	observer Observer
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy sets the retrain parameter policy. The default is RepeatParams.
func WithPolicy(policy ParamPolicy) Option {
	return func(p *Pipeline) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// WithObserver sets the run observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a pipeline. Empty agent ids take their defaults; a
// negative MaxRetries is treated as zero.
func NewPipeline(r Router, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.Sender == "" {
		cfg.Sender = def.Sender
	}
	if cfg.DataPrepID == "" {
		cfg.DataPrepID = def.DataPrepID
	}
	if cfg.TrainingID == "" {
		cfg.TrainingID = def.TrainingID
	}
	if cfg.ReviewerID == "" {
		cfg.ReviewerID = def.ReviewerID
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	p := &Pipeline{
		router: r,
		cfg:    cfg,
		policy: RepeatParams(),
		tracer: otel.Tracer("a2aflow/workflow"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run executes one pipeline.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("dataset_path", req.DatasetPath),
		attribute.String("target_feature", req.TargetFeature),
	))
	defer span.End()

	res, err := p.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("model_id", res.ModelID),
			attribute.Int("retrain_cycles", res.RetrainCycles),
		)
	}
	if p.observer != nil {
		p.observer.ObservePipeline(res, err)
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Result, error) {
	if req.DatasetPath == "" {
		return nil, types.NewError(types.ErrValidation, "dataset path is required")
	}
	if req.TargetFeature == "" {
		return nil, types.NewError(types.ErrValidation, "target feature is required")
	}
	log := p.logger.With(zap.String("dataset_path", req.DatasetPath))
	res := &Result{}

	prep, err := p.call(ctx, p.cfg.DataPrepID, a2a.DataPayload(map[string]any{
		dataprep.FieldDatasetPath: req.DatasetPath,
	}))
	if prep != nil && prep.Result != nil {
		res.DataPrepTaskID = prep.Result.TaskID
		res.Steps = append(res.Steps, stepOf(StageDataPrep, 0, prep.Result))
	}
	if err != nil {
		return res, err
	}
	if err := failure(prep.Result); err != nil {
		return res, err
	}
	processed, ok := prep.Result.Artifacts.String(dataprep.ArtifactResult, dataprep.FieldProcessedPath)
	if !ok {
		return res, types.NewError(types.ErrInternalError, "data preparation produced no processed path").
			WithTask(prep.Result.TaskID).WithAgent(p.cfg.DataPrepID)
	}
	res.ProcessedPath = processed
	log.Info("dataset prepared", zap.String("task_id", res.DataPrepTaskID), zap.String("processed_path", processed))

	params := copyParams(req.Params)
	for cycle := 0; ; cycle++ {
		review, err := p.trainAndReview(ctx, res, cycle, processed, req.TargetFeature, params)
		if err != nil {
			return res, err
		}
		res.RetrainCycles = cycle
		res.Review = review
		res.Intent = review.Intent

		switch review.Intent {
		case compliance.IntentApprove:
			log.Info("model approved", zap.String("model_id", res.ModelID), zap.Int("retrain_cycles", cycle))
			return res, nil
		case compliance.IntentRetrain:
		default:
			return res, types.Errorf(types.ErrInternalError, "unknown review intent %q", review.Intent).
				WithTask(review.TaskID).WithAgent(p.cfg.ReviewerID)
		}

		if cycle >= p.cfg.MaxRetries {
			log.Warn("retrain limit reached", zap.Int("max_retries", p.cfg.MaxRetries), zap.String("reason", review.Reason))
			return res, &RetryLimitError{
				Review: *review,
				Result: res,
				err: types.Errorf(types.ErrRetryLimitExceeded,
					"model %s still needs retraining after %d cycles (reason: %s)", review.ModelID, cycle, review.Reason).
					WithTask(review.TaskID).WithAgent(p.cfg.ReviewerID),
			}
		}
		params = p.policy.Next(cycle+1, params, *review)
		log.Info("retrain requested", zap.Int("cycle", cycle+1), zap.String("reason", review.Reason))
	}
}

// trainAndReview runs one training task; the reviewer is reached through the
// training agent's follow-on CALL.
func (p *Pipeline) trainAndReview(ctx context.Context, res *Result, cycle int, processed, target string, params map[string]any) (*Review, error) {
	fields := map[string]any{
		training.FieldProcessedDataPath: processed,
		training.FieldTargetFeature:     target,
	}
	if len(params) > 0 {
		fields[training.FieldParams] = copyParams(params)
	}
	reply, err := p.call(ctx, p.cfg.TrainingID, a2a.DataPayload(fields))
	if reply != nil && reply.Result != nil {
		res.Steps = append(res.Steps, stepOf(StageTraining, cycle, reply.Result))
	}
	var hop *router.Hop
	if reply != nil {
		hop = reply.Last(p.cfg.ReviewerID)
		if hop != nil && hop.Result != nil {
			res.Steps = append(res.Steps, stepOf(StageReview, cycle, hop.Result))
		}
	}
	if err != nil {
		return nil, err
	}
	if err := failure(reply.Result); err != nil {
		return nil, err
	}

	trained := reply.Result
	res.ModelID, _ = trained.Artifacts.String(training.ArtifactResults, training.FieldChampionModelID)
	res.ProjectID, _ = trained.Artifacts.String(training.ArtifactResults, training.FieldProjectID)

	if hop == nil {
		return nil, types.Errorf(types.ErrInternalError, "training task produced no review by %s", p.cfg.ReviewerID).
			WithTask(trained.TaskID).WithAgent(p.cfg.TrainingID)
	}
	if err := failure(hop.Result); err != nil {
		return nil, err
	}
	return reviewOf(hop.Result)
}

func (p *Pipeline) call(ctx context.Context, receiver string, payload a2a.Payload) (*router.Reply, error) {
	return p.router.Route(ctx, a2a.NewCall(p.cfg.Sender, receiver, "", payload))
}

func reviewOf(res *capability.Result) (*Review, error) {
	a := res.Artifacts
	intent, ok := a.String(compliance.ArtifactReview, compliance.FieldIntent)
	if !ok {
		return nil, types.NewError(types.ErrInternalError, "review has no intent").
			WithTask(res.TaskID).WithAgent(res.AgentID)
	}
	r := &Review{TaskID: res.TaskID, Intent: compliance.Intent(intent)}
	r.Reason, _ = a.String(compliance.ArtifactReview, compliance.FieldReason)
	r.ModelID, _ = a.String(compliance.ArtifactReview, compliance.FieldModelID)
	r.ProjectID, _ = a.String(compliance.ArtifactReview, compliance.FieldProjectID)
	r.Bias, _ = a.Float(compliance.ArtifactReview, compliance.FieldBias)
	return r, nil
}

// failure converts a non-COMPLETED result into an error.
func failure(res *capability.Result) error {
	if res == nil {
		return types.NewError(types.ErrInternalError, "no result")
	}
	if res.State == persistence.StateCompleted {
		return nil
	}
	code, msg := types.ErrInternalError, fmt.Sprintf("task ended %s", res.State)
	if res.Error != nil {
		code, msg = res.Error.Code, res.Error.Message
	}
	return types.NewError(code, msg).WithTask(res.TaskID).WithAgent(res.AgentID)
}

func stepOf(stage string, cycle int, res *capability.Result) Step {
	return Step{Stage: stage, Cycle: cycle, AgentID: res.AgentID, TaskID: res.TaskID, State: res.State}
}

// BatchResult pairs a batch request with its outcome.
type BatchResult struct {
	Request Request
	Result  *Result
	Err     error
}

// RunBatch runs independent pipelines concurrently, bounded by
// Config.BatchConcurrency. Results keep the order of reqs; one failing run
// does not stop the others.
func (p *Pipeline) RunBatch(ctx context.Context, reqs []Request) []BatchResult {
	out := make([]BatchResult, len(reqs))
	limit := p.cfg.BatchConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := p.Run(gctx, req)
			out[i] = BatchResult{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
