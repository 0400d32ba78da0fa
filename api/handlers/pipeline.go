package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/types"
	"github.com/BaSui01/a2aflow/workflow"
)

// Pipeline runs the dataprep → training → review workflow.
type Pipeline interface {
	Run(ctx context.Context, req workflow.Request) (*workflow.Result, error)
	RunBatch(ctx context.Context, reqs []workflow.Request) []workflow.BatchResult
}

// PipelineHandler 工作流运行入口
type PipelineHandler struct {
	pipeline Pipeline
	maxBatch int
	logger   *zap.Logger
}

// BatchRequest 批量运行请求
type BatchRequest struct {
	Requests []workflow.Request `json:"requests"`
}

// BatchItem is one entry of a batch response.
type BatchItem struct {
	Request workflow.Request `json:"request"`
	Result  *workflow.Result `json:"result,omitempty"`
	Error   *ErrorInfo       `json:"error,omitempty"`
}

// NewPipelineHandler creates a pipeline handler. maxBatch caps the number
// of requests accepted by one batch call.
func NewPipelineHandler(p Pipeline, maxBatch int, logger *zap.Logger) *PipelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBatch <= 0 {
		maxBatch = 32
	}
	return &PipelineHandler{
		pipeline: p,
		maxBatch: maxBatch,
		logger:   logger.With(zap.String("handler", "pipeline")),
	}
}

// HandleRun runs one pipeline and answers with its result. On failure the
// partial result travels in data next to the error.
// @Router /a2a/pipeline/runs [post]
func (h *PipelineHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.pipeline.Run(r.Context(), req)
	if err != nil {
		writeError(w, asAPIError(err), res, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// HandleBatch runs several independent pipelines. The response is 200
// whenever the batch itself was accepted; each item carries its own error.
// @Router /a2a/pipeline/batches [post]
func (h *PipelineHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > h.maxBatch {
		WriteError(w, types.Errorf(types.ErrValidation, "batch must hold 1..%d requests", h.maxBatch), h.logger)
		return
	}

	results := h.pipeline.RunBatch(r.Context(), req.Requests)
	items := make([]BatchItem, 0, len(results))
	for _, br := range results {
		item := BatchItem{Request: br.Request, Result: br.Result}
		if br.Err != nil {
			item.Error = errorInfoOf(br.Err)
		}
		items = append(items, item)
	}
	WriteSuccess(w, items)
}
