package dataprep

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// AgentID is the registry id of the data preparation agent.
const AgentID = "datarep.v1"

// Capability verbs advertised by the agent card.
const (
	VerbProcessDataset a2a.Verb = "process_dataset"
	VerbDetectDrift    a2a.Verb = "detect_drift"
)

// Payload fields and artifact names.
const (
	FieldDatasetPath   = "dataset_path"
	FieldProcessedPath = "processed_path"
	FieldDriftDetected = "drift_detected"

	ArtifactResult = "result"
)

// DriftNotice is the text of the EVENT sent when drift is detected.
const DriftNotice = "Potential data drift detected in processed dataset."

// Preparer cleans and encodes a raw dataset and returns the processed path.
type Preparer interface {
	Prepare(ctx context.Context, datasetPath string) (string, error)
}

// DriftDetector reports whether a processed dataset drifted.
type DriftDetector interface {
	DetectDrift(ctx context.Context, processedPath string) (bool, error)
}

// DriftFunc adapts a function to DriftDetector.
type DriftFunc func(ctx context.Context, processedPath string) (bool, error)

// DetectDrift implements DriftDetector.
func (f DriftFunc) DetectDrift(ctx context.Context, processedPath string) (bool, error) {
	return f(ctx, processedPath)
}

// StaticDrift returns a detector that always answers drifted.
func StaticDrift(drifted bool) DriftDetector {
	return DriftFunc(func(context.Context, string) (bool, error) { return drifted, nil })
}

// EncodedPath derives the processed location of a raw dataset: every "raw"
// in the path becomes "enc".
func EncodedPath(datasetPath string) string {
	return strings.ReplaceAll(datasetPath, "raw", "enc")
}

// EncodingPreparer derives the processed path with EncodedPath. When Copy is
// set the raw file is copied to the processed location so downstream stages
// can read it.
type EncodingPreparer struct {
	Copy bool
}

// Prepare implements Preparer.
func (p EncodingPreparer) Prepare(ctx context.Context, datasetPath string) (string, error) {
	out := EncodedPath(datasetPath)
	if !p.Copy || out == datasetPath {
		return out, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := copyFile(datasetPath, out); err != nil {
		return "", fmt.Errorf("encode %s: %w", datasetPath, err)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Config configures the agent.
type Config struct {
	// ComplianceID receives drift notices.
	ComplianceID string
}

// Agent prepares datasets and reports drift to the compliance agent.
type Agent struct {
	cfg      Config
	preparer Preparer
	drift    DriftDetector
	logger   *zap.Logger
}

// New creates the agent. A nil detector never reports drift.
func New(cfg Config, preparer Preparer, drift DriftDetector, logger *zap.Logger) *Agent {
	if cfg.ComplianceID == "" {
		cfg.ComplianceID = "compliance.v1"
	}
	if preparer == nil {
		preparer = EncodingPreparer{}
	}
	if drift == nil {
		drift = StaticDrift(false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:      cfg,
		preparer: preparer,
		drift:    drift,
		logger:   logger.With(zap.String("component", "dataprep_agent")),
	}
}

// Card returns the agent descriptor.
func Card(endpoint string) *a2a.AgentDescriptor {
	return a2a.NewAgentDescriptor(AgentID, "DataPrepAgent",
		"Cleans & encodes raw tabular data. Can detect drift.", endpoint,
		a2a.VerbCall, a2a.VerbGetStatus, a2a.VerbCancel,
		VerbProcessDataset, VerbDetectDrift,
	).WithAuth(a2a.AuthBearer)
}

// Table returns the handler table. CALL and process_dataset share a handler.
func (a *Agent) Table() capability.Table {
	process := capability.Validated(requireString(FieldDatasetPath), a.process)
	return capability.Table{
		a2a.VerbCall:       process,
		VerbProcessDataset: process,
		VerbDetectDrift:    capability.Validated(requireString(FieldProcessedPath), a.detect),
	}
}

func requireString(field string) func(*capability.Invocation) error {
	return func(inv *capability.Invocation) error {
		if _, ok := inv.Payload.String(field); !ok {
			return types.Errorf(types.ErrValidation, "missing required field %s", field)
		}
		return nil
	}
}

func (a *Agent) process(ctx context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
	datasetPath, _ := inv.Payload.String(FieldDatasetPath)
	log := a.logger.With(zap.String("task_id", inv.TaskID), zap.String("dataset_path", datasetPath))

	processed, err := a.preparer.Prepare(ctx, datasetPath)
	if err != nil {
		return nil, types.NewError(types.ErrBackend, "dataset preparation failed").WithCause(err)
	}
	drifted, err := a.drift.DetectDrift(ctx, processed)
	if err != nil {
		return nil, types.NewError(types.ErrBackend, "drift detection failed").WithCause(err)
	}
	log.Info("dataset processed", zap.String("processed_path", processed), zap.Bool("drift_detected", drifted))

	out := &capability.Outcome{
		Artifacts: a2a.Artifacts{ArtifactResult: {a2a.DataPart(map[string]any{
			FieldDatasetPath:   datasetPath,
			FieldProcessedPath: processed,
			FieldDriftDetected: drifted,
		})}},
	}
	if drifted {
		out.FollowOns = []*a2a.Message{a.driftEvent(inv, processed)}
	}
	return out, nil
}

func (a *Agent) detect(ctx context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
	processed, _ := inv.Payload.String(FieldProcessedPath)
	drifted, err := a.drift.DetectDrift(ctx, processed)
	if err != nil {
		return nil, types.NewError(types.ErrBackend, "drift detection failed").WithCause(err)
	}
	out := &capability.Outcome{
		Artifacts: a2a.Artifacts{ArtifactResult: {a2a.DataPart(map[string]any{
			FieldProcessedPath: processed,
			FieldDriftDetected: drifted,
		})}},
	}
	if drifted {
		out.FollowOns = []*a2a.Message{a.driftEvent(inv, processed)}
	}
	return out, nil
}

func (a *Agent) driftEvent(inv *capability.Invocation, processed string) *a2a.Message {
	return inv.Event(a.cfg.ComplianceID, a2a.NewPayload(
		a2a.TextPart(DriftNotice),
		a2a.DataPart(map[string]any{FieldProcessedPath: processed}),
	))
}
