package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/a2aflow/agents/dataprep"
	"github.com/BaSui01/a2aflow/config"
	"github.com/BaSui01/a2aflow/types"
	"github.com/BaSui01/a2aflow/workflow"
)

func rawDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw", "churn.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("churn,tenure\n1,3\n0,12\n"), 0o600))
	return path
}

func sampleRequest(t *testing.T) workflow.Request {
	return workflow.Request{DatasetPath: rawDataset(t), TargetFeature: "churned"}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const quietLog = `
log:
  level: error
  format: json
  output_paths: ["stderr"]
`

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "bogus", Format: "json"})
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "a2aflow "+Version)
	assert.Contains(t, buf.String(), "Git Commit")
}

func TestRunHealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, runHealthCheck([]string{"--addr", ts.URL + "/"}, &out))
	assert.Equal(t, "OK\n", out.String())

	err := runHealthCheck([]string{"--addr", ts.URL, "--ready"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRunPipeline(t *testing.T) {
	path := writeConfig(t, quietLog)

	dataset := rawDataset(t)

	var out bytes.Buffer
	err := runPipeline([]string{"--config", path, "--dataset", dataset, "--target", "churned", "--params", `{"max_depth":6}`}, &out)
	require.NoError(t, err)

	var res workflow.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, dataprep.EncodedPath(dataset), res.ProcessedPath)
	assert.FileExists(t, res.ProcessedPath)
	assert.Equal(t, "APPROVE", string(res.Intent))
}

func TestRunPipeline_RetryLimitPrintsPartialResult(t *testing.T) {
	path := writeConfig(t, quietLog+`
backend:
  type: simulator
  sim_bias: [0.4]
`)

	var out bytes.Buffer
	err := runPipeline([]string{"--config", path, "--dataset", rawDataset(t), "--target", "churned"}, &out)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRetryLimitExceeded))

	var res workflow.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.RetrainCycles)
}

func TestRunPipeline_BadParams(t *testing.T) {
	path := writeConfig(t, quietLog)
	err := runPipeline([]string{"--config", path, "--dataset", "raw/a.csv", "--target", "y", "--params", "not-json"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--params")
}
