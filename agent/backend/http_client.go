package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/internal/tlsutil"
)

// HTTPConfig configures the REST backend client.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Token   string        `yaml:"token" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPClient talks to a training service over a small JSON REST API:
//
//	POST /datasets                   {"path"}            -> {"id"}
//	POST /projects                   {"dataset_id","target"} -> {"id"}
//	POST /projects/{id}/autopilot                        -> 2xx when finished
//	GET  /projects/{id}/top-model                        -> {"model_id"}
//	GET  /models/{id}/metrics                            -> {"metrics":{...}}
type HTTPClient struct {
	cfg     HTTPConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a REST backend client.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Per-call deadlines come from the Guard; this is only a backstop.
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
	return &HTTPClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		client:  tlsutil.SecureHTTPClient(cfg.Timeout),
		logger:  logger.With(zap.String("component", "backend_http")),
	}
}

// Upload implements Backend.
func (c *HTTPClient) Upload(ctx context.Context, datasetPath string) (DatasetHandle, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/datasets", map[string]string{"path": datasetPath}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("backend returned empty dataset id")
	}
	return DatasetHandle(out.ID), nil
}

// CreateProject implements Backend.
func (c *HTTPClient) CreateProject(ctx context.Context, dataset DatasetHandle, targetFeature string) (ProjectHandle, error) {
	var out struct {
		ID string `json:"id"`
	}
	in := map[string]string{"dataset_id": string(dataset), "target": targetFeature}
	if err := c.doJSON(ctx, http.MethodPost, "/projects", in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("backend returned empty project id")
	}
	return ProjectHandle(out.ID), nil
}

// RunAutopilot implements Backend.
func (c *HTTPClient) RunAutopilot(ctx context.Context, project ProjectHandle) error {
	path := fmt.Sprintf("/projects/%s/autopilot", url.PathEscape(string(project)))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// TopModel implements Backend.
func (c *HTTPClient) TopModel(ctx context.Context, project ProjectHandle) (ModelID, error) {
	var out struct {
		ModelID string `json:"model_id"`
	}
	path := fmt.Sprintf("/projects/%s/top-model", url.PathEscape(string(project)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.ModelID == "" {
		return "", fmt.Errorf("backend returned empty model id")
	}
	return ModelID(out.ModelID), nil
}

// ModelMetrics implements MetricsReporter.
func (c *HTTPClient) ModelMetrics(ctx context.Context, model ModelID) (map[string]float64, error) {
	var out struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	path := fmt.Sprintf("/models/%s/metrics", url.PathEscape(string(model)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Metrics, nil
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.cfg.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	c.logger.Debug("backend request", zap.String("method", method), zap.String("path", path))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
