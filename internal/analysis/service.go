package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/resilience"
)

// ServiceOption configures a ServiceAnalyzer.
type ServiceOption func(*ServiceAnalyzer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ServiceOption {
	return func(a *ServiceAnalyzer) {
		a.http = hc
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) ServiceOption {
	return func(a *ServiceAnalyzer) {
		a.apiKey = key
	}
}

// WithRetryPolicy overrides the retry policy (for testing).
func WithRetryPolicy(p resilience.Policy) ServiceOption {
	return func(a *ServiceAnalyzer) {
		a.policy = p
	}
}

// ServiceAnalyzer delegates a stage to the external model service.
type ServiceAnalyzer struct {
	stage    model.Stage
	endpoint string
	apiKey   string
	http     *http.Client
	policy   resilience.Policy
}

var _ Analyzer = (*ServiceAnalyzer)(nil)

// NewServiceAnalyzer creates an analyzer that posts records to
// {endpoint}/analyze/{stage}.
func NewServiceAnalyzer(stage model.Stage, endpoint string, opts ...ServiceOption) *ServiceAnalyzer {
	a := &ServiceAnalyzer{
		stage:    stage,
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 5 * time.Minute},
		policy:   resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy.OnRetry == nil {
		a.policy.OnRetry = resilience.LogRetry("model-service", string(stage))
	}
	return a
}

// Stage implements Analyzer.
func (a *ServiceAnalyzer) Stage() model.Stage { return a.stage }

type analyzeRequest struct {
	Company string             `json:"company"`
	Stage   model.Stage        `json:"stage"`
	Records []model.TextRecord `json:"records"`
}

// analyzeResponse carries JSON artifacts verbatim and binary files base64
// encoded.
type analyzeResponse struct {
	Artifacts map[string]json.RawMessage `json:"artifacts"`
	Files     map[string]string          `json:"files"`
}

// Analyze implements Analyzer.
func (a *ServiceAnalyzer) Analyze(ctx context.Context, company string, records []model.TextRecord) (*model.StageOutput, error) {
	body, err := json.Marshal(analyzeRequest{Company: company, Stage: a.stage, Records: records})
	if err != nil {
		return nil, eris.Wrap(err, "analysis: marshal request")
	}

	resp, err := resilience.DoVal(ctx, a.policy, func(ctx context.Context) (*analyzeResponse, error) {
		return a.post(ctx, body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: %s", a.stage)
	}

	out := &model.StageOutput{}
	for _, name := range sortedKeys(resp.Artifacts) {
		out.Add(name, indentJSON(resp.Artifacts[name]))
	}
	for _, name := range sortedKeys(resp.Files) {
		b, err := base64.StdEncoding.DecodeString(resp.Files[name])
		if err != nil {
			return nil, eris.Wrapf(err, "analysis: %s: decode file %s", a.stage, name)
		}
		out.Add(name, b)
	}
	if len(out.Artifacts) == 0 {
		return nil, eris.Errorf("analysis: %s: model service returned no artifacts", a.stage)
	}

	zap.L().Debug("analysis: model service responded",
		zap.String("stage", string(a.stage)),
		zap.String("company", company),
		zap.Strings("artifacts", out.Names()),
	)
	return out, nil
}

func (a *ServiceAnalyzer) post(ctx context.Context, body []byte) (*analyzeResponse, error) {
	url := a.endpoint + "/analyze/" + string(a.stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "analysis: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "analysis: do request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("analysis", resp.StatusCode, raw)
	}

	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "analysis: decode response")
	}
	return &out, nil
}

func indentJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
