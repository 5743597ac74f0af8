package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

const (
	defaultOPATimeout = 5 * time.Second
	defaultOPAPath    = "/v1/data/agentbus/authz"
)

// OPAConfig configures the remote OPA engine.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g., "http://localhost:8181").
	URL string `json:"url"`
	// DecisionPath overrides the default OPA decision path.
	DecisionPath string `json:"decision_path,omitempty"`
	// Timeout sets the HTTP call timeout. Default: 5s.
	Timeout time.Duration `json:"timeout,omitempty"`
	// PolicyVersion is a human-readable identifier for the policy bundle.
	PolicyVersion string `json:"policy_version,omitempty"`
}

// OPAEngine evaluates requests against a remote OPA HTTP API. Transport
// and protocol failures surface as errors so the client can apply its
// fail-closed or fail-open posture; policy denials are results.
type OPAEngine struct {
	cfg    OPAConfig
	client *http.Client
}

// NewOPAEngine creates an OPA-backed engine.
func NewOPAEngine(cfg OPAConfig) *OPAEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.DecisionPath == "" {
		cfg.DecisionPath = defaultOPAPath
	}
	return &OPAEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies the engine in decision metadata.
func (o *OPAEngine) Name() string { return "opa" }

// opaRequest is the OPA input envelope.
type opaRequest struct {
	Input *Request `json:"input"`
}

// opaResponse is the OPA result envelope.
type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations,omitempty"`
}

// Evaluate posts the request to the OPA decision endpoint.
func (o *OPAEngine) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(opaRequest{Input: req})
	if err != nil {
		return nil, fmt.Errorf("policy: marshal OPA input: %w", err)
	}

	url := o.cfg.URL + o.cfg.DecisionPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("policy: build OPA request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("policy: OPA unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy: OPA returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("policy: read OPA response: %w", err)
	}

	var opaResp opaResponse
	if err := json.Unmarshal(body, &opaResp); err != nil {
		return nil, fmt.Errorf("policy: parse OPA response: %w", err)
	}
	if opaResp.Result == nil {
		return nil, fmt.Errorf("policy: OPA response missing result for %q", o.cfg.DecisionPath)
	}

	result := &Result{
		Violations: opaResp.Result.Violations,
		Metadata: map[string]any{
			"engine":         o.Name(),
			"policy_version": o.cfg.PolicyVersion,
			"decision_path":  o.cfg.DecisionPath,
		},
	}
	if opaResp.Result.Allow {
		result.Decision = contracts.DecisionAllow
	} else {
		result.Decision = contracts.DecisionDeny
		if len(result.Violations) == 0 {
			result.Violations = []string{"policy denied request"}
		}
	}
	return result, nil
}
