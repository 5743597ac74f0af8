// Package policy evaluates governance policy for bus messages. It
// supports a remote OPA engine and a local CEL engine behind one
// interface, fronted by a TTL'd LRU decision cache, request coalescing,
// and a circuit breaker with configurable fail-closed semantics.
package policy

import (
	"context"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Request is the canonical policy input. Its JCS form is the cache
// fingerprint, so two requests with identical fields always hit the
// same cache entry.
type Request struct {
	Principal string         `json:"principal"`
	Role      string         `json:"role,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// NewRequest builds the policy input for a message.
func NewRequest(msg *contracts.Message, role contracts.Role) *Request {
	return &Request{
		Principal: msg.FromAgent,
		Role:      string(role),
		Action:    msg.Action(),
		Resource:  msg.ToAgent,
		TenantID:  msg.TenantID,
		Input:     msg.Content,
	}
}

// Result is an engine verdict. Engines return errors only for
// evaluation failures (transport, compile); a policy "no" is a deny
// result, not an error.
type Result struct {
	Decision   contracts.Decision `json:"decision"`
	Violations []string           `json:"violations,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
}

// Engine evaluates policy requests.
type Engine interface {
	Evaluate(ctx context.Context, req *Request) (*Result, error)
	Name() string
}
