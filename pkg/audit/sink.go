// Package audit persists governance audit entries off the hot path. A
// bounded drop-oldest queue decouples message processing from sink
// latency; a batching worker fans batches out to every configured sink
// through per-sink circuit breakers, and a batch is considered durable
// once any one sink acknowledges it.
package audit

import (
	"context"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Sink persists audit entry batches.
type Sink interface {
	Write(ctx context.Context, entries []contracts.AuditEntry) error
	Name() string
}
