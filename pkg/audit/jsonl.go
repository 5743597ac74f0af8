package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// JSONLSink writes one JSON object per line to a writer. It is the
// default sink, pointed at a local append-only file or stdout.
type JSONLSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONLSink creates a sink writing to w. A nil writer uses stdout.
func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLSink{writer: w}
}

// Name identifies the sink in logs and breaker names.
func (s *JSONLSink) Name() string { return "jsonl" }

// Write appends the batch, one line per entry.
func (s *JSONLSink) Write(ctx context.Context, entries []contracts.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.writer)
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}
