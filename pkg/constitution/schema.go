package constitution

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the structural contract for wire-decoded envelopes.
// It guards the decode boundary: transports hand raw JSON to
// DecodeEnvelope before the semantic Validator runs.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "message_id", "conversation_id", "from_agent", "message_type",
    "priority", "tenant_id", "constitutional_hash", "content",
    "created_at", "updated_at"
  ],
  "properties": {
    "message_id": {"type": "string", "minLength": 1},
    "conversation_id": {"type": "string", "minLength": 1},
    "from_agent": {"type": "string", "minLength": 1},
    "to_agent": {"type": "string"},
    "topic": {"type": "string"},
    "message_type": {"type": "string"},
    "priority": {"type": "integer", "minimum": 0, "maximum": 3},
    "tenant_id": {"type": "string"},
    "constitutional_hash": {"type": "string", "pattern": "^[0-9a-f]{16}$"},
    "content": {"type": "object"},
    "metadata": {"type": "object"},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"}
  }
}`

var compiledEnvelopeSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// DecodeEnvelope parses and structurally validates a raw JSON envelope.
// Schema failures map to MessageMalformed so transports surface the
// same error kind as the semantic validator.
func DecodeEnvelope(raw []byte) (map[string]any, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("constitution: envelope is not valid JSON: %w", err)
	}
	if err := compiledEnvelopeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("constitution: envelope schema violation: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("constitution: envelope must be a JSON object")
	}
	return obj, nil
}
