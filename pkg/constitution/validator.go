// Package constitution validates message envelopes against the
// constitutional contract: every accepted message must carry the
// canonical constitutional hash bit-identical, a well-formed envelope,
// and coherent timestamps.
//
// Validation is a pure function of the envelope. It is fail-closed:
// any structural issue rejects the message.
package constitution

import (
	"fmt"
	"regexp"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// DefaultHash is the canonical constitutional hash of the platform.
// Deployments override it through configuration; it is never read as a
// global by components — every validator receives it at construction.
const DefaultHash = "cdd01ef066bc6cf2"

// ValidationError is a single field-level failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult aggregates the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator checks message envelopes against the canonical hash.
type Validator struct {
	canonicalHash string
}

// NewValidator creates a validator bound to the canonical hash.
// An invalid canonical value (not 16 lowercase hex chars) is a
// configuration error.
func NewValidator(canonicalHash string) (*Validator, error) {
	if !hashPattern.MatchString(canonicalHash) {
		return nil, fmt.Errorf("constitution: canonical hash %q is not 16 lowercase hex chars",
			contracts.SanitizeHash(canonicalHash))
	}
	return &Validator{canonicalHash: canonicalHash}, nil
}

// CanonicalHash returns the hash this validator enforces.
func (v *Validator) CanonicalHash() string { return v.canonicalHash }

// Validate performs structural validation of the envelope and returns
// the aggregated result. Use Check for the typed-error form the
// processor consumes.
func (v *Validator) Validate(msg *contracts.Message) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if msg == nil {
		addError(result, "message", "REQUIRED", "message is nil")
		return result
	}

	requireNonEmpty(result, "message_id", msg.MessageID)
	requireNonEmpty(result, "conversation_id", msg.ConversationID)
	requireNonEmpty(result, "from_agent", msg.FromAgent)
	if msg.ToAgent == "" && msg.Topic == "" {
		addError(result, "to_agent", "REQUIRED", "either to_agent or topic is required")
	}
	if msg.ToAgent != "" && msg.FromAgent == msg.ToAgent {
		addError(result, "to_agent", "SELF_SEND", "from_agent must differ from to_agent")
	}

	if msg.MessageType == "" {
		addError(result, "message_type", "REQUIRED", "message_type is required")
	} else if !msg.MessageType.Valid() {
		addError(result, "message_type", "INVALID_VALUE",
			fmt.Sprintf("unknown message type %q", msg.MessageType))
	}
	if !msg.Priority.Valid() {
		addError(result, "priority", "INVALID_VALUE",
			fmt.Sprintf("unknown priority %d", int(msg.Priority)))
	}

	if msg.Content == nil {
		addError(result, "content", "REQUIRED", "content is required")
	}

	if msg.CreatedAt.IsZero() {
		addError(result, "created_at", "REQUIRED", "created_at is required")
	}
	if msg.UpdatedAt.IsZero() {
		addError(result, "updated_at", "REQUIRED", "updated_at is required")
	}
	if !msg.CreatedAt.IsZero() && !msg.UpdatedAt.IsZero() && msg.CreatedAt.After(msg.UpdatedAt) {
		addError(result, "updated_at", "INVALID_WINDOW", "created_at must not be after updated_at")
	}

	return result
}

// Check validates the envelope and the constitutional hash, returning
// the typed error the processor maps to its terminal outcome:
// MessageMalformed for structural failures, ConstitutionalHashMismatch
// for a wrong hash. A malformed envelope is reported before the hash so
// callers see the most actionable error first.
func (v *Validator) Check(msg *contracts.Message) error {
	result := v.Validate(msg)
	if !result.Valid {
		err := contracts.NewBusError(contracts.ErrMessageMalformed,
			"envelope failed validation with %d error(s)", len(result.Errors))
		for _, ve := range result.Errors {
			err.Violations = append(err.Violations, ve.Error())
		}
		return err
	}

	if msg.ConstitutionalHash != v.canonicalHash {
		return contracts.NewBusError(contracts.ErrConstitutionalHashMismatch,
			"constitutional hash mismatch: got %s", contracts.SanitizeHash(msg.ConstitutionalHash)).
			WithDetail("expected", contracts.SanitizeHash(v.canonicalHash))
	}
	return nil
}

func requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{Field: field, Code: code, Message: message})
}
