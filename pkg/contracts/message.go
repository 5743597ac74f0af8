// Package contracts defines the shared data contracts of the agent bus:
// the message envelope, agent records, policy decisions, impact scores,
// deliberation items, audit entries, and the stable error taxonomy.
//
// Contracts are immutable after acceptance: downstream stages read them,
// never mutate them. The only mutation point is envelope metadata
// attachment inside the processor, before dispatch.
package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of message variants the bus accepts.
// Unknown variants are rejected, not coerced.
type MessageType string

const (
	MessageTypeCommand                  MessageType = "command"
	MessageTypeQuery                    MessageType = "query"
	MessageTypeResponse                 MessageType = "response"
	MessageTypeEvent                    MessageType = "event"
	MessageTypeNotification             MessageType = "notification"
	MessageTypeHeartbeat                MessageType = "heartbeat"
	MessageTypeGovernanceRequest        MessageType = "governance_request"
	MessageTypeGovernanceResponse       MessageType = "governance_response"
	MessageTypeConstitutionalValidation MessageType = "constitutional_validation"
	MessageTypeTaskRequest              MessageType = "task_request"
	MessageTypeTaskResponse             MessageType = "task_response"
)

var validMessageTypes = map[MessageType]bool{
	MessageTypeCommand:                  true,
	MessageTypeQuery:                    true,
	MessageTypeResponse:                 true,
	MessageTypeEvent:                    true,
	MessageTypeNotification:             true,
	MessageTypeHeartbeat:                true,
	MessageTypeGovernanceRequest:        true,
	MessageTypeGovernanceResponse:       true,
	MessageTypeConstitutionalValidation: true,
	MessageTypeTaskRequest:              true,
	MessageTypeTaskResponse:             true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return validMessageTypes[t] }

// Priority orders messages across deliberation tiers. Lower = more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Message is the wire-agnostic envelope every bus operation carries.
// Required fields per the envelope contract; JSON round-trip must be
// lossless for all of them.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Message struct {
	MessageID          string         `json:"message_id"`
	ConversationID     string         `json:"conversation_id"`
	FromAgent          string         `json:"from_agent"`
	ToAgent            string         `json:"to_agent"`
	Topic              string         `json:"topic,omitempty"` // set for broadcast instead of ToAgent
	MessageType        MessageType    `json:"message_type"`
	Priority           Priority       `json:"priority"`
	TenantID           string         `json:"tenant_id"`
	ConstitutionalHash string         `json:"constitutional_hash"`
	Content            map[string]any `json:"content"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NewMessage creates an envelope with a UUIDv7 message ID so IDs sort by
// creation time.
func NewMessage(from, to string, msgType MessageType, content map[string]any) *Message {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/entropy is broken; fall back
		// to random so message creation never fails.
		id = uuid.New()
	}
	conv, err := uuid.NewV7()
	if err != nil {
		conv = uuid.New()
	}
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		MessageID:      id.String(),
		ConversationID: conv.String(),
		FromAgent:      from,
		ToAgent:        to,
		MessageType:    msgType,
		Priority:       PriorityNormal,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Action returns content["action"] as a string, or "".
func (m *Message) Action() string {
	if m.Content == nil {
		return ""
	}
	if a, ok := m.Content["action"].(string); ok {
		return a
	}
	return ""
}

// ForceDeliberation reports whether the sender explicitly requested the
// deliberation lane via content.force_deliberation.
func (m *Message) ForceDeliberation() bool {
	if m.Content == nil {
		return false
	}
	f, ok := m.Content["force_deliberation"].(bool)
	return ok && f
}

// SetMetadata attaches a metadata key, allocating the map on first use.
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[key] = value
}

// PairKey identifies the (from, to) ordering domain. Per-pair FIFO is
// guaranteed through the processor and bus; cross-pair order is not.
func (m *Message) PairKey() string {
	return m.FromAgent + "\x00" + m.ToAgent
}
