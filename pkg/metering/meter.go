// Package metering provides per-tenant usage tracking for the bus.
// It counts processed messages, policy evaluations, deliberation items,
// and broadcast fan-out, off the hot path through a bounded queue.
package metering

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyTenantID is returned when a metering event has no tenant ID.
	ErrEmptyTenantID = errors.New("metering: tenant_id must not be empty")
	// ErrNegativeQuantity is returned when a metering event has a negative quantity.
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
	// ErrInvalidEventType is returned when the event type is empty.
	ErrInvalidEventType = errors.New("metering: event_type must not be empty")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventMessageProcessed  EventType = "message_processed"
	EventMessageDelivered  EventType = "message_delivered"
	EventMessageRejected   EventType = "message_rejected"
	EventDeliberationItem  EventType = "deliberation_item"
	EventPolicyEvaluation  EventType = "policy_evaluation"
	EventBroadcastDelivery EventType = "broadcast_delivery"
	EventAuditEntry        EventType = "audit_entry"
)

// Event represents a single metered usage event. AgentID is the
// originating agent and MessageID the bus message that produced the
// event; both may be empty for events not tied to one message.
type Event struct {
	TenantID  string         `json:"tenant_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Quantity  int64          `json:"quantity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return ErrEmptyTenantID
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return ErrInvalidEventType
	}
	return nil
}

// Period defines a time range for usage aggregation.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DailyPeriod returns a Period for the day containing now.
func DailyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns a Period for the month containing now.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Usage contains aggregated usage for a tenant.
type Usage struct {
	TenantID   string
	Period     Period
	Totals     map[EventType]int64
	LastUpdate time.Time
}

// Meter is the interface for recording and querying usage.
type Meter interface {
	// Record stores a usage event.
	Record(ctx context.Context, event Event) error

	// RecordBatch stores multiple events atomically.
	RecordBatch(ctx context.Context, events []Event) error

	// GetUsage retrieves aggregated usage for a tenant in a period.
	GetUsage(ctx context.Context, tenantID string, period Period) (*Usage, error)

	// GetUsageByType retrieves usage for a specific event type.
	GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error)
}

// MemoryMeter is an in-process Meter for single-node deployments and
// tests.
type MemoryMeter struct {
	mu     sync.Mutex
	events []Event
	clock  func() time.Time
}

// NewMemoryMeter creates an empty in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{clock: time.Now}
}

// Record stores a usage event.
func (m *MemoryMeter) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// RecordBatch stores multiple events.
func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := m.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// GetUsage aggregates per event type over the period.
func (m *MemoryMeter) GetUsage(_ context.Context, tenantID string, period Period) (*Usage, error) {
	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: m.clock().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.TenantID == tenantID && period.Contains(e.Timestamp) {
			usage.Totals[e.EventType] += e.Quantity
		}
	}
	return usage, nil
}

// GetUsageByType aggregates one event type over the period.
func (m *MemoryMeter) GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, tenantID, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}
