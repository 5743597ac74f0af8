package contracts

import "time"

// Role is a MACI (trias politica) branch. Role separation prevents an
// agent from validating its own output.
type Role string

const (
	RoleExecutive   Role = "executive"   // proposes decisions
	RoleLegislative Role = "legislative" // extracts and synthesizes rules
	RoleJudicial    Role = "judicial"    // validates and audits
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleExecutive || r == RoleLegislative || r == RoleJudicial
}

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentRegistered AgentStatus = "registered"
	AgentActive     AgentStatus = "active"
	AgentDraining   AgentStatus = "draining"
	AgentSuspended  AgentStatus = "suspended"
	AgentTerminated AgentStatus = "terminated"
)

// AgentRecord describes a registered agent. The role is immutable once
// set except through a privileged role_transition event; an agent in
// suspended state can neither originate nor receive non-heartbeat
// messages.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentRecord struct {
	AgentID      string          `json:"agent_id"`
	AgentType    string          `json:"agent_type"`
	Status       AgentStatus     `json:"status"`
	Role         Role            `json:"role"`
	TenantID     string          `json:"tenant_id"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
}

// CanTraffic reports whether the agent may originate or receive the
// given message type in its current lifecycle state.
func (a *AgentRecord) CanTraffic(t MessageType) bool {
	switch a.Status {
	case AgentSuspended:
		return t == MessageTypeHeartbeat
	case AgentTerminated:
		return false
	default:
		return true
	}
}
