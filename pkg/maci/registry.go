// Package maci enforces trias-politica role separation over bus
// actions. Three branches hold disjoint powers:
//
//   - Executive proposes decisions (PROPOSE, SYNTHESIZE, QUERY)
//   - Legislative extracts and synthesizes rules (EXTRACT_RULES, SYNTHESIZE, QUERY)
//   - Judicial validates and audits (VALIDATE, AUDIT, QUERY)
//
// No agent can validate its own output, and only the Judicial branch
// validates at all. The role→action table is immutable at runtime;
// role changes are an out-of-band operational event.
package maci

import (
	"strings"
	"sync"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Action is the closed set of MACI actions.
type Action string

const (
	ActionPropose      Action = "PROPOSE"
	ActionValidate     Action = "VALIDATE"
	ActionExtractRules Action = "EXTRACT_RULES"
	ActionSynthesize   Action = "SYNTHESIZE"
	ActionAudit        Action = "AUDIT"
	ActionQuery        Action = "QUERY"
)

// rolePermissions is the constitutional allow-set. Never mutated.
var rolePermissions = map[contracts.Role]map[Action]bool{
	contracts.RoleExecutive: {
		ActionPropose: true, ActionSynthesize: true, ActionQuery: true,
	},
	contracts.RoleLegislative: {
		ActionExtractRules: true, ActionSynthesize: true, ActionQuery: true,
	},
	contracts.RoleJudicial: {
		ActionValidate: true, ActionAudit: true, ActionQuery: true,
	},
}

// validationTargets restricts cross-role validation: Judicial validates
// Executive and Legislative output, never other Judicial output.
var validationTargets = map[contracts.Role]map[contracts.Role]bool{
	contracts.RoleJudicial: {
		contracts.RoleExecutive:   true,
		contracts.RoleLegislative: true,
	},
}

// DeriveAction maps a message to the MACI action it attempts.
// content.action wins when it names a MACI action; otherwise the
// message type decides. Domain-level actions (e.g. "policy_change")
// are not MACI actions and fall through to the type mapping.
func DeriveAction(msg *contracts.Message) Action {
	switch Action(strings.ToUpper(msg.Action())) {
	case ActionPropose:
		return ActionPropose
	case ActionValidate:
		return ActionValidate
	case ActionExtractRules:
		return ActionExtractRules
	case ActionSynthesize:
		return ActionSynthesize
	case ActionAudit:
		return ActionAudit
	case ActionQuery:
		return ActionQuery
	}

	switch msg.MessageType {
	case contracts.MessageTypeConstitutionalValidation:
		return ActionValidate
	case contracts.MessageTypeCommand, contracts.MessageTypeTaskRequest,
		contracts.MessageTypeGovernanceRequest:
		return ActionPropose
	default:
		// Queries, responses, events, notifications and heartbeats are
		// read-side traffic, admissible for every branch.
		return ActionQuery
	}
}

// Config controls registry admission behavior.
type Config struct {
	// Strict denies any agent without a role entry. Loose mode assigns
	// DefaultRole instead. Strict is recommended in production.
	Strict bool
	// DefaultRole applies in loose mode only.
	DefaultRole contracts.Role
}

// Registry maps agents to roles and admits or rejects their actions.
// Read-mostly: writes are serialized and only occur on registration or
// configuration reloads.
type Registry struct {
	mu      sync.RWMutex
	cfg     Config
	roles   map[string]contracts.Role
	outputs map[string]string // output_id → producing agent_id
}

// NewRegistry creates a role registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = contracts.RoleExecutive
	}
	return &Registry{
		cfg:     cfg,
		roles:   make(map[string]contracts.Role),
		outputs: make(map[string]string),
	}
}

// Assign registers an agent's role. A role is immutable once assigned;
// re-assigning a different role fails unless viaTransition is set,
// which models the privileged role_transition event.
func (r *Registry) Assign(agentID string, role contracts.Role, viaTransition bool) error {
	if !role.Valid() {
		return contracts.NewBusError(contracts.ErrInternal, "unknown role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.roles[agentID]; ok && existing != role && !viaTransition {
		return contracts.NewBusError(contracts.ErrRoleViolation,
			"agent %q role is immutable (have %s, requested %s)", agentID, existing, role)
	}
	r.roles[agentID] = role
	return nil
}

// RoleOf resolves an agent's role per the configured admission mode.
func (r *Registry) RoleOf(agentID string) (contracts.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if role, ok := r.roles[agentID]; ok {
		return role, true
	}
	if !r.cfg.Strict {
		return r.cfg.DefaultRole, true
	}
	return "", false
}

// Authorize reports whether the agent's role admits the action.
func (r *Registry) Authorize(agentID string, action Action) bool {
	role, ok := r.RoleOf(agentID)
	if !ok {
		return false
	}
	return rolePermissions[role][action]
}

// Check admits or rejects a message's attempted action, returning a
// typed RoleViolation on rejection.
func (r *Registry) Check(msg *contracts.Message) error {
	action := DeriveAction(msg)

	role, ok := r.RoleOf(msg.FromAgent)
	if !ok {
		return contracts.NewBusError(contracts.ErrRoleViolation,
			"agent %q has no registered role (strict mode)", msg.FromAgent).
			WithDetail("action", string(action))
	}
	if !rolePermissions[role][action] {
		return contracts.NewBusError(contracts.ErrRoleViolation,
			"role %s may not perform %s", role, action).
			WithDetail("agent_id", msg.FromAgent).
			WithDetail("action", string(action))
	}

	if action == ActionValidate {
		if err := r.checkValidation(msg, role); err != nil {
			return err
		}
	}
	return nil
}

// checkValidation enforces self-validation prevention and the
// cross-role validation constraint for VALIDATE actions.
func (r *Registry) checkValidation(msg *contracts.Message, role contracts.Role) error {
	outputID, _ := msg.Content["target_output_id"].(string)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if outputID != "" {
		if producer, ok := r.outputs[outputID]; ok {
			if producer == msg.FromAgent {
				return contracts.NewBusError(contracts.ErrRoleViolation,
					"agent %q cannot validate its own output %q", msg.FromAgent, outputID)
			}
			if targetRole, ok := r.roles[producer]; ok && !validationTargets[role][targetRole] {
				return contracts.NewBusError(contracts.ErrRoleViolation,
					"role %s may not validate output of role %s", role, targetRole)
			}
		}
	}
	return nil
}

// RecordOutput records that an agent produced an output, enabling
// self-validation prevention for later VALIDATE actions.
func (r *Registry) RecordOutput(agentID, outputID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[outputID] = agentID
}

// Snapshot returns a copy of the current role assignments.
func (r *Registry) Snapshot() map[string]contracts.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]contracts.Role, len(r.roles))
	for k, v := range r.roles {
		out[k] = v
	}
	return out
}
