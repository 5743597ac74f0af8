package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/acgs-platform/agentbus/pkg/bus"
	"github.com/acgs-platform/agentbus/pkg/chaos"
	"github.com/acgs-platform/agentbus/pkg/contracts"
	"github.com/acgs-platform/agentbus/pkg/deliberation"
	"github.com/acgs-platform/agentbus/pkg/maci"
	"github.com/acgs-platform/agentbus/pkg/processor"
	"github.com/acgs-platform/agentbus/pkg/resilience"
)

const maxBodyBytes = 1 << 20 // 1MB request limit

// Server is the HTTP surface over the governed bus.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Server struct {
	Processor *processor.Processor
	Bus       *bus.Bus
	Roles     *maci.Registry
	Delib     *deliberation.Manager
	Tokens    *deliberation.TokenIssuer
	Health    *resilience.HealthAggregator
	Injector  *chaos.Injector

	logger *slog.Logger
}

// NewServer wires the handlers. Tokens, Health and Injector are
// optional; the corresponding endpoints degrade gracefully without
// them.
func NewServer(s Server) *Server {
	s.logger = slog.Default().With("component", "api")
	return &s
}

// Routes assembles the endpoint mux wrapped in request ID, per-IP rate
// limit, and idempotent-replay middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", s.handleSubmit)
	mux.HandleFunc("POST /v1/agents", s.handleRegister)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("PUT /v1/agents/{id}/status", s.handleSetStatus)
	mux.HandleFunc("POST /v1/topics/{topic}/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /v1/topics/{topic}/subscriptions/{agent}", s.handleUnsubscribe)
	mux.HandleFunc("GET /v1/deliberation/{id}", s.handleGetItem)
	mux.HandleFunc("POST /v1/deliberation/{id}/votes", s.handleVote)
	mux.HandleFunc("POST /v1/deliberation/{id}/reviews", s.handleReview)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/chaos/stop", s.handleChaosStop)

	limiter := NewIPRateLimiter(200, 400)
	idem := NewIdempotencyStore(10 * time.Minute)
	return RequestID(limiter.Middleware(idem.Middleware(mux)))
}

// SubmitResponse reports the pipeline disposition of one message.
type SubmitResponse struct {
	MessageID string            `json:"message_id"`
	Outcome   processor.Outcome `json:"outcome"`
	Lane      contracts.Lane    `json:"lane,omitempty"`
	ItemID    string            `json:"item_id,omitempty"`
	Score     float64           `json:"score"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var msg contracts.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if msg.MessageID == "" {
		filled := contracts.NewMessage(msg.FromAgent, msg.ToAgent, msg.MessageType, msg.Content)
		msg.MessageID = filled.MessageID
		msg.CreatedAt = filled.CreatedAt
		msg.UpdatedAt = filled.UpdatedAt
	}

	res, err := s.Processor.Process(r.Context(), &msg)
	if err != nil {
		WriteBusError(w, r, err)
		return
	}

	resp := SubmitResponse{
		MessageID: msg.MessageID,
		Outcome:   res.Outcome,
		Lane:      res.Lane,
		Score:     res.Score.Score,
	}
	status := http.StatusOK
	if res.Outcome == processor.OutcomeQueued {
		status = http.StatusAccepted
		if res.Item != nil {
			resp.ItemID = res.Item.ItemID
		}
	}
	writeJSON(w, status, resp)
}

// RegisterRequest enrolls an agent on the bus with its governance role.
type RegisterRequest struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Role      string `json:"role"`
	TenantID  string `json:"tenant_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AgentID == "" || req.Role == "" {
		WriteBadRequest(w, "Missing required fields: agent_id, role")
		return
	}

	record := contracts.AgentRecord{
		AgentID:   req.AgentID,
		AgentType: req.AgentType,
		Role:      contracts.Role(req.Role),
		TenantID:  req.TenantID,
	}
	if err := s.Bus.Register(record); err != nil {
		WriteBusError(w, r, err)
		return
	}
	if err := s.Roles.Assign(req.AgentID, contracts.Role(req.Role), false); err != nil {
		WriteBusError(w, r, err)
		return
	}
	agent, _ := s.Bus.Get(req.AgentID)
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Bus.List())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.Bus.Get(id); !ok {
		WriteNotFound(w, "unknown agent")
		return
	}
	s.Bus.Heartbeat(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	switch contracts.AgentStatus(req.Status) {
	case contracts.AgentRegistered, contracts.AgentActive, contracts.AgentDraining,
		contracts.AgentSuspended, contracts.AgentTerminated:
	default:
		WriteBadRequest(w, "unknown agent status")
		return
	}
	if err := s.Bus.SetStatus(r.PathValue("id"), contracts.AgentStatus(req.Status)); err != nil {
		WriteBusError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := s.Bus.Subscribe(r.PathValue("topic"), req.AgentID); err != nil {
		WriteBusError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.Bus.Unsubscribe(r.PathValue("topic"), r.PathValue("agent"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := s.Delib.Get(r.PathValue("id"))
	if !ok {
		WriteNotFound(w, "unknown deliberation item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// VoteRequest is a critic agent's vote on a queued item.
type VoteRequest struct {
	AgentID   string `json:"agent_id"`
	Vote      string `json:"vote"` // approve | reject | abstain
	Signature string `json:"signature,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, "Missing required field: agent_id")
		return
	}
	choice := contracts.VoteChoice(req.Vote)
	switch choice {
	case contracts.VoteApprove, contracts.VoteReject, contracts.VoteAbstain:
	default:
		WriteBadRequest(w, "vote must be approve, reject, or abstain")
		return
	}

	itemID := r.PathValue("id")
	err := s.Delib.Vote(r.Context(), itemID, req.AgentID, choice, req.Signature)
	switch {
	case errors.Is(err, deliberation.ErrItemNotFound):
		WriteNotFound(w, "unknown deliberation item")
		return
	case err != nil:
		WriteConflict(w, err.Error())
		return
	}
	item, _ := s.Delib.Get(itemID)
	writeJSON(w, http.StatusOK, item)
}

// ReviewRequest is a human reviewer's decision, authorized by a
// reviewer token bound to the item.
type ReviewRequest struct {
	Decision string `json:"decision"` // allow | deny
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	if s.Tokens == nil {
		WriteUnauthorized(w, "Human review is not enabled")
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		WriteUnauthorized(w, "")
		return
	}
	itemID := r.PathValue("id")
	claims, err := s.Tokens.Validate(token, itemID)
	if err != nil {
		WriteUnauthorized(w, "Invalid reviewer token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	decision := contracts.Decision(req.Decision)
	if decision != contracts.DecisionAllow && decision != contracts.DecisionDeny {
		WriteBadRequest(w, "decision must be allow or deny")
		return
	}

	err = s.Delib.HumanReview(r.Context(), itemID, claims.ReviewerID, decision, req.Comment)
	switch {
	case errors.Is(err, deliberation.ErrItemNotFound):
		WriteNotFound(w, "unknown deliberation item")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Bus.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	snap := s.Health.Current()
	status := http.StatusOK
	if snap.GlobalScore < 0.5 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleChaosStop(w http.ResponseWriter, _ *http.Request) {
	if s.Injector == nil {
		WriteNotFound(w, "no chaos profile is armed")
		return
	}
	s.Injector.EmergencyStop()
	s.logger.Warn("chaos emergency stop triggered via API")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
