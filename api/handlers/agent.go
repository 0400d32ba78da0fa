package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/discovery"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// =============================================================================
// Agent Directory Handler
// =============================================================================

// BoundAgents reports which registered agents have a dispatcher attached.
type BoundAgents interface {
	Agents() []string
}

// AgentHandler serves the agent directory.
type AgentHandler struct {
	registry *discovery.Registry
	bound    BoundAgents
	logger   *zap.Logger
}

// AgentInfo is a registered descriptor plus its runtime binding.
type AgentInfo struct {
	*a2a.AgentDescriptor
	Bound bool `json:"bound"`
}

// NewAgentHandler creates an agent directory handler. bound may be nil.
func NewAgentHandler(registry *discovery.Registry, bound BoundAgents, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		registry: registry,
		bound:    bound,
		logger:   logger.With(zap.String("handler", "agents")),
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleListAgents lists registered agents, optionally only those
// advertising ?verb=.
// @Router /a2a/agents [get]
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	bound := h.boundSet()

	descs := h.registry.List()
	if verb := a2a.Verb(strings.ToUpper(r.URL.Query().Get("verb"))); verb != "" {
		filtered := descs[:0]
		for _, d := range descs {
			if d.Supports(verb) {
				filtered = append(filtered, d)
			}
		}
		descs = filtered
	}

	result := make([]AgentInfo, 0, len(descs))
	for _, d := range descs {
		result = append(result, toAgentInfo(d, bound))
	}
	WriteSuccess(w, result)
}

// HandleGetAgent returns one agent's card.
// @Router /a2a/agents/{id} [get]
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "agent ID is required", h.logger)
		return
	}

	desc, err := h.registry.Resolve(agentID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, toAgentInfo(desc, h.boundSet()))
}

func (h *AgentHandler) boundSet() map[string]bool {
	set := make(map[string]bool)
	if h.bound == nil {
		return set
	}
	for _, id := range h.bound.Agents() {
		set[id] = true
	}
	return set
}

func toAgentInfo(d *a2a.AgentDescriptor, bound map[string]bool) AgentInfo {
	return AgentInfo{
		AgentDescriptor: d,
		Bound:           bound[d.ID],
	}
}
