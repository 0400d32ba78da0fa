package discovery

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// Registry is the in-memory catalog of agent descriptors.
type Registry struct {
	mu sync.RWMutex

	// agents stores registered descriptors by ID.
	agents map[string]*a2a.AgentDescriptor

	// verbIndex indexes agent IDs by verb.
	verbIndex map[a2a.Verb]map[string]struct{}

	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents:    make(map[string]*a2a.AgentDescriptor),
		verbIndex: make(map[a2a.Verb]map[string]struct{}),
		logger:    logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds a descriptor. It fails with DUPLICATE_AGENT when the id is
// already taken and with VALIDATION when the descriptor is incomplete.
func (r *Registry) Register(desc *a2a.AgentDescriptor) error {
	if desc == nil {
		return types.NewError(types.ErrValidation, "agent descriptor is nil")
	}
	if err := desc.Validate(); err != nil {
		return types.NewError(types.ErrValidation, "invalid agent descriptor").
			WithCause(err).WithAgent(desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[desc.ID]; exists {
		return types.Errorf(types.ErrDuplicateAgent, "agent %s already registered", desc.ID).
			WithAgent(desc.ID)
	}

	stored := desc.Clone()
	if stored.Auth == "" {
		stored.Auth = a2a.AuthNone
	}
	r.agents[stored.ID] = stored
	for verb := range stored.Capabilities {
		ids, ok := r.verbIndex[verb]
		if !ok {
			ids = make(map[string]struct{})
			r.verbIndex[verb] = ids
		}
		ids[stored.ID] = struct{}{}
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.Int("capabilities", len(stored.Capabilities)))
	return nil
}

// MustRegister registers every descriptor and panics on the first error.
// Intended for static startup wiring.
func (r *Registry) MustRegister(descs ...*a2a.AgentDescriptor) {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Resolve returns a copy of the descriptor for id, or UNKNOWN_AGENT.
func (r *Registry) Resolve(id string) (*a2a.AgentDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrUnknownAgent, "unknown agent %q", id).WithAgent(id)
	}
	return desc.Clone(), nil
}

// Supports reports whether agent id advertises verb. Unknown ids yield false.
func (r *Registry) Supports(id string, verb a2a.Verb) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.agents[id]
	return ok && desc.Supports(verb)
}

// List returns copies of all descriptors sorted by id.
func (r *Registry) List() []*a2a.AgentDescriptor {
	r.mu.RLock()
	out := make([]*a2a.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByVerb returns the sorted ids of agents that advertise verb.
func (r *Registry) FindByVerb(verb a2a.Verb) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.verbIndex[verb]))
	for id := range r.verbIndex[verb] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
