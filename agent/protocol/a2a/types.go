package a2a

import (
	"encoding/json"
	"sort"
)

// AuthMode 描述代理期望的认证方式. 仅作为元数据携带.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
)

// IsValid 检查认证模式是否受支持.
func (a AuthMode) IsValid() bool {
	return a == AuthNone || a == AuthBearer
}

// CapabilitySet is the set of verbs an agent accepts.
// It encodes to JSON as a sorted list of verb names.
type CapabilitySet map[Verb]struct{}

// NewCapabilitySet builds a set from verbs.
func NewCapabilitySet(verbs ...Verb) CapabilitySet {
	s := make(CapabilitySet, len(verbs))
	for _, v := range verbs {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether v is in the set.
func (s CapabilitySet) Has(v Verb) bool {
	_, ok := s[v]
	return ok
}

// Verbs returns the verbs in sorted order.
func (s CapabilitySet) Verbs() []Verb {
	out := make([]Verb, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone 返回集合的拷贝.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Verbs())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var verbs []Verb
	if err := json.Unmarshal(data, &verbs); err != nil {
		return err
	}
	*s = NewCapabilitySet(verbs...)
	return nil
}

// AgentDescriptor 描述代理的身份与契约.
// 注册后不可变, 注册表只保存和返回拷贝.
type AgentDescriptor struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Capabilities CapabilitySet `json:"capabilities"`
	// Endpoint 是概念地址, 引擎从不解引用.
	Endpoint string   `json:"endpoint"`
	Auth     AuthMode `json:"auth"`
}

// NewAgentDescriptor creates a descriptor with AuthNone.
func NewAgentDescriptor(id, name, description, endpoint string, verbs ...Verb) *AgentDescriptor {
	return &AgentDescriptor{
		ID:           id,
		Name:         name,
		Description:  description,
		Capabilities: NewCapabilitySet(verbs...),
		Endpoint:     endpoint,
		Auth:         AuthNone,
	}
}

// WithAuth sets the auth mode and returns the descriptor.
func (d *AgentDescriptor) WithAuth(mode AuthMode) *AgentDescriptor {
	d.Auth = mode
	return d
}

// Supports reports whether the agent advertises verb.
func (d *AgentDescriptor) Supports(verb Verb) bool {
	return d.Capabilities.Has(verb)
}

// Validate 检查描述符必填字段.
func (d *AgentDescriptor) Validate() error {
	if d.ID == "" {
		return ErrDescriptorMissingID
	}
	if d.Name == "" {
		return ErrDescriptorMissingName
	}
	if d.Auth != "" && !d.Auth.IsValid() {
		return ErrDescriptorInvalidAuth
	}
	return nil
}

// Clone 创建描述符的深拷贝.
func (d *AgentDescriptor) Clone() *AgentDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Capabilities = d.Capabilities.Clone()
	return &c
}
