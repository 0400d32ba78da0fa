package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PartKind 标识 Part 的联合体分支.
type PartKind string

const (
	// PartKindText 表示文本片段.
	PartKindText PartKind = "text"
	// PartKindData 表示结构化字段映射.
	PartKindData PartKind = "data"
)

// Part is one typed element of a payload: either text or a data mapping.
type Part struct {
	Kind PartKind
	Text string
	Data map[string]any
}

// TextPart creates a text part.
func TextPart(content string) Part {
	return Part{Kind: PartKindText, Text: content}
}

// DataPart creates a data part holding a deep copy of content.
func DataPart(content map[string]any) Part {
	return Part{Kind: PartKindData, Data: cloneMap(content)}
}

// IsText reports whether the part is a text part.
func (p Part) IsText() bool { return p.Kind == PartKindText }

// IsData reports whether the part is a data part.
func (p Part) IsData() bool { return p.Kind == PartKindData }

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	if p.Kind == PartKindData {
		return Part{Kind: PartKindData, Data: cloneMap(p.Data)}
	}
	return p
}

type wirePart struct {
	Kind    PartKind        `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes the part as {"kind": ..., "content": ...}.
func (p Part) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	switch p.Kind {
	case PartKindText:
		content, err = json.Marshal(p.Text)
	case PartKindData:
		data := p.Data
		if data == nil {
			data = map[string]any{}
		}
		content, err = json.Marshal(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrPartUnknownKind, p.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePart{Kind: p.Kind, Content: content})
}

// UnmarshalJSON decodes a part and rejects unknown kinds or mismatched content.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content := bytes.TrimSpace(w.Content)
	switch w.Kind {
	case PartKindText:
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return fmt.Errorf("%w: text part: %v", ErrPartContentMismatch, err)
		}
		*p = Part{Kind: PartKindText, Text: s}
	case PartKindData:
		if len(content) == 0 || content[0] != '{' {
			return fmt.Errorf("%w: data part must hold an object", ErrPartContentMismatch)
		}
		var m map[string]any
		if err := json.Unmarshal(content, &m); err != nil {
			return fmt.Errorf("%w: data part: %v", ErrPartContentMismatch, err)
		}
		*p = Part{Kind: PartKindData, Data: m}
	default:
		return fmt.Errorf("%w: %q", ErrPartUnknownKind, w.Kind)
	}
	return nil
}

// Payload is the ordered sequence of parts carried by a message.
type Payload struct {
	Parts []Part `json:"parts"`
}

// NewPayload builds a payload from parts, copying each one.
func NewPayload(parts ...Part) Payload {
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p.Clone()
	}
	return Payload{Parts: out}
}

// DataPayload is shorthand for a payload with a single data part.
func DataPayload(fields map[string]any) Payload {
	return Payload{Parts: []Part{DataPart(fields)}}
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	return NewPayload(p.Parts...)
}

// Len returns the number of parts.
func (p Payload) Len() int { return len(p.Parts) }

// Field looks up name across data parts in order; the first hit wins.
func (p Payload) Field(name string) (any, bool) {
	return lookupField(p.Parts, name)
}

// String returns a non-empty string field.
func (p Payload) String(name string) (string, bool) {
	return stringField(p.Parts, name)
}

// Float returns a numeric field as float64.
func (p Payload) Float(name string) (float64, bool) {
	return floatField(p.Parts, name)
}

// Text joins all text parts with newlines.
func (p Payload) Text() string {
	var texts []string
	for _, part := range p.Parts {
		if part.IsText() {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Fields merges all data parts into one map; earlier parts win on conflicts.
func (p Payload) Fields() map[string]any {
	out := make(map[string]any)
	for i := len(p.Parts) - 1; i >= 0; i-- {
		if p.Parts[i].IsData() {
			for k, v := range p.Parts[i].Data {
				out[k] = cloneValue(v)
			}
		}
	}
	return out
}

// Artifacts maps a named result block to its typed parts.
type Artifacts map[string][]Part

// Clone returns a deep copy of the artifacts.
func (a Artifacts) Clone() Artifacts {
	if a == nil {
		return Artifacts{}
	}
	out := make(Artifacts, len(a))
	for name, parts := range a {
		cp := make([]Part, len(parts))
		for i, p := range parts {
			cp[i] = p.Clone()
		}
		out[name] = cp
	}
	return out
}

// Names returns block names in sorted order.
func (a Artifacts) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field looks up a field inside a named block.
func (a Artifacts) Field(block, name string) (any, bool) {
	return lookupField(a[block], name)
}

// String returns a non-empty string field inside a named block.
func (a Artifacts) String(block, name string) (string, bool) {
	return stringField(a[block], name)
}

// Float returns a numeric field inside a named block.
func (a Artifacts) Float(block, name string) (float64, bool) {
	return floatField(a[block], name)
}

func lookupField(parts []Part, name string) (any, bool) {
	for _, part := range parts {
		if !part.IsData() {
			continue
		}
		if v, ok := part.Data[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(parts []Part, name string) (string, bool) {
	v, ok := lookupField(parts, name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func floatField(parts []Part, name string) (float64, bool) {
	v, ok := lookupField(parts, name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
