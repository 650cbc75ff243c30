package core

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// FieldSpec describes one typed slot an agent collects before executing.
// It replaces descriptor-style field declarations with an explicit struct so
// schemas are visible to the compiler and to the version hash below.
type FieldSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean", "object"
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Prompt      string `json:"prompt,omitempty"` // question surfaced when the field is missing
}

// Schema is the declared field layout of an agent type. The derived Version
// is persisted alongside pool entries so state written under an older layout
// is discarded on restore instead of being force-fitted to new code.
type Schema struct {
	AgentType string      `json:"agent_type"`
	Fields    []FieldSpec `json:"fields"`
}

// Version derives a stable positive integer from the field layout. Field
// order does not matter; name, type and requiredness do.
func (s Schema) Version() int {
	keys := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		keys = append(keys, fmt.Sprintf("%s:%s:%t", f.Name, f.Type, f.Required))
	}
	sort.Strings(keys)

	h := fnv.New32a()
	h.Write([]byte(s.AgentType))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
	}
	return int(h.Sum32() & 0x7fffffff)
}

// MissingFields returns the required fields not yet present in collected,
// preserving declaration order.
func (s Schema) MissingFields(collected map[string]any) []FieldSpec {
	var missing []FieldSpec
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if _, ok := collected[f.Name]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// Field looks up a field spec by name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
