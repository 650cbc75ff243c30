package engine

import (
	"fmt"
	"sync"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/pool"
)

// AgentType declares a sub-agent kind the dispatcher can expose as an
// agent-tool. The Name doubles as the tool name the model calls.
type AgentType struct {
	// Name identifies the type; snake_case recommended (it is shown to
	// models as a callable tool).
	Name string
	// Description tells the model when to delegate to this agent.
	Description string
	// Schema declares the fields the agent collects. Its Version() guards
	// pool restores against layout drift.
	Schema core.Schema
	// Factory builds a live agent. A nil instance means "fresh agent";
	// otherwise the factory rehydrates from the given instance.
	Factory core.AgentFactory
}

// AgentTypeRegistry holds the registered agent types. Registration is
// explicit and happens once at process start.
type AgentTypeRegistry struct {
	mu    sync.RWMutex
	types map[string]AgentType
	order []string
}

// NewAgentTypeRegistry constructs an empty registry.
func NewAgentTypeRegistry() *AgentTypeRegistry {
	return &AgentTypeRegistry{types: map[string]AgentType{}}
}

// Register adds an agent type. Duplicate names are rejected.
func (r *AgentTypeRegistry) Register(at AgentType) error {
	if at.Name == "" {
		return fmt.Errorf("agent type name must not be empty")
	}
	if at.Factory == nil {
		return fmt.Errorf("agent type %q: factory must not be nil", at.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[at.Name]; exists {
		return fmt.Errorf("agent type %q already registered", at.Name)
	}
	r.types[at.Name] = at
	r.order = append(r.order, at.Name)
	return nil
}

// Get returns the agent type registered under name.
func (r *AgentTypeRegistry) Get(name string) (AgentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.types[name]
	return at, ok
}

// Names returns registered type names in registration order.
func (r *AgentTypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Schemas returns one tool schema per agent type, exposing each sub-agent to
// the model as a single-parameter "task" tool.
func (r *AgentTypeRegistry) Schemas() []core.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]core.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		at := r.types[name]
		schemas = append(schemas, core.ToolSchema{
			Name:        at.Name,
			Description: at.Description,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "The task or message to hand to the agent",
					},
				},
				"required": []string{"task"},
			},
		})
	}
	return schemas
}

// Versions adapts the registry into the pool's schema-version lookup.
func (r *AgentTypeRegistry) Versions() pool.Versions {
	return pool.VersionsFunc(func(agentType string) (int, bool) {
		at, ok := r.Get(agentType)
		if !ok {
			return 0, false
		}
		return at.Schema.Version(), true
	})
}

// Factory returns a pool-restore factory that dispatches on instance type.
func (r *AgentTypeRegistry) Factory() core.AgentFactory {
	return func(tenantID string, instance *core.AgentInstance) (core.Agent, error) {
		at, ok := r.Get(instance.Type)
		if !ok {
			return nil, fmt.Errorf("agent type %q: %w", instance.Type, core.ErrUnknownAgentType)
		}
		return at.Factory(tenantID, instance)
	}
}
