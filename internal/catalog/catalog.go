// Package catalog implements the Agent and Tool catalogs (spec §3, §9
// REDESIGN FLAGS). Both catalogs are explicit, name-keyed, immutable
// snapshots: a running run holds the snapshot version it started with,
// and a reload never mutates state a run already observed. This
// replaces the teacher's dynamic plugin/MCP loading (internal/plugins,
// internal/mcp in the source repo) with the copy-on-write registry shape
// the spec calls for, generalized from the teacher's name-keyed
// internal/multiagent/subagent_registry.go and internal/agent/tool_registry.go.
package catalog

import (
	"sort"
	"sync"

	"github.com/convergio/core/internal/domain"
)

// AgentSnapshot is an immutable, versioned view of the agent catalog.
type AgentSnapshot struct {
	Version int64
	byName  map[string]domain.Agent
}

// Get looks up an agent by name in this snapshot.
func (s AgentSnapshot) Get(name string) (domain.Agent, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// Names returns every agent name in this snapshot, sorted for determinism.
func (s AgentSnapshot) Names() []string {
	out := make([]string, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// All returns a defensive copy of every agent in the snapshot, stably ordered.
func (s AgentSnapshot) All() []domain.Agent {
	names := s.Names()
	out := make([]domain.Agent, 0, len(names))
	for _, n := range names {
		out = append(out, s.byName[n])
	}
	return out
}

// Contains reports set membership, used by DecisionPlan.Validate.
func (s AgentSnapshot) Contains(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// AsSet returns a name -> true map suitable for DecisionPlan.Validate.
func (s AgentSnapshot) AsSet() map[string]bool {
	out := make(map[string]bool, len(s.byName))
	for n := range s.byName {
		out[n] = true
	}
	return out
}

// AgentRegistry is the process-wide, hot-reloadable agent catalog.
// Reload copies the whole map rather than mutating it in place, so a
// Snapshot captured by an in-flight run is never touched by a later
// reload (spec §3 Agent: "hot-reloadable: on reload, in-flight runs keep
// their frozen snapshot").
type AgentRegistry struct {
	mu  sync.RWMutex
	cur AgentSnapshot
}

// NewAgentRegistry builds a registry seeded with the given agents.
func NewAgentRegistry(agents ...domain.Agent) *AgentRegistry {
	r := &AgentRegistry{}
	r.Reload(agents)
	return r
}

// Current returns the snapshot in effect right now. A run should call
// this exactly once, at start, and hold the result for its lifetime.
func (r *AgentRegistry) Current() AgentSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

// Reload replaces the live snapshot with a fresh copy built from agents,
// bumping Version. Agents with a duplicate name: last one wins.
func (r *AgentRegistry) Reload(agents []domain.Agent) AgentSnapshot {
	byName := make(map[string]domain.Agent, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := AgentSnapshot{Version: r.cur.Version + 1, byName: byName}
	r.cur = next
	return next
}

// ToolSnapshot is an immutable, versioned view of the tool catalog.
type ToolSnapshot struct {
	Version int64
	byName  map[string]domain.Tool
}

func (s ToolSnapshot) Get(name string) (domain.Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

func (s ToolSnapshot) Names() []string {
	out := make([]string, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s ToolSnapshot) Contains(name string) bool {
	_, ok := s.byName[name]
	return ok
}

func (s ToolSnapshot) AsSet() map[string]bool {
	out := make(map[string]bool, len(s.byName))
	for n := range s.byName {
		out[n] = true
	}
	return out
}

// ToolRegistry is the process-wide, hot-reloadable tool catalog.
type ToolRegistry struct {
	mu  sync.RWMutex
	cur ToolSnapshot
}

func NewToolRegistry(tools ...domain.Tool) *ToolRegistry {
	r := &ToolRegistry{}
	r.Reload(tools)
	return r
}

func (r *ToolRegistry) Current() ToolSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

func (r *ToolRegistry) Reload(tools []domain.Tool) ToolSnapshot {
	byName := make(map[string]domain.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := ToolSnapshot{Version: r.cur.Version + 1, byName: byName}
	r.cur = next
	return next
}
