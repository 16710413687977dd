package orchestrator

import (
	"strings"

	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/llm"
	"github.com/convergio/core/internal/retriever"
)

// buildPrompt assembles one agent's turn prompt: its system prompt, the
// shared scratchpad rendered as a system note, any freshly-retrieved RAG
// chunks, then the conversation history — the agent's own past messages
// as assistant turns, every other speaker's as user turns tagged with
// who said it, since the underlying llm.Client only knows the four
// stdlib roles (spec §4.9 step 4).
func buildPrompt(agent domain.Agent, scratchpadRender string, chunks []retriever.Chunk, messages []domain.Message) []llm.PromptPart {
	parts := make([]llm.PromptPart, 0, len(messages)+2)
	if agent.SystemPrompt != "" {
		parts = append(parts, llm.PromptPart{Role: llm.RoleSystem, Content: agent.SystemPrompt})
	}
	if scratchpadRender != "" {
		parts = append(parts, llm.PromptPart{Role: llm.RoleSystem, Content: "Shared scratchpad:\n" + scratchpadRender})
	}
	if len(chunks) > 0 {
		var b strings.Builder
		b.WriteString("Retrieved context:\n")
		for _, c := range chunks {
			b.WriteString("- (" + c.Source + ") " + c.Content + "\n")
		}
		parts = append(parts, llm.PromptPart{Role: llm.RoleSystem, Content: b.String()})
	}

	for _, m := range messages {
		if name, ok := m.Role.IsAgent(); ok {
			if name == agent.Name {
				parts = append(parts, llm.PromptPart{Role: llm.RoleAssistant, Content: m.Content})
			} else {
				parts = append(parts, llm.PromptPart{Role: llm.RoleUser, Content: "[" + name + "]: " + m.Content})
			}
			continue
		}
		switch m.Role {
		case domain.RoleTool:
			parts = append(parts, llm.PromptPart{Role: llm.RoleTool, Content: m.Content})
		case domain.RoleSystem:
			parts = append(parts, llm.PromptPart{Role: llm.RoleSystem, Content: m.Content})
		default:
			parts = append(parts, llm.PromptPart{Role: llm.RoleUser, Content: m.Content})
		}
	}
	return parts
}

// toolSchemas narrows a tool catalog snapshot down to the schemas for
// just the names in allowed, the shape llm.Knobs.ToolSchemas expects.
func toolSchemas(allowed []string, lookup func(string) (domain.Tool, bool)) map[string]map[string]any {
	out := make(map[string]map[string]any, len(allowed))
	for _, name := range allowed {
		if t, ok := lookup(name); ok {
			out[name] = t.InputSchema
		}
	}
	return out
}
