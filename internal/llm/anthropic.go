package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events a
// stream may emit before it is treated as malformed and aborted.
const maxEmptyStreamEvents = 50

// AnthropicConfig configures an Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// AnthropicClient adapts the Anthropic SDK to the Client capability.
// Grounded on internal/agent/providers/anthropic.go's Complete/createStream
// /processStream pipeline, trimmed of the teacher's beta computer-use path
// (out of scope) and generalized to the generic PromptPart/Chunk shape.
type AnthropicClient struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (a *AnthropicClient) Name() string { return "anthropic" }

func (a *AnthropicClient) Generate(ctx context.Context, prompt []PromptPart, model string, knobs Knobs) (<-chan Chunk, error) {
	if model == "" {
		model = a.defaultModel
	}
	out := make(chan Chunk)

	go func() {
		defer close(out)

		params, err := a.buildParams(prompt, model, knobs)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}

		var stream *anthropicStream
		for attempt := 0; attempt <= a.maxRetries; attempt++ {
			stream, err = a.newStream(ctx, params)
			if err == nil {
				break
			}
			wrapped := Classify(err, 0)
			if !IsRetryable(wrapped) || attempt == a.maxRetries {
				out <- Chunk{Err: wrapped}
				return
			}
			backoff := a.retryDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		a.pump(stream, out)
	}()

	return out, nil
}

// anthropicStream is the subset of ssestream.Stream this adapter needs,
// narrowed so tests can supply a fake without the real SDK.
type anthropicStream struct {
	raw interface {
		Next() bool
		Current() anthropic.MessageStreamEventUnion
		Err() error
	}
}

func (a *AnthropicClient) newStream(ctx context.Context, params anthropic.MessageNewParams) (*anthropicStream, error) {
	s := a.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{raw: s}, nil
}

func (a *AnthropicClient) buildParams(prompt []PromptPart, model string, knobs Knobs) (anthropic.MessageNewParams, error) {
	var messages []anthropic.MessageParam
	var system string
	for _, p := range prompt {
		switch p.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += p.Content
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(p.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(p.Content)))
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock("[tool:" + p.ToolName + "] " + p.Content)))
		}
	}

	maxTokens := knobs.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(knobs.ToolSchemas) > 0 {
		names := make([]string, 0, len(knobs.ToolSchemas))
		for name := range knobs.ToolSchemas {
			names = append(names, name)
		}
		var tools []anthropic.ToolUnionParam
		for _, name := range names {
			if !allowed(name, knobs.ToolsAllowed) {
				continue
			}
			schema := knobs.ToolSchemas[name]
			raw, err := json.Marshal(schema)
			if err != nil {
				return params, fmt.Errorf("llm: marshal tool schema %s: %w", name, err)
			}
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(raw, &schema); err != nil {
				return params, fmt.Errorf("llm: decode tool schema %s: %w", name, err)
			}
			toolParam := anthropic.ToolUnionParamOfTool(schema, name)
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}

	return params, nil
}

func allowed(name string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == name {
			return true
		}
	}
	return false
}

// pump drains the Anthropic SSE stream into generic Chunks, mirroring
// internal/agent/providers/anthropic.go's processStream state machine
// (content_block_start/delta/stop, message_delta, message_stop) collapsed
// onto the Client/Chunk contract.
func (a *AnthropicClient) pump(stream *anthropicStream, out chan<- Chunk) {
	var toolID, toolName string
	var toolInput strings.Builder
	inTool := false
	var inTokens, outTokens int64
	empties := 0

	for stream.raw.Next() {
		event := stream.raw.Current()
		progressed := true

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			inTokens = ms.Message.Usage.InputTokens
		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				toolID, toolName = tu.ID, tu.Name
				toolInput.Reset()
				inTool = true
			} else {
				progressed = false
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{Text: delta.Text}
				} else {
					progressed = false
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			default:
				progressed = false
			}
		case "content_block_stop":
			if inTool {
				var input map[string]any
				_ = json.Unmarshal([]byte(toolInput.String()), &input)
				out <- Chunk{ToolCall: &ToolCallRequest{ID: toolID, Name: toolName, Input: input}}
				inTool = false
			} else {
				progressed = false
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outTokens = md.Usage.OutputTokens
			}
		case "message_stop":
			out <- Chunk{Done: true, Usage: &UsageReport{TokensIn: inTokens, TokensOut: outTokens}}
			return
		case "error":
			out <- Chunk{Err: Classify(fmt.Errorf("anthropic stream error"), 0)}
			return
		default:
			progressed = false
		}

		if progressed {
			empties = 0
		} else {
			empties++
			if empties >= maxEmptyStreamEvents {
				out <- Chunk{Err: fmt.Errorf("llm: anthropic stream appears malformed after %d empty events", empties)}
				return
			}
		}
	}

	if err := stream.raw.Err(); err != nil {
		out <- Chunk{Err: Classify(err, 0)}
	}
}
