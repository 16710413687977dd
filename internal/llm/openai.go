package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// OpenAIClient adapts github.com/sashabaranov/go-openai to the Client
// capability. Grounded on internal/agent/providers/openai.go's
// Complete/processStream pipeline (per-index tool-call accumulation,
// finish_reason flush), generalized to PromptPart/Chunk.
type OpenAIClient struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: openai API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(oaiCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (o *OpenAIClient) Name() string { return "openai" }

func (o *OpenAIClient) Generate(ctx context.Context, prompt []PromptPart, model string, knobs Knobs) (<-chan Chunk, error) {
	if model == "" {
		model = o.defaultModel
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(prompt),
		Stream:      true,
		Temperature: float32(knobs.Temperature),
	}
	if knobs.MaxTokens > 0 {
		req.MaxTokens = int(knobs.MaxTokens)
	}
	if len(knobs.ToolSchemas) > 0 {
		req.Tools = convertTools(knobs)
	}

	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.retryDelay * time.Duration(attempt)):
			}
		}
		stream, err = o.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			break
		}
		wrapped := Classify(err, 0)
		if !IsRetryable(wrapped) {
			return nil, wrapped
		}
		err = wrapped
	}
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go pumpOpenAI(stream, out)
	return out, nil
}

func convertMessages(prompt []PromptPart) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(prompt))
	for _, p := range prompt {
		role := openai.ChatMessageRoleUser
		switch p.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    p.Content,
				ToolCallID: p.ToolName,
			})
			continue
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: p.Content})
	}
	return result
}

func convertTools(knobs Knobs) []openai.Tool {
	var tools []openai.Tool
	for name, schema := range knobs.ToolSchemas {
		if !allowed(name, knobs.ToolsAllowed) {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:       name,
				Parameters: schema,
			},
		})
	}
	return tools
}

// pumpOpenAI mirrors internal/agent/providers/openai.go's processStream:
// accumulate per-index tool-call deltas and flush them on a tool_calls
// finish_reason or stream EOF.
func pumpOpenAI(stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*ToolCallRequest)
	rawArgs := make(map[int]string)
	var usage UsageReport

	flush := func() {
		for idx, tc := range toolCalls {
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			var input map[string]any
			_ = json.Unmarshal([]byte(rawArgs[idx]), &input)
			tc.Input = input
			out <- Chunk{ToolCall: tc}
		}
		toolCalls = make(map[int]*ToolCallRequest)
		rawArgs = make(map[int]string)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				out <- Chunk{Done: true, Usage: &usage}
				return
			}
			out <- Chunk{Err: Classify(err, 0)}
			return
		}
		if resp.Usage != nil {
			usage = UsageReport{TokensIn: int64(resp.Usage.PromptTokens), TokensOut: int64(resp.Usage.CompletionTokens)}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- Chunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if toolCalls[idx] == nil {
				toolCalls[idx] = &ToolCallRequest{}
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				rawArgs[idx] += tc.Function.Arguments
			}
		}
		if choice.FinishReason == "tool_calls" {
			flush()
		}
	}
}
