package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockConfig configures a Bedrock adapter.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// BedrockClient adapts the AWS Bedrock ConverseStream API to the Client
// capability. Grounded on internal/agent/providers/bedrock.go's
// Complete/processStream pair (content_block_start/delta/stop ->
// MessageStop event switch), trimmed of image-attachment handling (out
// of scope for this text-only orchestration core).
type BedrockClient struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &BedrockClient{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (b *BedrockClient) Name() string { return "bedrock" }

func (b *BedrockClient) Generate(ctx context.Context, prompt []PromptPart, model string, knobs Knobs) (<-chan Chunk, error) {
	if b.client == nil {
		return nil, errors.New("llm: bedrock client not initialized")
	}
	if model == "" {
		model = b.defaultModel
	}

	messages, system := convertMessagesBedrock(prompt)
	req := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		req.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if knobs.MaxTokens > 0 {
		req.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(knobs.MaxTokens))}
	}

	var stream *bedrockruntime.ConverseStreamOutput
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		stream, err = b.client.ConverseStream(ctx, req)
		if err == nil {
			break
		}
		wrapped := Classify(err, 0)
		if !IsRetryable(wrapped) || attempt == b.maxRetries {
			return nil, wrapped
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(1<<uint(attempt))):
		}
	}

	out := make(chan Chunk)
	go pumpBedrock(ctx, stream, out)
	return out, nil
}

func convertMessagesBedrock(prompt []PromptPart) ([]types.Message, string) {
	var system string
	messages := make([]types.Message, 0, len(prompt))
	for _, p := range prompt {
		if p.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += p.Content
			continue
		}
		role := types.ConversationRoleUser
		content := p.Content
		if p.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if p.Role == RoleTool {
			content = "[tool:" + p.ToolName + "] " + content
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: content}},
		})
	}
	return messages, system
}

func pumpBedrock(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- Chunk) {
	defer close(out)
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var toolID, toolName string
	var toolInput strings.Builder
	inTool := false
	events := eventStream.Events()

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		case event, ok := <-events:
			if !ok {
				if inTool {
					var input map[string]any
					_ = json.Unmarshal([]byte(toolInput.String()), &input)
					out <- Chunk{ToolCall: &ToolCallRequest{ID: toolID, Name: toolName, Input: input}}
				}
				if err := eventStream.Err(); err != nil {
					out <- Chunk{Err: Classify(err, 0)}
				} else {
					out <- Chunk{Done: true}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolID, toolName = aws.ToString(tu.Value.ToolUseId), aws.ToString(tu.Value.Name)
					toolInput.Reset()
					inTool = true
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- Chunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if inTool {
					var input map[string]any
					_ = json.Unmarshal([]byte(toolInput.String()), &input)
					out <- Chunk{ToolCall: &ToolCallRequest{ID: toolID, Name: toolName, Input: input}}
					inTool = false
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				out <- Chunk{Done: true}
				return
			}
		}
	}
}
