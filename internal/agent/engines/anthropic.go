// Package engines implements the reasoning backends behind the orchestration
// loop: Anthropic and OpenAI adapters for production, and a scripted engine
// for tests and offline development.
package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
	anthropicMaxRetries       = 2
	anthropicRetryDelay       = time.Second
)

// AnthropicEngine implements agent.ReasoningEngine over the Anthropic API.
// Requests are non-streaming: the loop consumes whole proposals.
type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// AnthropicConfig configures the engine.
type AnthropicConfig struct {
	APIKey string

	// Model defaults to a current Claude Sonnet model.
	Model string

	// MaxTokens is the per-response cap when the request does not set one.
	MaxTokens int

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// NewAnthropicEngine creates the engine.
func NewAnthropicEngine(cfg AnthropicConfig) (*AnthropicEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicEngine{
		client:    anthropic.NewClient(options...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (e *AnthropicEngine) Name() string { return "anthropic" }

func (e *AnthropicEngine) Propose(ctx context.Context, req *agent.ProposeRequest) (*agent.Proposal, error) {
	params, err := e.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	var lastErr error
	for attempt := 0; attempt <= anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			delay := anthropicRetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		msg, lastErr = e.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !retryableAPIError(lastErr) {
			return nil, fmt.Errorf("anthropic request: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("anthropic request after retries: %w", lastErr)
	}

	proposal := &agent.Proposal{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			proposal.ToolCalls = append(proposal.ToolCalls, models.ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: json.RawMessage(variant.Input),
			})
		}
	}
	proposal.Answer = text.String()
	return proposal, nil
}

func (e *AnthropicEngine) buildParams(req *agent.ProposeRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps the transcript onto Anthropic content blocks.
// Tool-observation messages become user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call args for %s: %w", call.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// retryableAPIError: rate limits, overload, and server-side failures.
func retryableAPIError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "529")
}
