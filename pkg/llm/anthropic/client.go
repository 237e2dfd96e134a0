// Package anthropic implements llm.Provider with the official Anthropic Go SDK.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/oceanbase/powerfuse-go/pkg/llm"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-3-5-haiku-latest"

// Client is an Anthropic Messages API client.
//
// System messages are lifted out of the message list into the request's system field.
type Client struct {
	client anthropic.Client
	model  string
}

// Config is the configuration for the Anthropic provider.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// Model is the model name. Defaults to DefaultModel.
	Model string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string
}

// NewClient creates a new Anthropic client.
//
// Args:
//   - cfg: Anthropic configuration containing APIKey, Model, BaseURL, etc.
//
// Returns:
//   - *Client: Anthropic client instance
//   - error: Returns an error if the API key is missing
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Generate generates text based on a single user prompt.
//
// Returns:
//   - string: Concatenated text blocks of the reply
//   - error: Error if generation fails
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages generates text using a message list.
//
// Parameters:
//   - ctx: Context for controlling request lifecycle
//   - messages: Message history; system messages become the request's system prompt
//   - opts: Optional generation parameters (temperature, max tokens, system instruction)
//
// Returns:
//   - string: Concatenated text blocks of the reply
//   - error: Error if the request fails
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)
	system, rest := llm.SplitSystem(messages, options.System)
	if len(rest) == 0 {
		return "", errors.New("anthropic: at least one non-system message is required")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(options.MaxTokens),
		Messages:  toMessageParams(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	params.Temperature = anthropic.Float(options.Temperature)
	if len(options.Stop) > 0 {
		params.StopSequences = options.Stop
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("anthropic: no text content returned")
	}
	return out.String(), nil
}

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error {
	return nil
}

func toMessageParams(messages []llm.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == llm.RoleAssistant {
			params = append(params, anthropic.NewAssistantMessage(block))
			continue
		}
		params = append(params, anthropic.NewUserMessage(block))
	}
	return params
}
