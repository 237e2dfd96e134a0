// Package openai implements llm.Provider on top of any OpenAI-compatible chat endpoint.
//
// Qwen, DeepSeek and Ollama all expose OpenAI-compatible APIs; point BaseURL at them.
package openai

import (
	"context"
	"errors"

	"github.com/oceanbase/powerfuse-go/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// Client is an OpenAI chat completion client.
type Client struct {
	client *openai.Client
	model  string
}

// Config is the configuration for the OpenAI provider.
// APIKey: API key (required by the hosted service, optional for local endpoints)
// Model: model name, defaults to DefaultModel
// BaseURL: API base URL, defaults to the official endpoint
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new OpenAI client.
//
// Parameters:
//   - cfg: OpenAI configuration containing APIKey, Model and BaseURL
//
// Returns:
//   - *Client: OpenAI client instance
//   - error: Error if the configuration is invalid
func NewClient(cfg *Config) (*Client, error) {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate generates text based on a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}
	return c.GenerateWithMessages(ctx, messages, opts...)
}

// GenerateWithMessages generates text using a message list.
//
// The WithSystem instruction, when set, is sent as the first system message.
//
// Parameters:
//   - ctx: Context for controlling request lifecycle
//   - messages: Conversation so far, oldest first
//   - opts: Optional generation parameters (temperature, max tokens, system instruction)
//
// Returns:
//   - string: Content of the first choice
//   - error: Error if the request fails or returns no choices
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if options.System != "" {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: options.System,
		})
	}
	for _, msg := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error {
	return nil
}
