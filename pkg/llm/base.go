// Package llm provides the inference provider abstraction used by the signal extractor.
//
// The engine treats the model behind a Provider as a black box with its own latency and
// availability profile. Callers always pass a context with a deadline; providers must honour it.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider defines the interface for inference providers.
//
// Implementations: openai (any OpenAI-compatible endpoint) and anthropic.
type Provider interface {
	// Generate generates text from a single user prompt.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - prompt: The input prompt text
	//   - opts: Optional generation parameters (temperature, max tokens, system prompt)
	//
	// Returns the generated text and any error.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages generates text from a message list.
	//
	// System messages in the list are merged with the WithSystem option, if any.
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases provider resources.
	Close() error
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is the message role: "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message content text.
	Content string `json:"content"`
}

// GenerateOptions contains options for text generation.
type GenerateOptions struct {
	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// MaxTokens limits the number of tokens in the response.
	MaxTokens int

	// TopP controls nucleus sampling (0.0-1.0).
	TopP float64

	// Stop contains stop sequences.
	Stop []string

	// System is an instruction prepended as a system message.
	System string
}

// GenerateOption configures a single generation call.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the sampling temperature.
//
// Classification prompts should use 0 for repeatable answers:
//
//	text, _ := provider.Generate(ctx, prompt, llm.WithTemperature(0))
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens sets the maximum number of tokens in the response.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// WithStop sets stop sequences.
func WithStop(stop ...string) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Stop = stop
	}
}

// WithSystem sets a system instruction for the call.
//
// Example:
//
//	text, _ := provider.Generate(ctx, userText, llm.WithSystem("Answer with JSON only."))
func WithSystem(system string) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.System = system
	}
}

// ApplyGenerateOptions folds options over the defaults.
//
// Default values: Temperature=0.2, MaxTokens=512, TopP=1.0.
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.2,
		MaxTokens:   512,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// SplitSystem separates system messages from the conversation and joins them with the
// WithSystem instruction. Providers whose APIs take the system prompt out of band use it.
func SplitSystem(messages []Message, system string) (string, []Message) {
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
