// Package openai implements embedder.Provider on the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Client is an OpenAI embeddings client.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// ErrUnsupportedModel is returned by NewClient for a model the pinned SDK cannot request.
var ErrUnsupportedModel = errors.New("unsupported embedding model")

// Config is the configuration for the OpenAI embedder.
// APIKey: API key (required by the hosted service)
// Model: embedding model, only text-embedding-ada-002 is accepted (the default)
// BaseURL: API base URL, defaults to the official endpoint
// Dimensions: vector dimension produced by Model, defaults to 1536
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// NewClient creates a new OpenAI embedder.
//
// Args:
//   - cfg: embedder configuration containing APIKey, Model, BaseURL and Dimensions
//
// Returns:
//   - *Client: OpenAI embedder instance
//   - error: ErrUnsupportedModel when Model names a model the SDK cannot request
func NewClient(cfg *Config) (*Client, error) {
	model, err := ParseModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// ParseModel maps a model name onto the SDK's embedding model enum. The empty name
// selects text-embedding-ada-002.
func ParseModel(name string) (openai.EmbeddingModel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text-embedding-ada-002":
		return openai.AdaEmbeddingV2, nil
	default:
		return openai.Unknown, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
	}
}

// Embed converts a single text to a vector.
//
// Returns:
//   - []float64: embedding of Dimensions length
//   - error: when the request fails or the vector has another dimension
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts multiple texts in one request.
//
// Returns an error when the API returns a different number of vectors, or a vector whose
// dimension differs from Dimensions.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, errors.New("embedding: no input texts")
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	embeddings := make([][]float64, len(texts))
	for _, data := range resp.Data {
		if len(data.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embedding: got dimension %d, configured %d", len(data.Embedding), c.dimensions)
		}
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: result index %d out of range", data.Index)
		}
		vector := make([]float64, len(data.Embedding))
		for j, v := range data.Embedding {
			vector[j] = float64(v)
		}
		embeddings[data.Index] = vector
	}

	return embeddings, nil
}

// Dimensions returns the vector dimension.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error {
	return nil
}
