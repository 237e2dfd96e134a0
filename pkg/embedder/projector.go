package embedder

import (
	"context"
	"fmt"

	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// Projections holds the three embeddings of one text.
type Projections struct {
	Content []float64
	Affect  []float64
	Meaning []float64
}

// Projector embeds a turn into its content, affect and meaning projections with a single
// batch call to the underlying provider.
//
//   - content: the raw text
//   - affect: the signal's natural-language description
//   - meaning: the polarity-free proposition of the text
type Projector struct {
	provider Provider
}

// NewProjector creates a projector over provider.
func NewProjector(provider Provider) *Projector {
	return &Projector{provider: provider}
}

// Dimensions returns the dimension of every projection.
func (p *Projector) Dimensions() int {
	return p.provider.Dimensions()
}

// Project embeds text under the three projections.
func (p *Projector) Project(ctx context.Context, text string, s signal.Signal) (*Projections, error) {
	meaning := intelligence.MeaningText(text)
	if meaning == "" {
		meaning = text
	}

	vectors, err := p.provider.EmbedBatch(ctx, []string{text, s.Describe(), meaning})
	if err != nil {
		return nil, fmt.Errorf("Project: %w", err)
	}
	if len(vectors) != 3 {
		return nil, fmt.Errorf("Project: expected 3 vectors, got %d", len(vectors))
	}
	return &Projections{
		Content: vectors[0],
		Affect:  vectors[1],
		Meaning: vectors[2],
	}, nil
}
