package embedder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/embedder"
	"github.com/oceanbase/powerfuse-go/pkg/embedder/hash"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

func TestProjector_MeaningIgnoresPolarity(t *testing.T) {
	p := embedder.NewProjector(hash.New(64))
	ctx := context.Background()

	love, err := p.Project(ctx, "I love my job", signal.Signal{Primary: signal.Joy, Intensity: 0.8})
	require.NoError(t, err)
	hate, err := p.Project(ctx, "I hate my job", signal.Signal{Primary: signal.Anger, Intensity: 0.8})
	require.NoError(t, err)

	assert.Len(t, love.Content, 64)
	assert.InDelta(t, 1.0, storage.CosineSimilarity(love.Meaning, hate.Meaning), 1e-9)
	assert.Less(t, storage.CosineSimilarity(love.Content, hate.Content), 1.0)
	assert.Less(t, storage.CosineSimilarity(love.Affect, hate.Affect), 1.0)
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := hash.New(0)
	assert.Equal(t, hash.DefaultDimensions, e.Dimensions())

	a, err := e.Embed(context.Background(), "the quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "The quick  brown fox!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, storage.CosineSimilarity(a, a), 1e-9)
}

type failingProvider struct{ embedder.Provider }

func (failingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, errors.New("quota exceeded")
}

func TestProjector_PropagatesErrors(t *testing.T) {
	p := embedder.NewProjector(failingProvider{})
	_, err := p.Project(context.Background(), "hello", signal.NeutralSignal())
	assert.ErrorContains(t, err, "quota exceeded")
}
