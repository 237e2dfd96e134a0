package chromem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/storage"
	"github.com/oceanbase/powerfuse-go/pkg/storage/chromem"
)

func record(id int64, agent, content string, emb []float64, at time.Time) *storage.Record {
	return &storage.Record{
		ID:               id,
		UserID:           "u1",
		AgentID:          agent,
		Content:          content,
		ContentHash:      storage.HashContent(content),
		ContentEmbedding: emb,
		AffectEmbedding:  emb,
		MeaningEmbedding: emb,
		CreatedAt:        at,
	}
}

func TestChromemStore(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(&chromem.Config{EmbeddingModelDims: 3})
	defer func() { _ = store.Close() }()
	now := time.Now().UTC()
	since := now.Add(-time.Hour)

	for _, rec := range []*storage.Record{
		record(1, "a1", "I love hiking", []float64{1, 0, 0}, now),
		record(2, "a1", "My boss yelled at me", []float64{0, 1, 0}, now),
		record(3, "a2", "I love hiking", []float64{1, 0, 0}, now),
	} {
		inserted, _, err := store.InsertIfAbsent(ctx, rec, since)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, existing, err := store.InsertIfAbsent(ctx, record(4, "a1", "i love HIKING", []float64{1, 0, 0}, now), since)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), existing)

	results, err := store.Search(ctx, storage.ProjectionContent, []float64{1, 0.1, 0}, &storage.SearchOptions{
		UserID:  "u1",
		AgentID: "a1",
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	// Unknown scope is empty, not an error.
	results, err = store.Search(ctx, storage.ProjectionContent, []float64{1, 0, 0}, &storage.SearchOptions{UserID: "u2", AgentID: "a1"})
	require.NoError(t, err)
	assert.Empty(t, results)

	_, _, err = store.InsertIfAbsent(ctx, record(5, "a1", "short", []float64{1, 0}, now), since)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestChromemStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(&chromem.Config{EmbeddingModelDims: 2})
	now := time.Now().UTC()

	_, _, err := store.InsertIfAbsent(ctx, record(1, "a1", "old", []float64{1, 0}, now.Add(-90*24*time.Hour)), now.Add(-100*24*time.Hour))
	require.NoError(t, err)
	_, _, err = store.InsertIfAbsent(ctx, record(2, "a1", "new", []float64{0, 1}, now), now.Add(-time.Hour))
	require.NoError(t, err)

	old, err := store.ListOlderThan(ctx, now.Add(-24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "old", old[0].Content)

	require.NoError(t, store.Delete(ctx, 1))

	_, err = store.Get(ctx, storage.Scope{UserID: "u1", AgentID: "a1"}, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	results, err := store.Search(ctx, storage.ProjectionContent, []float64{1, 0}, &storage.SearchOptions{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)

	n, err := store.Count(ctx, storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChromemStore_DeleteRemovesDocuments(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(&chromem.Config{EmbeddingModelDims: 2})
	now := time.Now().UTC()
	since := now.Add(-time.Hour)
	scope := storage.Scope{UserID: "u1", AgentID: "a1"}

	_, _, err := store.InsertIfAbsent(ctx, record(1, "a1", "best match", []float64{1, 0}, now), since)
	require.NoError(t, err)
	_, _, err = store.InsertIfAbsent(ctx, record(2, "a1", "runner up", []float64{0.6, 0.8}, now), since)
	require.NoError(t, err)
	// Deletions in another scope must not affect this one.
	_, _, err = store.InsertIfAbsent(ctx, record(3, "a2", "elsewhere", []float64{1, 0}, now), since)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, 1, 3, 99))

	results, err := store.Search(ctx, storage.ProjectionAffect, []float64{1, 0}, &storage.SearchOptions{UserID: "u1", AgentID: "a1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)

	// The deleted text no longer counts as a duplicate.
	inserted, _, err := store.InsertIfAbsent(ctx, record(4, "a1", "best match", []float64{1, 0}, now), since)
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := store.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.Count(ctx, storage.Scope{UserID: "u1", AgentID: "a2"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestChromemStore_TurnAndReply(t *testing.T) {
	ctx := context.Background()
	store := chromem.New(&chromem.Config{EmbeddingModelDims: 2})
	now := time.Now().UTC()

	first := record(1, "a1", "we argued again", []float64{1, 0}, now.Add(-72*time.Hour))
	first.TurnID = "turn-1"
	first.Reply = "That sounds draining."
	_, _, err := store.InsertIfAbsent(ctx, first, now.Add(-96*time.Hour))
	require.NoError(t, err)

	replay := record(2, "a1", "we argued again", []float64{1, 0}, now)
	replay.TurnID = "turn-1"
	inserted, existing, err := store.InsertIfAbsent(ctx, replay, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), existing)

	got, err := store.Get(ctx, storage.Scope{UserID: "u1", AgentID: "a1"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "That sounds draining.", got.Reply)
}
