package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
	"github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

func setupSQLiteTest(t *testing.T) (*sqlite.Client, func()) {
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath:             filepath.Join(t.TempDir(), "memories.db"),
		CollectionName:     "memories",
		EmbeddingModelDims: 3,
	})
	require.NoError(t, err)
	return client, func() { _ = client.Close() }
}

func newRecord(id int64, user, agent, content string, emb []float64, at time.Time) *storage.Record {
	return &storage.Record{
		ID:               id,
		UserID:           user,
		AgentID:          agent,
		Content:          content,
		ContentHash:      storage.HashContent(content),
		ContentEmbedding: emb,
		AffectEmbedding:  emb,
		MeaningEmbedding: emb,
		Emotion:          signal.Signal{Primary: signal.Joy, Confidence: 0.8, Intensity: 0.4},
		CreatedAt:        at,
	}
}

func TestSQLiteInsertIfAbsent_Dedup(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, _, err := client.InsertIfAbsent(ctx, newRecord(1, "u1", "a1", "I adopted a cat", []float64{1, 0, 0}, now), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, existing, err := client.InsertIfAbsent(ctx, newRecord(2, "u1", "a1", "  i ADOPTED a cat ", []float64{1, 0, 0}, now), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), existing)

	// Another agent has its own dedup scope.
	inserted, _, err = client.InsertIfAbsent(ctx, newRecord(3, "u1", "a2", "I adopted a cat", []float64{1, 0, 0}, now), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := client.Count(ctx, storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteInsertIfAbsent_OutsideWindow(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := client.InsertIfAbsent(ctx, newRecord(1, "u1", "a1", "hello", []float64{1, 0, 0}, now.Add(-48*time.Hour)), now.Add(-72*time.Hour))
	require.NoError(t, err)

	inserted, _, err := client.InsertIfAbsent(ctx, newRecord(2, "u1", "a1", "hello", []float64{1, 0, 0}, now), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSQLiteInsertIfAbsent_SameTurnOutsideWindow(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	first := newRecord(1, "u1", "a1", "hello", []float64{1, 0, 0}, now.Add(-48*time.Hour))
	first.TurnID = "turn-7"
	_, _, err := client.InsertIfAbsent(ctx, first, now.Add(-72*time.Hour))
	require.NoError(t, err)

	replay := newRecord(2, "u1", "a1", "hello", []float64{1, 0, 0}, now)
	replay.TurnID = "turn-7"
	inserted, existing, err := client.InsertIfAbsent(ctx, replay, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(1), existing)

	// Empty turn ids never match each other.
	inserted, _, err = client.InsertIfAbsent(ctx, newRecord(3, "u1", "a1", "hello", []float64{1, 0, 0}, now), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSQLiteReplyRoundTrip(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := newRecord(1, "u1", "a1", "my exam went badly", []float64{1, 0, 0}, now)
	rec.Reply = "I'm sorry, want to talk it through?"
	_, _, err := client.InsertIfAbsent(ctx, rec, now.Add(-time.Hour))
	require.NoError(t, err)

	got, err := client.Get(ctx, storage.Scope{UserID: "u1", AgentID: "a1"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "I'm sorry, want to talk it through?", got.Reply)

	results, err := client.Search(ctx, storage.ProjectionContent, []float64{1, 0, 0}, &storage.SearchOptions{UserID: "u1", AgentID: "a1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rec.Reply, results[0].Reply)
}

func TestSQLiteInsertIfAbsent_Concurrent(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ok, _, err := client.InsertIfAbsent(ctx, newRecord(id, "u1", "a1", "same text", []float64{0, 1, 0}, now), now.Add(-time.Hour))
			if err == nil && ok {
				mu.Lock()
				insertedCount++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, insertedCount)
	n, err := client.Count(ctx, storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSearch(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, rec := range []*storage.Record{
		newRecord(1, "u1", "a1", "near", []float64{1, 0, 0}, now),
		newRecord(2, "u1", "a1", "middle", []float64{1, 1, 0}, now),
		newRecord(3, "u1", "a1", "far", []float64{0, 0, 1}, now),
		newRecord(4, "u1", "a2", "other agent", []float64{1, 0, 0}, now),
	} {
		_, _, err := client.InsertIfAbsent(ctx, rec, now.Add(-time.Hour))
		require.NoError(t, err)
	}

	results, err := client.Search(ctx, storage.ProjectionContent, []float64{1, 0, 0}, &storage.SearchOptions{
		UserID:  "u1",
		AgentID: "a1",
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, "middle", results[1].Content)
	assert.Equal(t, signal.Joy, results[0].Emotion.Primary)

	_, err = client.Search(ctx, storage.ProjectionContent, []float64{1, 0, 0}, &storage.SearchOptions{UserID: "u1"})
	assert.ErrorIs(t, err, storage.ErrScopeRequired)

	_, err = client.Search(ctx, storage.Projection("tone"), []float64{1, 0, 0}, &storage.SearchOptions{UserID: "u1", AgentID: "a1"})
	assert.ErrorIs(t, err, storage.ErrInvalidProjection)
}

func TestSQLiteDimensionMismatch(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()

	now := time.Now().UTC()
	_, _, err := client.InsertIfAbsent(context.Background(), newRecord(1, "u1", "a1", "x", []float64{1, 0}, now), now)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestSQLiteGetListDelete(t *testing.T) {
	client, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := client.InsertIfAbsent(ctx, newRecord(1, "u1", "a1", "old", []float64{1, 0, 0}, now.Add(-100*24*time.Hour)), now.Add(-200*24*time.Hour))
	require.NoError(t, err)
	_, _, err = client.InsertIfAbsent(ctx, newRecord(2, "u1", "a1", "new", []float64{1, 0, 0}, now), now.Add(-time.Hour))
	require.NoError(t, err)

	rec, err := client.Get(ctx, storage.Scope{UserID: "u1", AgentID: "a1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Content)

	_, err = client.Get(ctx, storage.Scope{UserID: "u1", AgentID: "a2"}, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	old, err := client.ListOlderThan(ctx, now.Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, int64(1), old[0].ID)

	require.NoError(t, client.Delete(ctx, 1))
	n, err := client.Count(ctx, storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
