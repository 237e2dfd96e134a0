package facts_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

const day = 24 * time.Hour

func setupSQLiteTest(t *testing.T, opts ...facts.Option) (*facts.Graph, func()) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)

	backend, err := facts.NewSQLiteStore(db, "facts")
	require.NoError(t, err)

	graph, err := facts.NewGraph(backend, opts...)
	require.NoError(t, err)
	return graph, func() { _ = graph.Close() }
}

func TestUpsert_SupersedesSameKindGroup(t *testing.T) {
	graph, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	_, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "Coffee", EntityType: intelligence.EntityInterest,
		Kind: intelligence.KindLikes, Confidence: 0.9, At: start})
	require.NoError(t, err)
	latest, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "coffee", EntityType: intelligence.EntityInterest,
		Kind: intelligence.KindDislikes, Confidence: 0.8, At: start.Add(time.Minute)})
	require.NoError(t, err)

	got, err := graph.Query(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, latest.ID, got[0].ID)
	assert.Equal(t, intelligence.KindDislikes, got[0].Kind)

	history, err := graph.History(ctx, "u1", "COFFEE")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Active)
	assert.False(t, history[1].Active)
	assert.Equal(t, latest.ID, history[1].SupersededBy)
}

func TestUpsert_SameKindTwiceKeepsOne(t *testing.T) {
	graph, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "lisbon", Kind: intelligence.KindLivesIn, Confidence: 0.7})
		require.NoError(t, err)
	}
	// A different kind group stays alongside.
	_, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "lisbon", Kind: intelligence.KindLikes, Confidence: 0.6})
	require.NoError(t, err)

	got, err := graph.Query(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestUpsert_ClampsAndValidates(t *testing.T) {
	graph, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	f, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "guitar", Kind: "plays", Confidence: 3})
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.StoredConfidence)

	_, err = graph.Upsert(ctx, facts.Assertion{UserID: "u1", Kind: "plays"})
	assert.ErrorIs(t, err, facts.ErrInvalidAssertion)

	_, err = graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "x", Kind: "ran", Category: facts.MaintenanceCategory})
	assert.ErrorIs(t, err, facts.ErrReservedCategory)
}

func TestQuery_ExcludesMaintenanceMarkers(t *testing.T) {
	graph, cleanup := setupSQLiteTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, graph.MarkMaintenance(ctx, "u1", "archive"))
	_, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "dog", EntityType: intelligence.EntityPossession,
		Kind: intelligence.KindOwns, Confidence: 0.9})
	require.NoError(t, err)

	got, err := graph.Query(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dog", got[0].Entity)

	got, err = graph.Query(ctx, "u1", &facts.Filter{EntityTypes: []string{facts.MaintenanceCategory}})
	require.NoError(t, err)
	assert.Empty(t, got)

	at, ok, err := graph.LastMaintenance(ctx, "u1", "archive")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	_, ok, err = graph.LastMaintenance(ctx, "u1", "prewarm")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuery_DecaysAtReadTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	graph, cleanup := setupSQLiteTest(t,
		facts.WithClock(func() time.Time { return now }),
		facts.WithDecay(intelligence.HalfLife{Period: 10 * day}),
	)
	defer cleanup()
	ctx := context.Background()

	_, err := graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "chess", Kind: "plays", Confidence: 0.8, At: now.Add(-10 * day)})
	require.NoError(t, err)
	_, err = graph.Upsert(ctx, facts.Assertion{UserID: "u1", Entity: "tennis", Kind: "plays", Confidence: 0.6, At: now})
	require.NoError(t, err)

	got, err := graph.Query(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tennis", got[0].Entity)
	assert.InDelta(t, 0.6, got[0].Confidence, 1e-9)
	assert.Equal(t, "chess", got[1].Entity)
	assert.InDelta(t, 0.4, got[1].Confidence, 1e-9)
	assert.InDelta(t, 0.8, got[1].StoredConfidence, 1e-9)

	got, err = graph.Query(ctx, "u1", &facts.Filter{MinConfidence: 0.5})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertExtracted(t *testing.T) {
	graph, cleanup := setupSQLiteTest(t)
	defer cleanup()

	n, err := graph.UpsertExtracted(context.Background(), "u1", "extractor",
		intelligence.ExtractFactsByRules("I have a dog. I live in Porto."))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPostgresStore_Supersede(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS facts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_active_edge").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_facts_user").WillReturnResult(sqlmock.NewResult(0, 0))

	backend, err := facts.NewPostgresStore(db, "facts")
	require.NoError(t, err)
	graph, err := facts.NewGraph(backend)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE facts SET active = 0, superseded_by = \$1`).
		WithArgs(sqlmock.AnyArg(), "u1", "coffee", "sentiment").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO facts .* VALUES \(\$1, \$2`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err = graph.Upsert(context.Background(), facts.Assertion{UserID: "u1", Entity: "coffee", Kind: "dislikes", Confidence: 0.7})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM facts WHERE user_id = \$1 AND active = 1 AND category <> \$2 AND entity_type <> \$3 AND entity_type IN \(\$4\)`).
		WithArgs("u1", facts.MaintenanceCategory, facts.MaintenanceCategory, "interest").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "entity", "entity_type", "category", "kind", "kind_group", "confidence",
			"asserted_by", "asserted_at", "active", "superseded_by",
		}).AddRow(int64(5), "u1", "coffee", "interest", "interests", "dislikes", "sentiment", 0.7,
			"extractor", time.Now().UnixNano(), 1, int64(0)))

	got, err := graph.Query(context.Background(), "u1", &facts.Filter{EntityTypes: []string{"interest"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}
