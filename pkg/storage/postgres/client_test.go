package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/storage"
	"github.com/oceanbase/powerfuse-go/pkg/storage/postgres"
)

func setupPostgresMock(t *testing.T) (*postgres.Client, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS memories").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_memories_scope_hash").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_memories_scope_turn").WillReturnResult(sqlmock.NewResult(0, 0))

	client, err := postgres.NewClientWithDB(db, &postgres.Config{CollectionName: "memories", EmbeddingModelDims: 2})
	require.NoError(t, err)
	return client, mock
}

func testRecord() *storage.Record {
	return &storage.Record{
		ID:               42,
		UserID:           "u1",
		AgentID:          "a1",
		Content:          "I started running",
		Reply:            "That's great, how far?",
		ContentHash:      storage.HashContent("I started running"),
		ContentEmbedding: []float64{1, 0},
		AffectEmbedding:  []float64{0, 1},
		MeaningEmbedding: []float64{1, 1},
		CreatedAt:        time.Now().UTC(),
	}
}

func TestPostgresInsertIfAbsent_Inserts(t *testing.T) {
	client, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM memories").
		WithArgs("u1", "a1", sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO memories").
		WithArgs(int64(42), "u1", "a1", "I started running", "That's great, how far?", sqlmock.AnyArg(),
			"[1,0]", "[0,1]", "[1,1]", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	inserted, id, err := client.InsertIfAbsent(context.Background(), testRecord(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertIfAbsent_Duplicate(t *testing.T) {
	client, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM memories").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectRollback()

	inserted, id, err := client.InsertIfAbsent(context.Background(), testRecord(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertIfAbsent_SameTurnOutsideWindow(t *testing.T) {
	client, mock := setupPostgresMock(t)

	rec := testRecord()
	rec.TurnID = "turn-1"
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`turn_id = \$5`).
		WithArgs("u1", "a1", rec.ContentHash, sqlmock.AnyArg(), "turn-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectRollback()

	inserted, id, err := client.InsertIfAbsent(context.Background(), rec, time.Now())
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(9), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertIfAbsent_DimensionMismatch(t *testing.T) {
	client, mock := setupPostgresMock(t)

	rec := testRecord()
	rec.AffectEmbedding = []float64{1, 0, 0}
	_, _, err := client.InsertIfAbsent(context.Background(), rec, time.Now())
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSearch(t *testing.T) {
	client, mock := setupPostgresMock(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "agent_id", "content", "reply", "content_hash", "content_embedding",
		"affect_embedding", "meaning_embedding", "emotion", "turn_id", "created_at", "similarity",
	}).
		AddRow(int64(1), "u1", "a1", "close", "glad to hear", "h1", "[1,0]", "[0,1]", "[1,1]",
			`{"primary":"joy","confidence":0.9,"intensity":0.5}`, "t1", created, 0.97).
		AddRow(int64(2), "u1", "a1", "weak", "", "h2", "[0,1]", "[0,1]", "[0,1]", nil, nil, created, 0.10)

	mock.ExpectQuery(`1 - \(meaning_embedding <=> \$1::vector\) AS similarity`).
		WithArgs("[1,0]", "u1", "a1", 5).
		WillReturnRows(rows)

	results, err := client.Search(context.Background(), storage.ProjectionMeaning, []float64{1, 0}, &storage.SearchOptions{
		UserID:        "u1",
		AgentID:       "a1",
		Limit:         5,
		MinSimilarity: 0.2,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close", results[0].Content)
	assert.Equal(t, "glad to hear", results[0].Reply)
	assert.Equal(t, []float64{1, 1}, results[0].MeaningEmbedding)
	assert.Equal(t, "t1", results[0].TurnID)
	assert.InDelta(t, 0.97, results[0].Similarity, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	client, mock := setupPostgresMock(t)

	mock.ExpectExec(`DELETE FROM memories WHERE id IN \(\$1, \$2\)`).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, client.Delete(context.Background(), 1, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}
