// Package sqlite provides the SQLite implementation of storage.VectorStore.
//
// SQLite is a lightweight, file-based database suitable for local development and single
// process deployments. Vectors are stored as JSON arrays in TEXT columns and similarity is
// computed in process after loading the scope's rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// Client implements storage.VectorStore using SQLite.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// collectionName is the name of the table storing records.
	collectionName string

	// dimensions is the fixed dimension of every embedding column.
	dimensions int
}

// Config contains configuration for creating a SQLite VectorStore.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CollectionName is the name of the table to use.
	CollectionName string

	// EmbeddingModelDims is the dimension of embedding vectors.
	EmbeddingModelDims int
}

// NewClient opens (and if needed creates) the SQLite database and table.
//
// Returns an error if the directory cannot be created, the connection fails or the table
// cannot be initialized.
func NewClient(cfg *Config) (*Client, error) {
	db, err := Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	return NewClientWithDB(db, cfg)
}

// NewClientWithDB wraps an existing connection, so several stores can share one file.
func NewClientWithDB(db *sql.DB, cfg *Config) (*Client, error) {
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	client := &Client{
		db:             db,
		collectionName: name,
		dimensions:     cfg.EmbeddingModelDims,
	}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

// Open opens a SQLite file with WAL journaling and a busy timeout, creating its parent
// directory when missing.
func Open(path string) (*sql.DB, error) {
	dbDir := filepath.Dir(path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// initTables creates the record table and its indexes.
func (c *Client) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			reply TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL,
			content_embedding TEXT NOT NULL,
			affect_embedding TEXT NOT NULL,
			meaning_embedding TEXT NOT NULL,
			emotion TEXT,
			turn_id TEXT,
			created_at INTEGER NOT NULL
		)
	`, c.collectionName)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope_hash ON %s(user_id, agent_id, content_hash, created_at)`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope_turn ON %s(user_id, agent_id, turn_id)`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at)`,
			c.collectionName, c.collectionName),
	}
	for _, q := range indexes {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, user_id, agent_id, content, reply, content_hash, content_embedding,
	affect_embedding, meaning_embedding, emotion, turn_id, created_at`

// InsertIfAbsent inserts rec unless the scope already holds the same content hash since
// the given time, or a record of the same turn id. The existence check and the insert are
// one statement, which SQLite executes under its database write lock.
func (c *Client) InsertIfAbsent(ctx context.Context, rec *storage.Record, since time.Time) (bool, int64, error) {
	if err := rec.CheckDimensions(c.dimensions); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	args, err := recordArgs(rec)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM %s WHERE %s
		)
	`, c.collectionName, recordColumns, c.collectionName, duplicateCondition)
	dupArgs := duplicateArgs(rec, since)
	args = append(args, dupArgs...)

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	if affected == 1 {
		return true, rec.ID, nil
	}

	var existing int64
	err = c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE %s
		ORDER BY created_at DESC LIMIT 1
	`, c.collectionName, duplicateCondition), dupArgs...).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	return false, existing, nil
}

// duplicateCondition matches a record of the same text inside the dedup window, or of the
// same turn at any time.
const duplicateCondition = `user_id = ? AND agent_id = ?
	AND ((content_hash = ? AND created_at >= ?) OR (? <> '' AND turn_id = ?))`

func duplicateArgs(rec *storage.Record, since time.Time) []interface{} {
	return []interface{}{rec.UserID, rec.AgentID, rec.ContentHash, since.UTC().UnixNano(), rec.TurnID, rec.TurnID}
}

// Search performs cosine similarity search on one projection.
//
// SQLite has no vector operators, so the scope's rows are loaded and scored in process.
func (c *Client) Search(ctx context.Context, projection storage.Projection, embedding []float64, opts *storage.SearchOptions) ([]*storage.Record, error) {
	if !projection.Valid() {
		return nil, fmt.Errorf("Search: %w", storage.ErrInvalidProjection)
	}
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	whereClause, args := buildWhereClause(opts.UserID, opts.AgentID)
	query := fmt.Sprintf(`SELECT %s FROM %s %s`, recordColumns, c.collectionName, whereClause)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		rec.Similarity = storage.CosineSimilarity(embedding, rec.Embedding(projection))
		if rec.Similarity >= opts.MinSimilarity {
			records = append(records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	return storage.SortBySimilarity(records, opts.Limit), nil
}

// Get retrieves a record by ID within the scope.
func (c *Client) Get(ctx context.Context, scope storage.Scope, id int64) (*storage.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND user_id = ? AND agent_id = ?`,
		recordColumns, c.collectionName)

	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, id, scope.UserID, scope.AgentID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return rec, nil
}

// Count returns the number of records in the scope.
func (c *Client) Count(ctx context.Context, scope storage.Scope) (int, error) {
	whereClause, args := buildWhereClause(scope.UserID, scope.AgentID)
	var n int
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, c.collectionName, whereClause), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

// ListOlderThan returns records created before cutoff, oldest first.
func (c *Client) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*storage.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE created_at < ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		recordColumns, c.collectionName)

	rows, err := c.db.QueryContext(ctx, query, cutoff.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("ListOlderThan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOlderThan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes records by id.
func (c *Client) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, c.collectionName, placeholders)
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

// Dimensions returns the fixed embedding dimension.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB exposes the underlying connection for stores sharing the same file.
func (c *Client) DB() *sql.DB {
	return c.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a record from a row in recordColumns order.
func scanRecord(scanner rowScanner) (*storage.Record, error) {
	var rec storage.Record
	var contentEmb, affectEmb, meaningEmb string
	var emotion, turnID sql.NullString
	var createdAt int64

	err := scanner.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.AgentID,
		&rec.Content,
		&rec.Reply,
		&rec.ContentHash,
		&contentEmb,
		&affectEmb,
		&meaningEmb,
		&emotion,
		&turnID,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(contentEmb), &rec.ContentEmbedding); err != nil {
		return nil, fmt.Errorf("parse content embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(affectEmb), &rec.AffectEmbedding); err != nil {
		return nil, fmt.Errorf("parse affect embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(meaningEmb), &rec.MeaningEmbedding); err != nil {
		return nil, fmt.Errorf("parse meaning embedding: %w", err)
	}
	if emotion.Valid && emotion.String != "" {
		var s signal.Signal
		if err := json.Unmarshal([]byte(emotion.String), &s); err != nil {
			return nil, fmt.Errorf("parse emotion: %w", err)
		}
		rec.Emotion = s
	}
	rec.TurnID = turnID.String
	rec.CreatedAt = time.Unix(0, createdAt).UTC()

	return &rec, nil
}

// recordArgs returns the insert arguments in recordColumns order.
func recordArgs(rec *storage.Record) ([]interface{}, error) {
	contentEmb, err := json.Marshal(rec.ContentEmbedding)
	if err != nil {
		return nil, err
	}
	affectEmb, err := json.Marshal(rec.AffectEmbedding)
	if err != nil {
		return nil, err
	}
	meaningEmb, err := json.Marshal(rec.MeaningEmbedding)
	if err != nil {
		return nil, err
	}
	emotion, err := json.Marshal(rec.Emotion)
	if err != nil {
		return nil, err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return []interface{}{
		rec.ID,
		rec.UserID,
		rec.AgentID,
		rec.Content,
		rec.Reply,
		rec.ContentHash,
		string(contentEmb),
		string(affectEmb),
		string(meaningEmb),
		string(emotion),
		rec.TurnID,
		createdAt.UTC().UnixNano(),
	}, nil
}
