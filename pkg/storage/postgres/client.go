// Package postgres provides the PostgreSQL + pgvector implementation of storage.VectorStore.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// Client is a PostgreSQL + pgvector client.
type Client struct {
	db             *sql.DB
	collectionName string
	dimensions     int
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
	SSLMode            string
}

// DSN returns the lib/pq connection string of the config.
func (cfg *Config) DSN() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

// NewClient creates a new PostgreSQL client.
//
// Parameters:
//   - cfg: Connection settings, table name and the fixed embedding dimension
//
// Returns:
//   - *Client: Client with pgvector enabled and the table created
//   - error: Error if the connection or table initialization fails
func NewClient(cfg *Config) (*Client, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}
	return NewClientWithDB(db, cfg)
}

// Open opens and pings a PostgreSQL connection pool.
func Open(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewClientWithDB wraps an existing pool and creates the table when missing.
func NewClientWithDB(db *sql.DB, cfg *Config) (*Client, error) {
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewPostgresClient: embedding dimensions must be positive")
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

// initTables enables pgvector and creates the record table.
//
// The vector columns are typed vector(n), so PostgreSQL itself rejects vectors of another
// dimension for the lifetime of the table.
func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			agent_id VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			reply TEXT NOT NULL DEFAULT '',
			content_hash CHAR(64) NOT NULL,
			content_embedding vector(%d) NOT NULL,
			affect_embedding vector(%d) NOT NULL,
			meaning_embedding vector(%d) NOT NULL,
			emotion JSONB,
			turn_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, c.collectionName, c.dimensions, c.dimensions, c.dimensions)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope_hash ON %s(user_id, agent_id, content_hash, created_at)`,
			c.collectionName, c.collectionName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope_turn ON %s(user_id, agent_id, turn_id)`,
			c.collectionName, c.collectionName),
	}
	for _, q := range indexes {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: create index: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, user_id, agent_id, content, reply, content_hash, content_embedding::text,
	affect_embedding::text, meaning_embedding::text, emotion, turn_id, created_at`

// InsertIfAbsent inserts rec unless the scope holds the same content hash since the given
// time, or any record of the same turn id. A transaction-scoped advisory lock on
// (user, agent) serializes concurrent writers of the pair across processes.
func (c *Client) InsertIfAbsent(ctx context.Context, rec *storage.Record, since time.Time) (bool, int64, error) {
	if err := rec.CheckDimensions(c.dimensions); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	emotion, err := json.Marshal(rec.Emotion)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockKey := storage.Scope{UserID: rec.UserID, AgentID: rec.AgentID}.Key()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: lock: %w", err)
	}

	var existing int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE user_id = $1 AND agent_id = $2
		  AND ((content_hash = $3 AND created_at >= $4) OR ($5::text <> '' AND turn_id = $5))
		ORDER BY created_at DESC LIMIT 1
	`, c.collectionName), rec.UserID, rec.AgentID, rec.ContentHash, since.UTC(), rec.TurnID).Scan(&existing)
	switch {
	case err == nil:
		return false, existing, nil
	case err != sql.ErrNoRows:
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
		(id, user_id, agent_id, content, reply, content_hash, content_embedding, affect_embedding,
		 meaning_embedding, emotion, turn_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8::vector, $9::vector, $10, $11, $12)
	`, c.collectionName),
		rec.ID,
		rec.UserID,
		rec.AgentID,
		rec.Content,
		rec.Reply,
		rec.ContentHash,
		storage.VectorLiteral(rec.ContentEmbedding),
		storage.VectorLiteral(rec.AffectEmbedding),
		storage.VectorLiteral(rec.MeaningEmbedding),
		string(emotion),
		rec.TurnID,
		createdAt.UTC(),
	)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	return true, rec.ID, nil
}

// Search performs vector search using pgvector's cosine distance operator.
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

	// $1 is the query vector.
	whereClause, filterArgs := buildWhereClauseWithOffset(opts.UserID, opts.AgentID, 2)
	column := projection.Column()

	query := fmt.Sprintf(`
		SELECT %s, 1 - (%s <=> $1::vector) AS similarity
		FROM %s
		%s
		ORDER BY %s <=> $1::vector
		LIMIT $%d
	`, recordColumns, column, c.collectionName, whereClause, column, len(filterArgs)+2)

	allArgs := []interface{}{storage.VectorLiteral(embedding)}
	allArgs = append(allArgs, filterArgs...)
	allArgs = append(allArgs, opts.Limit)

	rows, err := c.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows, true)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		if rec.Similarity >= opts.MinSimilarity {
			records = append(records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	return records, nil
}

// Get retrieves a record by ID within the scope.
func (c *Client) Get(ctx context.Context, scope storage.Scope, id int64) (*storage.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND user_id = $2 AND agent_id = $3`,
		recordColumns, c.collectionName)

	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, id, scope.UserID, scope.AgentID), false)
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
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, c.collectionName, whereClause), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

// ListOlderThan returns records created before cutoff, oldest first.
func (c *Client) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*storage.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE created_at < $1 ORDER BY created_at ASC, id ASC LIMIT $2
	`, recordColumns, c.collectionName), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("ListOlderThan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows, false)
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
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, c.collectionName, strings.Join(placeholders, ", "))
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
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a row in recordColumns order, followed by similarity when withSimilarity.
func scanRecord(scanner rowScanner, withSimilarity bool) (*storage.Record, error) {
	var rec storage.Record
	var contentEmb, affectEmb, meaningEmb string
	var emotion []byte
	var turnID sql.NullString

	dest := []interface{}{
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
		&rec.CreatedAt,
	}
	if withSimilarity {
		dest = append(dest, &rec.Similarity)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if rec.ContentEmbedding, err = storage.ParseVectorLiteral(contentEmb); err != nil {
		return nil, fmt.Errorf("parse content embedding: %w", err)
	}
	if rec.AffectEmbedding, err = storage.ParseVectorLiteral(affectEmb); err != nil {
		return nil, fmt.Errorf("parse affect embedding: %w", err)
	}
	if rec.MeaningEmbedding, err = storage.ParseVectorLiteral(meaningEmb); err != nil {
		return nil, fmt.Errorf("parse meaning embedding: %w", err)
	}
	if len(emotion) > 0 {
		var s signal.Signal
		if err := json.Unmarshal(emotion, &s); err != nil {
			return nil, fmt.Errorf("parse emotion: %w", err)
		}
		rec.Emotion = s
	}
	rec.TurnID = turnID.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
