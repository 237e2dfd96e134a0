// Package oceanbase provides the OceanBase implementation of storage.VectorStore.
//
// OceanBase speaks the MySQL protocol and offers native VECTOR(n) columns with the
// cosine_distance function, so similarity ranking happens in the database.
package oceanbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// Client is an OceanBase client.
type Client struct {
	db             *sql.DB
	collectionName string
	dimensions     int
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
}

// DSN returns the go-sql-driver/mysql connection string of the config.
func (cfg *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
}

// NewClient creates a new OceanBase client.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}
	return NewClientWithDB(db, cfg)
}

// NewClientWithDB wraps an existing pool and creates the tables when missing.
func NewClientWithDB(db *sql.DB, cfg *Config) (*Client, error) {
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewOceanBaseClient: embedding dimensions must be positive")
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

// guardTable holds one row per (user, agent, hash). Locking that row is what makes the
// dedup check and the insert atomic, since FOR UPDATE cannot lock rows that do not exist yet.
func (c *Client) guardTable() string {
	return c.collectionName + "_dedup"
}

// initTables creates the record and dedup guard tables.
func (c *Client) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(128) NOT NULL,
			agent_id VARCHAR(128) NOT NULL,
			content LONGTEXT NOT NULL,
			reply LONGTEXT,
			content_hash CHAR(64) NOT NULL,
			content_embedding VECTOR(%d) NOT NULL,
			affect_embedding VECTOR(%d) NOT NULL,
			meaning_embedding VECTOR(%d) NOT NULL,
			emotion JSON,
			turn_id VARCHAR(64),
			created_at DATETIME(6) NOT NULL,
			INDEX idx_scope_hash (user_id, agent_id, content_hash),
			INDEX idx_scope_turn (user_id, agent_id, turn_id),
			INDEX idx_created (created_at)
		)
	`, c.collectionName, c.dimensions, c.dimensions, c.dimensions)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	guard := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id VARCHAR(128) NOT NULL,
			agent_id VARCHAR(128) NOT NULL,
			content_hash CHAR(64) NOT NULL,
			record_id BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, agent_id, content_hash)
		)
	`, c.guardTable())
	if _, err := c.db.ExecContext(ctx, guard); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

const recordColumns = `id, user_id, agent_id, content, reply, content_hash, content_embedding,
	affect_embedding, meaning_embedding, emotion, turn_id, created_at`

// InsertIfAbsent inserts rec unless the scope holds the same content hash since the given
// time, or a record of the same turn id. The guard row of the hash is locked for the
// whole check; the pair's in-process lock covers a turn replayed with different text.
func (c *Client) InsertIfAbsent(ctx context.Context, rec *storage.Record, since time.Time) (bool, int64, error) {
	if err := rec.CheckDimensions(c.dimensions); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	emotion, err := json.Marshal(rec.Emotion)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT IGNORE INTO %s (user_id, agent_id, content_hash) VALUES (?, ?, ?)`, c.guardTable()),
		rec.UserID, rec.AgentID, rec.ContentHash); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: guard: %w", err)
	}

	var lastID, lastAt int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT record_id, created_at FROM %s WHERE user_id = ? AND agent_id = ? AND content_hash = ? FOR UPDATE`,
		c.guardTable()), rec.UserID, rec.AgentID, rec.ContentHash).Scan(&lastID, &lastAt)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: guard: %w", err)
	}
	if lastID != 0 && lastAt >= since.UTC().UnixNano() {
		return false, lastID, nil
	}

	if rec.TurnID != "" {
		var existing int64
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id FROM %s WHERE user_id = ? AND agent_id = ? AND turn_id = ? ORDER BY created_at DESC LIMIT 1`,
			c.collectionName), rec.UserID, rec.AgentID, rec.TurnID).Scan(&existing)
		switch {
		case err == nil:
			return false, existing, nil
		case err != sql.ErrNoRows:
			return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.collectionName, recordColumns),
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
		createdAt,
	)
	if err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET record_id = ?, created_at = ? WHERE user_id = ? AND agent_id = ? AND content_hash = ?`,
		c.guardTable()), rec.ID, createdAt.UnixNano(), rec.UserID, rec.AgentID, rec.ContentHash); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: guard: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}
	return true, rec.ID, nil
}

// Search performs vector search using OceanBase's cosine_distance.
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
	query := fmt.Sprintf(`
		SELECT %s, cosine_distance(%s, ?) AS distance
		FROM %s
		%s
		ORDER BY distance ASC
		LIMIT ?
	`, recordColumns, projection.Column(), c.collectionName, whereClause)

	allArgs := append([]interface{}{storage.VectorLiteral(embedding)}, args...)
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
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND user_id = ? AND agent_id = ?`,
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
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE created_at < ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		recordColumns, c.collectionName), cutoff.UTC(), limit)
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

// Delete removes records by id. Guard rows are left in place; their record_id no longer
// matches anything, and the next insert of the same text overwrites them.
func (c *Client) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, c.collectionName, placeholders), args...); err != nil {
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

// scanRecord scans a row in recordColumns order, followed by distance when withDistance.
func scanRecord(scanner rowScanner, withDistance bool) (*storage.Record, error) {
	var rec storage.Record
	var contentEmb, affectEmb, meaningEmb string
	var emotion []byte
	var reply, turnID sql.NullString
	var distance float64

	dest := []interface{}{
		&rec.ID,
		&rec.UserID,
		&rec.AgentID,
		&rec.Content,
		&reply,
		&rec.ContentHash,
		&contentEmb,
		&affectEmb,
		&meaningEmb,
		&emotion,
		&turnID,
		&rec.CreatedAt,
	}
	if withDistance {
		dest = append(dest, &distance)
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
	if withDistance {
		rec.Similarity = 1 - distance
	}
	rec.Reply = reply.String
	rec.TurnID = turnID.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
