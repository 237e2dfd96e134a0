package facts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string

	// placeholder returns the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		name:        "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// SQLStore is a Backend over database/sql, for SQLite (mattn/go-sqlite3) or PostgreSQL
// (lib/pq). Timestamps are stored as unix nanoseconds so both dialects share one schema.
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   dialect
}

// NewSQLiteStore creates the fact table in a SQLite database.
func NewSQLiteStore(db *sql.DB, tableName string) (*SQLStore, error) {
	return newSQLStore(db, tableName, sqliteDialect)
}

// NewPostgresStore creates the fact table in a PostgreSQL database.
func NewPostgresStore(db *sql.DB, tableName string) (*SQLStore, error) {
	return newSQLStore(db, tableName, postgresDialect)
}

func newSQLStore(db *sql.DB, tableName string, d dialect) (*SQLStore, error) {
	if tableName == "" {
		tableName = "facts"
	}
	s := &SQLStore{db: db, tableName: tableName, dialect: d}
	if err := s.initTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// initTables creates the table and indexes. The partial unique index enforces at most one
// active edge per (user, entity, kind group) even across processes.
func (s *SQLStore) initTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			entity VARCHAR(255) NOT NULL,
			entity_type VARCHAR(64) NOT NULL,
			category VARCHAR(64) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			kind_group VARCHAR(64) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			asserted_by VARCHAR(255),
			asserted_at BIGINT NOT NULL,
			active SMALLINT NOT NULL DEFAULT 1,
			superseded_by BIGINT NOT NULL DEFAULT 0
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_active_edge ON %s(user_id, entity, kind_group) WHERE active = 1`,
			s.tableName, s.tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id, active)`, s.tableName, s.tableName),
	}
	for _, q := range indexes {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

const factColumns = `id, user_id, entity, entity_type, category, kind, kind_group, confidence,
	asserted_by, asserted_at, active, superseded_by`

// Supersede deactivates the active edges of the same kind group and inserts f.
func (s *SQLStore) Supersede(ctx context.Context, f *Fact) error {
	p := s.dialect.placeholder

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Supersede: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := fmt.Sprintf(`
		UPDATE %s SET active = 0, superseded_by = %s
		WHERE user_id = %s AND entity = %s AND kind_group = %s AND active = 1
	`, s.tableName, p(1), p(2), p(3), p(4))
	if _, err := tx.ExecContext(ctx, update, f.ID, f.UserID, f.Entity, f.KindGroup); err != nil {
		return fmt.Errorf("Supersede: deactivate: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.tableName, factColumns,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10), p(11), p(12))
	if _, err := tx.ExecContext(ctx, insert,
		f.ID,
		f.UserID,
		f.Entity,
		f.EntityType,
		f.Category,
		f.Kind,
		f.KindGroup,
		f.StoredConfidence,
		f.AssertedBy,
		f.AssertedAt.UnixNano(),
		1,
		0,
	); err != nil {
		return fmt.Errorf("Supersede: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Supersede: %w", err)
	}
	return nil
}

// ListActive returns the user's active, non-maintenance edges, newest first.
func (s *SQLStore) ListActive(ctx context.Context, userID string, entityTypes, categories []string) ([]Fact, error) {
	p := s.dialect.placeholder
	args := []interface{}{userID, MaintenanceCategory, MaintenanceCategory}
	conditions := []string{
		"user_id = " + p(1),
		"active = 1",
		"category <> " + p(2),
		"entity_type <> " + p(3),
	}

	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		phs := make([]string, len(values))
		for i, v := range values {
			args = append(args, v)
			phs[i] = p(len(args))
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(phs, ", ")))
	}
	addIn("entity_type", entityTypes)
	addIn("category", categories)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY asserted_at DESC, id DESC`,
		factColumns, s.tableName, strings.Join(conditions, " AND "))
	return s.queryFacts(ctx, "ListActive", query, args...)
}

// History returns every edge between the user and the entity, newest first.
func (s *SQLStore) History(ctx context.Context, userID, entity string) ([]Fact, error) {
	p := s.dialect.placeholder
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = %s AND entity = %s ORDER BY asserted_at DESC, id DESC`,
		factColumns, s.tableName, p(1), p(2))
	return s.queryFacts(ctx, "History", query, userID, entity)
}

// LatestMarker returns the assertion time of the active maintenance marker for job.
func (s *SQLStore) LatestMarker(ctx context.Context, userID, job string) (time.Time, bool, error) {
	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		SELECT asserted_at FROM %s
		WHERE user_id = %s AND entity = %s AND category = %s AND active = 1
		ORDER BY asserted_at DESC LIMIT 1
	`, s.tableName, p(1), p(2), p(3))

	var at int64
	err := s.db.QueryRowContext(ctx, query, userID, job, MaintenanceCategory).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("LatestMarker: %w", err)
	}
	return time.Unix(0, at).UTC(), true, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) queryFacts(ctx context.Context, op, query string, args ...interface{}) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Fact
	for rows.Next() {
		var f Fact
		var assertedBy sql.NullString
		var assertedAt int64
		var active int
		if err := rows.Scan(
			&f.ID,
			&f.UserID,
			&f.Entity,
			&f.EntityType,
			&f.Category,
			&f.Kind,
			&f.KindGroup,
			&f.StoredConfidence,
			&assertedBy,
			&assertedAt,
			&active,
			&f.SupersededBy,
		); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		f.AssertedBy = assertedBy.String
		f.AssertedAt = time.Unix(0, assertedAt).UTC()
		f.Active = active == 1
		f.Confidence = f.StoredConfidence
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
