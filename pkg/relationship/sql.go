package relationship

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	placeholder func(n int) string

	// lockSuffix is appended to the state SELECT inside Apply.
	lockSuffix string
}

var (
	sqliteDialect = dialect{
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		lockSuffix:  " FOR UPDATE",
	}
)

// Turn kinds recorded in the applied-turns table.
const (
	turnKindDelta   = "delta"
	turnKindQuality = "quality"
)

// SQLStore is a Backend over database/sql for SQLite or PostgreSQL.
//
// Three tables share a prefix: <prefix>_state (one row per pair), <prefix>_points (quality
// points) and <prefix>_turns (applied turn ids, the idempotence ledger).
type SQLStore struct {
	db      *sql.DB
	prefix  string
	dialect dialect
}

// NewSQLiteStore creates the relationship tables in a SQLite database.
func NewSQLiteStore(db *sql.DB, prefix string) (*SQLStore, error) {
	return newSQLStore(db, prefix, sqliteDialect)
}

// NewPostgresStore creates the relationship tables in a PostgreSQL database.
func NewPostgresStore(db *sql.DB, prefix string) (*SQLStore, error) {
	return newSQLStore(db, prefix, postgresDialect)
}

func newSQLStore(db *sql.DB, prefix string, d dialect) (*SQLStore, error) {
	if prefix == "" {
		prefix = "relationship"
	}
	s := &SQLStore{db: db, prefix: prefix, dialect: d}
	if err := s.initTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) stateTable() string  { return s.prefix + "_state" }
func (s *SQLStore) pointsTable() string { return s.prefix + "_points" }
func (s *SQLStore) turnsTable() string  { return s.prefix + "_turns" }

func (s *SQLStore) initTables(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id VARCHAR(255) NOT NULL,
				agent_id VARCHAR(255) NOT NULL,
				trust DOUBLE PRECISION NOT NULL,
				affection DOUBLE PRECISION NOT NULL,
				attunement DOUBLE PRECISION NOT NULL,
				interaction_count BIGINT NOT NULL DEFAULT 0,
				last_interaction BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (user_id, agent_id)
			)
		`, s.stateTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id VARCHAR(255) NOT NULL,
				agent_id VARCHAR(255) NOT NULL,
				recorded_at BIGINT NOT NULL,
				value DOUBLE PRECISION NOT NULL
			)
		`, s.pointsTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope_time ON %s(user_id, agent_id, recorded_at)`,
			s.pointsTable(), s.pointsTable()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id VARCHAR(255) NOT NULL,
				agent_id VARCHAR(255) NOT NULL,
				turn_id VARCHAR(64) NOT NULL,
				kind VARCHAR(16) NOT NULL,
				applied_at BIGINT NOT NULL,
				PRIMARY KEY (user_id, agent_id, turn_id, kind)
			)
		`, s.turnsTable()),
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// Load returns the stored state of the pair.
func (s *SQLStore) Load(ctx context.Context, userID, agentID string) (State, bool, error) {
	st, err := s.loadState(ctx, s.db, userID, agentID, "")
	if err == sql.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("Load: %w", err)
	}
	return st, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) loadState(ctx context.Context, q queryer, userID, agentID, suffix string) (State, error) {
	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		SELECT trust, affection, attunement, interaction_count, last_interaction
		FROM %s WHERE user_id = %s AND agent_id = %s%s
	`, s.stateTable(), p(1), p(2), suffix)

	st := State{UserID: userID, AgentID: agentID}
	var last int64
	err := q.QueryRowContext(ctx, query, userID, agentID).Scan(
		&st.Trust, &st.Affection, &st.Attunement, &st.InteractionCount, &last)
	if err != nil {
		return State{}, err
	}
	if last > 0 {
		st.LastInteraction = time.Unix(0, last).UTC()
	}
	return st, nil
}

// claimTurn records turnID in the ledger. It returns false when the turn was already there.
func (s *SQLStore) claimTurn(ctx context.Context, tx *sql.Tx, userID, agentID, turnID, kind string) (bool, error) {
	if turnID == "" {
		return true, nil
	}
	p := s.dialect.placeholder
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, agent_id, turn_id, kind, applied_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT DO NOTHING
	`, s.turnsTable(), p(1), p(2), p(3), p(4), p(5)), userID, agentID, turnID, kind, time.Now().UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Apply runs update on the pair's state inside one transaction.
func (s *SQLStore) Apply(ctx context.Context, userID, agentID, turnID string, update func(State) State) (State, bool, error) {
	p := s.dialect.placeholder

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, false, fmt.Errorf("Apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimed, err := s.claimTurn(ctx, tx, userID, agentID, turnID, turnKindDelta)
	if err != nil {
		return State{}, false, fmt.Errorf("Apply: claim turn: %w", err)
	}

	seed := DefaultState(userID, agentID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, agent_id, trust, affection, attunement, interaction_count, last_interaction)
		VALUES (%s, %s, %s, %s, %s, 0, 0)
		ON CONFLICT DO NOTHING
	`, s.stateTable(), p(1), p(2), p(3), p(4), p(5)), userID, agentID, seed.Trust, seed.Affection, seed.Attunement); err != nil {
		return State{}, false, fmt.Errorf("Apply: seed: %w", err)
	}

	current, err := s.loadState(ctx, tx, userID, agentID, s.dialect.lockSuffix)
	if err != nil {
		return State{}, false, fmt.Errorf("Apply: load: %w", err)
	}
	if !claimed {
		return current, false, nil
	}

	next := update(current)
	var last int64
	if !next.LastInteraction.IsZero() {
		last = next.LastInteraction.UnixNano()
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET trust = %s, affection = %s, attunement = %s, interaction_count = %s, last_interaction = %s
		WHERE user_id = %s AND agent_id = %s
	`, s.stateTable(), p(1), p(2), p(3), p(4), p(5), p(6), p(7)),
		next.Trust, next.Affection, next.Attunement, next.InteractionCount, last, userID, agentID); err != nil {
		return State{}, false, fmt.Errorf("Apply: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return State{}, false, fmt.Errorf("Apply: %w", err)
	}
	return next, true, nil
}

// AddPoint stores a quality point once per turn.
func (s *SQLStore) AddPoint(ctx context.Context, userID, agentID, turnID string, pt Point) (bool, error) {
	p := s.dialect.placeholder

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("AddPoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimed, err := s.claimTurn(ctx, tx, userID, agentID, turnID, turnKindQuality)
	if err != nil {
		return false, fmt.Errorf("AddPoint: claim turn: %w", err)
	}
	if !claimed {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (user_id, agent_id, recorded_at, value) VALUES (%s, %s, %s, %s)`,
		s.pointsTable(), p(1), p(2), p(3), p(4)), userID, agentID, pt.At.UnixNano(), pt.Value); err != nil {
		return false, fmt.Errorf("AddPoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("AddPoint: %w", err)
	}
	return true, nil
}

// Points returns the pair's points since the given time, oldest first.
func (s *SQLStore) Points(ctx context.Context, userID, agentID string, since time.Time) ([]Point, error) {
	p := s.dialect.placeholder
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT recorded_at, value FROM %s
		WHERE user_id = %s AND agent_id = %s AND recorded_at >= %s
		ORDER BY recorded_at ASC
	`, s.pointsTable(), p(1), p(2), p(3)), userID, agentID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("Points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []Point
	for rows.Next() {
		var at int64
		var pt Point
		if err := rows.Scan(&at, &pt.Value); err != nil {
			return nil, fmt.Errorf("Points: %w", err)
		}
		pt.At = time.Unix(0, at).UTC()
		points = append(points, pt)
	}
	return points, rows.Err()
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
