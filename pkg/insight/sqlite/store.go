// Package sqlite provides the SQLite implementation of insight.EntryStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/powerfuse-go/pkg/insight"
	sqlitedb "github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

// Store implements insight.EntryStore using SQLite as the backend.
type Store struct {
	// db is the SQLite database connection.
	db *sql.DB

	// tableName is the name of the table storing entries.
	tableName string
}

// Config contains configuration for creating a SQLite entry store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// TableName is the name of the table to use (default: "insights").
	TableName string
}

// NewStore opens the database and creates the entry table.
func NewStore(cfg *Config) (*Store, error) {
	db, err := sqlitedb.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := NewStoreWithDB(db, cfg.TableName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDB creates the entry table in an existing connection.
func NewStoreWithDB(db *sql.DB, tableName string) (*Store, error) {
	if tableName == "" {
		tableName = "insights"
	}
	store := &Store{db: db, tableName: tableName}
	if err := store.initTable(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// initTable initializes the database table structure. One row per (user, agent, kind).
func (s *Store) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			computed_at INTEGER NOT NULL,
			stale_after INTEGER NOT NULL,
			PRIMARY KEY (user_id, agent_id, kind)
		)
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Get returns the entry of the triple, or insight.ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, agentID string, kind insight.Kind) (*insight.Entry, error) {
	query := fmt.Sprintf(`
		SELECT payload, computed_at, stale_after
		FROM %s
		WHERE user_id = ? AND agent_id = ? AND kind = ?
	`, s.tableName)

	var payload string
	var computedAt, staleAfter int64
	err := s.db.QueryRowContext(ctx, query, userID, agentID, string(kind)).Scan(&payload, &computedAt, &staleAfter)
	if err == sql.ErrNoRows {
		return nil, insight.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	e := &insight.Entry{
		UserID:     userID,
		AgentID:    agentID,
		Kind:       kind,
		ComputedAt: time.Unix(0, computedAt),
		StaleAfter: time.Duration(staleAfter),
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return e, nil
}

// Put replaces the entry of the triple in a single statement.
func (s *Store) Put(ctx context.Context, e *insight.Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (user_id, agent_id, kind, payload, computed_at, stale_after)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		e.UserID, e.AgentID, string(e.Kind), string(payload), e.ComputedAt.UnixNano(), int64(e.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to put entry: %w", err)
	}
	return nil
}

// Delete removes the entries of the given kinds.
func (s *Store) Delete(ctx context.Context, userID, agentID string, kinds ...insight.Kind) error {
	if len(kinds) == 0 {
		return nil
	}
	args := []interface{}{userID, agentID}
	placeholders := make([]string, len(kinds))
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ? AND agent_id = ? AND kind IN (%s)`,
		s.tableName, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete entries: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
