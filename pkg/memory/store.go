// Package memory implements the vector memory store: multi-projection retrieval with
// emotional and recency weighting, contradiction flagging, and append-only writes with
// content-hash deduplication.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/oceanbase/powerfuse-go/pkg/embedder"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// ErrInvalidEntry is returned by Put for an entry missing its scope or content.
var ErrInvalidEntry = errors.New("memory entry requires user id, agent id and content")

// Config tunes retrieval and deduplication.
type Config struct {
	// HalfLife of the recency decay applied to scores (default 30 days).
	HalfLife time.Duration `json:"half_life"`

	// DedupWindow is how far back an identical content hash blocks a new record (default 24h).
	DedupWindow time.Duration `json:"dedup_window"`

	// ContradictionThreshold is the minimum meaning-projection similarity for two records
	// of opposite polarity to count as contradicting (default 0.80).
	ContradictionThreshold float64 `json:"contradiction_threshold"`

	// ContradictionChecks is how many top candidates are checked for contradictions (default 5).
	ContradictionChecks int `json:"contradiction_checks"`

	// CandidatePool is the number of candidates fetched per projection (default 20).
	CandidatePool int `json:"candidate_pool"`

	// MinSimilarity drops candidates below this cosine similarity (default 0.1).
	MinSimilarity float64 `json:"min_similarity"`

	// Timeout bounds one Retrieve call (default 500ms).
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		HalfLife:               30 * 24 * time.Hour,
		DedupWindow:            24 * time.Hour,
		ContradictionThreshold: 0.80,
		ContradictionChecks:    5,
		CandidatePool:          20,
		MinSimilarity:          0.1,
		Timeout:                500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HalfLife <= 0 {
		c.HalfLife = d.HalfLife
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.ContradictionThreshold <= 0 {
		c.ContradictionThreshold = d.ContradictionThreshold
	}
	if c.ContradictionChecks <= 0 {
		c.ContradictionChecks = d.ContradictionChecks
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = d.CandidatePool
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Store is the vector memory store.
type Store struct {
	backend   storage.VectorStore
	projector *embedder.Projector
	cfg       Config
	decay     intelligence.Decay
	node      *snowflake.Node
	locks     *keyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithDecay replaces the default half-life recency decay.
func WithDecay(d intelligence.Decay) Option {
	return func(s *Store) {
		if d != nil {
			s.decay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNode sets the snowflake node used for record ids.
func WithNode(node *snowflake.Node) Option {
	return func(s *Store) {
		if node != nil {
			s.node = node
		}
	}
}

// NewStore creates a memory store over a backend and projector. The projector dimension
// must match the backend's.
//
// Parameters:
//   - backend: Vector store holding the records
//   - projector: Embeds a turn into its content, affect and meaning projections
//   - cfg: Tuning; zero fields take DefaultConfig values
//   - opts: Optional decay curve, logger, clock and id node
//
// Returns the store, or an error wrapping storage.ErrDimensionMismatch when projector and
// backend disagree.
func NewStore(backend storage.VectorStore, projector *embedder.Projector, cfg Config, opts ...Option) (*Store, error) {
	if backend == nil || projector == nil {
		return nil, fmt.Errorf("NewStore: backend and projector are required")
	}
	if dims := backend.Dimensions(); dims > 0 && dims != projector.Dimensions() {
		return nil, fmt.Errorf("NewStore: %w: store %d, embedder %d",
			storage.ErrDimensionMismatch, dims, projector.Dimensions())
	}

	cfg = cfg.withDefaults()
	s := &Store{
		backend:   backend,
		projector: projector,
		cfg:       cfg,
		decay:     intelligence.HalfLife{Period: cfg.HalfLife},
		locks:     newKeyedMutex(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.node == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, fmt.Errorf("NewStore: %w", err)
		}
		s.node = node
	}
	return s, nil
}

// Backend returns the underlying vector store.
func (s *Store) Backend() storage.VectorStore {
	return s.backend
}

// Entry is a turn to remember.
type Entry struct {
	UserID  string
	AgentID string
	Content string
	TurnID  string
	Signal  signal.Signal

	// Reply is the agent's answer. It is stored with the record but never hashed.
	Reply string

	// CreatedAt defaults to now.
	CreatedAt time.Time
}

// PutResult reports the outcome of Put.
type PutResult struct {
	// ID is the new record's id, or the id of the record that deduplicated it.
	ID int64

	// Inserted is false when an identical text was already stored inside the dedup window,
	// or the same turn id was stored at any time.
	Inserted bool
}

// Put appends an entry. An identical text (after whitespace and case normalization) stored
// for the same (user, agent) within the dedup window is not stored again, and neither is a
// turn id the pair already holds.
//
// The in-process per-(user, agent) lock orders writers of this process; the backend's
// conditional insert covers writers in other processes.
func (s *Store) Put(ctx context.Context, e Entry) (PutResult, error) {
	if e.UserID == "" || e.AgentID == "" || strings.TrimSpace(e.Content) == "" {
		return PutResult{}, ErrInvalidEntry
	}

	proj, err := s.projector.Project(ctx, e.Content, e.Signal)
	if err != nil {
		return PutResult{}, fmt.Errorf("Put: %w", err)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	rec := &storage.Record{
		ID:               s.node.Generate().Int64(),
		UserID:           e.UserID,
		AgentID:          e.AgentID,
		Content:          e.Content,
		Reply:            e.Reply,
		ContentHash:      storage.HashContent(e.Content),
		ContentEmbedding: proj.Content,
		AffectEmbedding:  proj.Affect,
		MeaningEmbedding: proj.Meaning,
		Emotion:          e.Signal,
		TurnID:           e.TurnID,
		CreatedAt:        createdAt.UTC(),
	}

	key := storage.Scope{UserID: e.UserID, AgentID: e.AgentID}.Key()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	inserted, existing, err := s.backend.InsertIfAbsent(ctx, rec, s.now().Add(-s.cfg.DedupWindow))
	if err != nil {
		return PutResult{}, fmt.Errorf("Put: %w", err)
	}
	if !inserted {
		s.logger.Debug("memory deduplicated", "user_id", e.UserID, "agent_id", e.AgentID, "existing_id", existing)
		return PutResult{ID: existing, Inserted: false}, nil
	}
	return PutResult{ID: rec.ID, Inserted: true}, nil
}
