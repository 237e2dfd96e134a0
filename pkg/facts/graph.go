// Package facts implements the fact graph store: directed user → entity edges with a
// relationship kind, a stored confidence and supersede-by-kind semantics.
//
// Confidence decay is applied at read time from the stored value and the assertion age, so
// the curve can change without backfilling.
package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
)

// MaintenanceCategory is the reserved category of background maintenance markers. Edges in
// this category are never returned by Query.
const MaintenanceCategory = "__maintenance__"

// maintenanceKind is the relationship kind of maintenance markers.
const maintenanceKind = "ran"

var (
	// ErrInvalidAssertion is returned for an assertion missing user, entity or kind.
	ErrInvalidAssertion = errors.New("fact assertion requires user id, entity and kind")

	// ErrReservedCategory is returned when a caller tries to write into the maintenance
	// category through Upsert.
	ErrReservedCategory = errors.New("category is reserved for maintenance markers")
)

// Fact is one user → entity edge.
type Fact struct {
	ID         int64
	UserID     string
	Entity     string
	EntityType string
	Category   string
	Kind       string
	KindGroup  string

	// Confidence is the decayed confidence at read time.
	Confidence float64

	// StoredConfidence is the confidence as asserted.
	StoredConfidence float64

	AssertedBy string
	AssertedAt time.Time

	Active       bool
	SupersededBy int64
}

// Statement renders the edge as a short third-person sentence, e.g. "User lives in porto".
func (f Fact) Statement() string {
	return "User " + strings.ReplaceAll(f.Kind, "_", " ") + " " + f.Entity
}

// Assertion is a new edge to record.
type Assertion struct {
	UserID     string
	Entity     string
	EntityType string
	Category   string
	Kind       string
	Confidence float64

	// AssertedBy names the source of the assertion (e.g. an agent id or "extractor").
	AssertedBy string

	// At defaults to now.
	At time.Time
}

// Filter narrows Query. A nil filter returns every active, non-maintenance edge.
type Filter struct {
	EntityTypes   []string
	Categories    []string
	MinConfidence float64
	Limit         int
}

// Backend persists edges. Implementations must exclude MaintenanceCategory from ListActive.
type Backend interface {
	// Supersede deactivates every active edge of the same (user, entity, kind group) and
	// inserts f, in one transaction.
	Supersede(ctx context.Context, f *Fact) error

	// ListActive returns active edges of the user, optionally restricted by entity type and
	// category, excluding maintenance markers.
	ListActive(ctx context.Context, userID string, entityTypes, categories []string) ([]Fact, error)

	// History returns every edge, active or not, between the user and the entity, newest first.
	History(ctx context.Context, userID, entity string) ([]Fact, error)

	// LatestMarker returns the assertion time of the active maintenance marker for job.
	LatestMarker(ctx context.Context, userID, job string) (time.Time, bool, error)

	Close() error
}

// Graph is the fact graph store.
type Graph struct {
	backend Backend
	decay   intelligence.Decay
	node    *snowflake.Node
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Graph.
type Option func(*Graph)

// WithDecay sets the read-time confidence decay.
func WithDecay(d intelligence.Decay) Option {
	return func(g *Graph) {
		if d != nil {
			g.decay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// WithNode sets the snowflake node used for edge ids.
func WithNode(node *snowflake.Node) Option {
	return func(g *Graph) {
		if node != nil {
			g.node = node
		}
	}
}

// DefaultDecay is a 90-day half-life floored at 10% of the stored confidence.
func DefaultDecay() intelligence.Decay {
	return intelligence.HalfLife{Period: 90 * 24 * time.Hour, Floor: 0.1}
}

// NewGraph creates a Graph over a backend.
func NewGraph(backend Backend, opts ...Option) (*Graph, error) {
	g := &Graph{
		backend: backend,
		decay:   DefaultDecay(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.node == nil {
		node, err := snowflake.NewNode(2)
		if err != nil {
			return nil, fmt.Errorf("NewGraph: %w", err)
		}
		g.node = node
	}
	return g, nil
}

// Query returns the user's active facts with decayed confidence, highest first.
// Maintenance markers are never included.
func (g *Graph) Query(ctx context.Context, userID string, filter *Filter) ([]Fact, error) {
	if filter == nil {
		filter = &Filter{}
	}
	rows, err := g.backend.ListActive(ctx, userID, filter.EntityTypes, filter.Categories)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}

	now := g.now()
	out := make([]Fact, 0, len(rows))
	for _, f := range rows {
		if f.Category == MaintenanceCategory || f.EntityType == MaintenanceCategory {
			continue
		}
		f.Confidence = f.StoredConfidence * g.decay.Factor(now.Sub(f.AssertedAt))
		if f.Confidence < filter.MinConfidence {
			continue
		}
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].AssertedAt.After(out[j].AssertedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Upsert records an assertion, deactivating any active edge of the same kind group for the
// (user, entity) pair. "likes coffee" followed by "dislikes coffee" leaves only the latter.
func (g *Graph) Upsert(ctx context.Context, a Assertion) (*Fact, error) {
	if a.Category == MaintenanceCategory || a.EntityType == MaintenanceCategory {
		return nil, ErrReservedCategory
	}
	return g.upsert(ctx, a)
}

func (g *Graph) upsert(ctx context.Context, a Assertion) (*Fact, error) {
	entity := normalizeEntity(a.Entity)
	kind := strings.ToLower(strings.TrimSpace(a.Kind))
	if a.UserID == "" || entity == "" || kind == "" {
		return nil, ErrInvalidAssertion
	}

	at := a.At
	if at.IsZero() {
		at = g.now()
	}
	entityType := a.EntityType
	if entityType == "" {
		entityType = intelligence.EntityOther
	}
	category := a.Category
	if category == "" {
		category = entityType
	}

	f := &Fact{
		ID:               g.node.Generate().Int64(),
		UserID:           a.UserID,
		Entity:           entity,
		EntityType:       entityType,
		Category:         category,
		Kind:             kind,
		KindGroup:        intelligence.KindGroup(kind),
		StoredConfidence: clamp01(a.Confidence),
		AssertedBy:       a.AssertedBy,
		AssertedAt:       at.UTC(),
		Active:           true,
	}
	f.Confidence = f.StoredConfidence

	if err := g.backend.Supersede(ctx, f); err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	return f, nil
}

// UpsertExtracted records every extracted fact and returns how many were written. It stops
// at the first failure.
func (g *Graph) UpsertExtracted(ctx context.Context, userID, assertedBy string, extracted []intelligence.ExtractedFact) (int, error) {
	for i, e := range extracted {
		_, err := g.Upsert(ctx, Assertion{
			UserID:     userID,
			Entity:     e.Entity,
			EntityType: e.EntityType,
			Category:   e.Category,
			Kind:       e.Kind,
			Confidence: e.Confidence,
			AssertedBy: assertedBy,
		})
		if err != nil {
			return i, err
		}
	}
	return len(extracted), nil
}

// History returns every edge between the user and the entity, newest first, with decayed
// confidence for the active ones.
func (g *Graph) History(ctx context.Context, userID, entity string) ([]Fact, error) {
	rows, err := g.backend.History(ctx, userID, normalizeEntity(entity))
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	now := g.now()
	for i := range rows {
		rows[i].Confidence = rows[i].StoredConfidence
		if rows[i].Active {
			rows[i].Confidence *= g.decay.Factor(now.Sub(rows[i].AssertedAt))
		}
	}
	return rows, nil
}

// MarkMaintenance writes the maintenance marker of a job for the user.
func (g *Graph) MarkMaintenance(ctx context.Context, userID, job string) error {
	_, err := g.upsert(ctx, Assertion{
		UserID:     userID,
		Entity:     job,
		EntityType: MaintenanceCategory,
		Category:   MaintenanceCategory,
		Kind:       maintenanceKind,
		Confidence: 1,
		AssertedBy: "maintenance",
	})
	if err != nil {
		return fmt.Errorf("MarkMaintenance: %w", err)
	}
	return nil
}

// LastMaintenance returns when a job last ran for the user.
func (g *Graph) LastMaintenance(ctx context.Context, userID, job string) (time.Time, bool, error) {
	at, ok, err := g.backend.LatestMarker(ctx, userID, normalizeEntity(job))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("LastMaintenance: %w", err)
	}
	return at, ok, nil
}

// Close closes the backend.
func (g *Graph) Close() error {
	return g.backend.Close()
}

func normalizeEntity(entity string) string {
	return strings.Join(strings.Fields(strings.ToLower(entity)), " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
