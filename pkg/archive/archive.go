// Package archive moves memory records past their retention horizon out of the vector store
// and into an object store as JSON Lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// ContentType of archived objects.
const ContentType = "application/x-ndjson"

// ObjectStore receives archived objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// RecordSource is the part of storage.VectorStore the archiver needs.
type RecordSource interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*storage.Record, error)
	Delete(ctx context.Context, ids ...int64) error
}

// Config tunes the archiver.
type Config struct {
	// Retention is how long records stay in the vector store (default 180 days).
	Retention time.Duration `json:"retention"`

	// BatchSize is the number of records read per round (default 500).
	BatchSize int `json:"batch_size"`

	// KeepEmbeddings keeps the vectors in archived lines. They are dropped by default since a
	// restored record is re-embedded anyway.
	KeepEmbeddings bool `json:"keep_embeddings"`
}

// Result summarizes one sweep.
type Result struct {
	Archived int
	Objects  []string

	// Scopes lists each (user, agent) pair that had records archived, in first-seen order.
	Scopes []storage.Scope
}

func (r *Result) addScope(scope storage.Scope) {
	for _, s := range r.Scopes {
		if s == scope {
			return
		}
	}
	r.Scopes = append(r.Scopes, scope)
}

// Archiver performs sweeps.
type Archiver struct {
	source  RecordSource
	objects ObjectStore
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Archiver.
func New(source RecordSource, objects ObjectStore, cfg Config, opts ...Option) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 180 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	a := &Archiver{
		source:  source,
		objects: objects,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ObjectKey returns the key of the object holding a group of records: the scope, the UTC day
// of the records and the id of the first record.
func ObjectKey(userID, agentID string, day time.Time, firstID int64) string {
	return fmt.Sprintf("%s/%s/%s/%d.jsonl", userID, agentID, day.UTC().Format("2006-01-02"), firstID)
}

// Sweep archives every record older than the retention horizon. A group is deleted from
// the vector store only after its object was written, so a failed sweep loses nothing and
// the next run writes the same object key again.
func (a *Archiver) Sweep(ctx context.Context) (Result, error) {
	cutoff := a.now().Add(-a.cfg.Retention)
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := a.source.ListOlderThan(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("Sweep: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, g := range groupRecords(batch) {
			key, err := a.writeGroup(ctx, g)
			if err != nil {
				return res, err
			}
			if err := a.source.Delete(ctx, g.ids()...); err != nil {
				return res, fmt.Errorf("Sweep: delete after %s: %w", key, err)
			}
			res.Archived += len(g.records)
			res.Objects = append(res.Objects, key)
			res.addScope(storage.Scope{UserID: g.userID, AgentID: g.agentID})
		}

		if len(batch) < a.cfg.BatchSize {
			break
		}
	}

	if res.Archived > 0 {
		a.logger.Info("memory records archived", "records", res.Archived, "objects", len(res.Objects), "cutoff", cutoff)
	}
	return res, nil
}

func (a *Archiver) writeGroup(ctx context.Context, g group) (string, error) {
	key := ObjectKey(g.userID, g.agentID, g.day, g.records[0].ID)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range g.records {
		line := *rec
		if !a.cfg.KeepEmbeddings {
			line.ContentEmbedding, line.AffectEmbedding, line.MeaningEmbedding = nil, nil, nil
		}
		if err := enc.Encode(&line); err != nil {
			return key, fmt.Errorf("Sweep: encode record %d: %w", rec.ID, err)
		}
	}

	if err := a.objects.Put(ctx, key, buf.Bytes(), ContentType); err != nil {
		return key, fmt.Errorf("Sweep: put %s: %w", key, err)
	}
	return key, nil
}

type group struct {
	userID  string
	agentID string
	day     time.Time
	records []*storage.Record
}

func (g group) ids() []int64 {
	ids := make([]int64, len(g.records))
	for i, r := range g.records {
		ids[i] = r.ID
	}
	return ids
}

// groupRecords splits records by (user, agent, UTC day), each group ordered by id and the
// groups ordered by their first record.
func groupRecords(records []*storage.Record) []group {
	index := make(map[string]int)
	var groups []group
	for _, r := range records {
		day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
		k := r.UserID + "\x00" + r.AgentID + "\x00" + day.Format("2006-01-02")
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{userID: r.UserID, agentID: r.AgentID, day: day})
		}
		groups[i].records = append(groups[i].records, r)
	}
	for _, g := range groups {
		sort.Slice(g.records, func(i, j int) bool { return g.records[i].ID < g.records[j].ID })
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].records[0].ID < groups[j].records[0].ID })
	return groups
}
