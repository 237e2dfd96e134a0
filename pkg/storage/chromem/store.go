// Package chromem provides an in-process storage.VectorStore on top of chromem-go.
//
// chromem-go is a pure Go, embedded vector database. Each (user, agent) scope gets one
// collection per projection, so searches never need a metadata filter to stay in scope.
// Nothing is persisted to disk; the store suits tests, demos and single-process agents.
package chromem

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// Config contains configuration for the chromem store.
type Config struct {
	// EmbeddingModelDims is the fixed dimension of every embedding.
	EmbeddingModelDims int
}

type hashEntry struct {
	id        int64
	createdAt time.Time
}

// Store implements storage.VectorStore with chromem-go collections.
type Store struct {
	db         *chromem.DB
	dimensions int

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	records     map[int64]*storage.Record
	hashes      map[string]map[string]hashEntry
	turns       map[string]map[string]int64
}

// New creates an empty in-process store.
func New(cfg *Config) *Store {
	return &Store{
		db:          chromem.NewDB(),
		dimensions:  cfg.EmbeddingModelDims,
		collections: make(map[string]*chromem.Collection),
		records:     make(map[int64]*storage.Record),
		hashes:      make(map[string]map[string]hashEntry),
		turns:       make(map[string]map[string]int64),
	}
}

// collectionName derives a chromem collection name for a scope and projection.
func collectionName(scope storage.Scope, projection storage.Projection) string {
	sum := sha1.Sum([]byte(scope.Key()))
	return string(projection) + "_" + hex.EncodeToString(sum[:8])
}

// getOrCreateCollection must be called with s.mu held for writing.
func (s *Store) getOrCreateCollection(scope storage.Scope, projection storage.Projection) (*chromem.Collection, error) {
	name := collectionName(scope, projection)
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	// No embedding func: vectors are always supplied. Nil distance func means cosine.
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[name] = col
	return col, nil
}

// InsertIfAbsent inserts rec unless the scope holds the same content hash since the given
// time, or a record of the same turn id. The whole operation runs under the store lock.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *storage.Record, since time.Time) (bool, int64, error) {
	if err := rec.CheckDimensions(s.dimensions); err != nil {
		return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scope := storage.Scope{UserID: rec.UserID, AgentID: rec.AgentID}
	byHash := s.hashes[scope.Key()]
	if entry, ok := byHash[rec.ContentHash]; ok && !entry.createdAt.Before(since) {
		return false, entry.id, nil
	}
	if rec.TurnID != "" {
		if id, ok := s.turns[scope.Key()][rec.TurnID]; ok {
			return false, id, nil
		}
	}

	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	docID := strconv.FormatInt(stored.ID, 10)

	for _, p := range storage.Projections {
		col, err := s.getOrCreateCollection(scope, p)
		if err != nil {
			return false, 0, fmt.Errorf("InsertIfAbsent: %w", err)
		}
		doc := chromem.Document{
			ID:        docID,
			Content:   stored.Content,
			Embedding: toFloat32(stored.Embedding(p)),
			Metadata: map[string]string{
				"user_id":  stored.UserID,
				"agent_id": stored.AgentID,
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return false, 0, fmt.Errorf("InsertIfAbsent: add document: %w", err)
		}
	}

	s.records[stored.ID] = &stored
	if byHash == nil {
		byHash = make(map[string]hashEntry)
		s.hashes[scope.Key()] = byHash
	}
	byHash[stored.ContentHash] = hashEntry{id: stored.ID, createdAt: stored.CreatedAt}
	if stored.TurnID != "" {
		byTurn := s.turns[scope.Key()]
		if byTurn == nil {
			byTurn = make(map[string]int64)
			s.turns[scope.Key()] = byTurn
		}
		byTurn[stored.TurnID] = stored.ID
	}
	return true, stored.ID, nil
}

// Search queries the scope's collection for the projection.
func (s *Store) Search(ctx context.Context, projection storage.Projection, embedding []float64, opts *storage.SearchOptions) ([]*storage.Record, error) {
	if !projection.Valid() {
		return nil, fmt.Errorf("Search: %w", storage.ErrInvalidProjection)
	}
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collectionName(storage.Scope{UserID: opts.UserID, AgentID: opts.AgentID}, projection)]
	if !ok {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size.
	n := opts.Limit
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, toFloat32(embedding), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	records := make([]*storage.Record, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		stored, ok := s.records[id]
		if !ok {
			continue
		}
		out := *stored
		out.Similarity = float64(r.Similarity)
		if out.Similarity >= opts.MinSimilarity {
			records = append(records, &out)
		}
	}
	return storage.SortBySimilarity(records, opts.Limit), nil
}

// Get retrieves a record by ID within the scope.
func (s *Store) Get(ctx context.Context, scope storage.Scope, id int64) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.UserID != scope.UserID || rec.AgentID != scope.AgentID {
		return nil, fmt.Errorf("Get: %w", storage.ErrNotFound)
	}
	out := *rec
	return &out, nil
}

// Count returns the number of records in the scope. Empty ids match any value.
func (s *Store) Count(ctx context.Context, scope storage.Scope) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.records {
		if (scope.UserID == "" || rec.UserID == scope.UserID) && (scope.AgentID == "" || rec.AgentID == scope.AgentID) {
			n++
		}
	}
	return n, nil
}

// ListOlderThan returns records created before cutoff, oldest first.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*storage.Record, error) {
	if limit <= 0 {
		limit = 500
	}

	s.mu.RLock()
	var records []*storage.Record
	for _, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			out := *rec
			records = append(records, &out)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Delete removes records by id from every projection collection of their scope and from
// the dedup indexes. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		scope := storage.Scope{UserID: rec.UserID, AgentID: rec.AgentID}
		docID := strconv.FormatInt(id, 10)
		for _, p := range storage.Projections {
			col, ok := s.collections[collectionName(scope, p)]
			if !ok {
				continue
			}
			if err := col.Delete(ctx, nil, nil, docID); err != nil {
				return fmt.Errorf("Delete: %w", err)
			}
		}

		delete(s.records, id)
		if entry, ok := s.hashes[scope.Key()][rec.ContentHash]; ok && entry.id == id {
			delete(s.hashes[scope.Key()], rec.ContentHash)
		}
		if rec.TurnID != "" && s.turns[scope.Key()][rec.TurnID] == id {
			delete(s.turns[scope.Key()], rec.TurnID)
		}
	}
	return nil
}

// Dimensions returns the fixed embedding dimension.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Close releases resources. chromem-go keeps everything in memory.
func (s *Store) Close() error {
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
