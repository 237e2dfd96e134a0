package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// DefaultK is the number of memories returned when Query.K is not positive.
const DefaultK = 5

// Query is a retrieval request.
type Query struct {
	UserID  string
	AgentID string
	Text    string

	// Signal is the already-computed signal of Text. It drives the affect projection.
	Signal signal.Signal

	K int
}

// Memory is a scored memory record.
type Memory struct {
	ID        int64
	Content   string
	Reply     string
	Emotion   signal.Signal
	CreatedAt time.Time

	// Similarity is the best similarity over the three projections.
	Similarity float64

	// Projection is where Similarity was found.
	Projection storage.Projection

	// Score is the final ranking score.
	Score float64

	// Contradicted is set when a stored record of opposite polarity has nearly the same
	// meaning. ContradictedBy lists those records.
	Contradicted   bool
	ContradictedBy []int64

	// Superseded is set when at least one contradicting record is newer than this one.
	Superseded bool
}

// Result is the outcome of Retrieve.
type Result struct {
	Memories []Memory

	// Degraded is set when the store could not be queried within the deadline.
	Degraded bool

	// Err is the underlying failure of a degraded result, for logging only.
	Err error
}

// Score computes similarity × (1 + confidence × intensity) × decay(age).
func Score(similarity float64, emotion signal.Signal, age time.Duration, decay intelligence.Decay) float64 {
	return similarity * (1 + emotion.Boost()) * decay.Factor(age)
}

// Retrieve returns the top-k memories of the scope for the query. It never fails: when the
// store errors or misses the deadline the result is empty and Degraded. A backend that
// ignores cancellation is abandoned once the deadline passes.
func (s *Store) Retrieve(ctx context.Context, q Query) Result {
	if q.UserID == "" || q.AgentID == "" {
		return Result{Degraded: true, Err: storage.ErrScopeRequired}
	}
	if q.K <= 0 {
		q.K = DefaultK
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type outcome struct {
		memories []Memory
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		memories, err := s.retrieve(ctx, q)
		done <- outcome{memories: memories, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			s.logger.Warn("memory retrieval failed", "user_id", q.UserID, "agent_id", q.AgentID, "error", o.err)
			return Result{Degraded: true, Err: o.err}
		}
		return Result{Memories: o.memories}
	case <-ctx.Done():
		s.logger.Warn("memory retrieval abandoned", "user_id", q.UserID, "agent_id", q.AgentID, "error", ctx.Err())
		return Result{Degraded: true, Err: ctx.Err()}
	}
}

type candidate struct {
	record     *storage.Record
	similarity float64
	projection storage.Projection
	score      float64
}

func (s *Store) retrieve(ctx context.Context, q Query) ([]Memory, error) {
	proj, err := s.projector.Project(ctx, q.Text, q.Signal)
	if err != nil {
		return nil, err
	}

	queries := map[storage.Projection][]float64{
		storage.ProjectionContent: proj.Content,
		storage.ProjectionAffect:  proj.Affect,
		storage.ProjectionMeaning: proj.Meaning,
	}
	hits := make([][]*storage.Record, len(storage.Projections))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range storage.Projections {
		i, p := i, p
		g.Go(func() error {
			records, err := s.backend.Search(gctx, p, queries[p], &storage.SearchOptions{
				UserID:        q.UserID,
				AgentID:       q.AgentID,
				Limit:         s.cfg.CandidatePool,
				MinSimilarity: s.cfg.MinSimilarity,
			})
			if err != nil {
				return fmt.Errorf("search %s: %w", p, err)
			}
			hits[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	byHash := make(map[string]*candidate)
	for i, records := range hits {
		p := storage.Projections[i]
		for _, rec := range records {
			c := &candidate{
				record:     rec,
				similarity: rec.Similarity,
				projection: p,
				score:      Score(rec.Similarity, rec.Emotion, now.Sub(rec.CreatedAt), s.decay),
			}
			if prev, ok := byHash[rec.ContentHash]; !ok || c.score > prev.score {
				byHash[rec.ContentHash] = c
			}
		}
	}

	ranked := make([]*candidate, 0, len(byHash))
	for _, c := range byHash {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].record.ID < ranked[j].record.ID
	})
	if len(ranked) > q.K {
		ranked = ranked[:q.K]
	}

	memories := make([]Memory, len(ranked))
	for i, c := range ranked {
		memories[i] = Memory{
			ID:         c.record.ID,
			Content:    c.record.Content,
			Reply:      c.record.Reply,
			Emotion:    c.record.Emotion,
			CreatedAt:  c.record.CreatedAt,
			Similarity: c.similarity,
			Projection: c.projection,
			Score:      c.score,
		}
	}

	s.flagContradictions(ctx, q, ranked, memories)
	return memories, nil
}

// flagContradictions searches the meaning projection around the top candidates. A neighbour
// above the threshold whose polarity differs marks the candidate as contradicted. Failures
// only skip the check.
func (s *Store) flagContradictions(ctx context.Context, q Query, ranked []*candidate, memories []Memory) {
	n := s.cfg.ContradictionChecks
	if n > len(ranked) {
		n = len(ranked)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			rec := ranked[i].record
			neighbours, err := s.backend.Search(gctx, storage.ProjectionMeaning, rec.MeaningEmbedding, &storage.SearchOptions{
				UserID:        q.UserID,
				AgentID:       q.AgentID,
				Limit:         s.cfg.CandidatePool,
				MinSimilarity: s.cfg.ContradictionThreshold,
			})
			if err != nil {
				return err
			}

			self := intelligence.ParseProposition(rec.Content)
			var ids []int64
			superseded := false
			for _, nb := range neighbours {
				if nb.ID == rec.ID || nb.ContentHash == rec.ContentHash {
					continue
				}
				if !intelligence.Opposed(self, intelligence.ParseProposition(nb.Content)) {
					continue
				}
				ids = append(ids, nb.ID)
				if nb.CreatedAt.After(rec.CreatedAt) {
					superseded = true
				}
			}
			if len(ids) == 0 {
				return nil
			}

			sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
			mu.Lock()
			memories[i].Contradicted = true
			memories[i].ContradictedBy = ids
			memories[i].Superseded = superseded
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Debug("contradiction check skipped", "user_id", q.UserID, "agent_id", q.AgentID, "error", err)
	}
}
