package insight_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	insightristretto "github.com/oceanbase/powerfuse-go/pkg/insight/ristretto"
	insightsqlite "github.com/oceanbase/powerfuse-go/pkg/insight/sqlite"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

func setupSQLiteStore(t *testing.T) *insightsqlite.Store {
	store, err := insightsqlite.NewStore(&insightsqlite.Config{DBPath: filepath.Join(t.TempDir(), "insights.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingComputer struct {
	calls   atomic.Int32
	summary string
}

func (c *countingComputer) Compute(ctx context.Context, userID, agentID string) (insight.Payload, error) {
	c.calls.Add(1)
	return insight.Payload{Summary: c.summary}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (o *recordingObserver) ObserveInsight(kind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]string{}
	}
	o.outcomes[kind] = outcome
}

func TestEntryFresh(t *testing.T) {
	now := time.Now()
	e := &insight.Entry{ComputedAt: now.Add(-time.Minute), StaleAfter: time.Hour}
	assert.True(t, e.Fresh(now))

	e.ComputedAt = now.Add(-time.Hour)
	assert.False(t, e.Fresh(now))

	e.StaleAfter = 0
	assert.False(t, e.Fresh(now))

	var missing *insight.Entry
	assert.False(t, missing.Fresh(now))
}

func TestGetOrCompute_FreshEntryIsNotRecomputed(t *testing.T) {
	store := setupSQLiteStore(t)
	computer := &countingComputer{summary: "be warm"}
	observer := &recordingObserver{}
	cache := insight.NewCache(store, map[insight.Kind]insight.Computer{insight.RelationshipPosture: computer},
		insight.Config{}, insight.WithObserver(observer))
	ctx := context.Background()
	kinds := []insight.Kind{insight.RelationshipPosture}

	got := cache.GetOrCompute(ctx, "u1", "a1", kinds)
	require.Contains(t, got, insight.RelationshipPosture)
	assert.Equal(t, "be warm", got[insight.RelationshipPosture].Summary)
	assert.False(t, got[insight.RelationshipPosture].Default)
	assert.Equal(t, insight.OutcomeMiss, observer.outcomes[string(insight.RelationshipPosture)])

	got = cache.GetOrCompute(ctx, "u1", "a1", kinds)
	assert.Equal(t, "be warm", got[insight.RelationshipPosture].Summary)
	assert.Equal(t, int32(1), computer.calls.Load())
	assert.Equal(t, insight.OutcomeHit, observer.outcomes[string(insight.RelationshipPosture)])
}

func TestGetOrCompute_StaleEntryIsNeverReturned(t *testing.T) {
	store := setupSQLiteStore(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &insight.Entry{
		UserID:     "u1",
		AgentID:    "a1",
		Kind:       insight.EmotionalResonance,
		Payload:    insight.Payload{Kind: insight.EmotionalResonance, Summary: "old"},
		ComputedAt: now.Add(-31 * time.Minute),
		StaleAfter: 30 * time.Minute,
	}))

	computer := &countingComputer{summary: "new"}
	cache := insight.NewCache(store, map[insight.Kind]insight.Computer{insight.EmotionalResonance: computer},
		insight.Config{}, insight.WithClock(func() time.Time { return now }))

	got := cache.GetOrCompute(ctx, "u1", "a1", []insight.Kind{insight.EmotionalResonance})
	assert.Equal(t, "new", got[insight.EmotionalResonance].Summary)
	assert.Equal(t, int32(1), computer.calls.Load())

	stored, err := store.Get(ctx, "u1", "a1", insight.EmotionalResonance)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Payload.Summary)
	assert.True(t, stored.ComputedAt.Equal(now))
	assert.Equal(t, 30*time.Minute, stored.StaleAfter)
}

func TestGetOrCompute_SlowAndFailingKindsDefault(t *testing.T) {
	store := setupSQLiteStore(t)
	slow := insight.ComputerFunc(func(ctx context.Context, userID, agentID string) (insight.Payload, error) {
		<-ctx.Done()
		return insight.Payload{}, ctx.Err()
	})
	failing := insight.ComputerFunc(func(ctx context.Context, userID, agentID string) (insight.Payload, error) {
		return insight.Payload{}, errors.New("boom")
	})
	fast := &countingComputer{summary: "fast"}

	cache := insight.NewCache(store, map[insight.Kind]insight.Computer{
		insight.TopicExpertise:        slow,
		insight.ConversationalStyle:   failing,
		insight.EngagementCalibration: fast,
	}, insight.Config{Deadline: 50 * time.Millisecond})

	start := time.Now()
	got := cache.GetOrCompute(context.Background(), "u1", "a1", nil)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, got, len(insight.AllKinds()))
	assert.Equal(t, "fast", got[insight.EngagementCalibration].Summary)
	assert.False(t, got[insight.EngagementCalibration].Default)
	assert.Equal(t, insight.DefaultPayload(insight.TopicExpertise), got[insight.TopicExpertise])
	assert.Equal(t, insight.DefaultPayload(insight.ConversationalStyle), got[insight.ConversationalStyle])
	// Kinds without a computer also resolve to their default.
	assert.True(t, got[insight.LifeContextEvolution].Default)
}

func TestInvalidate(t *testing.T) {
	store := setupSQLiteStore(t)
	computer := &countingComputer{summary: "x"}
	cache := insight.NewCache(store, map[insight.Kind]insight.Computer{insight.LearnedFactsSummary: computer}, insight.Config{})
	ctx := context.Background()
	kinds := []insight.Kind{insight.LearnedFactsSummary}

	cache.GetOrCompute(ctx, "u1", "a1", kinds)
	require.NoError(t, cache.Invalidate(ctx, "u1", "a1"))

	_, err := store.Get(ctx, "u1", "a1", insight.LearnedFactsSummary)
	assert.ErrorIs(t, err, insight.ErrNotFound)

	cache.GetOrCompute(ctx, "u1", "a1", kinds)
	assert.Equal(t, int32(2), computer.calls.Load())
}

func TestRistrettoStore(t *testing.T) {
	store, err := insightristretto.NewStore(&insightristretto.Config{MaxEntries: 100})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	_, err = store.Get(ctx, "u1", "a1", insight.TopicExpertise)
	assert.ErrorIs(t, err, insight.ErrNotFound)

	entry := &insight.Entry{
		UserID:     "u1",
		AgentID:    "a1",
		Kind:       insight.TopicExpertise,
		Payload:    insight.Payload{Summary: "chess"},
		ComputedAt: time.Now(),
		StaleAfter: time.Hour,
	}
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Get(ctx, "u1", "a1", insight.TopicExpertise)
	require.NoError(t, err)
	assert.Equal(t, "chess", got.Payload.Summary)

	_, err = store.Get(ctx, "u1", "a2", insight.TopicExpertise)
	assert.ErrorIs(t, err, insight.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "u1", "a1", insight.TopicExpertise))
	_, err = store.Get(ctx, "u1", "a1", insight.TopicExpertise)
	assert.ErrorIs(t, err, insight.ErrNotFound)
}

func TestComputers(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	factStore, err := facts.NewSQLiteStore(db, "facts")
	require.NoError(t, err)
	graph, err := facts.NewGraph(factStore)
	require.NoError(t, err)
	relStore, err := relationship.NewSQLiteStore(db, "relationship")
	require.NoError(t, err)
	tracker := relationship.NewTracker(relStore, relationship.Config{})

	_, err = graph.UpsertExtracted(ctx, "u1", "extractor",
		intelligence.ExtractFactsByRules("I love chess. I live in Porto. I hate mornings."))
	require.NoError(t, err)
	for i, turn := range []string{"t1", "t2", "t3"} {
		_, _, err := tracker.ApplyDelta(ctx, "u1", "a1", turn, relationship.Delta{Trust: 0.05, Affection: 0.05, Attunement: 0.05})
		require.NoError(t, err)
		_, err = tracker.RecordQuality(ctx, "u1", "a1", turn, 0.5+0.1*float64(i), time.Now().Add(time.Duration(i-3)*time.Minute))
		require.NoError(t, err)
	}

	computers := insight.NewComputers(graph, tracker)
	require.Len(t, computers, len(insight.AllKinds()))

	topics, err := computers[insight.TopicExpertise].Compute(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Contains(t, topics.Summary, "chess")
	assert.NotContains(t, topics.Summary, "mornings")

	posture, err := computers[insight.RelationshipPosture].Compute(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, string(relationship.DepthFriend), posture.Attributes["depth"])
	assert.Equal(t, string(relationship.Improving), posture.Attributes["trend"])

	life, err := computers[insight.LifeContextEvolution].Compute(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Contains(t, life.Summary, "lives in porto")

	learned, err := computers[insight.LearnedFactsSummary].Compute(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "3", learned.Attributes["count"])
}
