package persist_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/embedder"
	"github.com/oceanbase/powerfuse-go/pkg/embedder/hash"
	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	insightsqlite "github.com/oceanbase/powerfuse-go/pkg/insight/sqlite"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/persist"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
	"github.com/oceanbase/powerfuse-go/pkg/storage"
	"github.com/oceanbase/powerfuse-go/pkg/storage/chromem"
	"github.com/oceanbase/powerfuse-go/pkg/storage/sqlite"
)

type fixture struct {
	memory  *memory.Store
	graph   *facts.Graph
	tracker *relationship.Tracker
	cache   *insight.Cache
}

func setupFixture(t *testing.T) *fixture {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "persist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem, err := memory.NewStore(chromem.New(&chromem.Config{EmbeddingModelDims: 64}),
		embedder.NewProjector(hash.New(64)), memory.Config{})
	require.NoError(t, err)

	factStore, err := facts.NewSQLiteStore(db, "facts")
	require.NoError(t, err)
	graph, err := facts.NewGraph(factStore)
	require.NoError(t, err)

	relStore, err := relationship.NewSQLiteStore(db, "relationship")
	require.NoError(t, err)
	tracker := relationship.NewTracker(relStore, relationship.Config{})

	entries, err := insightsqlite.NewStoreWithDB(db, "insights")
	require.NoError(t, err)
	cache := insight.NewCache(entries, insight.NewComputers(graph, tracker), insight.Config{})

	return &fixture{memory: mem, graph: graph, tracker: tracker, cache: cache}
}

func (f *fixture) orchestrator(opts ...persist.Option) *persist.Orchestrator {
	return persist.NewOrchestrator(persist.Writers{
		Memory:       f.memory,
		Facts:        f.graph,
		Relationship: f.tracker,
		Insights:     f.cache,
	}, opts...)
}

func turnInput(id, text string, delta relationship.Delta) persist.Input {
	return persist.Input{
		Turn:    persist.Turn{ID: id, UserID: "u1", AgentID: "a1", UserText: text, Reply: "Lovely!"},
		Signal:  signal.Signal{Primary: signal.Joy, Confidence: 0.8, Intensity: 0.6},
		Facts:   intelligence.ExtractFactsByRules(text),
		Delta:   delta,
		Quality: 0.7,
	}
}

type observer struct {
	mu      sync.Mutex
	results map[string]string
}

func (o *observer) ObservePersist(target, result string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = map[string]string{}
	}
	o.results[target] = result
}

func TestPersist_WritesEveryTarget(t *testing.T) {
	f := setupFixture(t)
	obs := &observer{}
	ctx := context.Background()

	report := f.orchestrator(persist.WithObserver(obs)).
		Persist(ctx, turnInput("turn-1", "I have a dog named Rex.", relationship.Delta{Trust: 0.03}))

	assert.True(t, report.OK(), "%+v", report.Failed())
	require.Len(t, report.Outcomes, len(persist.Targets))
	for i, target := range persist.Targets {
		assert.Equal(t, target, report.Outcomes[i].Target)
		assert.Equal(t, "ok", obs.results[target])
	}

	n, err := f.memory.Backend().Count(ctx, storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.graph.Query(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dog", got[0].Entity)
	assert.Equal(t, "a1", got[0].AssertedBy)

	state, err := f.tracker.Current(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.53, state.Trust, 1e-9)
}

func TestPersist_StoresReplyWithMemory(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	report := f.orchestrator().Persist(ctx, turnInput("turn-9", "My tomatoes finally ripened.", relationship.Delta{}))
	require.True(t, report.OK(), "%+v", report.Failed())

	res := f.memory.Retrieve(ctx, memory.Query{UserID: "u1", AgentID: "a1", Text: "my tomatoes ripened", Signal: signal.NeutralSignal(), K: 1})
	require.Len(t, res.Memories, 1)
	assert.Equal(t, "My tomatoes finally ripened.", res.Memories[0].Content)
	assert.Equal(t, "Lovely!", res.Memories[0].Reply)
}

func TestPersist_SameTurnTwiceIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	orch := f.orchestrator()
	ctx := context.Background()
	in := turnInput("turn-1", "I went hiking today.", relationship.Delta{Affection: 0.05})

	first := orch.Persist(ctx, in)
	second := orch.Persist(ctx, in)
	assert.True(t, first.OK())
	assert.True(t, second.OK())

	mem, ok := second.Outcome(persist.TargetMemory)
	require.True(t, ok)
	assert.Contains(t, mem.Detail, "deduplicated")
	rel, _ := second.Outcome(persist.TargetRelationship)
	assert.Equal(t, "delta applied=false, quality added=false", rel.Detail)

	n, err := f.memory.Backend().Count(ctx, storage.Scope{UserID: "u1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := f.tracker.Current(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.55, state.Affection, 1e-9)
	assert.Equal(t, 1, state.InteractionCount)

	trend, err := f.tracker.Trend(ctx, "u1", "a1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, trend.Points)
}

type failingFacts struct{}

func (failingFacts) UpsertExtracted(ctx context.Context, userID, assertedBy string, extracted []intelligence.ExtractedFact) (int, error) {
	return 0, errors.New("fact store down")
}

func TestPersist_FailuresAreIsolated(t *testing.T) {
	f := setupFixture(t)
	orch := persist.NewOrchestrator(persist.Writers{
		Memory:       f.memory,
		Facts:        failingFacts{},
		Relationship: f.tracker,
	})

	report := orch.Persist(context.Background(), turnInput("", "I live in Porto.", relationship.Delta{}))
	assert.NotEmpty(t, report.TurnID)
	assert.False(t, report.OK())

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, persist.TargetFacts, failed[0].Target)
	assert.Equal(t, "fact store down", failed[0].Err)

	mem, _ := report.Outcome(persist.TargetMemory)
	assert.True(t, mem.OK)
	ins, _ := report.Outcome(persist.TargetInsights)
	assert.True(t, ins.Skipped)
	assert.Equal(t, "skipped", ins.Result())
}

func TestSerializer_RunsInSubmissionOrderPerKey(t *testing.T) {
	s := persist.NewSerializer()
	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, s.Submit("u1/a1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	s.Wait()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerializer_KeysDoNotBlockEachOther(t *testing.T) {
	s := persist.NewSerializer()
	release := make(chan struct{})
	done := make(chan struct{})

	require.NoError(t, s.Submit("slow", func() { <-release }))
	require.NoError(t, s.Submit("fast", func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job on another key was blocked")
	}
	close(release)
	s.Close()
	assert.ErrorIs(t, s.Submit("late", func() {}), persist.ErrSerializerClosed)
}

func TestSerializer_ConcurrentTurnsApplyBothDeltas(t *testing.T) {
	f := setupFixture(t)
	orch := f.orchestrator()
	s := persist.NewSerializer()
	ctx := context.Background()

	reports := make(chan persist.Report, 2)
	for _, id := range []string{"turn-a", "turn-b"} {
		in := turnInput(id, "Thanks for listening, "+id, relationship.Delta{Trust: 0.04})
		require.NoError(t, s.Submit("u1/a1", func() { reports <- orch.Persist(ctx, in) }))
	}
	s.Wait()
	close(reports)

	var ids []string
	for r := range reports {
		assert.True(t, r.OK())
		ids = append(ids, r.TurnID)
	}
	assert.Equal(t, []string{"turn-a", "turn-b"}, ids)

	state, err := f.tracker.Current(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.58, state.Trust, 1e-9)
	assert.Equal(t, 2, state.InteractionCount)
}
