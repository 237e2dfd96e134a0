package fusion_test

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/fusion"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/persona"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

var mira = persona.Persona{
	AgentID:     "mira",
	Name:        "Mira",
	Description: "You are Mira, a warm gardening companion who remembers the people she talks to.",
	Constraints: []string{"Never give medical advice."},
}

func TestAssemble_ZeroMemoriesAndFactsEmitsGuards(t *testing.T) {
	b := fusion.Assemble(fusion.Input{Persona: mira, Message: "hi", Signal: signal.NeutralSignal()}, fusion.Config{})

	require.Len(t, b.Sections, len(fusion.Order))
	for i, name := range fusion.Order {
		assert.Equal(t, name, b.Sections[i].Name)
	}
	assert.Equal(t, []string{fusion.NoMemoriesGuard}, b.Section(fusion.SectionMemory).Lines)
	assert.Equal(t, []string{fusion.NoFactsGuard}, b.Section(fusion.SectionFacts).Lines)
	assert.Equal(t, []string{fusion.NoRelationshipGuard}, b.Section(fusion.SectionRelationship).Lines)
	assert.Empty(t, b.Section(fusion.SectionHistory).Lines)

	rendered := b.Render()
	assert.Contains(t, rendered, fusion.NoMemoriesGuard)
	assert.True(t, strings.HasPrefix(rendered, "## Persona\n"+mira.Description))
	assert.NotContains(t, rendered, "## Recent conversation")
}

func TestAssemble_FactsDeduplicateMemories(t *testing.T) {
	in := fusion.Input{
		Persona: mira,
		Facts: []facts.Fact{
			{ID: 1, Entity: "dog", Kind: "owns", Confidence: 0.9},
			{ID: 2, Entity: "porto", Kind: "lives_in", Confidence: 0.6},
		},
		Memories: []memory.Memory{
			{ID: 10, Content: "I have a dog.", Score: 0.9},
			{ID: 11, Content: "My tomatoes finally ripened!", Score: 0.8},
		},
	}
	b := fusion.Assemble(in, fusion.Config{})

	assert.Equal(t, []string{
		"- User owns dog (confidence 0.90)",
		"- User lives in porto (confidence 0.60)",
	}, b.Section(fusion.SectionFacts).Lines)
	assert.Equal(t, []string{"- My tomatoes finally ripened!"}, b.Section(fusion.SectionMemory).Lines)
}

func TestAssemble_MarksContradictions(t *testing.T) {
	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	in := fusion.Input{
		Persona: mira,
		Memories: []memory.Memory{
			{ID: 2, Content: "I hate my job now.", CreatedAt: created.Add(time.Hour), Contradicted: true, ContradictedBy: []int64{1}},
			{ID: 1, Content: "I love my job.", CreatedAt: created, Contradicted: true, ContradictedBy: []int64{2}, Superseded: true},
		},
	}
	lines := fusion.Assemble(in, fusion.Config{}).Section(fusion.SectionMemory).Lines
	require.Len(t, lines, 2)
	assert.Equal(t, "- [2026-04-02] I hate my job now. "+fusion.RevisionMarker, lines[0])
	assert.Equal(t, "- [2026-04-02] I love my job. "+fusion.ConflictMarker, lines[1])
}

func TestAssemble_MemoryCarriesReply(t *testing.T) {
	created := time.Date(2026, 5, 9, 8, 0, 0, 0, time.UTC)
	in := fusion.Input{
		Persona: mira,
		Memories: []memory.Memory{
			{ID: 1, Content: "My basil keeps wilting.", Reply: "Try watering  it\nin the morning.", CreatedAt: created},
			{ID: 2, Content: "I repotted the fern.", CreatedAt: created},
		},
	}
	lines := fusion.Assemble(in, fusion.Config{}).Section(fusion.SectionMemory).Lines
	assert.Equal(t, []string{
		"- [2026-05-09] My basil keeps wilting. (you replied: Try watering it in the morning.)",
		"- [2026-05-09] I repotted the fern.",
	}, lines)
}

func TestAssemble_TruncatesLaterSectionsFirst(t *testing.T) {
	in := fusion.Input{
		Persona:    persona.Persona{Description: mira.Description},
		StyleLines: []string{strings.Repeat("Keep it breezy and kind. ", 40)},
	}
	b := fusion.Assemble(in, fusion.Config{HardBudget: 150})

	assert.LessOrEqual(t, b.TotalTokens, 150)
	framing := b.Section(fusion.SectionFraming)
	assert.False(t, framing.Truncated)
	assert.Equal(t, []string{mira.Description}, framing.Lines)
	assert.True(t, b.Section(fusion.SectionStyle).Truncated)
}

func TestAssemble_HistoryDropsOldestTurnsFirst(t *testing.T) {
	var history []fusion.Turn
	for i := 0; i < 400; i++ {
		history = append(history, fusion.Turn{Role: "user", Content: fmt.Sprintf("turn %d says something about the garden", i)})
	}
	b := fusion.Assemble(fusion.Input{Persona: mira, History: history}, fusion.Config{})

	s := b.Section(fusion.SectionHistory)
	require.NotEmpty(t, s.Lines)
	assert.True(t, s.Truncated)
	assert.LessOrEqual(t, s.Tokens, fusion.DefaultConfig().Sections[fusion.SectionHistory].Max)
	assert.Equal(t, "user: turn 399 says something about the garden", s.Lines[len(s.Lines)-1])
	assert.NotEqual(t, "user: turn 0 says something about the garden", s.Lines[0])
}

func TestAssemble_CutsSingleLineOnWordBoundary(t *testing.T) {
	in := fusion.Input{Persona: persona.Persona{Description: strings.Repeat("lorem ipsum ", 200)}}
	cfg := fusion.Config{HardBudget: 30}
	b := fusion.Assemble(in, cfg)

	framing := b.Section(fusion.SectionFraming)
	require.Len(t, framing.Lines, 1)
	assert.True(t, strings.HasSuffix(framing.Lines[0], "…"))
	assert.NotContains(t, framing.Lines[0], "ipsu…")
	assert.LessOrEqual(t, b.TotalTokens, 30)
}

func TestAssemble_NeverExceedsHardBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	word := func() string {
		words := []string{"garden", "rain", "tomato", "sister", "chess", "porto", "coffee", "tired", "happy", "déjà", "vu", "日本"}
		return words[rng.Intn(len(words))]
	}
	sentence := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = word()
		}
		return strings.Join(parts, " ")
	}

	for trial := 0; trial < 60; trial++ {
		in := fusion.Input{
			Persona: persona.Persona{
				Description: sentence(rng.Intn(400)),
				Constraints: []string{sentence(rng.Intn(50)), sentence(rng.Intn(50))},
			},
			Message:      sentence(5),
			Signal:       signal.Signal{Primary: signal.Joy, Confidence: 0.8, Intensity: 0.7},
			Relationship: &relationship.State{Trust: 0.7, Affection: 0.6, Attunement: 0.5, InteractionCount: 12},
			Trend:        &relationship.TrendSummary{Direction: relationship.Improving, Mean: 0.7, Points: 5},
			Insights: map[insight.Kind]insight.Payload{
				insight.RelationshipPosture: {Summary: sentence(rng.Intn(80))},
				insight.TopicExpertise:      {Summary: sentence(rng.Intn(80))},
			},
			StyleLines: []string{sentence(rng.Intn(200))},
			Degraded:   []string{"insights"},
		}
		nFacts, nMemories, nHistory := rng.Intn(200), rng.Intn(200), rng.Intn(300)
		for i := 0; i < nFacts; i++ {
			in.Facts = append(in.Facts, facts.Fact{ID: int64(i), Entity: sentence(3), Kind: "likes", Confidence: rng.Float64()})
		}
		for i := 0; i < nMemories; i++ {
			in.Memories = append(in.Memories, memory.Memory{ID: int64(i), Content: sentence(rng.Intn(120)), Similarity: rng.Float64(), Superseded: rng.Intn(4) == 0})
		}
		for i := 0; i < nHistory; i++ {
			in.History = append(in.History, fusion.Turn{Role: "assistant", Content: sentence(rng.Intn(60))})
		}

		budget := []int{1, 10, 40, 120, 500, 2000, 6000}[trial%7]
		b := fusion.Assemble(in, fusion.Config{HardBudget: budget})

		sum := 0
		for _, s := range b.Sections {
			assert.Equal(t, fusion.EstimateTokens(s.Text()), s.Tokens)
			sum += s.Tokens
		}
		assert.Equal(t, sum, b.TotalTokens)
		assert.LessOrEqual(t, b.TotalTokens, budget, "trial %d", trial)
		assert.LessOrEqual(t, fusion.EstimateTokens(b.Render()), budget, "trial %d", trial)
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	in := fusion.Input{
		Persona:  mira,
		Facts:    []facts.Fact{{ID: 2, Entity: "chess", Kind: "likes", Confidence: 0.5}, {ID: 1, Entity: "tea", Kind: "likes", Confidence: 0.5}},
		Degraded: []string{"memory", "facts"},
	}
	a := fusion.Assemble(in, fusion.Config{})
	b := fusion.Assemble(in, fusion.Config{})
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"facts", "memory"}, a.Degraded)
	assert.Equal(t, "- User likes tea (confidence 0.50)", a.Section(fusion.SectionFacts).Lines[0])
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"like": true, "chess": true}
	b := map[string]bool{"like": true, "chess": true, "club": true}
	assert.InDelta(t, 2.0/3.0, fusion.Jaccard(a, b), 1e-9)
	assert.Equal(t, 0.0, fusion.Jaccard(nil, nil))
}
