package intelligence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/llm"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

const day = 24 * time.Hour

func TestHalfLifeDecay(t *testing.T) {
	d := intelligence.HalfLife{Period: 30 * day}

	assert.Equal(t, 1.0, d.Factor(0))
	assert.Equal(t, 1.0, d.Factor(-time.Hour))
	assert.InDelta(t, 0.5, d.Factor(30*day), 1e-9)
	assert.InDelta(t, 0.25, d.Factor(60*day), 1e-9)

	floored := intelligence.HalfLife{Period: day, Floor: 0.1}
	assert.Equal(t, 0.1, floored.Factor(365*day))
}

func TestDecayIsMonotonic(t *testing.T) {
	for _, d := range []intelligence.Decay{
		intelligence.NewDecay("half_life", 7*day, 0),
		intelligence.NewDecay("ebbinghaus", 7*day, 0),
	} {
		prev := 1.0
		for _, age := range []time.Duration{time.Hour, day, 7 * day, 30 * day, 365 * day} {
			f := d.Factor(age)
			assert.LessOrEqual(t, f, prev)
			assert.Greater(t, f, 0.0)
			prev = f
		}
	}
}

func TestEbbinghausMatchesHalfLife(t *testing.T) {
	d := intelligence.NewDecay("ebbinghaus", 10*day, 0)
	assert.InDelta(t, 0.5, d.Factor(10*day), 1e-9)
}

func TestNewDecay_ZeroHalfLifeDisablesDecay(t *testing.T) {
	d := intelligence.NewDecay("half_life", 0, 0)
	assert.Equal(t, 1.0, d.Factor(1000*day))
}

func TestParseProposition(t *testing.T) {
	tests := []struct {
		text    string
		core    string
		negated bool
	}{
		{"I like coffee", "i like coffee", false},
		{"I don't like coffee", "i like coffee", true},
		{"I really dislike coffee", "i like coffee", true},
		{"I don't hate coffee", "i love coffee", false},
		{"I am not a morning person", "i morning person", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			p := intelligence.ParseProposition(tt.text)
			assert.Equal(t, tt.core, p.Core)
			assert.Equal(t, tt.negated, p.Negated)
		})
	}

	assert.True(t, intelligence.Opposed(
		intelligence.ParseProposition("I love my job"),
		intelligence.ParseProposition("I hate my job"),
	))
	assert.Equal(t, intelligence.MeaningText("I love my job"), intelligence.MeaningText("I hate my job"))
}

func TestExtractFactsByRules(t *testing.T) {
	facts := intelligence.ExtractFactsByRules("I have a dog named Rex. I live in Lisbon! My sister visits often.")
	require.Len(t, facts, 3)

	assert.Equal(t, "dog", facts[0].Entity)
	assert.Equal(t, intelligence.KindOwns, facts[0].Kind)
	assert.Equal(t, "pets", facts[0].Category)

	assert.Equal(t, "lisbon", facts[1].Entity)
	assert.Equal(t, intelligence.KindLivesIn, facts[1].Kind)

	assert.Equal(t, "sister", facts[2].Entity)
	assert.Equal(t, intelligence.EntityPerson, facts[2].EntityType)
}

func TestExtractFactsByRules_Negations(t *testing.T) {
	facts := intelligence.ExtractFactsByRules("I don't like coffee anymore")
	require.Len(t, facts, 1)
	assert.Equal(t, "coffee", facts[0].Entity)
	assert.Equal(t, intelligence.KindDislikes, facts[0].Kind)

	facts = intelligence.ExtractFactsByRules("I sold my car last week")
	require.Len(t, facts, 1)
	assert.Equal(t, intelligence.KindOwnedOnce, facts[0].Kind)

	assert.Empty(t, intelligence.ExtractFactsByRules("I have been feeling tired"))
}

func TestKindGroup(t *testing.T) {
	assert.Equal(t, intelligence.KindGroup(intelligence.KindLikes), intelligence.KindGroup(intelligence.KindDislikes))
	assert.Equal(t, "sentiment", intelligence.KindGroup("Likes"))
	assert.Equal(t, "plays", intelligence.KindGroup("plays"))
}

type scriptedLLM struct {
	response string
	err      error
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return s.response, s.err
}

func (s *scriptedLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return s.response, s.err
}

func (s *scriptedLLM) Close() error { return nil }

func TestFactExtractor_LLM(t *testing.T) {
	extractor := intelligence.NewFactExtractor(&scriptedLLM{response: "```json\n" +
		`{"facts":[{"entity":"Guitar","entity_type":"interest","kind":"likes","confidence":0.9},{"entity":"","kind":"owns"}]}` +
		"\n```"})

	facts, err := extractor.Extract(context.Background(), "I've been learning guitar")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "guitar", facts[0].Entity)
	assert.Equal(t, "interests", facts[0].Category)
	assert.Equal(t, 0.9, facts[0].Confidence)
}

func TestFactExtractor_FallsBackToRules(t *testing.T) {
	extractor := intelligence.NewFactExtractor(&scriptedLLM{err: errors.New("timeout")})
	facts, err := extractor.Extract(context.Background(), "I work at the bakery")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "the bakery", facts[0].Entity)

	_, err = extractor.Extract(context.Background(), "nothing to see")
	assert.Error(t, err)
}

func TestTurnAssessor(t *testing.T) {
	a := intelligence.NewTurnAssessor()

	happy := a.Assess("I finally finished my thesis and I feel amazing about it",
		"That's wonderful news!",
		signal.Signal{Primary: signal.Joy, Confidence: 0.9, Intensity: 0.8, Intent: signal.IntentDisclosure})
	assert.Greater(t, happy.Trust, 0.0)
	assert.Greater(t, happy.Affection, 0.0)
	assert.Greater(t, happy.Quality, 0.5)

	hostile := a.Assess("you are useless and I hate talking to you", "I'm sorry.",
		signal.Signal{Primary: signal.Anger, Confidence: 0.9, Intensity: 0.9, Intent: signal.IntentChitChat})
	assert.Less(t, hostile.Affection, 0.0)
	assert.Less(t, hostile.Quality, happy.Quality)

	for _, v := range []intelligence.TurnAssessment{happy, hostile} {
		assert.LessOrEqual(t, v.Trust, 0.05)
		assert.GreaterOrEqual(t, v.Trust, -0.05)
		assert.GreaterOrEqual(t, v.Quality, 0.0)
		assert.LessOrEqual(t, v.Quality, 1.0)
	}
}
