package insight

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
)

// FactReader is the read side of the fact graph used by computers.
type FactReader interface {
	Query(ctx context.Context, userID string, filter *facts.Filter) ([]facts.Fact, error)
}

// RelationshipReader is the read side of the relationship tracker used by computers.
type RelationshipReader interface {
	Current(ctx context.Context, userID, agentID string) (relationship.State, error)
	Trend(ctx context.Context, userID, agentID string, window time.Duration) (relationship.TrendSummary, error)
}

// Computer derives one insight. Computers only read facts and relationship state.
type Computer interface {
	Compute(ctx context.Context, userID, agentID string) (Payload, error)
}

// ComputerFunc adapts a function to Computer.
type ComputerFunc func(ctx context.Context, userID, agentID string) (Payload, error)

// Compute calls f.
func (f ComputerFunc) Compute(ctx context.Context, userID, agentID string) (Payload, error) {
	return f(ctx, userID, agentID)
}

// RecentChangeWindow bounds the facts considered by the life context computer.
const RecentChangeWindow = 30 * 24 * time.Hour

const maxListed = 6

// NewComputers returns the computer of every kind.
func NewComputers(fr FactReader, rr RelationshipReader) map[Kind]Computer {
	c := &computers{facts: fr, rel: rr, now: time.Now}
	return map[Kind]Computer{
		RelationshipPosture:   ComputerFunc(c.posture),
		TopicExpertise:        ComputerFunc(c.topics),
		ConversationalStyle:   ComputerFunc(c.style),
		LearnedFactsSummary:   ComputerFunc(c.learnedFacts),
		EmotionalResonance:    ComputerFunc(c.resonance),
		LifeContextEvolution:  ComputerFunc(c.lifeContext),
		EngagementCalibration: ComputerFunc(c.engagement),
	}
}

type computers struct {
	facts FactReader
	rel   RelationshipReader
	now   func() time.Time
}

func (c *computers) stateAndTrend(ctx context.Context, userID, agentID string) (relationship.State, relationship.TrendSummary, error) {
	state, err := c.rel.Current(ctx, userID, agentID)
	if err != nil {
		return relationship.State{}, relationship.TrendSummary{}, err
	}
	trend, err := c.rel.Trend(ctx, userID, agentID, 0)
	if err != nil {
		return relationship.State{}, relationship.TrendSummary{}, err
	}
	return state, trend, nil
}

var postureByDepth = map[relationship.Depth]string{
	relationship.DepthStranger:     "reserved and polite",
	relationship.DepthAcquaintance: "friendly and measured",
	relationship.DepthFriend:       "warm and familiar",
	relationship.DepthClose:        "warm and personal",
	relationship.DepthIntimate:     "deeply personal and caring",
}

func (c *computers) posture(ctx context.Context, userID, agentID string) (Payload, error) {
	state, trend, err := c.stateAndTrend(ctx, userID, agentID)
	if err != nil {
		return Payload{}, fmt.Errorf("relationship posture: %w", err)
	}
	depth := state.Depth()
	summary := fmt.Sprintf("Relationship is at the %s stage; be %s.", depth, postureByDepth[depth])
	switch trend.Direction {
	case relationship.Declining:
		summary += " Recent exchanges are cooling, so repair gently."
	case relationship.Improving:
		summary += " The connection is growing."
	}
	return Payload{
		Summary: summary,
		Attributes: map[string]string{
			"depth":      string(depth),
			"trend":      string(trend.Direction),
			"trust":      formatScore(state.Trust),
			"affection":  formatScore(state.Affection),
			"attunement": formatScore(state.Attunement),
		},
	}, nil
}

func (c *computers) topics(ctx context.Context, userID, _ string) (Payload, error) {
	rows, err := c.facts.Query(ctx, userID, &facts.Filter{EntityTypes: []string{intelligence.EntityInterest}})
	if err != nil {
		return Payload{}, fmt.Errorf("topic expertise: %w", err)
	}
	var topics []string
	for _, f := range rows {
		if intelligence.KindGroup(f.Kind) == "sentiment" && f.Kind != intelligence.KindDislikes && f.Kind != "hates" {
			topics = append(topics, f.Entity)
		}
	}
	if len(topics) == 0 {
		return Payload{Summary: "No known topics of interest.", Attributes: map[string]string{"count": "0"}}, nil
	}
	topics = capList(topics)
	return Payload{
		Summary:    "User is interested in " + strings.Join(topics, ", ") + ".",
		Attributes: map[string]string{"count": strconv.Itoa(len(topics)), "topics": strings.Join(topics, ",")},
	}, nil
}

func (c *computers) style(ctx context.Context, userID, agentID string) (Payload, error) {
	state, trend, err := c.stateAndTrend(ctx, userID, agentID)
	if err != nil {
		return Payload{}, fmt.Errorf("conversational style: %w", err)
	}
	var register string
	switch {
	case state.InteractionCount < 3:
		register = "Keep a light, welcoming style while getting to know the user."
	case state.Attunement >= 0.65:
		register = "A relaxed, playful style suits this user."
	case state.Attunement <= 0.35:
		register = "Be clear and patient; check understanding before moving on."
	default:
		register = "Use a warm, conversational style."
	}
	return Payload{
		Summary: register,
		Attributes: map[string]string{
			"attunement":   formatScore(state.Attunement),
			"interactions": strconv.Itoa(state.InteractionCount),
			"trend":        string(trend.Direction),
		},
	}, nil
}

func (c *computers) learnedFacts(ctx context.Context, userID, _ string) (Payload, error) {
	rows, err := c.facts.Query(ctx, userID, &facts.Filter{MinConfidence: 0.2, Limit: maxListed})
	if err != nil {
		return Payload{}, fmt.Errorf("learned facts summary: %w", err)
	}
	if len(rows) == 0 {
		return Payload{Summary: "", Attributes: map[string]string{"count": "0"}}, nil
	}
	statements := make([]string, len(rows))
	for i, f := range rows {
		statements[i] = f.Statement()
	}
	return Payload{
		Summary:    strings.Join(statements, "; ") + ".",
		Attributes: map[string]string{"count": strconv.Itoa(len(rows))},
	}, nil
}

func (c *computers) resonance(ctx context.Context, userID, agentID string) (Payload, error) {
	state, trend, err := c.stateAndTrend(ctx, userID, agentID)
	if err != nil {
		return Payload{}, fmt.Errorf("emotional resonance: %w", err)
	}
	var summary string
	switch {
	case trend.Direction == relationship.Declining:
		summary = "Recent exchanges have felt less positive; acknowledge feelings before offering ideas."
	case state.Affection >= 0.65:
		summary = "Affection is high; warmth and shared enthusiasm land well."
	case state.Affection <= 0.35:
		summary = "Affection is low; stay steady and avoid overfamiliar warmth."
	default:
		summary = "Mirror the user's current tone."
	}
	return Payload{
		Summary: summary,
		Attributes: map[string]string{
			"affection":     formatScore(state.Affection),
			"trend":         string(trend.Direction),
			"quality_mean":  formatScore(trend.Mean),
			"trend_samples": strconv.Itoa(trend.Points),
		},
	}, nil
}

func (c *computers) lifeContext(ctx context.Context, userID, _ string) (Payload, error) {
	rows, err := c.facts.Query(ctx, userID, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("life context evolution: %w", err)
	}
	cutoff := c.now().Add(-RecentChangeWindow)
	var changes []string
	for _, f := range rows {
		if f.AssertedAt.Before(cutoff) {
			continue
		}
		switch intelligence.KindGroup(f.Kind) {
		case "residence", "employment", "ownership":
			changes = append(changes, strings.TrimPrefix(f.Statement(), "User "))
		}
	}
	if len(changes) == 0 {
		return Payload{Summary: "No recent life changes known.", Attributes: map[string]string{"count": "0"}}, nil
	}
	changes = capList(changes)
	return Payload{
		Summary:    "Recent life context: " + strings.Join(changes, "; ") + ".",
		Attributes: map[string]string{"count": strconv.Itoa(len(changes))},
	}, nil
}

func (c *computers) engagement(ctx context.Context, userID, agentID string) (Payload, error) {
	_, trend, err := c.stateAndTrend(ctx, userID, agentID)
	if err != nil {
		return Payload{}, fmt.Errorf("engagement calibration: %w", err)
	}
	var summary string
	switch {
	case trend.Insufficient:
		summary = "Engagement is not established yet; keep replies moderately short."
	case trend.Mean >= 0.65:
		summary = "User is highly engaged; longer, exploratory replies are welcome."
	case trend.Mean < 0.4:
		summary = "Engagement is low; keep replies short and ask one light question."
	default:
		summary = "Engagement is moderate; match the length of the user's messages."
	}
	return Payload{
		Summary: summary,
		Attributes: map[string]string{
			"quality_mean": formatScore(trend.Mean),
			"trend":        string(trend.Direction),
		},
	}, nil
}

func capList(items []string) []string {
	if len(items) > maxListed {
		return items[:maxListed]
	}
	return items
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
