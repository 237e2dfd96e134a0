package fusion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/persona"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// Guard sentences emitted instead of empty sections.
const (
	NoMemoriesGuard     = "No established memories exist with this user yet; do not imply shared history."
	NoFactsGuard        = "No established facts about this user; do not invent personal details."
	NoRelationshipGuard = "Relationship state is unavailable; treat the user as an acquaintance."

	// ConflictMarker is appended to a memory contradicted by a later one.
	ConflictMarker = "(conflicts with a later statement)"

	// RevisionMarker is appended to a memory that contradicts an earlier one.
	RevisionMarker = "(revises an earlier statement)"
)

// Budget is the token budget of one section.
type Budget struct {
	// Target is the soft allocation: over-budget bundles first trim sections down to it.
	Target int `json:"target"`

	// Max is the hard per-section cap.
	Max int `json:"max"`
}

// Config tunes assembly.
type Config struct {
	// HardBudget caps the bundle's total tokens (default 2000).
	HardBudget int `json:"hard_budget"`

	Sections map[SectionName]Budget `json:"sections,omitempty"`

	// DedupThreshold is the Jaccard similarity at which a memory line covered by a fact
	// line is dropped (default 0.5).
	DedupThreshold float64 `json:"dedup_threshold"`
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		HardBudget: 2000,
		Sections: map[SectionName]Budget{
			SectionFraming:      {Target: 200, Max: 400},
			SectionConstraints:  {Target: 100, Max: 200},
			SectionFacts:        {Target: 250, Max: 400},
			SectionMemory:       {Target: 450, Max: 800},
			SectionHistory:      {Target: 500, Max: 800},
			SectionRelationship: {Target: 150, Max: 250},
			SectionConfidence:   {Target: 60, Max: 120},
			SectionStyle:        {Target: 100, Max: 200},
		},
		DedupThreshold: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HardBudget <= 0 {
		c.HardBudget = d.HardBudget
	}
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = d.DedupThreshold
	}
	sections := make(map[SectionName]Budget, len(Order))
	for _, name := range Order {
		b, ok := c.Sections[name]
		if !ok {
			b = d.Sections[name]
		}
		sections[name] = b
	}
	c.Sections = sections
	return c
}

// Turn is one message of recent conversation history, oldest first in Input.History.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is everything assembly needs. Nil or empty fields are treated as absent.
type Input struct {
	UserID  string
	AgentID string
	Message string

	Persona persona.Persona

	// Constraints are request-level format rules appended to the persona's constraints.
	Constraints []string

	Facts    []facts.Fact
	Memories []memory.Memory
	History  []Turn

	Relationship *relationship.State
	Trend        *relationship.TrendSummary
	Insights     map[insight.Kind]insight.Payload

	Signal signal.Signal

	// StyleLines come from the persona's style formatter.
	StyleLines []string

	// Degraded names the inputs that fell back to defaults.
	Degraded []string
}

// line is a candidate section line. Lower priority lines are dropped first.
type line struct {
	text     string
	priority int
}

// Assemble builds the bundle for in under cfg. TotalTokens ≤ cfg.HardBudget always.
func Assemble(in Input, cfg Config) *Bundle {
	cfg = cfg.withDefaults()

	factLines, factTokens := buildFacts(in.Facts)
	candidates := map[SectionName][]line{
		SectionFraming:      buildFraming(in),
		SectionConstraints:  buildConstraints(in),
		SectionFacts:        factLines,
		SectionMemory:       buildMemory(in.Memories, factTokens, cfg.DedupThreshold),
		SectionHistory:      buildHistory(in.History),
		SectionRelationship: buildRelationship(in),
		SectionConfidence:   buildConfidence(in),
		SectionStyle:        buildStyle(in.StyleLines),
	}

	sections := make([]*draft, len(Order))
	for i, name := range Order {
		b := cfg.Sections[name]
		sections[i] = &draft{name: name, title: titles[name], lines: candidates[name], target: b.Target, max: b.Max}
		if b.Max > 0 {
			sections[i].shrink(b.Max)
		}
	}

	// First tier: trim over-target sections back to their target, last section first.
	for i := len(sections) - 1; i >= 0; i-- {
		excess := total(sections) - cfg.HardBudget
		if excess <= 0 {
			break
		}
		s := sections[i]
		if tokens := s.tokens(); tokens > s.target {
			s.shrink(max(s.target, tokens-excess))
		}
	}
	// Second tier: trim below target, framing last.
	for i := len(sections) - 1; i >= 0; i-- {
		excess := total(sections) - cfg.HardBudget
		if excess <= 0 {
			break
		}
		s := sections[i]
		s.shrink(max(0, s.tokens()-excess))
	}

	bundle := &Bundle{HardBudget: cfg.HardBudget, Degraded: append([]string(nil), in.Degraded...)}
	sort.Strings(bundle.Degraded)
	for _, d := range sections {
		s := d.section()
		bundle.Sections = append(bundle.Sections, s)
		bundle.TotalTokens += s.Tokens
	}
	return bundle
}

func total(sections []*draft) int {
	n := 0
	for _, s := range sections {
		n += s.tokens()
	}
	return n
}

func buildFraming(in Input) []line {
	lines := []line{{text: in.Persona.Framing(), priority: 1}}
	if in.Message != "" {
		lines = append(lines, line{text: "The user's current mood: " + in.Signal.Describe() + ".", priority: 0})
	}
	return lines
}

func buildConstraints(in Input) []line {
	var lines []line
	all := append(append([]string(nil), in.Persona.Constraints...), in.Constraints...)
	for i, c := range all {
		if c = strings.TrimSpace(c); c != "" {
			lines = append(lines, line{text: "- " + c, priority: len(all) - i})
		}
	}
	return lines
}

// buildFacts returns the fact lines, highest confidence first, and the token sets used to
// deduplicate memories against them.
func buildFacts(in []facts.Fact) ([]line, []map[string]bool) {
	if len(in) == 0 {
		return []line{{text: NoFactsGuard, priority: 1}}, nil
	}
	sorted := append([]facts.Fact(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].ID < sorted[j].ID
	})

	lines := make([]line, 0, len(sorted))
	sets := make([]map[string]bool, 0, len(sorted))
	for i, f := range sorted {
		statement := f.Statement()
		lines = append(lines, line{
			text:     fmt.Sprintf("- %s (confidence %.2f)", statement, f.Confidence),
			priority: len(sorted) - i,
		})
		sets = append(sets, tokenSet(statement))
	}
	return lines, sets
}

func buildMemory(in []memory.Memory, factSets []map[string]bool, threshold float64) []line {
	var lines []line
	for i, m := range in {
		if coveredByFact(tokenSet(m.Content), factSets, threshold) {
			continue
		}
		text := "- " + oneLine(m.Content)
		if !m.CreatedAt.IsZero() {
			text = fmt.Sprintf("- [%s] %s", m.CreatedAt.UTC().Format("2006-01-02"), oneLine(m.Content))
		}
		if reply := oneLine(m.Reply); reply != "" {
			text += " (you replied: " + reply + ")"
		}
		switch {
		case m.Superseded:
			text += " " + ConflictMarker
		case m.Contradicted:
			text += " " + RevisionMarker
		}
		lines = append(lines, line{text: text, priority: len(in) - i})
	}
	if len(lines) == 0 && len(in) == 0 {
		return []line{{text: NoMemoriesGuard, priority: 1}}
	}
	return lines
}

func buildHistory(in []Turn) []line {
	lines := make([]line, 0, len(in))
	for i, t := range in {
		role := t.Role
		if role == "" {
			role = "user"
		}
		// Newer turns have higher priority.
		lines = append(lines, line{text: role + ": " + oneLine(t.Content), priority: i + 1})
	}
	return lines
}

func buildRelationship(in Input) []line {
	var lines []line
	if in.Relationship == nil {
		lines = append(lines, line{text: NoRelationshipGuard, priority: 10})
	} else {
		s := in.Relationship
		lines = append(lines, line{
			text: fmt.Sprintf("Depth: %s (trust %.2f, affection %.2f, attunement %.2f) after %d interactions.",
				s.Depth(), s.Trust, s.Affection, s.Attunement, s.InteractionCount),
			priority: 10,
		})
	}
	if in.Trend != nil && !in.Trend.Insufficient {
		lines = append(lines, line{
			text:     fmt.Sprintf("Conversation quality is %s (mean %.2f over %d turns).", in.Trend.Direction, in.Trend.Mean, in.Trend.Points),
			priority: 9,
		})
	}

	relationshipInsights := []insight.Kind{
		insight.RelationshipPosture,
		insight.EmotionalResonance,
		insight.EngagementCalibration,
		insight.TopicExpertise,
		insight.LifeContextEvolution,
	}
	for i, k := range relationshipInsights {
		p, ok := in.Insights[k]
		if !ok || p.Summary == "" {
			continue
		}
		lines = append(lines, line{text: p.Summary, priority: len(relationshipInsights) - i})
	}
	return lines
}

func buildConfidence(in Input) []line {
	var lines []line
	if len(in.Memories) > 0 {
		top := in.Memories[0].Similarity
		for _, m := range in.Memories {
			top = max(top, m.Similarity)
		}
		lines = append(lines, line{
			text:     fmt.Sprintf("Recall: %d relevant memories, best match %.2f (%s).", len(in.Memories), top, confidenceWord(top)),
			priority: 2,
		})
	}
	if len(in.Degraded) > 0 {
		degraded := append([]string(nil), in.Degraded...)
		sort.Strings(degraded)
		lines = append(lines, line{
			text:     "Unavailable context: " + strings.Join(degraded, ", ") + "; do not guess what it would contain.",
			priority: 3,
		})
	}
	if len(lines) == 0 {
		lines = append(lines, line{text: "Recall: nothing relevant retrieved for this message.", priority: 1})
	}
	return lines
}

func confidenceWord(similarity float64) string {
	switch {
	case similarity >= 0.8:
		return "high"
	case similarity >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

func buildStyle(in []string) []line {
	var lines []line
	for i, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, line{text: s, priority: len(in) - i})
		}
	}
	return lines
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
