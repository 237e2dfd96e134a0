// Package fusion assembles the Context Bundle: an ordered, token-budgeted set of named
// sections handed to the generation step.
//
// Assembly is pure. It performs no I/O and the same input always yields the same bundle.
package fusion

import (
	"strings"
	"unicode/utf8"
)

// SectionName identifies one bundle section.
type SectionName string

const (
	SectionFraming      SectionName = "framing"
	SectionConstraints  SectionName = "constraints"
	SectionFacts        SectionName = "facts"
	SectionMemory       SectionName = "memory"
	SectionHistory      SectionName = "history"
	SectionRelationship SectionName = "relationship"
	SectionConfidence   SectionName = "confidence"
	SectionStyle        SectionName = "style"
)

// Order is the fixed section order. Truncation walks it backwards.
var Order = []SectionName{
	SectionFraming,
	SectionConstraints,
	SectionFacts,
	SectionMemory,
	SectionHistory,
	SectionRelationship,
	SectionConfidence,
	SectionStyle,
}

var titles = map[SectionName]string{
	SectionFraming:      "Persona",
	SectionConstraints:  "Constraints",
	SectionFacts:        "Known facts about the user",
	SectionMemory:       "Memories",
	SectionHistory:      "Recent conversation",
	SectionRelationship: "Relationship",
	SectionConfidence:   "Confidence",
	SectionStyle:        "Style",
}

// EstimateTokens estimates the token cost of text as ceil(runes / 4).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Section is one named part of the bundle.
type Section struct {
	Name  SectionName
	Title string
	Lines []string

	// Tokens is the estimated cost of the rendered section, header included.
	Tokens int

	// Target is the soft budget, Max the hard per-section budget.
	Target int
	Max    int

	// Truncated is set when lines were dropped or cut to fit a budget.
	Truncated bool
}

// Text renders the section. An empty section renders as nothing.
func (s Section) Text() string {
	return renderSection(s.Title, s.Lines)
}

func renderSection(title string, lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(sectionHeader(title))
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func sectionHeader(title string) string {
	return "## " + title + "\n"
}

// Bundle is the assembled context. It is built per request and never persisted.
type Bundle struct {
	Sections []Section

	// TotalTokens is the sum of the section costs. It never exceeds HardBudget.
	TotalTokens int
	HardBudget  int

	// Degraded lists the inputs that were unavailable or defaulted (e.g. "memory").
	Degraded []string
}

// Section returns the named section, or nil.
func (b *Bundle) Section(name SectionName) *Section {
	for i := range b.Sections {
		if b.Sections[i].Name == name {
			return &b.Sections[i]
		}
	}
	return nil
}

// Render produces the prompt text, sections in order, empty sections omitted.
func (b *Bundle) Render() string {
	var sb strings.Builder
	for _, s := range b.Sections {
		sb.WriteString(s.Text())
	}
	return sb.String()
}
