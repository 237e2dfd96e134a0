package fusion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minCutRunes is the shortest cut line worth keeping; below it the section is emptied.
const minCutRunes = 12

const ellipsis = "…"

// draft is a section under construction.
type draft struct {
	name      SectionName
	title     string
	lines     []line
	target    int
	max       int
	truncated bool
}

func (d *draft) texts() []string {
	out := make([]string, len(d.lines))
	for i, l := range d.lines {
		out[i] = l.text
	}
	return out
}

// tokens equals EstimateTokens(renderSection(...)) without rendering.
func (d *draft) tokens() int {
	if len(d.lines) == 0 {
		return 0
	}
	runes := utf8.RuneCountInString(sectionHeader(d.title))
	for _, l := range d.lines {
		runes += utf8.RuneCountInString(l.text) + 1
	}
	return (runes + 3) / 4
}

func (d *draft) section() Section {
	return Section{
		Name:      d.name,
		Title:     d.title,
		Lines:     d.texts(),
		Tokens:    d.tokens(),
		Target:    d.target,
		Max:       d.max,
		Truncated: d.truncated,
	}
}

// shrink reduces the section to at most limit tokens. It drops the lowest-priority lines
// first, then cuts the last remaining line on a word boundary, and empties the section when
// not even a short line fits.
func (d *draft) shrink(limit int) {
	if d.tokens() <= limit {
		return
	}
	d.truncated = true

	for len(d.lines) > 1 && d.tokens() > limit {
		d.dropLowest()
	}
	if d.tokens() <= limit {
		return
	}

	// One line left: header + line + newline must fit in limit*4 runes.
	allowed := limit*4 - utf8.RuneCountInString(sectionHeader(d.title)) - 1
	if allowed < minCutRunes {
		d.lines = nil
		return
	}
	cut := cutOnWord(d.lines[0].text, allowed)
	if cut == "" {
		d.lines = nil
		return
	}
	d.lines[0].text = cut
}

func (d *draft) dropLowest() {
	lowest := 0
	for i, l := range d.lines {
		if l.priority < d.lines[lowest].priority {
			lowest = i
		}
	}
	d.lines = append(d.lines[:lowest], d.lines[lowest+1:]...)
}

// cutOnWord shortens text to at most maxRunes runes, ellipsis included, ending on a word
// boundary when one exists.
func cutOnWord(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	keep := runes[:maxRunes-1]
	if i := lastSpace(keep); i > 0 {
		keep = keep[:i]
	}
	s := strings.TrimRightFunc(string(keep), unicode.IsSpace)
	if s == "" {
		return ""
	}
	return s + ellipsis
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

var stopwords = map[string]bool{
	"i": true, "a": true, "an": true, "the": true, "my": true, "me": true, "user": true,
	"is": true, "am": true, "are": true, "was": true, "to": true, "of": true, "in": true,
	"at": true, "and": true, "it": true, "that": true, "this": true, "really": true, "so": true,
}

// canonical folds verbs that express the same relationship kind.
var canonical = map[string]string{
	"love": "like", "loves": "like", "likes": "like", "enjoy": "like", "enjoys": "like", "adore": "like",
	"hate": "dislike", "hates": "dislike", "dislikes": "dislike",
	"have": "own", "has": "own", "owns": "own", "got": "own", "adopted": "own", "bought": "own",
	"live": "live", "lives": "live", "living": "live", "moved": "live",
	"work": "work", "works": "work", "working": "work",
}

// tokenSet normalizes text into a set of content words for overlap comparison.
func tokenSet(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, "'")
		if w == "" || stopwords[w] {
			continue
		}
		if c, ok := canonical[w]; ok {
			w = c
		}
		set[w] = true
	}
	return set
}

// Jaccard is |a ∩ b| / |a ∪ b|; two empty sets score 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func coveredByFact(memory map[string]bool, facts []map[string]bool, threshold float64) bool {
	for _, f := range facts {
		if Jaccard(memory, f) >= threshold {
			return true
		}
	}
	return false
}
