package intelligence

import (
	"strings"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// antonyms maps a word onto its canonical opposite. Replacing it flips polarity.
var antonyms = map[string]string{
	"hate": "love", "hates": "love", "hated": "love", "loathe": "love",
	"dislike": "like", "dislikes": "like", "disliked": "like",
	"unhappy": "happy", "sad": "happy",
	"worst": "best", "bad": "good", "terrible": "good",
	"never": "ever", "nobody": "somebody", "nothing": "something",
	"stopped": "started", "quit": "started", "left": "joined",
	"lost": "found", "sold": "bought", "false": "true",
	"dead": "alive", "died": "alive",
}

var negationWords = map[string]bool{
	"not": true, "no": true, "don't": true, "dont": true, "doesn't": true, "doesnt": true,
	"didn't": true, "didnt": true, "isn't": true, "isnt": true, "aren't": true, "arent": true,
	"wasn't": true, "wasnt": true, "won't": true, "wont": true, "can't": true, "cant": true,
	"cannot": true, "haven't": true, "havent": true, "hasn't": true, "hasnt": true,
	"anymore": true,
}

var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "really": true, "very": true, "so": true,
	"just": true, "actually": true, "totally": true, "do": true, "does": true, "did": true,
	"am": true, "is": true, "are": true, "was": true, "were": true, "at": true, "all": true,
	"much": true, "any": true, "longer": true,
}

// Proposition is a polarity-free reading of a statement plus its polarity.
type Proposition struct {
	// Core is the statement with negations removed, antonyms canonicalized and fillers dropped.
	Core string

	// Negated is true when an odd number of negations or antonym flips were applied.
	Negated bool
}

// ParseProposition reduces text to its Proposition.
//
//	ParseProposition("I don't like coffee")  // {Core: "i like coffee", Negated: true}
//	ParseProposition("I dislike coffee")     // {Core: "i like coffee", Negated: true}
func ParseProposition(text string) Proposition {
	var p Proposition
	words := signal.Tokenize(text)
	core := make([]string, 0, len(words))
	for _, w := range words {
		if negationWords[w] {
			p.Negated = !p.Negated
			continue
		}
		if canon, ok := antonyms[w]; ok {
			p.Negated = !p.Negated
			w = canon
		}
		if fillerWords[w] {
			continue
		}
		core = append(core, w)
	}
	p.Core = strings.Join(core, " ")
	return p
}

// Opposed reports whether two propositions disagree in polarity.
func Opposed(a, b Proposition) bool {
	return a.Negated != b.Negated
}

// MeaningText is the text embedded for the meaning projection.
//
// Two statements that assert and deny the same thing map onto the same meaning text, which
// is what lets a nearest-neighbour search on that projection surface contradictions.
func MeaningText(text string) string {
	return ParseProposition(text).Core
}
