package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/oceanbase/powerfuse-go/pkg/llm"
)

// Relationship kinds produced by the extractor.
const (
	KindOwns      = "owns"
	KindOwnedOnce = "used_to_own"
	KindLikes     = "likes"
	KindDislikes  = "dislikes"
	KindLivesIn   = "lives_in"
	KindWorksAt   = "works_at"
	KindKnows     = "knows"
)

// kindGroups puts mutually exclusive kinds in one group. At most one edge per group is
// active for a (user, entity) pair.
var kindGroups = map[string]string{
	KindLikes:     "sentiment",
	KindDislikes:  "sentiment",
	"loves":       "sentiment",
	"hates":       "sentiment",
	KindOwns:      "ownership",
	KindOwnedOnce: "ownership",
	KindLivesIn:   "residence",
	"moved_from":  "residence",
	KindWorksAt:   "employment",
	"left_job_at": "employment",
}

// KindGroup returns the supersede group of a relationship kind. Unknown kinds form their
// own group.
func KindGroup(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if g, ok := kindGroups[kind]; ok {
		return g
	}
	return kind
}

// FactExtractor extracts user → entity facts from a turn.
//
// With a provider it asks the model for structured facts; without one, or when the model
// fails, it falls back to surface patterns.
//
// Example usage:
//
//	extractor := NewFactExtractor(provider)
//	facts, _ := extractor.Extract(ctx, "I just adopted a cat named Miso")
type FactExtractor struct {
	llm llm.Provider
}

// NewFactExtractor creates a FactExtractor. provider may be nil.
func NewFactExtractor(provider llm.Provider) *FactExtractor {
	return &FactExtractor{llm: provider}
}

const factSystemPrompt = `You extract durable facts about the user from one chat message.
Only extract facts about the user's possessions, interests, places and people in their life.
Return only JSON: {"facts": [{"entity": "...", "entity_type": "possession|interest|place|person|other",
"category": "...", "kind": "owns|used_to_own|likes|dislikes|lives_in|works_at|knows", "confidence": 0.0-1.0}]}
Entities are short lowercase noun phrases. If there are no facts, return {"facts": []}.`

// Extract returns the facts asserted in text. An error is returned only when the model
// answer is malformed and no pattern matched either.
func (e *FactExtractor) Extract(ctx context.Context, text string) ([]ExtractedFact, error) {
	if e.llm != nil {
		response, err := e.llm.Generate(ctx, text, llm.WithSystem(factSystemPrompt), llm.WithTemperature(0))
		if err == nil {
			facts, perr := parseFactsResponse(response)
			if perr == nil {
				return facts, nil
			}
			err = perr
		}
		if ruled := ExtractFactsByRules(text); len(ruled) > 0 {
			return ruled, nil
		}
		return nil, fmt.Errorf("Extract: %w", err)
	}
	return ExtractFactsByRules(text), nil
}

func parseFactsResponse(response string) ([]ExtractedFact, error) {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.TrimSpace(strings.ReplaceAll(response, "```", ""))

	var result struct {
		Facts []ExtractedFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	facts := make([]ExtractedFact, 0, len(result.Facts))
	for _, f := range result.Facts {
		f.Entity = strings.ToLower(strings.TrimSpace(f.Entity))
		if f.Entity == "" || f.Kind == "" {
			continue
		}
		if f.EntityType == "" {
			f.EntityType = EntityOther
		}
		if f.Category == "" {
			f.Category = defaultCategory(f.EntityType, f.Entity)
		}
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = 0.7
		}
		facts = append(facts, f)
	}
	return facts, nil
}

type factRule struct {
	pattern    *regexp.Regexp
	kind       string
	entityType string
}

const phrase = `([a-z][a-z' ]{1,40}?)(?:[.,!?;]|$| and | but | because | named | called | anymore)`

var factRules = []factRule{
	{regexp.MustCompile(`\bi (?:no longer|don't|do not) (?:have|own) (?:a |an |my )?` + phrase), KindOwnedOnce, EntityPossession},
	{regexp.MustCompile(`\bi (?:sold|lost|gave away) (?:a |an |my )?` + phrase), KindOwnedOnce, EntityPossession},
	{regexp.MustCompile(`\bi (?:have|own|got|adopted|bought) (?:a |an |two |three |my |new )*` + phrase), KindOwns, EntityPossession},
	{regexp.MustCompile(`\bi (?:don't|do not|no longer) (?:like|love|enjoy) (?:my |the )?` + phrase), KindDislikes, EntityInterest},
	{regexp.MustCompile(`\bi (?:hate|dislike|can't stand|cannot stand) (?:my |the )?` + phrase), KindDislikes, EntityInterest},
	{regexp.MustCompile(`\bi (?:really )?(?:like|love|enjoy|adore) (?:my |the )?` + phrase), KindLikes, EntityInterest},
	{regexp.MustCompile(`\bi (?:live|am living|moved) (?:in|to) ` + phrase), KindLivesIn, EntityPlace},
	{regexp.MustCompile(`\bi (?:work|am working) (?:at|for) ` + phrase), KindWorksAt, EntityPlace},
	{regexp.MustCompile(`\bmy (sister|brother|mother|mom|father|dad|wife|husband|partner|girlfriend|boyfriend|best friend|friend|son|daughter|boss)\b`), KindKnows, EntityPerson},
}

// weakLead rejects matches like "i have been ..." or "i love to ...".
var weakLead = map[string]bool{
	"been": true, "to": true, "no": true, "not": true, "never": true, "always": true,
	"it": true, "that": true, "this": true, "you": true, "some": true,
}

var petWords = map[string]bool{
	"dog": true, "cat": true, "puppy": true, "kitten": true, "hamster": true, "parrot": true,
	"rabbit": true, "fish": true, "dogs": true, "cats": true,
}

// ExtractFactsByRules applies the surface patterns. Each sentence yields at most one fact per
// pattern, and the first matching ownership pattern wins.
func ExtractFactsByRules(text string) []ExtractedFact {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	var facts []ExtractedFact
	for _, sentence := range splitSentences(lower) {
		matchedOwnership := false
		for _, rule := range factRules {
			m := rule.pattern.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			group := KindGroup(rule.kind)
			if group == "ownership" {
				if matchedOwnership {
					continue
				}
				matchedOwnership = true
			}
			entity := strings.TrimSpace(m[1])
			key := entity + "|" + group
			if entity == "" || seen[key] || weakLead[strings.Fields(entity)[0]] {
				continue
			}
			seen[key] = true
			facts = append(facts, ExtractedFact{
				Entity:     entity,
				EntityType: rule.entityType,
				Category:   defaultCategory(rule.entityType, entity),
				Kind:       rule.kind,
				Confidence: 0.7,
			})
		}
	}
	return facts
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' || r == '\n' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultCategory(entityType, entity string) string {
	switch entityType {
	case EntityPossession:
		for _, w := range strings.Fields(entity) {
			if petWords[w] {
				return "pets"
			}
		}
		return "belongings"
	case EntityInterest:
		return "interests"
	case EntityPlace:
		return "places"
	case EntityPerson:
		return "people"
	}
	return "general"
}
