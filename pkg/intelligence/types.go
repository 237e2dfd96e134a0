// Package intelligence holds the heuristics shared by retrieval and persistence: decay curves,
// statement polarity, fact extraction and per-turn relationship assessment.
//
// The package depends only on the signal and llm packages so that every store can import it.
package intelligence

// ExtractedFact is a user → entity assertion found in a conversational turn.
type ExtractedFact struct {
	// Entity is the canonical entity name, lowercased.
	Entity string `json:"entity"`

	// EntityType is one of possession, interest, place, person, other.
	EntityType string `json:"entity_type"`

	// Category groups entity types for display (e.g. "pets", "hobbies").
	Category string `json:"category"`

	// Kind is the relationship kind from the user to the entity (owns, likes, lives_in, ...).
	Kind string `json:"kind"`

	// Confidence is the extraction confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Entity types recognised by the extractor.
const (
	EntityPossession = "possession"
	EntityInterest   = "interest"
	EntityPlace      = "place"
	EntityPerson     = "person"
	EntityOther      = "other"
)

// TurnAssessment is the per-turn relationship reading derived from a completed exchange.
type TurnAssessment struct {
	// Trust, Affection and Attunement are small signed deltas.
	Trust      float64
	Affection  float64
	Attunement float64

	// Quality is the scalar conversation-quality metric recorded for trend analysis, in [0,1].
	Quality float64
}
