// Package insight caches derived, slow-changing interpretations of a (user, agent) pair,
// such as relationship posture or conversational style, so that context assembly does not
// recompute them on every message.
//
// Entries carry their own staleness window; freshness is evaluated when an entry is read.
package insight

import (
	"context"
	"errors"
	"time"
)

// Kind names one insight.
type Kind string

const (
	RelationshipPosture   Kind = "relationship_posture"
	TopicExpertise        Kind = "topic_expertise"
	ConversationalStyle   Kind = "conversational_style"
	LearnedFactsSummary   Kind = "learned_facts_summary"
	EmotionalResonance    Kind = "emotional_resonance"
	LifeContextEvolution  Kind = "life_context_evolution"
	EngagementCalibration Kind = "engagement_calibration"
)

// AllKinds lists every kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		RelationshipPosture,
		TopicExpertise,
		ConversationalStyle,
		LearnedFactsSummary,
		EmotionalResonance,
		LifeContextEvolution,
		EngagementCalibration,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := defaultStaleness[k]
	return ok
}

// Payload is the computed value of one insight.
type Payload struct {
	Kind Kind `json:"kind"`

	// Summary is a single line suitable for a prompt.
	Summary string `json:"summary"`

	// Attributes holds the structured values the summary was built from.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Default is set when the payload is the documented fallback rather than a computation.
	Default bool `json:"default,omitempty"`
}

// Entry is a stored payload for a (user, agent, kind) triple.
type Entry struct {
	UserID  string
	AgentID string
	Kind    Kind
	Payload Payload

	ComputedAt time.Time

	// StaleAfter is the staleness window. The entry is usable while
	// now - ComputedAt < StaleAfter.
	StaleAfter time.Duration
}

// Fresh reports whether the entry is usable at now.
func (e *Entry) Fresh(now time.Time) bool {
	if e == nil || e.StaleAfter <= 0 {
		return false
	}
	return now.Sub(e.ComputedAt) < e.StaleAfter
}

// ErrNotFound is returned by EntryStore.Get when no entry exists.
var ErrNotFound = errors.New("insight entry not found")

// EntryStore persists insight entries. Put replaces any previous entry for the triple
// atomically; concurrent writers are last-write-wins.
type EntryStore interface {
	Get(ctx context.Context, userID, agentID string, kind Kind) (*Entry, error)
	Put(ctx context.Context, e *Entry) error

	// Delete removes the entries of the given kinds.
	Delete(ctx context.Context, userID, agentID string, kinds ...Kind) error

	Close() error
}

var defaultStaleness = map[Kind]time.Duration{
	RelationshipPosture:   time.Hour,
	TopicExpertise:        24 * time.Hour,
	ConversationalStyle:   6 * time.Hour,
	LearnedFactsSummary:   time.Hour,
	EmotionalResonance:    30 * time.Minute,
	LifeContextEvolution:  24 * time.Hour,
	EngagementCalibration: 2 * time.Hour,
}

// DefaultStaleness returns the staleness window of a kind.
func DefaultStaleness(k Kind) time.Duration {
	return defaultStaleness[k]
}

var defaultSummaries = map[Kind]string{
	RelationshipPosture:   "Relationship posture unknown; be friendly and measured.",
	TopicExpertise:        "No known topics of expertise.",
	ConversationalStyle:   "Use a warm, neutral conversational style.",
	LearnedFactsSummary:   "",
	EmotionalResonance:    "No established emotional pattern; mirror the user's current tone.",
	LifeContextEvolution:  "No recent life changes known.",
	EngagementCalibration: "Keep replies moderately short and invite the user to continue.",
}

// DefaultPayload returns the fallback payload of a kind.
func DefaultPayload(k Kind) Payload {
	return Payload{Kind: k, Summary: defaultSummaries[k], Default: true}
}
