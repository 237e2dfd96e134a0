// Package persona supplies the read-only persona records that frame every context bundle,
// and the named style strategies that turn a persona into style guidance.
package persona

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Persona is the agent's identity record. It is authored elsewhere and never mutated here.
type Persona struct {
	AgentID string `yaml:"agent_id" json:"agent_id"`
	Name    string `yaml:"name" json:"name"`

	// Description frames the agent, e.g. "You are Mira, a gardening companion."
	Description string `yaml:"description" json:"description"`

	// Constraints are hard rules the reply must follow.
	Constraints []string `yaml:"constraints" json:"constraints,omitempty"`

	// Style names the StyleFormatter applied to this persona (default "plain").
	Style string `yaml:"style" json:"style,omitempty"`

	// StyleNotes are free-form tone guidance passed to the formatter.
	StyleNotes []string `yaml:"style_notes" json:"style_notes,omitempty"`
}

// Framing returns the persona's framing line.
func (p Persona) Framing() string {
	if p.Description != "" {
		return p.Description
	}
	if p.Name != "" {
		return fmt.Sprintf("You are %s.", p.Name)
	}
	return "You are a helpful companion."
}

// ErrUnknownPersona is returned when a source has no persona for the agent.
var ErrUnknownPersona = errors.New("unknown persona")

// Source returns a snapshot of an agent's persona.
type Source interface {
	Persona(ctx context.Context, agentID string) (Persona, error)
}

// StaticSource serves a fixed set of personas.
type StaticSource struct {
	personas map[string]Persona
}

// NewStaticSource creates a source from the given personas, keyed by AgentID.
func NewStaticSource(personas ...Persona) *StaticSource {
	m := make(map[string]Persona, len(personas))
	for _, p := range personas {
		m[p.AgentID] = p
	}
	return &StaticSource{personas: m}
}

// Persona returns the persona of agentID.
func (s *StaticSource) Persona(_ context.Context, agentID string) (Persona, error) {
	p, ok := s.personas[agentID]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrUnknownPersona, agentID)
	}
	return clonePersona(p), nil
}

// AgentIDs lists the known agents, sorted.
func (s *StaticSource) AgentIDs() []string {
	ids := make([]string, 0, len(s.personas))
	for id := range s.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clonePersona(p Persona) Persona {
	p.Constraints = append([]string(nil), p.Constraints...)
	p.StyleNotes = append([]string(nil), p.StyleNotes...)
	return p
}
