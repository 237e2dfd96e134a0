package persona

import (
	"sort"
	"sync"

	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// StyleInput is what a formatter may use to produce style guidance.
type StyleInput struct {
	Persona Persona

	// Insight is the conversational style insight summary, possibly a default.
	Insight string

	// Signal is the current message's signal.
	Signal signal.Signal
}

// StyleFormatter turns a persona into the lines of the style section. Formatters are chosen
// by the name in the persona record.
type StyleFormatter interface {
	Name() string
	Format(in StyleInput) []string
}

// DefaultStyle is used when a persona names no style or an unknown one.
const DefaultStyle = "plain"

// Registry maps style names to formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]StyleFormatter
}

// NewRegistry returns a registry holding the built-in formatters: plain, warm and concise.
func NewRegistry() *Registry {
	r := &Registry{formatters: map[string]StyleFormatter{}}
	r.Register(plainStyle{})
	r.Register(warmStyle{})
	r.Register(conciseStyle{})
	return r
}

// Register adds or replaces a formatter.
func (r *Registry) Register(f StyleFormatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[f.Name()] = f
}

// Lookup returns the formatter for name, falling back to DefaultStyle.
func (r *Registry) Lookup(name string) StyleFormatter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.formatters[name]; ok {
		return f
	}
	return r.formatters[DefaultStyle]
}

// Names lists the registered styles, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.formatters))
	for n := range r.formatters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Format looks up the persona's style and applies it.
func (r *Registry) Format(in StyleInput) []string {
	return r.Lookup(in.Persona.Style).Format(in)
}

type plainStyle struct{}

func (plainStyle) Name() string { return "plain" }

func (plainStyle) Format(in StyleInput) []string {
	lines := append([]string(nil), in.Persona.StyleNotes...)
	if in.Insight != "" {
		lines = append(lines, in.Insight)
	}
	return lines
}

type warmStyle struct{}

func (warmStyle) Name() string { return "warm" }

func (warmStyle) Format(in StyleInput) []string {
	var lines []string
	if in.Signal.Primary.Negative() && in.Signal.Intensity >= 0.5 {
		lines = append(lines, "Lead with empathy and acknowledge how the user feels before anything else.")
	} else {
		lines = append(lines, "Be warm and personal; light humour is welcome.")
	}
	lines = append(lines, in.Persona.StyleNotes...)
	if in.Insight != "" {
		lines = append(lines, in.Insight)
	}
	return lines
}

type conciseStyle struct{}

func (conciseStyle) Name() string { return "concise" }

func (conciseStyle) Format(in StyleInput) []string {
	lines := []string{"Reply in at most three sentences."}
	lines = append(lines, in.Persona.StyleNotes...)
	return lines
}
