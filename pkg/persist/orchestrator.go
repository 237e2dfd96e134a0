// Package persist writes a completed turn back into the stores after the reply has been
// produced. Every write is independent: one failing target never prevents the others, and
// the caller only ever receives a Report.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/powerfuse-go/pkg/insight"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// Target names.
const (
	TargetMemory       = "memory"
	TargetFacts        = "facts"
	TargetRelationship = "relationship"
	TargetInsights     = "insights"
)

// Targets lists the write targets in report order.
var Targets = []string{TargetMemory, TargetFacts, TargetRelationship, TargetInsights}

// Turn is one completed exchange.
type Turn struct {
	// ID makes persistence idempotent; empty ids get a fresh UUID.
	ID      string
	UserID  string
	AgentID string

	UserText string
	Reply    string

	// At defaults to now.
	At time.Time
}

// Input is everything derived from a turn that must be stored.
type Input struct {
	Turn    Turn
	Signal  signal.Signal
	Facts   []intelligence.ExtractedFact
	Delta   relationship.Delta
	Quality float64
}

// MemoryWriter stores memory records.
type MemoryWriter interface {
	Put(ctx context.Context, e memory.Entry) (memory.PutResult, error)
}

// FactWriter stores extracted facts.
type FactWriter interface {
	UpsertExtracted(ctx context.Context, userID, assertedBy string, extracted []intelligence.ExtractedFact) (int, error)
}

// RelationshipWriter applies relationship deltas and quality points.
type RelationshipWriter interface {
	ApplyDelta(ctx context.Context, userID, agentID, turnID string, d relationship.Delta) (relationship.State, bool, error)
	RecordQuality(ctx context.Context, userID, agentID, turnID string, value float64, at time.Time) (bool, error)
}

// InsightInvalidator drops cached insights.
type InsightInvalidator interface {
	Invalidate(ctx context.Context, userID, agentID string, kinds ...insight.Kind) error
}

// Writers are the stores written by the orchestrator. Nil writers are reported as skipped.
type Writers struct {
	Memory       MemoryWriter
	Facts        FactWriter
	Relationship RelationshipWriter
	Insights     InsightInvalidator
}

// Outcome is the result of one target.
type Outcome struct {
	Target   string
	OK       bool
	Skipped  bool
	Detail   string
	Err      string
	Duration time.Duration
}

// Result is "ok", "error" or "skipped".
func (o Outcome) Result() string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.OK:
		return "ok"
	default:
		return "error"
	}
}

// Report summarizes one Persist call.
type Report struct {
	TurnID   string
	UserID   string
	AgentID  string
	Outcomes []Outcome
	Duration time.Duration
}

// OK reports whether no target failed.
func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the failed outcomes.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK && !o.Skipped {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome of target.
func (r Report) Outcome(target string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Target == target {
			return o, true
		}
	}
	return Outcome{}, false
}

// Observer receives one call per target outcome.
type Observer interface {
	ObservePersist(target, result string, d time.Duration)
}

// Orchestrator is the persistence orchestrator.
type Orchestrator struct {
	writers  Writers
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver reports per-target outcomes, e.g. to metrics.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(writers Writers, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		writers: writers,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Persist writes the turn to every target concurrently and reports each outcome. It never
// returns an error. Repeating a turn id is harmless: the memory record is deduplicated by
// content hash and the relationship delta and quality point are ignored by turn id.
func (o *Orchestrator) Persist(ctx context.Context, in Input) Report {
	start := o.now()
	if in.Turn.ID == "" {
		in.Turn.ID = uuid.NewString()
	}
	if in.Turn.At.IsZero() {
		in.Turn.At = start
	}

	jobs := []func(context.Context, Input) (string, bool, error){
		o.writeMemory,
		o.writeFacts,
		o.writeRelationship,
		o.invalidateInsights,
	}
	outcomes := make([]Outcome, len(jobs))

	var g errgroup.Group
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			t0 := time.Now()
			detail, skipped, err := job(ctx, in)
			out := Outcome{
				Target:   Targets[i],
				OK:       err == nil && !skipped,
				Skipped:  skipped,
				Detail:   detail,
				Duration: time.Since(t0),
			}
			if err != nil {
				out.Err = err.Error()
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		TurnID:   in.Turn.ID,
		UserID:   in.Turn.UserID,
		AgentID:  in.Turn.AgentID,
		Outcomes: outcomes,
		Duration: o.now().Sub(start),
	}
	for _, out := range outcomes {
		if o.observer != nil {
			o.observer.ObservePersist(out.Target, out.Result(), out.Duration)
		}
		if !out.OK && !out.Skipped {
			o.logger.Warn("persist target failed",
				"target", out.Target, "turn_id", report.TurnID, "user_id", report.UserID, "agent_id", report.AgentID, "error", out.Err)
		}
	}
	return report
}

func (o *Orchestrator) writeMemory(ctx context.Context, in Input) (string, bool, error) {
	if o.writers.Memory == nil || in.Turn.UserText == "" {
		return "", true, nil
	}
	res, err := o.writers.Memory.Put(ctx, memory.Entry{
		UserID:    in.Turn.UserID,
		AgentID:   in.Turn.AgentID,
		Content:   in.Turn.UserText,
		Reply:     in.Turn.Reply,
		TurnID:    in.Turn.ID,
		Signal:    in.Signal,
		CreatedAt: in.Turn.At,
	})
	if err != nil {
		return "", false, err
	}
	if !res.Inserted {
		return fmt.Sprintf("deduplicated by %d", res.ID), false, nil
	}
	return fmt.Sprintf("inserted %d", res.ID), false, nil
}

func (o *Orchestrator) writeFacts(ctx context.Context, in Input) (string, bool, error) {
	if o.writers.Facts == nil || len(in.Facts) == 0 {
		return "", true, nil
	}
	n, err := o.writers.Facts.UpsertExtracted(ctx, in.Turn.UserID, in.Turn.AgentID, in.Facts)
	if err != nil {
		return fmt.Sprintf("%d of %d upserted", n, len(in.Facts)), false, err
	}
	return fmt.Sprintf("%d upserted", n), false, nil
}

func (o *Orchestrator) writeRelationship(ctx context.Context, in Input) (string, bool, error) {
	if o.writers.Relationship == nil {
		return "", true, nil
	}
	t := in.Turn
	_, applied, err := o.writers.Relationship.ApplyDelta(ctx, t.UserID, t.AgentID, t.ID, in.Delta)
	if err != nil {
		return "", false, err
	}
	added, err := o.writers.Relationship.RecordQuality(ctx, t.UserID, t.AgentID, t.ID, in.Quality, t.At)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("delta applied=%t, quality added=%t", applied, added), false, nil
}

func (o *Orchestrator) invalidateInsights(ctx context.Context, in Input) (string, bool, error) {
	if o.writers.Insights == nil {
		return "", true, nil
	}
	if err := o.writers.Insights.Invalidate(ctx, in.Turn.UserID, in.Turn.AgentID); err != nil {
		return "", false, err
	}
	return "invalidated", false, nil
}
