package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/oceanbase/powerfuse-go/pkg/facts"
	"github.com/oceanbase/powerfuse-go/pkg/fusion"
	"github.com/oceanbase/powerfuse-go/pkg/insight"
	"github.com/oceanbase/powerfuse-go/pkg/intelligence"
	"github.com/oceanbase/powerfuse-go/pkg/maintenance"
	"github.com/oceanbase/powerfuse-go/pkg/memory"
	"github.com/oceanbase/powerfuse-go/pkg/observability"
	"github.com/oceanbase/powerfuse-go/pkg/persist"
	"github.com/oceanbase/powerfuse-go/pkg/persona"
	"github.com/oceanbase/powerfuse-go/pkg/relationship"
	"github.com/oceanbase/powerfuse-go/pkg/signal"
)

// Branch names reported in Response.Degraded.
const (
	BranchSignal       = "signal"
	BranchMemory       = "memory"
	BranchFacts        = "facts"
	BranchRelationship = "relationship"
	BranchInsights     = "insights"
	BranchPersona      = "persona"
)

// SignalAnalyzer extracts the emotional signal of a message. It never fails.
type SignalAnalyzer interface {
	Analyze(ctx context.Context, text string) signal.Signal
}

// MemoryStore is the vector memory store.
type MemoryStore interface {
	Retrieve(ctx context.Context, q memory.Query) memory.Result
	Put(ctx context.Context, e memory.Entry) (memory.PutResult, error)
}

// FactStore is the fact graph.
type FactStore interface {
	Query(ctx context.Context, userID string, filter *facts.Filter) ([]facts.Fact, error)
	UpsertExtracted(ctx context.Context, userID, assertedBy string, extracted []intelligence.ExtractedFact) (int, error)
}

// RelationshipStore is the relationship tracker.
type RelationshipStore interface {
	Current(ctx context.Context, userID, agentID string) (relationship.State, error)
	Trend(ctx context.Context, userID, agentID string, window time.Duration) (relationship.TrendSummary, error)
	ApplyDelta(ctx context.Context, userID, agentID, turnID string, d relationship.Delta) (relationship.State, bool, error)
	RecordQuality(ctx context.Context, userID, agentID, turnID string, value float64, at time.Time) (bool, error)
}

// InsightCache is the strategic insight cache.
type InsightCache interface {
	GetOrCompute(ctx context.Context, userID, agentID string, kinds []insight.Kind) map[insight.Kind]insight.Payload
	Invalidate(ctx context.Context, userID, agentID string, kinds ...insight.Kind) error
}

// FactExtractor extracts facts from the user's side of a turn.
type FactExtractor interface {
	Extract(ctx context.Context, text string) ([]intelligence.ExtractedFact, error)
}

// Deps are the long-lived collaborators of an Engine. Only Analyzer, Memory, Facts,
// Relationship and Insights are required.
type Deps struct {
	Analyzer     SignalAnalyzer
	Memory       MemoryStore
	Facts        FactStore
	Relationship RelationshipStore
	Insights     InsightCache

	// Personas defaults to a source that knows no agent, so every agent gets the default
	// persona.
	Personas persona.Source

	// Styles defaults to persona.NewRegistry().
	Styles *persona.Registry

	// Extractor defaults to rule-based extraction.
	Extractor FactExtractor

	// Assessor defaults to intelligence.NewTurnAssessor().
	Assessor *intelligence.TurnAssessor

	// Closers are closed by Engine.Close in reverse order.
	Closers []io.Closer
}

// EngineConfig holds the per-request settings of an Engine.
type EngineConfig struct {
	K            int
	FactLimit    int
	HistoryTurns int
	TrendWindow  time.Duration

	FetchTimeout   time.Duration
	PersistTimeout time.Duration

	Fusion fusion.Config
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.FactLimit <= 0 {
		c.FactLimit = DefaultFactLimit
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = relationship.DefaultConfig().TrendWindow
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	return c
}

// engineConfig extracts the request settings from a full configuration.
func (c *Config) engineConfig() EngineConfig {
	return EngineConfig{
		K:              c.Retrieval.K,
		FactLimit:      c.Retrieval.FactLimit,
		HistoryTurns:   c.Retrieval.HistoryTurns,
		TrendWindow:    c.Retrieval.TrendWindow,
		FetchTimeout:   c.Timeouts.Fetch,
		PersistTimeout: c.Timeouts.Persist,
		Fusion:         c.Fusion,
	}
}

// Request is one incoming user message.
type Request struct {
	UserID  string
	AgentID string
	Message string

	// History is the recent conversation, oldest first. Only the last turns are kept.
	History []fusion.Turn

	// Constraints are extra format rules for this reply.
	Constraints []string
}

// Response is the assembled context for one message.
type Response struct {
	Bundle *fusion.Bundle
	Signal signal.Signal

	// Degraded names the branches that fell back to defaults, sorted.
	Degraded []string
}

// Prompt renders the bundle.
func (r *Response) Prompt() string {
	return r.Bundle.Render()
}

// TurnInput is a completed exchange handed back after the reply was generated.
type TurnInput struct {
	// TurnID makes CompleteTurn idempotent. Empty ids get a fresh UUID.
	TurnID  string
	UserID  string
	AgentID string

	UserText string
	Reply    string

	// Signal is the signal returned by BuildContext for UserText. When nil it is recomputed.
	Signal *signal.Signal
}

// Engine runs the context pipeline for a companion agent.
//
// The engine is safe for concurrent use. BuildContext only reads the stores; CompleteTurn
// writes them in the background, one turn at a time per (user, agent) pair.
//
// Example usage:
//
//	engine, _ := core.NewEngine(core.DefaultConfig())
//	defer engine.Close()
//
//	resp, _ := engine.BuildContext(ctx, core.Request{UserID: "u1", AgentID: "mira", Message: msg})
//	reply := generate(resp.Prompt())
//	<-engine.CompleteTurn(ctx, core.TurnInput{UserID: "u1", AgentID: "mira", UserText: msg, Reply: reply, Signal: &resp.Signal})
type Engine struct {
	cfg  EngineConfig
	deps Deps

	orchestrator *persist.Orchestrator
	serializer   *persist.Serializer
	activity     *maintenance.ActivityLog
	scheduler    *maintenance.Scheduler

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	// submitMu orders the closed check and wg.Add of CompleteTurn against Close and Wait.
	submitMu  sync.Mutex
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewEngineWithDeps creates an engine over explicitly constructed stores.
//
// Parameters:
//   - cfg: Timeouts, budgets and the trend window; zero fields take defaults
//   - deps: Stores and providers; the analyzer, Memory, Facts, Relationship and Insights are required
//   - opts: Optional logger, clock, metrics and tracer overrides
//
// Returns the engine, or an error wrapping ErrInvalidConfig when a required store is nil.
func NewEngineWithDeps(cfg EngineConfig, deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, NewEngineError("NewEngineWithDeps", fmt.Errorf("%w: signal analyzer is required", ErrInvalidConfig))
	case deps.Memory == nil:
		return nil, NewEngineError("NewEngineWithDeps", fmt.Errorf("%w: memory store is required", ErrInvalidConfig))
	case deps.Facts == nil:
		return nil, NewEngineError("NewEngineWithDeps", fmt.Errorf("%w: fact store is required", ErrInvalidConfig))
	case deps.Relationship == nil:
		return nil, NewEngineError("NewEngineWithDeps", fmt.Errorf("%w: relationship store is required", ErrInvalidConfig))
	case deps.Insights == nil:
		return nil, NewEngineError("NewEngineWithDeps", fmt.Errorf("%w: insight cache is required", ErrInvalidConfig))
	}
	if deps.Personas == nil {
		deps.Personas = persona.NewStaticSource()
	}
	if deps.Styles == nil {
		deps.Styles = persona.NewRegistry()
	}
	if deps.Extractor == nil {
		deps.Extractor = intelligence.NewFactExtractor(nil)
	}
	if deps.Assessor == nil {
		deps.Assessor = intelligence.NewTurnAssessor()
	}

	e := &Engine{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		serializer: persist.NewSerializer(),
		activity:   maintenance.NewActivityLog(0),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics()
	}
	if e.tracer == nil {
		e.tracer = observability.NewTracer(observability.TraceConfig{})
	}

	e.orchestrator = persist.NewOrchestrator(persist.Writers{
		Memory:       meteredMemory{MemoryStore: deps.Memory, metrics: e.metrics},
		Facts:        deps.Facts,
		Relationship: deps.Relationship,
		Insights:     deps.Insights,
	}, persist.WithLogger(e.logger), persist.WithObserver(e.metrics))
	return e, nil
}

// meteredMemory counts inserted and deduplicated memory writes.
type meteredMemory struct {
	MemoryStore
	metrics *observability.Metrics
}

func (m meteredMemory) Put(ctx context.Context, entry memory.Entry) (memory.PutResult, error) {
	res, err := m.MemoryStore.Put(ctx, entry)
	if err == nil {
		m.metrics.ObserveMemoryWrite(res.Inserted)
	}
	return res, err
}

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *observability.Metrics {
	return e.metrics
}

// Activity returns the log of recently active (user, agent) pairs.
func (e *Engine) Activity() *maintenance.ActivityLog {
	return e.activity
}

// Scheduler returns the maintenance scheduler, or nil when maintenance is disabled.
func (e *Engine) Scheduler() *maintenance.Scheduler {
	return e.scheduler
}

func (r Request) validate() error {
	const op = "BuildContext"
	if strings.TrimSpace(r.UserID) == "" {
		return validationError(op, "user id is required")
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return validationError(op, "agent id is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return validationError(op, "message is empty")
	}
	if !utf8.ValidString(r.Message) {
		return validationError(op, "message is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(r.Message); n > MaxMessageRunes {
		return validationError(op, "message has %d characters, limit is %d", n, MaxMessageRunes)
	}
	return nil
}

// BuildContext assembles the context bundle for one message.
//
// Only an invalid request returns an error. A store that fails or misses the fetch deadline
// contributes its default instead and is named in Response.Degraded.
func (e *Engine) BuildContext(ctx context.Context, req Request) (*Response, error) {
	if e.closed.Load() {
		return nil, NewEngineError("BuildContext", ErrClosed)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "BuildContext",
		attribute.String("user_id", req.UserID),
		attribute.String("agent_id", req.AgentID),
	)
	defer span.End()

	sig := e.deps.Analyzer.Analyze(ctx, req.Message)
	f := e.fetch(ctx, req, sig)
	if sig.Degraded {
		f.degraded = append(f.degraded, BranchSignal)
	}

	styleInsight := ""
	if p, ok := f.insights[insight.ConversationalStyle]; ok {
		styleInsight = p.Summary
	}
	styleLines := e.deps.Styles.Format(persona.StyleInput{
		Persona: f.persona,
		Insight: styleInsight,
		Signal:  sig,
	})

	history := req.History
	if len(history) > e.cfg.HistoryTurns {
		history = history[len(history)-e.cfg.HistoryTurns:]
	}

	bundle := fusion.Assemble(fusion.Input{
		UserID:       req.UserID,
		AgentID:      req.AgentID,
		Message:      req.Message,
		Persona:      f.persona,
		Constraints:  req.Constraints,
		Facts:        f.facts,
		Memories:     f.memories,
		History:      history,
		Relationship: f.state,
		Trend:        f.trend,
		Insights:     f.insights,
		Signal:       sig,
		StyleLines:   styleLines,
		Degraded:     f.degraded,
	}, e.cfg.Fusion)

	e.activity.Touch(req.UserID, req.AgentID)
	e.metrics.ObserveBuild(time.Since(start), bundle.TotalTokens, bundle.Degraded)
	span.SetAttributes(
		attribute.Int("bundle.tokens", bundle.TotalTokens),
		attribute.StringSlice("degraded", bundle.Degraded),
	)
	if len(bundle.Degraded) > 0 {
		e.logger.Warn("context built with defaults",
			"user_id", req.UserID, "agent_id", req.AgentID, "degraded", bundle.Degraded)
	}

	return &Response{Bundle: bundle, Signal: sig, Degraded: bundle.Degraded}, nil
}

// fetched is the joined result of the store fan-out. Branches that did not finish in time
// keep the defaults set by newFetched.
type fetched struct {
	persona  persona.Persona
	memories []memory.Memory
	facts    []facts.Fact
	state    *relationship.State
	trend    *relationship.TrendSummary
	insights map[insight.Kind]insight.Payload
	degraded []string
}

// fetchState guards a fetched value while branches may still be writing to it.
type fetchState struct {
	mu     sync.Mutex
	f      fetched
	done   map[string]bool
	sealed bool
}

func (s *fetchState) finish(branch string, ok bool, set func(f *fetched)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	if set != nil {
		set(&s.f)
	}
	s.done[branch] = true
	if !ok {
		s.f.degraded = append(s.f.degraded, branch)
	}
}

// seal stops further writes and returns the result, with unfinished branches degraded.
func (s *fetchState) seal(branches []string) fetched {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	out := s.f
	out.degraded = append([]string(nil), s.f.degraded...)
	for _, b := range branches {
		if !s.done[b] {
			out.degraded = append(out.degraded, b)
		}
	}
	return out
}

// fetch queries every store concurrently and waits at most FetchTimeout for them.
func (e *Engine) fetch(ctx context.Context, req Request, sig signal.Signal) fetched {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	state := &fetchState{
		f:    fetched{persona: persona.Persona{AgentID: req.AgentID}},
		done: make(map[string]bool),
	}
	branches := []string{BranchPersona, BranchMemory, BranchFacts, BranchRelationship, BranchInsights}

	var g errgroup.Group
	g.Go(func() error {
		p, err := e.deps.Personas.Persona(ctx, req.AgentID)
		switch {
		case err == nil:
			state.finish(BranchPersona, true, func(f *fetched) { f.persona = p })
		case errors.Is(err, persona.ErrUnknownPersona):
			state.finish(BranchPersona, true, nil)
		default:
			e.branchFailed(BranchPersona, err)
			state.finish(BranchPersona, false, nil)
		}
		return nil
	})
	g.Go(func() error {
		ctx, span := e.tracer.Start(ctx, "fetch.memory")
		defer span.End()
		res := e.deps.Memory.Retrieve(ctx, memory.Query{
			UserID:  req.UserID,
			AgentID: req.AgentID,
			Text:    req.Message,
			Signal:  sig,
			K:       e.cfg.K,
		})
		if res.Degraded {
			observability.RecordError(span, res.Err)
			e.branchFailed(BranchMemory, res.Err)
		}
		state.finish(BranchMemory, !res.Degraded, func(f *fetched) { f.memories = res.Memories })
		return nil
	})
	g.Go(func() error {
		ctx, span := e.tracer.Start(ctx, "fetch.facts")
		defer span.End()
		got, err := e.deps.Facts.Query(ctx, req.UserID, &facts.Filter{Limit: e.cfg.FactLimit})
		if err != nil {
			observability.RecordError(span, err)
			e.branchFailed(BranchFacts, err)
			state.finish(BranchFacts, false, nil)
			return nil
		}
		state.finish(BranchFacts, true, func(f *fetched) { f.facts = got })
		return nil
	})
	g.Go(func() error {
		ctx, span := e.tracer.Start(ctx, "fetch.relationship")
		defer span.End()
		current, err := e.deps.Relationship.Current(ctx, req.UserID, req.AgentID)
		if err != nil {
			observability.RecordError(span, err)
			e.branchFailed(BranchRelationship, err)
			state.finish(BranchRelationship, false, nil)
			return nil
		}
		trend, err := e.deps.Relationship.Trend(ctx, req.UserID, req.AgentID, e.cfg.TrendWindow)
		if err != nil {
			observability.RecordError(span, err)
			e.branchFailed(BranchRelationship, err)
		}
		state.finish(BranchRelationship, true, func(f *fetched) {
			f.state = &current
			if err == nil {
				f.trend = &trend
			}
		})
		return nil
	})
	g.Go(func() error {
		ctx, span := e.tracer.Start(ctx, "fetch.insights")
		defer span.End()
		got := e.deps.Insights.GetOrCompute(ctx, req.UserID, req.AgentID, insight.AllKinds())
		state.finish(BranchInsights, true, func(f *fetched) { f.insights = got })
		return nil
	})

	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		e.logger.Warn("store fan-out missed its deadline", "user_id", req.UserID, "agent_id", req.AgentID,
			"timeout", e.cfg.FetchTimeout)
	}

	f := state.seal(branches)
	if f.insights == nil {
		f.insights = make(map[insight.Kind]insight.Payload, len(insight.AllKinds()))
		for _, k := range insight.AllKinds() {
			f.insights[k] = insight.DefaultPayload(k)
		}
	}
	return f
}

func (e *Engine) branchFailed(branch string, err error) {
	e.logger.Warn("fetch branch degraded", "branch", branch, "error", Classify(err))
}

// CompleteTurn persists a completed exchange in the background and returns a channel that
// receives the report once. Turns of the same (user, agent) pair are persisted in
// submission order. Cancelling ctx does not cancel persistence, which runs under its own
// PersistTimeout.
func (e *Engine) CompleteTurn(ctx context.Context, in TurnInput) <-chan persist.Report {
	out := make(chan persist.Report, 1)
	turnID := in.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	at := e.now()

	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.AgentID) == "" {
		out <- e.rejected(turnID, in, validationError("CompleteTurn", "user id and agent id are required"))
		close(out)
		return out
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if e.closed.Load() {
		out <- e.rejected(turnID, in, ErrClosed)
		close(out)
		return out
	}

	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	job := func() {
		defer e.wg.Done()
		defer close(out)
		out <- e.persistTurn(detached, turnID, at, in)
	}
	if err := e.serializer.Submit(pairKey(in.UserID, in.AgentID), job); err != nil {
		e.wg.Done()
		out <- e.rejected(turnID, in, err)
		close(out)
	}
	return out
}

func (e *Engine) persistTurn(ctx context.Context, turnID string, at time.Time, in TurnInput) persist.Report {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PersistTimeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "Persist",
		attribute.String("user_id", in.UserID),
		attribute.String("agent_id", in.AgentID),
		attribute.String("turn_id", turnID),
	)
	defer span.End()

	var sig signal.Signal
	if in.Signal != nil {
		sig = *in.Signal
	} else {
		sig = e.deps.Analyzer.Analyze(ctx, in.UserText)
	}

	extracted, err := e.deps.Extractor.Extract(ctx, in.UserText)
	if err != nil {
		e.logger.Warn("fact extraction failed", "turn_id", turnID, "error", err)
		extracted = intelligence.ExtractFactsByRules(in.UserText)
	}
	assessment := e.deps.Assessor.Assess(in.UserText, in.Reply, sig)

	report := e.orchestrator.Persist(ctx, persist.Input{
		Turn: persist.Turn{
			ID:       turnID,
			UserID:   in.UserID,
			AgentID:  in.AgentID,
			UserText: in.UserText,
			Reply:    in.Reply,
			At:       at,
		},
		Signal: sig,
		Facts:  extracted,
		Delta: relationship.Delta{
			Trust:      assessment.Trust,
			Affection:  assessment.Affection,
			Attunement: assessment.Attunement,
		},
		Quality: assessment.Quality,
	})

	for _, o := range report.Failed() {
		e.logger.Error("turn persistence failed", "turn_id", turnID, "target", o.Target,
			"error", NewEngineError("CompleteTurn", errors.Join(ErrWriteFailure, errors.New(o.Err))))
		span.SetAttributes(attribute.Bool("persist."+o.Target+".failed", true))
	}
	return report
}

// rejected reports a turn that could not be scheduled.
func (e *Engine) rejected(turnID string, in TurnInput, err error) persist.Report {
	e.logger.Error("turn rejected", "turn_id", turnID, "error", err)
	report := persist.Report{TurnID: turnID, UserID: in.UserID, AgentID: in.AgentID}
	for _, target := range persist.Targets {
		report.Outcomes = append(report.Outcomes, persist.Outcome{Target: target, Err: err.Error()})
	}
	return report
}

func pairKey(userID, agentID string) string {
	return userID + "\x00" + agentID
}

// Relationship returns the current state of a pair and its trend over window. A
// non-positive window uses the configured trend window.
func (e *Engine) Relationship(ctx context.Context, userID, agentID string, window time.Duration) (relationship.State, relationship.TrendSummary, error) {
	if window <= 0 {
		window = e.cfg.TrendWindow
	}
	state, err := e.deps.Relationship.Current(ctx, userID, agentID)
	if err != nil {
		return relationship.State{}, relationship.TrendSummary{}, NewEngineError("Relationship", Classify(err))
	}
	trend, err := e.deps.Relationship.Trend(ctx, userID, agentID, window)
	if err != nil {
		return state, relationship.TrendSummary{}, NewEngineError("Relationship", Classify(err))
	}
	return state, trend, nil
}

// Wait blocks until every persistence task submitted so far has finished. CompleteTurn
// calls made meanwhile block until Wait returns.
func (e *Engine) Wait() {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	e.wg.Wait()
}

// Close stops maintenance, waits for pending persistence and releases the stores.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.submitMu.Lock()
		e.closed.Store(true)
		e.submitMu.Unlock()

		if e.scheduler != nil {
			e.scheduler.Stop()
		}
		e.serializer.Close()
		e.wg.Wait()

		var errs []error
		for i := len(e.deps.Closers) - 1; i >= 0; i-- {
			if err := e.deps.Closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = NewEngineError("Close", errors.Join(errs...))
	})
	return e.closeErr
}
