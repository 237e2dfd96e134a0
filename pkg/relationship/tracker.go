// Package relationship tracks the bounded trust, affection and attunement scores of each
// (user, agent) pair, and the per-turn quality metric used for trend classification.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Depth is the coarse relationship bucket derived from the mean score.
type Depth string

const (
	DepthStranger     Depth = "stranger"
	DepthAcquaintance Depth = "acquaintance"
	DepthFriend       Depth = "friend"
	DepthClose        Depth = "close"
	DepthIntimate     Depth = "intimate"
)

// DepthFor maps a mean score in [0,1] onto its bucket.
func DepthFor(mean float64) Depth {
	switch {
	case mean < 0.3:
		return DepthStranger
	case mean < 0.55:
		return DepthAcquaintance
	case mean < 0.7:
		return DepthFriend
	case mean < 0.85:
		return DepthClose
	default:
		return DepthIntimate
	}
}

// DefaultScore is the starting value of every score.
const DefaultScore = 0.5

// State is the relationship state of a (user, agent) pair.
type State struct {
	UserID  string
	AgentID string

	Trust      float64
	Affection  float64
	Attunement float64

	InteractionCount int
	LastInteraction  time.Time
}

// DefaultState is the state of a pair that has never interacted.
func DefaultState(userID, agentID string) State {
	return State{
		UserID:     userID,
		AgentID:    agentID,
		Trust:      DefaultScore,
		Affection:  DefaultScore,
		Attunement: DefaultScore,
	}
}

// Mean is the average of the three scores.
func (s State) Mean() float64 {
	return (s.Trust + s.Affection + s.Attunement) / 3
}

// Depth is the bucket of the mean score.
func (s State) Depth() Depth {
	return DepthFor(s.Mean())
}

// Delta is a per-turn change of the three scores.
type Delta struct {
	Trust      float64
	Affection  float64
	Attunement float64
}

// Direction is a trend classification.
type Direction string

const (
	Improving Direction = "improving"
	Declining Direction = "declining"
	Stable    Direction = "stable"
)

// Point is one quality measurement.
type Point struct {
	At    time.Time
	Value float64
}

// TrendSummary classifies the quality points of a window.
type TrendSummary struct {
	Direction Direction

	// Slope is the least-squares slope per turn.
	Slope float64

	// Mean is the average quality over the window.
	Mean float64

	Points int

	// Insufficient is set when there were too few points to estimate a direction.
	Insufficient bool
}

// Backend persists relationship state and quality points.
type Backend interface {
	// Load returns the stored state, or ok=false when the pair has no row.
	Load(ctx context.Context, userID, agentID string) (state State, ok bool, err error)

	// Apply runs update on the current state (the default state when missing) and stores
	// the result atomically. A non-empty turnID that was already applied leaves the state
	// untouched and returns applied=false.
	Apply(ctx context.Context, userID, agentID, turnID string, update func(State) State) (state State, applied bool, err error)

	// AddPoint stores a quality point once per non-empty turnID.
	AddPoint(ctx context.Context, userID, agentID, turnID string, p Point) (added bool, err error)

	// Points returns the pair's points at or after since, oldest first.
	Points(ctx context.Context, userID, agentID string, since time.Time) ([]Point, error)

	Close() error
}

// Config tunes the tracker.
type Config struct {
	// MaxDelta bounds each component of a delta (default 0.05).
	MaxDelta float64 `json:"max_delta"`

	// MinTrendPoints is the minimum number of points for a trend estimate (default 3).
	MinTrendPoints int `json:"min_trend_points"`

	// TrendEpsilon is the slope magnitude below which a trend is stable (default 0.01).
	TrendEpsilon float64 `json:"trend_epsilon"`

	// TrendWindow is the default window of Trend (default 14 days).
	TrendWindow time.Duration `json:"trend_window"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxDelta:       0.05,
		MinTrendPoints: 3,
		TrendEpsilon:   0.01,
		TrendWindow:    14 * 24 * time.Hour,
	}
}

// ErrInvalidScope is returned when the user or agent id is empty.
var ErrInvalidScope = errors.New("relationship requires user id and agent id")

// Tracker is the relationship & trend store.
type Tracker struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a Tracker. Zero config fields take their defaults.
func NewTracker(backend Backend, cfg Config, opts ...Option) *Tracker {
	d := DefaultConfig()
	if cfg.MaxDelta <= 0 {
		cfg.MaxDelta = d.MaxDelta
	}
	if cfg.MinTrendPoints <= 0 {
		cfg.MinTrendPoints = d.MinTrendPoints
	}
	if cfg.TrendEpsilon <= 0 {
		cfg.TrendEpsilon = d.TrendEpsilon
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = d.TrendWindow
	}

	t := &Tracker{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Current returns the pair's state, or the default state when it has none.
func (t *Tracker) Current(ctx context.Context, userID, agentID string) (State, error) {
	if userID == "" || agentID == "" {
		return State{}, ErrInvalidScope
	}
	s, ok, err := t.backend.Load(ctx, userID, agentID)
	if err != nil {
		return State{}, fmt.Errorf("Current: %w", err)
	}
	if !ok {
		return DefaultState(userID, agentID), nil
	}
	return s, nil
}

// ApplyDelta bounds each component to ±MaxDelta, adds it and clamps the score to [0,1].
// It is idempotent per non-empty turnID: a repeated turn returns applied=false.
func (t *Tracker) ApplyDelta(ctx context.Context, userID, agentID, turnID string, d Delta) (State, bool, error) {
	if userID == "" || agentID == "" {
		return State{}, false, ErrInvalidScope
	}
	at := t.now().UTC()
	d = t.bound(d)

	state, applied, err := t.backend.Apply(ctx, userID, agentID, turnID, func(s State) State {
		s.Trust = clamp01(s.Trust + d.Trust)
		s.Affection = clamp01(s.Affection + d.Affection)
		s.Attunement = clamp01(s.Attunement + d.Attunement)
		s.InteractionCount++
		s.LastInteraction = at
		return s
	})
	if err != nil {
		return State{}, false, fmt.Errorf("ApplyDelta: %w", err)
	}
	if !applied {
		t.logger.Debug("relationship delta already applied", "user_id", userID, "agent_id", agentID, "turn_id", turnID)
	}
	return state, applied, nil
}

// RecordQuality stores the quality of one turn, clamped to [0,1]. Idempotent per turnID.
func (t *Tracker) RecordQuality(ctx context.Context, userID, agentID, turnID string, value float64, at time.Time) (bool, error) {
	if userID == "" || agentID == "" {
		return false, ErrInvalidScope
	}
	if at.IsZero() {
		at = t.now()
	}
	added, err := t.backend.AddPoint(ctx, userID, agentID, turnID, Point{At: at.UTC(), Value: clamp01(value)})
	if err != nil {
		return false, fmt.Errorf("RecordQuality: %w", err)
	}
	return added, nil
}

// Trend classifies the quality points of the last window (TrendWindow when window ≤ 0).
// Fewer than MinTrendPoints points yield Stable with Insufficient set.
func (t *Tracker) Trend(ctx context.Context, userID, agentID string, window time.Duration) (TrendSummary, error) {
	if userID == "" || agentID == "" {
		return TrendSummary{}, ErrInvalidScope
	}
	if window <= 0 {
		window = t.cfg.TrendWindow
	}
	points, err := t.backend.Points(ctx, userID, agentID, t.now().Add(-window))
	if err != nil {
		return TrendSummary{}, fmt.Errorf("Trend: %w", err)
	}
	return Classify(points, t.cfg.MinTrendPoints, t.cfg.TrendEpsilon), nil
}

// Classify fits a least-squares line through the values in order and classifies its slope.
func Classify(points []Point, minPoints int, epsilon float64) TrendSummary {
	summary := TrendSummary{Direction: Stable, Points: len(points)}
	if len(points) == 0 {
		summary.Insufficient = true
		return summary
	}

	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	summary.Mean = sumY / n

	if len(points) < minPoints {
		summary.Insufficient = true
		return summary
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return summary
	}
	summary.Slope = (n*sumXY - sumX*sumY) / denom

	switch {
	case summary.Slope > epsilon:
		summary.Direction = Improving
	case summary.Slope < -epsilon:
		summary.Direction = Declining
	}
	return summary
}

// Close closes the backend.
func (t *Tracker) Close() error {
	return t.backend.Close()
}

func (t *Tracker) bound(d Delta) Delta {
	m := t.cfg.MaxDelta
	return Delta{
		Trust:      boundAbs(d.Trust, m),
		Affection:  boundAbs(d.Affection, m),
		Attunement: boundAbs(d.Attunement, m),
	}
}

func boundAbs(v, m float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-m, math.Min(m, v))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
