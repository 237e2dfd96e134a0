package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Observation outcomes reported to an Observer.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeDefault = "default"
)

// Observer receives one outcome per requested kind.
type Observer interface {
	ObserveInsight(kind, outcome string)
}

// Config tunes the cache.
type Config struct {
	// Deadline bounds one GetOrCompute call, reads and recomputation included (default 250ms).
	Deadline time.Duration `json:"deadline"`

	// Staleness overrides the staleness window per kind.
	Staleness map[Kind]time.Duration `json:"staleness,omitempty"`
}

// DefaultDeadline is the GetOrCompute deadline when none is configured.
const DefaultDeadline = 250 * time.Millisecond

// Cache is the strategic insight cache.
type Cache struct {
	store     EntryStore
	computers map[Kind]Computer
	cfg       Config
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver reports hit/miss/default outcomes, e.g. to metrics.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache creates a Cache. Kinds without a computer always resolve to their default.
func NewCache(store EntryStore, computers map[Kind]Computer, cfg Config, opts ...Option) *Cache {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	c := &Cache{
		store:     store,
		computers: computers,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) staleness(k Kind) time.Duration {
	if d, ok := c.cfg.Staleness[k]; ok && d > 0 {
		return d
	}
	return DefaultStaleness(k)
}

// GetOrCompute returns a payload for every requested kind (every kind when none are given).
//
// Fresh entries are used as stored. Missing or stale kinds are recomputed concurrently under
// one shared deadline and written back. A kind that fails or misses the deadline resolves to
// its default payload; it never delays the others beyond the deadline.
func (c *Cache) GetOrCompute(ctx context.Context, userID, agentID string, kinds []Kind) map[Kind]Payload {
	if len(kinds) == 0 {
		kinds = AllKinds()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	var (
		mu       sync.Mutex
		resolved = make(map[Kind]Payload, len(kinds))
		outcomes = make(map[Kind]string, len(kinds))
	)

	var g errgroup.Group
	for _, k := range kinds {
		if !k.Valid() {
			continue
		}
		k := k
		g.Go(func() error {
			p, outcome, err := c.resolve(ctx, userID, agentID, k)
			if err != nil {
				c.logger.Debug("insight unavailable", "kind", k, "user_id", userID, "agent_id", agentID, "error", err)
				return nil
			}
			mu.Lock()
			resolved[k] = p
			outcomes[k] = outcome
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[Kind]Payload, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			continue
		}
		p, ok := resolved[k]
		outcome := outcomes[k]
		if !ok {
			p, outcome = DefaultPayload(k), OutcomeDefault
		}
		out[k] = p
		if c.observer != nil {
			c.observer.ObserveInsight(string(k), outcome)
		}
	}
	return out
}

func (c *Cache) resolve(ctx context.Context, userID, agentID string, k Kind) (Payload, string, error) {
	e, err := c.store.Get(ctx, userID, agentID, k)
	switch {
	case err == nil && e.Fresh(c.now()):
		return e.Payload, OutcomeHit, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		c.logger.Debug("insight read failed", "kind", k, "error", err)
	}

	p, err := c.compute(ctx, userID, agentID, k)
	if err != nil {
		return Payload{}, "", err
	}
	return p, OutcomeMiss, nil
}

func (c *Cache) compute(ctx context.Context, userID, agentID string, k Kind) (Payload, error) {
	computer, ok := c.computers[k]
	if !ok {
		return Payload{}, fmt.Errorf("no computer for %s", k)
	}
	computedAt := c.now()
	p, err := computer.Compute(ctx, userID, agentID)
	if err != nil {
		return Payload{}, err
	}
	p.Kind = k
	p.Default = false

	err = c.store.Put(ctx, &Entry{
		UserID:     userID,
		AgentID:    agentID,
		Kind:       k,
		Payload:    p,
		ComputedAt: computedAt,
		StaleAfter: c.staleness(k),
	})
	if err != nil {
		c.logger.Warn("insight write failed", "kind", k, "user_id", userID, "agent_id", agentID, "error", err)
	}
	return p, nil
}

// Refresh recomputes and stores the given kinds (every kind when none are given) regardless
// of freshness, without a deadline beyond ctx. Background pre-warming uses it.
func (c *Cache) Refresh(ctx context.Context, userID, agentID string, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = AllKinds()
	}
	var errs []error
	for _, k := range kinds {
		if _, err := c.compute(ctx, userID, agentID, k); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops the given kinds (every kind when none are given) so the next read
// recomputes them.
func (c *Cache) Invalidate(ctx context.Context, userID, agentID string, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = AllKinds()
	}
	if err := c.store.Delete(ctx, userID, agentID, kinds...); err != nil {
		return fmt.Errorf("Invalidate: %w", err)
	}
	return nil
}

// Close closes the entry store.
func (c *Cache) Close() error {
	return c.store.Close()
}
