// Package ristretto provides an in-memory insight.EntryStore on dgraph-io/ristretto.
//
// Entries are admitted with a TTL equal to their staleness window, so the cache evicts them
// about when they would stop being usable anyway. Admission is probabilistic: a Put may be
// dropped under pressure, which the insight cache treats as a later miss.
package ristretto

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/oceanbase/powerfuse-go/pkg/insight"
)

// Config sizes the cache.
type Config struct {
	// MaxEntries bounds the number of cached entries (default 100000).
	MaxEntries int64
}

// Store implements insight.EntryStore in memory.
type Store struct {
	cache *ristretto.Cache
}

// NewStore creates an in-memory store.
func NewStore(cfg *Config) (*Store, error) {
	maxEntries := int64(100_000)
	if cfg != nil && cfg.MaxEntries > 0 {
		maxEntries = cfg.MaxEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	return &Store{cache: cache}, nil
}

func key(userID, agentID string, kind insight.Kind) string {
	return userID + "\x00" + agentID + "\x00" + string(kind)
}

// Get returns a copy of the cached entry, or insight.ErrNotFound.
func (s *Store) Get(_ context.Context, userID, agentID string, kind insight.Kind) (*insight.Entry, error) {
	v, ok := s.cache.Get(key(userID, agentID, kind))
	if !ok {
		return nil, insight.ErrNotFound
	}
	e, ok := v.(insight.Entry)
	if !ok {
		return nil, insight.ErrNotFound
	}
	return &e, nil
}

// Put replaces the cached entry. It waits for the write buffer so a following Get observes it.
func (s *Store) Put(_ context.Context, e *insight.Entry) error {
	s.cache.SetWithTTL(key(e.UserID, e.AgentID, e.Kind), *e, 1, e.StaleAfter)
	s.cache.Wait()
	return nil
}

// Delete removes the entries of the given kinds.
func (s *Store) Delete(_ context.Context, userID, agentID string, kinds ...insight.Kind) error {
	for _, k := range kinds {
		s.cache.Del(key(userID, agentID, k))
	}
	return nil
}

// Close releases the cache.
func (s *Store) Close() error {
	s.cache.Close()
	return nil
}
