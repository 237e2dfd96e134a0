package maintenance

import (
	"sort"
	"sync"
	"time"

	"github.com/oceanbase/powerfuse-go/pkg/storage"
)

// DefaultActivityCapacity bounds an ActivityLog created with a non-positive capacity.
const DefaultActivityCapacity = 10000

// ActivityLog remembers which (user, agent) pairs were active recently, so background jobs
// can pre-warm only the conversations that are likely to continue.
type ActivityLog struct {
	mu       sync.Mutex
	seen     map[storage.Scope]time.Time
	capacity int
	now      func() time.Time
}

// NewActivityLog creates a log holding at most capacity pairs. When full, the least recently
// active pair is forgotten.
func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultActivityCapacity
	}
	return &ActivityLog{
		seen:     make(map[storage.Scope]time.Time),
		capacity: capacity,
		now:      time.Now,
	}
}

// Touch records activity for the pair.
func (l *ActivityLog) Touch(userID, agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scope := storage.Scope{UserID: userID, AgentID: agentID}
	if _, ok := l.seen[scope]; !ok && len(l.seen) >= l.capacity {
		l.evictOldest()
	}
	l.seen[scope] = l.now()
}

func (l *ActivityLog) evictOldest() {
	var oldest storage.Scope
	var at time.Time
	first := true
	for s, t := range l.seen {
		if first || t.Before(at) {
			oldest, at, first = s, t, false
		}
	}
	delete(l.seen, oldest)
}

// Active returns the pairs active within the window, most recent first.
func (l *ActivityLog) Active(window time.Duration) []storage.Scope {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	type entry struct {
		scope storage.Scope
		at    time.Time
	}
	var entries []entry
	for s, t := range l.seen {
		if !t.Before(cutoff) {
			entries = append(entries, entry{s, t})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.After(entries[j].at)
		}
		return entries[i].scope.Key() < entries[j].scope.Key()
	})

	out := make([]storage.Scope, len(entries))
	for i, e := range entries {
		out[i] = e.scope
	}
	return out
}

// Len returns the number of remembered pairs.
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
