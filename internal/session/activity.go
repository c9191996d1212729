package session

import (
	"sync"
	"time"
)

// activityTracker keeps a process-local last-activity marker per session so
// the high-frequency paths (cursor moves, applied updates) never touch the
// durable store. The reaper consults it before ending a session.
type activityTracker struct {
	mu     sync.RWMutex
	lastAt map[string]time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{lastAt: make(map[string]time.Time)}
}

func (t *activityTracker) touch(sessionID string, at time.Time) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	t.lastAt[sessionID] = at
	t.mu.Unlock()
}

func (t *activityTracker) last(sessionID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.lastAt[sessionID]
	return at, ok
}

func (t *activityTracker) forget(sessionID string) {
	t.mu.Lock()
	delete(t.lastAt, sessionID)
	t.mu.Unlock()
}
