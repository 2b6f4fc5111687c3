package service

import (
	"sync"
	"time"
)

// PollTracker bounds concurrent long-polls per runner. Entries live as long as
// the service; idle entries are swept on access once their window expires.
type PollTracker struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[int64]*pollEntry
}

type pollEntry struct {
	inFlight int
	lastSeen time.Time
}

func NewPollTracker(limit int, window time.Duration) *PollTracker {
	return &PollTracker{
		limit:   limit,
		window:  window,
		entries: make(map[int64]*pollEntry),
	}
}

// Acquire reserves a poll slot for runnerID. The returned release must be
// called exactly once when ok is true.
func (t *PollTracker) Acquire(runnerID int64, now time.Time) (release func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweep(now)

	e := t.entries[runnerID]
	if e == nil {
		e = &pollEntry{}
		t.entries[runnerID] = e
	}
	e.lastSeen = now

	if t.limit > 0 && e.inFlight >= t.limit {
		return nil, false
	}
	e.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			e.inFlight--
		})
	}, true
}

// Len reports the number of tracked runners
func (t *PollTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *PollTracker) sweep(now time.Time) {
	for id, e := range t.entries {
		if e.inFlight == 0 && now.Sub(e.lastSeen) > t.window {
			delete(t.entries, id)
		}
	}
}
