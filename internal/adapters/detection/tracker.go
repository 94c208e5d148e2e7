// Package detection implements the counting side of the decision engine.
//
// This package provides the per-identity sliding window (FailureTracker), the
// cross-identity aggregation (Correlator) and the whitelist. None of the types
// here lock: the monitor's decision loop is their single writer, and readers
// only ever see copies it produces.
//
// Memory Management:
//   - LRU eviction once MaxIdentities is reached
//   - Lazy collection of idle identities on every recorded failure
//   - Periodic Sweep for identities that go quiet entirely
package detection

import (
	"container/list"
	"time"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultIdleTTL       = 10 * time.Minute
	DefaultMaxIdentities = 100000

	// lazyCollectBudget bounds how many idle identities a single
	// RecordFailure call may collect.
	lazyCollectBudget = 2
)

// TrackerConfig holds FailureTracker settings.
type TrackerConfig struct {
	Window        time.Duration
	IdleTTL       time.Duration
	MaxIdentities int

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Window:        DefaultWindow,
		IdleTTL:       DefaultIdleTTL,
		MaxIdentities: DefaultMaxIdentities,
	}
}

// failureWindow is the ordered failure history of one identity. Stamps before
// head have been evicted and are reclaimed on compaction.
type failureWindow struct {
	identity string
	stamps   []time.Time
	head     int
	last     time.Time
	elem     *list.Element
}

func (w *failureWindow) count() int {
	return len(w.stamps) - w.head
}

// evict drops every stamp strictly older than cutoff.
//
// Complexity: amortized O(1) per recorded failure
func (w *failureWindow) evict(cutoff time.Time) {
	for w.head < len(w.stamps) && w.stamps[w.head].Before(cutoff) {
		w.head++
	}
	switch {
	case w.head == len(w.stamps):
		w.stamps = w.stamps[:0]
		w.head = 0
	case w.head > 32 && w.head*2 >= len(w.stamps):
		n := copy(w.stamps, w.stamps[w.head:])
		w.stamps = w.stamps[:n]
		w.head = 0
	}
}

// FailureTracker counts authentication failures per identity over a trailing
// window.
//
// Invariant: every retained stamp of an identity lies within Window of that
// identity's most recent failure, so the count is the window length.
//
// Thread Safety: NOT thread-safe. Owned by the monitor's decision loop.
type FailureTracker struct {
	window        time.Duration
	idleTTL       time.Duration
	maxIdentities int
	now           func() time.Time

	windows map[string]*failureWindow
	lru     *list.List // front is most recently active
}

// NewFailureTracker creates a tracker, filling zero config values with
// defaults.
func NewFailureTracker(cfg TrackerConfig) *FailureTracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.IdleTTL < cfg.Window {
		cfg.IdleTTL = cfg.Window
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = DefaultMaxIdentities
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &FailureTracker{
		window:        cfg.Window,
		idleTTL:       cfg.IdleTTL,
		maxIdentities: cfg.MaxIdentities,
		now:           cfg.Clock,
		windows:       make(map[string]*failureWindow),
		lru:           list.New(),
	}
}

// RecordFailure appends one failure for identity and returns the number of
// failures inside the window that ends at ts.
//
// Parameters:
//   - identity: Canonical identity (already normalized)
//   - ts: Event time. Future stamps are clamped to the clock; stamps older
//     than the identity's last failure are clamped forward to it.
//
// Returns:
//   - Count of retained failures, including this one
func (t *FailureTracker) RecordFailure(identity string, ts time.Time) int {
	if now := t.now(); ts.After(now) {
		ts = now
	}

	w, ok := t.windows[identity]
	if !ok {
		w = t.insert(identity)
	} else {
		t.lru.MoveToFront(w.elem)
		if ts.Before(w.last) {
			ts = w.last
		}
	}

	w.evict(ts.Add(-t.window))
	w.stamps = append(w.stamps, ts)
	w.last = ts

	t.collectIdle(ts, lazyCollectBudget)
	return w.count()
}

func (t *FailureTracker) insert(identity string) *failureWindow {
	for len(t.windows) >= t.maxIdentities {
		t.removeElement(t.lru.Back())
	}
	w := &failureWindow{identity: identity}
	w.elem = t.lru.PushFront(w)
	t.windows[identity] = w
	return w
}

func (t *FailureTracker) removeElement(e *list.Element) {
	if e == nil {
		return
	}
	w := t.lru.Remove(e).(*failureWindow)
	delete(t.windows, w.identity)
}

// collectIdle removes up to budget identities from the LRU tail whose last
// failure is older than the idle TTL relative to now. A negative budget
// removes all of them.
func (t *FailureTracker) collectIdle(now time.Time, budget int) int {
	cutoff := now.Add(-t.idleTTL)
	removed := 0
	for budget < 0 || removed < budget {
		e := t.lru.Back()
		if e == nil {
			break
		}
		w := e.Value.(*failureWindow)
		if !w.last.Before(cutoff) {
			break
		}
		t.removeElement(e)
		removed++
	}
	return removed
}

// Reset clears the window of identity. Used on successful authentication and
// on block expiry.
func (t *FailureTracker) Reset(identity string) {
	if w, ok := t.windows[identity]; ok {
		t.removeElement(w.elem)
	}
}

// ResetMatching clears every identity for which match returns true and
// returns how many were cleared.
func (t *FailureTracker) ResetMatching(match func(identity string) bool) int {
	n := 0
	for id, w := range t.windows {
		if match(id) {
			t.removeElement(w.elem)
			n++
		}
	}
	return n
}

// Count returns the retained failures of identity as of its last failure.
func (t *FailureTracker) Count(identity string) int {
	if w, ok := t.windows[identity]; ok {
		return w.count()
	}
	return 0
}

// Sweep collects every identity idle since before now-IdleTTL and returns
// how many were removed.
func (t *FailureTracker) Sweep(now time.Time) int {
	return t.collectIdle(now, -1)
}

// Len returns the number of tracked identities.
func (t *FailureTracker) Len() int {
	return len(t.windows)
}

func (t *FailureTracker) Window() time.Duration {
	return t.window
}
