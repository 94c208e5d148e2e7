package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xoelrdgz/sshwarden/internal/adapters/firewall"
	"github.com/xoelrdgz/sshwarden/internal/domain"
)

var errBackendDown = errors.New("backend down")

// fakeBackend is an idempotent in-memory packet filter that counts how often
// a rule was actually inserted or removed.
type fakeBackend struct {
	mu       sync.Mutex
	rules    map[string]bool
	inserts  map[string]int
	removals map[string]int

	blockCalls   atomic.Int64
	unblockCalls atomic.Int64
	failBlocks   atomic.Int64 // remaining Block calls that fail
	failUnblocks atomic.Int64
	delay        time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rules:    make(map[string]bool),
		inserts:  make(map[string]int),
		removals: make(map[string]int),
	}
}

func (f *fakeBackend) Name() string                { return "fake" }
func (f *fakeBackend) Probe(context.Context) error { return nil }

func (f *fakeBackend) Block(ctx context.Context, identity string) error {
	f.blockCalls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failBlocks.Load() > 0 {
		f.failBlocks.Add(-1)
		return errBackendDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rules[identity] {
		f.rules[identity] = true
		f.inserts[identity]++
	}
	return nil
}

func (f *fakeBackend) Unblock(_ context.Context, identity string) error {
	f.unblockCalls.Add(1)
	if f.failUnblocks.Load() > 0 {
		f.failUnblocks.Add(-1)
		return errBackendDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rules[identity] {
		delete(f.rules, identity)
		f.removals[identity]++
	}
	return nil
}

func (f *fakeBackend) hasRule(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[identity]
}

func (f *fakeBackend) insertCount(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts[identity]
}

func (f *fakeBackend) removalCount(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removals[identity]
}

func (f *fakeBackend) ruleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules)
}

func (f *fakeBackend) addRule(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[identity] = true
}

func newTestController(backend *fakeBackend) *firewall.Controller {
	return firewall.NewController(backend, firewall.RetryPolicy{
		Attempts:        1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		CallTimeout:     time.Second,
	}, nil)
}

// manualClock is a settable time source.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{now: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []*domain.Alert
}

func (r *recordingAlerter) Send(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingAlerter) Flush() error { return nil }
func (r *recordingAlerter) Close() error { return nil }

func (r *recordingAlerter) count(kind domain.AlertKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingAlerter) countFor(kind domain.AlertKind, identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind && a.Identity == identity {
			n++
		}
	}
	return n
}

func (r *recordingAlerter) Recent(n int) []*domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.alerts) {
		n = len(r.alerts)
	}
	out := make([]*domain.Alert, n)
	copy(out, r.alerts[len(r.alerts)-n:])
	return out
}
