package detection

import (
	"sort"
	"time"
)

// GlobalTarget is the bucket for failures that carry no target account.
const GlobalTarget = "*"

const (
	DefaultDistributedWindow    = 10 * time.Minute
	DefaultDistributedThreshold = 10
)

type CorrelatorConfig struct {
	Window time.Duration

	// GlobalBucket routes untargeted failures to GlobalTarget. When false
	// they are not correlated at all.
	GlobalBucket bool

	Clock func() time.Time
}

type sighting struct {
	identity string
	at       time.Time
}

// attackGroup holds the identities that failed against one target inside
// the window. queue is ordered by time; a queued sighting is stale when the
// member has been seen again since, or was removed.
type attackGroup struct {
	members map[string]time.Time
	queue   []sighting
	head    int
	latest  time.Time
}

func (g *attackGroup) evict(cutoff time.Time) {
	for g.head < len(g.queue) && g.queue[g.head].at.Before(cutoff) {
		s := g.queue[g.head]
		if last, ok := g.members[s.identity]; ok && last.Equal(s.at) {
			delete(g.members, s.identity)
		}
		g.queue[g.head] = sighting{}
		g.head++
	}
	if g.head == len(g.queue) {
		g.queue = g.queue[:0]
		g.head = 0
	} else if g.head > 32 && g.head*2 >= len(g.queue) {
		n := copy(g.queue, g.queue[g.head:])
		g.queue = g.queue[:n]
		g.head = 0
	}
}

// Correlator aggregates failures across identities per target account to
// detect coordinated attacks whose sources each stay under the per-identity
// threshold.
//
// Thread Safety: NOT thread-safe. Owned by the monitor's decision loop.
type Correlator struct {
	window       time.Duration
	globalBucket bool
	now          func() time.Time
	groups       map[string]*attackGroup
}

func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultDistributedWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Correlator{
		window:       cfg.Window,
		globalBucket: cfg.GlobalBucket,
		now:          cfg.Clock,
		groups:       make(map[string]*attackGroup),
	}
}

// Bucket returns the group key for target, or false when untargeted failures
// are not correlated.
func (c *Correlator) Bucket(target string) (string, bool) {
	if target != "" {
		return target, true
	}
	if c.globalBucket {
		return GlobalTarget, true
	}
	return "", false
}

// RecordFailure records a failure of identity against target at ts and
// returns the distinct identities in the target's group. Zero means the
// failure was not correlated.
func (c *Correlator) RecordFailure(identity, target string, ts time.Time) int {
	key, ok := c.Bucket(target)
	if !ok {
		return 0
	}
	if now := c.now(); ts.After(now) {
		ts = now
	}

	g, ok := c.groups[key]
	if !ok {
		g = &attackGroup{members: make(map[string]time.Time)}
		c.groups[key] = g
	}
	// Keep each queue time-ordered so front eviction stays exact.
	if ts.Before(g.latest) {
		ts = g.latest
	}
	g.latest = ts

	g.evict(ts.Add(-c.window))
	g.members[identity] = ts
	g.queue = append(g.queue, sighting{identity: identity, at: ts})
	return len(g.members)
}

// Members returns the identities currently in the group for target, sorted.
func (c *Correlator) Members(target string) []string {
	key, ok := c.Bucket(target)
	if !ok {
		return nil
	}
	g, ok := c.groups[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Remove deletes identity from every group.
func (c *Correlator) Remove(identity string) {
	for key, g := range c.groups {
		delete(g.members, identity)
		if len(g.members) == 0 {
			delete(c.groups, key)
		}
	}
}

// RemoveMatching deletes every identity for which match returns true from
// every group.
func (c *Correlator) RemoveMatching(match func(identity string) bool) {
	for key, g := range c.groups {
		for id := range g.members {
			if match(id) {
				delete(g.members, id)
			}
		}
		if len(g.members) == 0 {
			delete(c.groups, key)
		}
	}
}

// Sweep evicts sightings older than now-Window and drops empty groups.
// Returns the number of groups removed.
func (c *Correlator) Sweep(now time.Time) int {
	removed := 0
	cutoff := now.Add(-c.window)
	for key, g := range c.groups {
		g.evict(cutoff)
		if len(g.members) == 0 {
			delete(c.groups, key)
			removed++
		}
	}
	return removed
}

// Groups returns the distinct identity count per target.
func (c *Correlator) Groups() map[string]int {
	out := make(map[string]int, len(c.groups))
	for key, g := range c.groups {
		out[key] = len(g.members)
	}
	return out
}
