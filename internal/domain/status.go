package domain

import "time"

// StatusSnapshot is a point-in-time copy of the decision state. It is built
// on the decision loop and never shares memory with it.
type StatusSnapshot struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	StartedAt         time.Time      `json:"started_at"`
	Backend           string         `json:"backend"`
	Simulate          bool           `json:"simulate"`
	Blocks            []BlockRecord  `json:"blocks"`
	PendingReleases   []Release      `json:"pending_releases,omitempty"`
	Whitelist         []string       `json:"whitelist"`
	TrackedIdentities int            `json:"tracked_identities"`
	DistributedGroups map[string]int `json:"distributed_groups,omitempty"`
	Offenses          map[string]int `json:"offenses,omitempty"`
	Counters          Counters       `json:"counters"`
	OutboundQueued    int            `json:"outbound_queued"`
	RecentAlerts      []*Alert       `json:"recent_alerts,omitempty"`
}

type Counters struct {
	EventsProcessed int64 `json:"events_processed"`
	EventsDropped   int64 `json:"events_dropped"`
	EventsIgnored   int64 `json:"events_ignored"`
	Blocks          int64 `json:"blocks"`
	Releases        int64 `json:"releases"`
	FirewallErrors  int64 `json:"firewall_errors"`

	SourceErrors     int64 `json:"source_errors"`
	StoreWriteErrors int64 `json:"store_write_errors"`
	ActionPanics     int64 `json:"action_panics"`
	Backpressure     int64 `json:"backpressure"`
}

func (s *StatusSnapshot) Unsynced() int {
	n := 0
	for i := range s.Blocks {
		if s.Blocks[i].FirewallUnsynced {
			n++
		}
	}
	return n
}
