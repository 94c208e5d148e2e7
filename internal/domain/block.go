package domain

import "time"

type BlockReason string

const (
	ReasonThreshold   BlockReason = "threshold"
	ReasonDistributed BlockReason = "distributed"
)

type ReleaseReason string

const (
	ReleaseExpired     ReleaseReason = "expired"
	ReleaseUnblocked   ReleaseReason = "unblocked"
	ReleaseWhitelisted ReleaseReason = "whitelisted"
)

// RuleHandle identifies a firewall rule applied on behalf of a block. It is
// opaque to everything except the firewall controller.
type RuleHandle string

// BlockRecord is the authoritative record of one active block. The ledger
// holds at most one per identity.
type BlockRecord struct {
	Identity     string      `json:"identity"`
	BlockedAt    time.Time   `json:"blocked_at"`
	ExpiresAt    time.Time   `json:"expires_at,omitempty"`
	Reason       BlockReason `json:"reason"`
	AttemptCount int         `json:"attempt_count"`
	Target       string      `json:"target,omitempty"`
	Offense      int         `json:"offense"`
	RuleHandle   RuleHandle  `json:"rule_handle,omitempty"`

	// FirewallUnsynced is set while the backend has not confirmed the rule.
	FirewallUnsynced bool `json:"firewall_unsynced,omitempty"`
	SyncAttempts     int  `json:"sync_attempts,omitempty"`
	Escalated        bool `json:"escalated,omitempty"`
}

// Permanent reports whether the block never expires.
func (r *BlockRecord) Permanent() bool {
	return r.ExpiresAt.IsZero()
}

func (r *BlockRecord) Expired(now time.Time) bool {
	return !r.Permanent() && !now.Before(r.ExpiresAt)
}

func (r *BlockRecord) Remaining(now time.Time) time.Duration {
	if r.Permanent() {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Release is a firewall rule that must still be removed from the backend
// after its block left the ledger.
type Release struct {
	Identity   string        `json:"identity"`
	RuleHandle RuleHandle    `json:"rule_handle,omitempty"`
	Reason     ReleaseReason `json:"reason"`
	ReleasedAt time.Time     `json:"released_at"`
	Attempts   int           `json:"attempts,omitempty"`
}
