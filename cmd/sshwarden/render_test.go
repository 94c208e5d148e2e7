package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xoelrdgz/sshwarden/internal/adapters/admin"
	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := domain.StatusSnapshot{
		StartedAt: now.Add(-2 * time.Hour),
		Backend:   "simulate",
		Simulate:  true,
		Blocks: []domain.BlockRecord{
			{Identity: "203.0.113.7", Reason: domain.ReasonThreshold, AttemptCount: 5, Offense: 1,
				BlockedAt: now.Add(-time.Minute), ExpiresAt: now.Add(3 * time.Hour)},
			{Identity: "198.51.100.9", Reason: domain.ReasonDistributed, Target: "root", AttemptCount: 1, Offense: 4,
				BlockedAt: now.Add(-time.Hour), FirewallUnsynced: true},
		},
		PendingReleases:   []domain.Release{{Identity: "192.0.2.1", Reason: domain.ReleaseExpired, Attempts: 2}},
		DistributedGroups: map[string]int{"root": 7},
		Whitelist:         []string{"127.0.0.1", "10.0.0.0/8"},
		Counters:          domain.Counters{EventsProcessed: 12345, Blocks: 2, StoreWriteErrors: 3},
	}

	out := renderStatus(snap, now)
	assert.Contains(t, out, "simulate (simulation)")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "Active blocks (2)")
	assert.Contains(t, out, "203.0.113.7")
	assert.Contains(t, out, "expires 3 hours from now")
	assert.Contains(t, out, "distributed → root")
	assert.Contains(t, out, "permanent")
	assert.Contains(t, out, "unsynced")
	assert.Contains(t, out, "1 block(s) not confirmed by the firewall")
	assert.Contains(t, out, "3 state write(s) failed")
	assert.Contains(t, out, "Pending releases (1)")
	assert.Contains(t, out, "Whitelist: 127.0.0.1, 10.0.0.0/8")

	// Most recent block first.
	assert.Less(t, strings.Index(out, "203.0.113.7"), strings.Index(out, "198.51.100.9"))
}

func TestRenderStatus_Empty(t *testing.T) {
	out := renderStatus(domain.StatusSnapshot{Backend: "nftables"}, time.Now())
	assert.Contains(t, out, "Active blocks (0)")
	assert.Contains(t, out, "none")
	assert.NotContains(t, out, "Pending releases")
	assert.NotContains(t, out, "state write")
}

func TestRenderWhitelist(t *testing.T) {
	assert.Equal(t, "127.0.0.1\n::1\n", renderWhitelist([]string{"127.0.0.1", "::1"}))
	assert.Contains(t, renderWhitelist(nil), "empty")
}

func TestExplain(t *testing.T) {
	notBlocked := &admin.APIError{StatusCode: 404, Code: admin.CodeNotBlocked, Message: "identity is not blocked"}
	assert.EqualError(t, explain(notBlocked), "that identity is not blocked")
	assert.EqualError(t, explain(fmt.Errorf("wrapped: %w", ports.ErrMonitorStopped)), "the engine is shutting down")

	invalid := &admin.APIError{StatusCode: 400, Code: admin.CodeInvalidRequest, Message: "identity must be an IP address"}
	assert.EqualError(t, explain(invalid), "identity must be an IP address")

	assert.ErrorContains(t, explain(errors.New("connection refused")), "cannot reach sshwarden")
}
