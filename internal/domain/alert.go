package domain

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "INFO"
	AlertLevelWarning  AlertLevel = "WARNING"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

type AlertKind string

const (
	AlertBlocked          AlertKind = "blocked"
	AlertExpired          AlertKind = "expired"
	AlertFirewallUnsynced AlertKind = "firewall_unsynced"
)

// Alert is emitted on every ledger transition and on sync escalation.
// Delivery is up to the configured alerters.
type Alert struct {
	ID           string     `json:"id"`
	Kind         AlertKind  `json:"kind"`
	Level        AlertLevel `json:"level"`
	Identity     string     `json:"identity"`
	Reason       string     `json:"reason"`
	Timestamp    time.Time  `json:"timestamp"`
	AttemptCount int        `json:"attempt_count"`
	Target       string     `json:"target,omitempty"`
	Offense      int        `json:"offense,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at,omitempty"`
	Message      string     `json:"message"`
}

func NewBlockedAlert(rec *BlockRecord) *Alert {
	msg := fmt.Sprintf("blocked %s after %d failures (%s)", rec.Identity, rec.AttemptCount, rec.Reason)
	if rec.Permanent() {
		msg += ", permanent"
	}
	return &Alert{
		ID:           generateAlertID(),
		Kind:         AlertBlocked,
		Level:        AlertLevelCritical,
		Identity:     rec.Identity,
		Reason:       string(rec.Reason),
		Timestamp:    rec.BlockedAt.UTC(),
		AttemptCount: rec.AttemptCount,
		Target:       rec.Target,
		Offense:      rec.Offense,
		ExpiresAt:    rec.ExpiresAt,
		Message:      msg,
	}
}

func NewExpiredAlert(rec *BlockRecord, reason ReleaseReason, at time.Time) *Alert {
	return &Alert{
		ID:           generateAlertID(),
		Kind:         AlertExpired,
		Level:        AlertLevelInfo,
		Identity:     rec.Identity,
		Reason:       string(reason),
		Timestamp:    at.UTC(),
		AttemptCount: rec.AttemptCount,
		Target:       rec.Target,
		Offense:      rec.Offense,
		Message:      fmt.Sprintf("released %s (%s)", rec.Identity, reason),
	}
}

func NewUnsyncedAlert(rec *BlockRecord, at time.Time, cause string) *Alert {
	return &Alert{
		ID:           generateAlertID(),
		Kind:         AlertFirewallUnsynced,
		Level:        AlertLevelWarning,
		Identity:     rec.Identity,
		Reason:       string(rec.Reason),
		Timestamp:    at.UTC(),
		AttemptCount: rec.AttemptCount,
		Target:       rec.Target,
		Offense:      rec.Offense,
		ExpiresAt:    rec.ExpiresAt,
		Message: fmt.Sprintf("firewall rule for %s not applied after %d attempts: %s",
			rec.Identity, rec.SyncAttempts, cause),
	}
}

func (a *Alert) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

var alertCounter atomic.Uint64

func generateAlertID() string {
	var randBytes [4]byte
	if _, err := crypto_rand.Read(randBytes[:]); err != nil {
		return fmt.Sprintf("%s-%d-00000000",
			time.Now().UTC().Format("20060102150405"),
			alertCounter.Add(1))
	}
	return fmt.Sprintf("%s-%d-%08x",
		time.Now().UTC().Format("20060102150405"),
		alertCounter.Add(1),
		binary.BigEndian.Uint32(randBytes[:]))
}
