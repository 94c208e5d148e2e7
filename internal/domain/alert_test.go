package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlockedAlert(t *testing.T) {
	at := time.Date(2025, 3, 15, 21, 34, 56, 0, time.UTC)
	rec := &BlockRecord{
		Identity:     "203.0.113.7",
		BlockedAt:    at,
		ExpiresAt:    at.Add(24 * time.Hour),
		Reason:       ReasonThreshold,
		AttemptCount: 5,
		Target:       "root",
		Offense:      1,
	}

	alert := NewBlockedAlert(rec)

	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, AlertBlocked, alert.Kind)
	assert.Equal(t, AlertLevelCritical, alert.Level)
	assert.Equal(t, "203.0.113.7", alert.Identity)
	assert.Equal(t, "threshold", alert.Reason)
	assert.Equal(t, 5, alert.AttemptCount)
	assert.Equal(t, at, alert.Timestamp)
	assert.NotContains(t, alert.Message, "permanent")
}

func TestNewExpiredAlert(t *testing.T) {
	now := time.Now()
	rec := &BlockRecord{Identity: "198.51.100.2", Reason: ReasonDistributed, AttemptCount: 1}

	alert := NewExpiredAlert(rec, ReleaseWhitelisted, now)

	assert.Equal(t, AlertExpired, alert.Kind)
	assert.Equal(t, "whitelisted", alert.Reason)
	assert.Equal(t, 1, alert.AttemptCount)
	assert.Contains(t, alert.Message, "198.51.100.2")
}

func TestAlertToJSON(t *testing.T) {
	rec := &BlockRecord{Identity: "10.0.0.1", BlockedAt: time.Now(), Reason: ReasonThreshold, AttemptCount: 7}
	alert := NewBlockedAlert(rec)

	jsonBytes, err := alert.ToJSON()
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &parsed))

	assert.Equal(t, "blocked", parsed["kind"])
	assert.Equal(t, "10.0.0.1", parsed["identity"])
	assert.Equal(t, float64(7), parsed["attempt_count"])
	assert.Contains(t, alert.Message, "permanent")
}

func TestAlertIDsUnique(t *testing.T) {
	rec := &BlockRecord{Identity: "10.0.0.1", BlockedAt: time.Now()}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewBlockedAlert(rec).ID
		assert.False(t, seen[id], "duplicate alert ID %s", id)
		seen[id] = true
	}
}
