package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthEventNormalize(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		event    AuthEvent
		wantErr  bool
		identity string
	}{
		{name: "ipv4 failure", event: NewFailure("192.168.1.10", "root", now), identity: "192.168.1.10"},
		{name: "ipv6 success", event: NewSuccess("2001:DB8::1", "", now), identity: "2001:db8::1"},
		{name: "mapped ipv4", event: NewFailure("::ffff:10.0.0.1", "", now), identity: "10.0.0.1"},
		{name: "zone dropped", event: NewFailure("fe80::1%eth0", "", now), identity: "fe80::1"},
		{name: "empty identity", event: NewFailure("", "root", now), wantErr: true},
		{name: "hostname", event: NewFailure("attacker.example", "root", now), wantErr: true},
		{name: "missing time", event: NewFailure("10.0.0.1", "root", time.Time{}), wantErr: true},
		{name: "unknown outcome", event: AuthEvent{Identity: "10.0.0.1", Time: now}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.event.Normalize()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.identity, got.Identity)
		})
	}
}

func TestBlockRecordExpiry(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &BlockRecord{Identity: "10.0.0.1", BlockedAt: t0, ExpiresAt: t0.Add(24 * time.Hour)}

	assert.False(t, rec.Permanent())
	assert.False(t, rec.Expired(t0.Add(24*time.Hour-time.Second)))
	assert.True(t, rec.Expired(t0.Add(24*time.Hour)))
	assert.Equal(t, time.Hour, rec.Remaining(t0.Add(23*time.Hour)))
	assert.Equal(t, time.Duration(0), rec.Remaining(t0.Add(48*time.Hour)))

	permanent := &BlockRecord{Identity: "10.0.0.2", BlockedAt: t0}
	assert.True(t, permanent.Permanent())
	assert.False(t, permanent.Expired(t0.Add(100*365*24*time.Hour)))
}
