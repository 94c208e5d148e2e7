package detection

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator(global bool) *Correlator {
	return NewCorrelator(CorrelatorConfig{
		Window:       10 * time.Minute,
		GlobalBucket: global,
		Clock:        func() time.Time { return trackerEpoch.Add(24 * time.Hour) },
	})
}

func TestCorrelator_DistinctIdentities(t *testing.T) {
	c := newTestCorrelator(true)

	var count int
	for i := 1; i <= 10; i++ {
		count = c.RecordFailure(fmt.Sprintf("10.0.0.%d", i), "root", trackerEpoch.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 10, count)

	// Repeats from the same identity do not grow the group.
	assert.Equal(t, 10, c.RecordFailure("10.0.0.1", "root", trackerEpoch.Add(20*time.Second)))

	members := c.Members("root")
	require.Len(t, members, 10)
	assert.Contains(t, members, "10.0.0.10")
}

func TestCorrelator_TargetsAreSeparate(t *testing.T) {
	c := newTestCorrelator(true)

	c.RecordFailure("10.0.0.1", "root", trackerEpoch)
	c.RecordFailure("10.0.0.2", "admin", trackerEpoch)

	assert.Equal(t, 2, c.RecordFailure("10.0.0.3", "root", trackerEpoch.Add(time.Second)))
	assert.Equal(t, map[string]int{"root": 2, "admin": 1}, c.Groups())
}

func TestCorrelator_GlobalBucket(t *testing.T) {
	tests := []struct {
		name   string
		global bool
		want   int
	}{
		{"global bucket enabled", true, 2},
		{"global bucket disabled", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCorrelator(tt.global)
			c.RecordFailure("10.0.0.1", "", trackerEpoch)
			assert.Equal(t, tt.want, c.RecordFailure("10.0.0.2", "", trackerEpoch))
			if tt.global {
				assert.Len(t, c.Members(""), 2)
				assert.Equal(t, c.Members(""), c.Members(GlobalTarget))
			} else {
				assert.Empty(t, c.Members(""))
			}
		})
	}
}

func TestCorrelator_WindowSlides(t *testing.T) {
	c := newTestCorrelator(true)

	c.RecordFailure("10.0.0.1", "root", trackerEpoch)
	c.RecordFailure("10.0.0.2", "root", trackerEpoch.Add(5*time.Minute))

	// Exactly at the window edge the first sighting is still retained.
	assert.Equal(t, 3, c.RecordFailure("10.0.0.3", "root", trackerEpoch.Add(10*time.Minute)))
	assert.Equal(t, 2, c.RecordFailure("10.0.0.4", "root", trackerEpoch.Add(15*time.Minute+time.Second)))
	assert.ElementsMatch(t, []string{"10.0.0.3", "10.0.0.4"}, c.Members("root"))
}

func TestCorrelator_RefreshKeepsMember(t *testing.T) {
	c := newTestCorrelator(true)

	c.RecordFailure("10.0.0.1", "root", trackerEpoch)
	c.RecordFailure("10.0.0.1", "root", trackerEpoch.Add(9*time.Minute))

	// The first sighting expires, the refreshed one keeps the member.
	assert.Equal(t, 2, c.RecordFailure("10.0.0.2", "root", trackerEpoch.Add(11*time.Minute)))
}

func TestCorrelator_Remove(t *testing.T) {
	c := newTestCorrelator(true)

	c.RecordFailure("10.0.0.1", "root", trackerEpoch)
	c.RecordFailure("10.0.0.1", "admin", trackerEpoch)
	c.RecordFailure("10.0.0.2", "root", trackerEpoch)

	c.Remove("10.0.0.1")
	assert.Equal(t, []string{"10.0.0.2"}, c.Members("root"))
	assert.Empty(t, c.Members("admin"))
	assert.Equal(t, map[string]int{"root": 1}, c.Groups())
}

func TestCorrelator_Sweep(t *testing.T) {
	c := newTestCorrelator(true)

	c.RecordFailure("10.0.0.1", "root", trackerEpoch)
	c.RecordFailure("10.0.0.2", "admin", trackerEpoch.Add(8*time.Minute))

	removed := c.Sweep(trackerEpoch.Add(11 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, map[string]int{"admin": 1}, c.Groups())
}

func TestCorrelator_RemoveMatching(t *testing.T) {
	c := newTestCorrelator(true)

	c.RecordFailure("10.0.0.1", "root", trackerEpoch)
	c.RecordFailure("10.0.0.2", "admin", trackerEpoch)
	c.RecordFailure("192.0.2.1", "root", trackerEpoch)

	c.RemoveMatching(func(id string) bool { return strings.HasPrefix(id, "10.") })
	assert.Equal(t, map[string]int{"root": 1}, c.Groups())
}
