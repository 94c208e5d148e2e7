package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/sshwarden/internal/adapters/storage"
	"github.com/xoelrdgz/sshwarden/internal/domain"
)

var ledgerEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLedger_BlockIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	l := NewLedger(store, DefaultCooldownPolicy())

	rec, created := l.Block("10.0.0.1", domain.ReasonThreshold, 5, "root", ledgerEpoch)
	require.True(t, created)
	assert.Equal(t, 1, rec.Offense)
	assert.Equal(t, ledgerEpoch.Add(24*time.Hour), rec.ExpiresAt)
	assert.False(t, rec.FirewallUnsynced)

	again, created := l.Block("10.0.0.1", domain.ReasonDistributed, 9, "admin", ledgerEpoch.Add(time.Second))
	assert.False(t, created)
	assert.Equal(t, rec, again)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, l.Offenses()["10.0.0.1"])
}

func TestLedger_WritesThrough(t *testing.T) {
	store := storage.NewMemoryStore()
	l := NewLedger(store, DefaultCooldownPolicy())

	l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, state.Blocks, "10.0.0.1")
	assert.Equal(t, 1, state.Offenses["10.0.0.1"])

	_, rel, ok := l.Release("10.0.0.1", domain.ReleaseExpired, ledgerEpoch.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, domain.ReleaseExpired, rel.Reason)

	state, err = store.Load()
	require.NoError(t, err)
	assert.NotContains(t, state.Blocks, "10.0.0.1")
	assert.Contains(t, state.Releases, "10.0.0.1")
	assert.Equal(t, 1, state.Offenses["10.0.0.1"], "offense counter survives release")

	l.ReleaseDone("10.0.0.1")
	state, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, state.Releases)
}

func TestLedger_EscalatingCooldown(t *testing.T) {
	l := NewLedger(storage.NewMemoryStore(), DefaultCooldownPolicy())

	want := []time.Duration{24 * time.Hour, 48 * time.Hour, 96 * time.Hour}
	now := ledgerEpoch
	for i, d := range want {
		rec, created := l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", now)
		require.True(t, created)
		assert.Equal(t, i+1, rec.Offense)
		assert.Equal(t, now.Add(d), rec.ExpiresAt)

		now = rec.ExpiresAt
		_, _, ok := l.Release("10.0.0.1", domain.ReleaseExpired, now)
		require.True(t, ok)
		l.ReleaseDone("10.0.0.1")
	}
}

func TestLedger_ReblockTakesOverPendingRelease(t *testing.T) {
	l := NewLedger(storage.NewMemoryStore(), DefaultCooldownPolicy())

	l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch)
	require.True(t, l.MarkSynced("10.0.0.1", "sw-1"))
	l.Release("10.0.0.1", domain.ReleaseUnblocked, ledgerEpoch)
	require.Len(t, l.PendingReleases(), 1)

	rec, created := l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch.Add(time.Minute))
	require.True(t, created)
	assert.Equal(t, domain.RuleHandle("sw-1"), rec.RuleHandle)
	assert.Empty(t, l.PendingReleases())
}

func TestLedger_SyncTracking(t *testing.T) {
	l := NewLedger(storage.NewMemoryStore(), DefaultCooldownPolicy())
	l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch)

	rec, ok := l.MarkUnsynced("10.0.0.1", "sw-1")
	require.True(t, ok)
	assert.True(t, rec.FirewallUnsynced)
	assert.Equal(t, 1, rec.SyncAttempts)

	rec, _ = l.MarkUnsynced("10.0.0.1", "")
	assert.Equal(t, 2, rec.SyncAttempts)
	assert.Equal(t, domain.RuleHandle("sw-1"), rec.RuleHandle)
	assert.Len(t, l.Unsynced(), 1)

	l.MarkEscalated("10.0.0.1")
	got, _ := l.Get("10.0.0.1")
	assert.True(t, got.Escalated)

	assert.True(t, l.MarkSynced("10.0.0.1", "sw-1"))
	got, _ = l.Get("10.0.0.1")
	assert.False(t, got.FirewallUnsynced)
	assert.False(t, got.Escalated)
	assert.Zero(t, got.SyncAttempts)
	assert.Empty(t, l.Unsynced())

	assert.False(t, l.MarkSynced("10.0.0.9", "sw-9"))
}

func TestLedger_DueOrdering(t *testing.T) {
	l := NewLedger(storage.NewMemoryStore(), CooldownPolicy{Base: time.Hour, Factor: 1})

	l.Block("10.0.0.2", domain.ReasonThreshold, 5, "", ledgerEpoch.Add(time.Minute))
	l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch)
	l.Block("10.0.0.3", domain.ReasonThreshold, 5, "", ledgerEpoch.Add(2*time.Hour))

	assert.Empty(t, l.Due(ledgerEpoch.Add(59*time.Minute)))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, l.Due(ledgerEpoch.Add(61*time.Minute)))

	active := l.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "10.0.0.1", active[0].Identity)
}

func TestLedger_LoadRestoresState(t *testing.T) {
	store := storage.NewMemoryStore()
	first := NewLedger(store, DefaultCooldownPolicy())
	first.Block("10.0.0.1", domain.ReasonThreshold, 5, "root", ledgerEpoch)
	first.Block("10.0.0.2", domain.ReasonDistributed, 1, "root", ledgerEpoch)
	first.Release("10.0.0.2", domain.ReleaseUnblocked, ledgerEpoch)

	second := NewLedger(store, DefaultCooldownPolicy())
	require.NoError(t, second.Load())

	assert.True(t, second.IsBlocked("10.0.0.1"))
	assert.False(t, second.IsBlocked("10.0.0.2"))
	assert.Len(t, second.PendingReleases(), 1)
	assert.Equal(t, map[string]int{"10.0.0.1": 1, "10.0.0.2": 1}, second.Offenses())
}

func TestLedger_WriteFailuresAreNotFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailWrites = errors.New("disk full")
	l := NewLedger(store, DefaultCooldownPolicy())

	_, created := l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch)
	assert.True(t, created)
	assert.True(t, l.IsBlocked("10.0.0.1"))
	assert.Equal(t, int64(1), l.WriteErrors())

	store.FailWrites = nil
	require.NoError(t, l.Flush())
	state, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, state.Blocks, "10.0.0.1")
}

// opLog records which write-through operations the ledger issues.
type opLog struct {
	*storage.MemoryStore
	ops []string
}

func (s *opLog) CommitBlock(rec domain.BlockRecord) error {
	s.ops = append(s.ops, "commit_block")
	return s.MemoryStore.CommitBlock(rec)
}

func (s *opLog) CommitRelease(rel domain.Release) error {
	s.ops = append(s.ops, "commit_release")
	return s.MemoryStore.CommitRelease(rel)
}

func (s *opLog) PutBlock(rec domain.BlockRecord) error {
	s.ops = append(s.ops, "put_block")
	return s.MemoryStore.PutBlock(rec)
}

func (s *opLog) PutRelease(rel domain.Release) error {
	s.ops = append(s.ops, "put_release")
	return s.MemoryStore.PutRelease(rel)
}

func (s *opLog) DeleteRelease(identity string) error {
	s.ops = append(s.ops, "delete_release")
	return s.MemoryStore.DeleteRelease(identity)
}

func TestLedger_TransitionsAreSingleWrites(t *testing.T) {
	store := &opLog{MemoryStore: storage.NewMemoryStore()}
	l := NewLedger(store, DefaultCooldownPolicy())

	l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch)
	assert.Equal(t, []string{"commit_block"}, store.ops)

	l.Release("10.0.0.1", domain.ReleaseExpired, ledgerEpoch.Add(time.Hour))
	assert.Equal(t, []string{"commit_block", "commit_release"}, store.ops)

	// Re-blocking while the removal is still pending takes the rule back in
	// the same write.
	rec, created := l.Block("10.0.0.1", domain.ReasonThreshold, 5, "", ledgerEpoch.Add(2*time.Hour))
	require.True(t, created)
	assert.Equal(t, []string{"commit_block", "commit_release", "commit_block"}, store.ops)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, state.Blocks["10.0.0.1"])
	assert.Equal(t, 2, state.Offenses["10.0.0.1"])
	assert.Empty(t, state.Releases)
}
