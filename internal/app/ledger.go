package app

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// Ledger is the authoritative set of active blocks, the per-identity offense
// counters and the firewall rules still waiting for removal.
//
// Every transition is written through to the store. A failed write at
// runtime is logged and the in-memory state stays authoritative; the final
// Flush on shutdown rewrites everything.
//
// Thread Safety: NOT thread-safe. Owned by the monitor's decision loop.
type Ledger struct {
	store  ports.LedgerStore
	policy CooldownPolicy

	blocks   map[string]*domain.BlockRecord
	offenses map[string]int
	releases map[string]domain.Release

	writeErrors int64
	onWriteErr  func(op string)
}

func NewLedger(store ports.LedgerStore, policy CooldownPolicy) *Ledger {
	return &Ledger{
		store:    store,
		policy:   policy,
		blocks:   make(map[string]*domain.BlockRecord),
		offenses: make(map[string]int),
		releases: make(map[string]domain.Release),
	}
}

// Load replaces the in-memory state with the stored one. An error here is
// fatal to startup.
func (l *Ledger) Load() error {
	state, err := l.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	l.blocks = make(map[string]*domain.BlockRecord, len(state.Blocks))
	for id, rec := range state.Blocks {
		rec.Identity = id
		l.blocks[id] = &rec
	}
	l.offenses = make(map[string]int, len(state.Offenses))
	for id, n := range state.Offenses {
		l.offenses[id] = n
	}
	l.releases = make(map[string]domain.Release, len(state.Releases))
	for id, rel := range state.Releases {
		rel.Identity = id
		l.releases[id] = rel
	}
	return nil
}

func (l *Ledger) persist(op, identity string, err error) {
	if err == nil {
		return
	}
	l.writeErrors++
	if l.onWriteErr != nil {
		l.onWriteErr(op)
	}
	log.Error().Err(err).Str("op", op).Str("identity", identity).Msg("Ledger write failed, state kept in memory")
}

func (l *Ledger) IsBlocked(identity string) bool {
	_, ok := l.blocks[identity]
	return ok
}

func (l *Ledger) Get(identity string) (domain.BlockRecord, bool) {
	rec, ok := l.blocks[identity]
	if !ok {
		return domain.BlockRecord{}, false
	}
	return *rec, true
}

// Block creates the record for identity. created is false when a record
// already exists, in which case nothing changes.
func (l *Ledger) Block(identity string, reason domain.BlockReason, attempts int, target string, now time.Time) (domain.BlockRecord, bool) {
	if rec, ok := l.blocks[identity]; ok {
		return *rec, false
	}

	offense := l.offenses[identity] + 1
	l.offenses[identity] = offense

	rec := &domain.BlockRecord{
		Identity:     identity,
		BlockedAt:    now,
		Reason:       reason,
		AttemptCount: attempts,
		Target:       target,
		Offense:      offense,
	}
	if d, permanent := l.policy.Duration(offense); !permanent {
		rec.ExpiresAt = now.Add(d)
	}

	// A rule still pending removal now belongs to this block again.
	if rel, ok := l.releases[identity]; ok {
		rec.RuleHandle = rel.RuleHandle
		delete(l.releases, identity)
	}

	l.blocks[identity] = rec
	l.persist("commit_block", identity, l.store.CommitBlock(*rec))
	return *rec, true
}

// Release removes the record for identity and remembers its rule as pending
// removal until ReleaseDone.
func (l *Ledger) Release(identity string, reason domain.ReleaseReason, now time.Time) (domain.BlockRecord, domain.Release, bool) {
	rec, ok := l.blocks[identity]
	if !ok {
		return domain.BlockRecord{}, domain.Release{}, false
	}
	delete(l.blocks, identity)

	rel := domain.Release{
		Identity:   identity,
		RuleHandle: rec.RuleHandle,
		Reason:     reason,
		ReleasedAt: now,
	}
	l.releases[identity] = rel
	l.persist("commit_release", identity, l.store.CommitRelease(rel))
	return *rec, rel, true
}

// ReleaseDone forgets the pending removal for identity.
func (l *Ledger) ReleaseDone(identity string) {
	if _, ok := l.releases[identity]; !ok {
		return
	}
	delete(l.releases, identity)
	l.persist("delete_release", identity, l.store.DeleteRelease(identity))
}

func (l *Ledger) ReleaseFailed(identity string) (domain.Release, bool) {
	rel, ok := l.releases[identity]
	if !ok {
		return domain.Release{}, false
	}
	rel.Attempts++
	l.releases[identity] = rel
	l.persist("put_release", identity, l.store.PutRelease(rel))
	return rel, true
}

// MarkSynced records that the backend confirmed identity's rule.
func (l *Ledger) MarkSynced(identity string, handle domain.RuleHandle) bool {
	rec, ok := l.blocks[identity]
	if !ok {
		return false
	}
	if !rec.FirewallUnsynced && rec.RuleHandle == handle {
		return true
	}
	rec.RuleHandle = handle
	rec.FirewallUnsynced = false
	rec.SyncAttempts = 0
	rec.Escalated = false
	l.persist("put_block", identity, l.store.PutBlock(*rec))
	return true
}

// MarkUnsynced records a failed firewall attempt for identity and returns
// the updated record.
func (l *Ledger) MarkUnsynced(identity string, handle domain.RuleHandle) (domain.BlockRecord, bool) {
	rec, ok := l.blocks[identity]
	if !ok {
		return domain.BlockRecord{}, false
	}
	if handle != "" {
		rec.RuleHandle = handle
	}
	rec.FirewallUnsynced = true
	rec.SyncAttempts++
	l.persist("put_block", identity, l.store.PutBlock(*rec))
	return *rec, true
}

func (l *Ledger) MarkEscalated(identity string) {
	rec, ok := l.blocks[identity]
	if !ok || rec.Escalated {
		return
	}
	rec.Escalated = true
	l.persist("put_block", identity, l.store.PutBlock(*rec))
}

// Due returns the identities whose block has expired at now, oldest first.
func (l *Ledger) Due(now time.Time) []string {
	var due []*domain.BlockRecord
	for _, rec := range l.blocks {
		if rec.Expired(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	out := make([]string, len(due))
	for i, rec := range due {
		out[i] = rec.Identity
	}
	return out
}

// Active returns copies of all records ordered by block time.
func (l *Ledger) Active() []domain.BlockRecord {
	out := make([]domain.BlockRecord, 0, len(l.blocks))
	for _, rec := range l.blocks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].BlockedAt.Before(out[j].BlockedAt)
	})
	return out
}

func (l *Ledger) Unsynced() []domain.BlockRecord {
	var out []domain.BlockRecord
	for _, rec := range l.Active() {
		if rec.FirewallUnsynced {
			out = append(out, rec)
		}
	}
	return out
}

func (l *Ledger) PendingReleases() []domain.Release {
	out := make([]domain.Release, 0, len(l.releases))
	for _, rel := range l.releases {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (l *Ledger) Offenses() map[string]int {
	out := make(map[string]int, len(l.offenses))
	for id, n := range l.offenses {
		out[id] = n
	}
	return out
}

func (l *Ledger) Len() int {
	return len(l.blocks)
}

// OnWriteError registers fn to be told about every failed write-through
// operation.
func (l *Ledger) OnWriteError(fn func(op string)) {
	l.onWriteErr = fn
}

// WriteErrors returns how many write-through operations failed.
func (l *Ledger) WriteErrors() int64 {
	return l.writeErrors
}

// Flush rewrites the complete state to the store.
func (l *Ledger) Flush() error {
	state := ports.LedgerState{
		Blocks:   make(map[string]domain.BlockRecord, len(l.blocks)),
		Offenses: l.Offenses(),
		Releases: make(map[string]domain.Release, len(l.releases)),
	}
	for id, rec := range l.blocks {
		state.Blocks[id] = *rec
	}
	for id, rel := range l.releases {
		state.Releases[id] = rel
	}
	if err := l.store.Replace(state); err != nil {
		return fmt.Errorf("failed to flush ledger: %w", err)
	}
	return nil
}
