package storage

import (
	"sync"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

// MemoryStore is a LedgerStore without durability, for embedding and tests.
// FailWrites makes every write fail, which exercises the runtime path where
// persistence errors are logged but not fatal.
type MemoryStore struct {
	mu         sync.Mutex
	state      ports.LedgerState
	FailWrites error
	closed     bool
}

var _ ports.LedgerStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: emptyState()}
}

func emptyState() ports.LedgerState {
	return ports.LedgerState{
		Blocks:   make(map[string]domain.BlockRecord),
		Offenses: make(map[string]int),
		Releases: make(map[string]domain.Release),
	}
}

func copyState(in ports.LedgerState) ports.LedgerState {
	out := emptyState()
	for k, v := range in.Blocks {
		out.Blocks[k] = v
	}
	for k, v := range in.Offenses {
		out.Offenses[k] = v
	}
	for k, v := range in.Releases {
		out.Releases[k] = v
	}
	return out
}

func (m *MemoryStore) Load() (ports.LedgerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.state), nil
}

func (m *MemoryStore) write(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	fn()
	return nil
}

func (m *MemoryStore) PutBlock(rec domain.BlockRecord) error {
	return m.write(func() { m.state.Blocks[rec.Identity] = rec })
}

func (m *MemoryStore) CommitBlock(rec domain.BlockRecord) error {
	return m.write(func() {
		m.state.Blocks[rec.Identity] = rec
		m.state.Offenses[rec.Identity] = rec.Offense
		delete(m.state.Releases, rec.Identity)
	})
}

func (m *MemoryStore) CommitRelease(rel domain.Release) error {
	return m.write(func() {
		delete(m.state.Blocks, rel.Identity)
		m.state.Releases[rel.Identity] = rel
	})
}

func (m *MemoryStore) PutRelease(rel domain.Release) error {
	return m.write(func() { m.state.Releases[rel.Identity] = rel })
}

func (m *MemoryStore) DeleteRelease(identity string) error {
	return m.write(func() { delete(m.state.Releases, identity) })
}

func (m *MemoryStore) Replace(state ports.LedgerState) error {
	return m.write(func() { m.state = copyState(state) })
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
