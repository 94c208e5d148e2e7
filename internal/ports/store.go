package ports

import "github.com/xoelrdgz/sshwarden/internal/domain"

// LedgerState is everything the ledger persists.
type LedgerState struct {
	Blocks   map[string]domain.BlockRecord
	Offenses map[string]int
	Releases map[string]domain.Release
}

// LedgerStore is the durable medium behind the block ledger. Every method is
// a write-through operation; implementations must be safe to call from one
// goroutine at a time.
type LedgerStore interface {
	Load() (LedgerState, error)

	// CommitBlock stores a new block record, sets the identity's offense
	// count to rec.Offense and drops any pending release of the identity,
	// all in one transaction.
	CommitBlock(rec domain.BlockRecord) error
	// CommitRelease drops the identity's block record and stores rel in one
	// transaction.
	CommitRelease(rel domain.Release) error

	PutBlock(rec domain.BlockRecord) error
	PutRelease(rel domain.Release) error
	DeleteRelease(identity string) error

	// Replace atomically overwrites the stored state. Used for the final
	// flush on shutdown.
	Replace(state LedgerState) error
	Close() error
}
