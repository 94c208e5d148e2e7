// Package storage persists the block ledger in a bbolt file.
//
// Layout:
//   - blocks:   identity -> JSON BlockRecord
//   - offenses: identity -> decimal offense count
//   - releases: identity -> JSON Release (rules still to be removed)
//   - meta:     schema version
//
// Every write is its own transaction, so a crash loses at most the
// transition in flight.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

var (
	BlocksBucket   = []byte("blocks")
	OffensesBucket = []byte("offenses")
	ReleasesBucket = []byte("releases")
	MetaBucket     = []byte("meta")

	schemaKey = []byte("schema")
)

const schemaVersion = "1"

// ErrSchemaMismatch is returned when the file was written by an
// incompatible version.
var ErrSchemaMismatch = errors.New("state file schema mismatch")

type BoltConfig struct {
	Path string

	// OpenTimeout bounds the wait for the file lock held by another process.
	OpenTimeout time.Duration
}

// BoltStore implements ports.LedgerStore.
type BoltStore struct {
	db *bolt.DB
}

var _ ports.LedgerStore = (*BoltStore)(nil)

func OpenBolt(config BoltConfig) (*BoltStore, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 5 * time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db %s: %w", config.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{BlocksBucket, OffensesBucket, ReleasesBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(MetaBucket)
		switch v := meta.Get(schemaKey); {
		case v == nil:
			return meta.Put(schemaKey, []byte(schemaVersion))
		case string(v) != schemaVersion:
			return fmt.Errorf("%w: have %s, want %s", ErrSchemaMismatch, v, schemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() (ports.LedgerState, error) {
	state := ports.LedgerState{
		Blocks:   make(map[string]domain.BlockRecord),
		Offenses: make(map[string]int),
		Releases: make(map[string]domain.Release),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BlocksBucket).ForEach(func(k, v []byte) error {
			var rec domain.BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("block %s: %w", k, err)
			}
			state.Blocks[string(k)] = rec
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(OffensesBucket).ForEach(func(k, v []byte) error {
			n, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("offense %s: %w", k, err)
			}
			state.Offenses[string(k)] = n
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(ReleasesBucket).ForEach(func(k, v []byte) error {
			var rel domain.Release
			if err := json.Unmarshal(v, &rel); err != nil {
				return fmt.Errorf("release %s: %w", k, err)
			}
			state.Releases[string(k)] = rel
			return nil
		})
	})
	if err != nil {
		return ports.LedgerState{}, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}

func (s *BoltStore) put(bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) PutBlock(rec domain.BlockRecord) error {
	if err := s.put(BlocksBucket, rec.Identity, rec); err != nil {
		return fmt.Errorf("failed to persist block %s: %w", rec.Identity, err)
	}
	return nil
}

func (s *BoltStore) CommitBlock(rec domain.BlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode block %s: %w", rec.Identity, err)
	}
	key := []byte(rec.Identity)
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BlocksBucket).Put(key, data); err != nil {
			return err
		}
		if err := tx.Bucket(OffensesBucket).Put(key, []byte(strconv.Itoa(rec.Offense))); err != nil {
			return err
		}
		return tx.Bucket(ReleasesBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to commit block %s: %w", rec.Identity, err)
	}
	return nil
}

func (s *BoltStore) CommitRelease(rel domain.Release) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("failed to encode release %s: %w", rel.Identity, err)
	}
	key := []byte(rel.Identity)
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(BlocksBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(ReleasesBucket).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to commit release %s: %w", rel.Identity, err)
	}
	return nil
}

func (s *BoltStore) PutRelease(rel domain.Release) error {
	if err := s.put(ReleasesBucket, rel.Identity, rel); err != nil {
		return fmt.Errorf("failed to persist release %s: %w", rel.Identity, err)
	}
	return nil
}

func (s *BoltStore) DeleteRelease(identity string) error {
	if err := s.delete(ReleasesBucket, identity); err != nil {
		return fmt.Errorf("failed to delete release %s: %w", identity, err)
	}
	return nil
}

// Replace rewrites the blocks, offenses and releases buckets in one
// transaction.
func (s *BoltStore) Replace(state ports.LedgerState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{BlocksBucket, OffensesBucket, ReleasesBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		blocks := tx.Bucket(BlocksBucket)
		for id, rec := range state.Blocks {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := blocks.Put([]byte(id), data); err != nil {
				return err
			}
		}
		offenses := tx.Bucket(OffensesBucket)
		for id, n := range state.Offenses {
			if err := offenses.Put([]byte(id), []byte(strconv.Itoa(n))); err != nil {
				return err
			}
		}
		releases := tx.Bucket(ReleasesBucket)
		for id, rel := range state.Releases {
			data, err := json.Marshal(rel)
			if err != nil {
				return err
			}
			if err := releases.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to flush state: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
