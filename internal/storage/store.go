// Package storage wraps an embedded BadgerDB key/value store used by the
// gateway to persist two small, restart-surviving indexes: the set of
// envelope IDs it has already accepted (§3.1 uniqueness) and the ids of
// participants that have been welcomed (§8.2). It is
// deliberately not used to archive envelope payloads — spec.md §1 excludes
// "persistent long-term message archives beyond the rolling audit logs".
//
// Grounded on omni/internal/storage/badger.go's BadgerStore, trimmed to a
// Get/Set/SetIfAbsent/SetWithTTL/Exists/Close surface (scan, backup,
// and transaction support in the teacher's version serve omni's graph/query
// layer, which has no SPEC_FULL.md component to exercise it — see
// DESIGN.md).
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned by Get when the key is absent.
var ErrKeyNotFound = errors.New("key not found")

// Config configures the embedded store's on-disk location and durability.
type Config struct {
	Dir        string
	SyncWrites bool
}

// DefaultConfig mirrors the teacher's low-footprint defaults, appropriate
// for an index rather than a primary data store.
func DefaultConfig(dir string) *Config {
	return &Config{Dir: dir, SyncWrites: false}
}

// Store is a small synchronized wrapper around a BadgerDB handle.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates the store directory if needed and opens the database.
func Open(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.SyncWrites = config.SyncWrites
	opts.Logger = nil // the gateway's own session logger carries operational detail

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get returns the stored value for key, or ErrKeyNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("store is closed")
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Set writes key/value unconditionally.
func (s *Store) Set(key, value []byte) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// SetIfAbsent writes key/value only if key is not already present,
// reporting whether the write happened. This is how the gateway enforces
// envelope-ID uniqueness (§3.1: "reuse is a gateway error") atomically.
func (s *Store) SetIfAbsent(key, value []byte) (bool, error) {
	if s.isClosed() {
		return false, fmt.Errorf("store is closed")
	}
	written := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already present, written stays false
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		written = true
		return txn.Set(key, value)
	})
	return written, err
}

// SetWithTTL writes key/value with an expiry, used for ephemeral entries
// such as a reconnect grace window.
func (s *Store) SetWithTTL(key, value []byte, ttl time.Duration) error {
	if s.isClosed() {
		return fmt.Errorf("store is closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// Exists reports whether key is present.
func (s *Store) Exists(key []byte) (bool, error) {
	if s.isClosed() {
		return false, fmt.Errorf("store is closed")
	}
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}
