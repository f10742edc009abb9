// Package storage provides the durable local key-value store backing the
// offline mutation queue. It wraps BadgerDB with the small get/set/remove/scan
// surface the sync core needs; no transactions are exposed.
package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("storage: key not found")

// Config holds configuration for the local store.
type Config struct {
	// Path is the directory for the database files. Required unless
	// InMemory is set.
	Path string

	// InMemory keeps everything in RAM; nothing survives Close. Useful for
	// tests and for callers that explicitly opt out of durability.
	InMemory bool

	// SyncWrites forces a disk sync on every write. Queue records are small
	// and loss of a pending operation means silent data loss, so this
	// defaults on for persistent stores.
	SyncWrites bool

	Logger *logrus.Entry
}

// KV is the durable key-value store.
type KV struct {
	db  *badger.DB
	log *logrus.Entry
}

// Open opens (or creates) a store with the given configuration.
func Open(cfg Config) (*KV, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KV{db: db, log: log.WithField("component", "storage")}, nil
}

// OpenPath opens a persistent store at path with durable writes.
func OpenPath(path string, logger *logrus.Entry) (*KV, error) {
	return Open(Config{Path: path, SyncWrites: true, Logger: logger})
}

// OpenInMemory opens a non-durable store for tests and opt-out callers.
func OpenInMemory(logger *logrus.Entry) (*KV, error) {
	return Open(Config{InMemory: true, Logger: logger})
}

// Set stores value under key, overwriting any previous value.
func (kv *KV) Set(key string, value []byte) error {
	err := kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (kv *KV) Get(key string) ([]byte, error) {
	var value []byte
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (kv *KV) Remove(key string) error {
	err := kv.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Scan visits every key with the given prefix in lexical key order. The
// value passed to fn is only valid for the duration of the call.
func (kv *KV) Scan(prefix string, fn func(key string, value []byte) error) error {
	return kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				return fn(string(item.Key()), val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of keys with the given prefix.
func (kv *KV) Count(prefix string) (int, error) {
	n := 0
	err := kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close releases the store. Pending writes are flushed first.
func (kv *KV) Close() error {
	return kv.db.Close()
}
