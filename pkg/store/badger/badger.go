// Package badger is a ValueStore backed by BadgerDB, so process variable
// values survive restarts.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/pvaserver/pkg/store"
)

// Records live under the "pv:" prefix, JSON encoded.
const recordPrefix = "pv:"

func recordKey(name string) []byte { return []byte(recordPrefix + name) }

// Config configures the BadgerDB value store.
type Config struct {
	// DBPath is the database directory. Ignored when InMemory is set.
	DBPath string `mapstructure:"path"`

	// InMemory keeps the database in memory, for tests.
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB defaults to 32.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_mb"`

	// SyncWrites flushes every write to disk before returning.
	SyncWrites bool `mapstructure:"sync_writes"`
}

type BadgerValueStore struct {
	db *badger.DB
}

func NewBadgerValueStore(ctx context.Context, cfg Config) (*BadgerValueStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger value store: path is required")
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	cacheMB := cfg.BlockCacheSizeMB
	if cacheMB == 0 {
		cacheMB = 32
	}
	opts = opts.WithBlockCacheSize(cacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	return &BadgerValueStore{db: db}, nil
}

func (s *BadgerValueStore) Get(ctx context.Context, name string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec store.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(name))
		if err == badger.ErrKeyNotFound {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerValueStore) Put(ctx context.Context, rec *store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %q: %w", rec.Name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Name), data)
	})
}

func (s *BadgerValueStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return txn.Delete(recordKey(name))
	})
}

func (s *BadgerValueStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(recordPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, recordPrefix))
		}
		return nil
	})
	return names, err
}

func (s *BadgerValueStore) Close() error {
	return s.db.Close()
}
