// Package badger provides a single-node kv.Store on an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"go2-edge/internal/metrics"
)

const gcInterval = 10 * time.Minute

// Store keeps edge keys in BadgerDB and relies on Badger's native TTL.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already opened database.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer observe("get", start)

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return string(value), true, nil
}

func (s *Store) Put(_ context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	defer observe("put", start)

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("badger set %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) Delete(_ context.Context, key string) error {
	start := time.Now()
	defer observe("delete", start)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("badger delete %s: %w", key, err)
		}
		return nil
	})
}

// RunGC reclaims value log space; call periodically on long-lived stores.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Serve runs value log GC every interval until ctx is done. It implements
// suture.Service.
func (s *Store) Serve(ctx context.Context) error {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunGC(); err != nil {
				return fmt.Errorf("badger value log gc: %w", err)
			}
		}
	}
}

func (s *Store) String() string { return "badger-gc" }

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func observe(op string, start time.Time) {
	metrics.KVOperationDuration.WithLabelValues("badger", op).Observe(time.Since(start).Seconds())
}
