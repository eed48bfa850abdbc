package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures a Badger backend.
type BadgerOptions struct {
	// Dir is the badger directory. Empty runs badger in memory.
	Dir string
	// MaxValueSize is the per-entry byte ceiling; zero means DefaultMaxValueSize.
	MaxValueSize int
}

// Badger is a Backend persisted in a badger key/value store, so cached
// listings survive restarts of the host process.
type Badger struct {
	db           *badger.DB
	maxValueSize int
}

// OpenBadger opens (or creates) a badger-backed cache.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	bo := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bo = bo.WithInMemory(true)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	if opts.MaxValueSize <= 0 {
		opts.MaxValueSize = DefaultMaxValueSize
	}

	return &Badger{db: db, maxValueSize: opts.MaxValueSize}, nil
}

// Get reads key. Expired keys are reported as misses by badger itself.
func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes key with an optional TTL.
func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) > b.maxValueSize {
		return fmt.Errorf("set %s (%d bytes): %w", key, len(value), ErrValueTooLarge)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newBadgerEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Add writes key only if it is absent. A transaction conflict with a
// concurrent writer counts as "not added".
func (b *Badger) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if len(value) > b.maxValueSize {
		return false, fmt.Errorf("add %s (%d bytes): %w", key, len(value), ErrValueTooLarge)
	}

	added := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(newBadgerEntry(key, value, ttl)); err != nil {
			return err
		}
		added = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger add %s: %w", key, err)
	}
	return added, nil
}

// Delete removes key.
func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying badger database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func newBadgerEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

var _ Backend = (*Badger)(nil)
