// Package store persists entries in SQLite and keeps the chunked cache in
// front of it coherent with every write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/abdul-hamid-achik/embedq/internal/cache"
)

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("entry not found")

// Logical cache keys.
const (
	KeyEntries          = "entries"
	KeyEntriesCount     = "entries_count"
	KeyEntriesProcessed = "entries_processed"
)

// EntryKey is the cache key of a single entry.
func EntryKey(id int64) string {
	return "entry_" + strconv.FormatInt(id, 10)
}

// LargeKeys lists the cache keys whose values must be chunked.
func LargeKeys() []string {
	return []string{KeyEntriesProcessed}
}

// Options configures Open.
type Options struct {
	// Path is the SQLite database file, or ":memory:".
	Path string
	// Cache fronts reads; nil disables caching.
	Cache *cache.Chunked
	// Logger receives cache failures; nil means slog.Default().
	Logger *slog.Logger
}

// Store is the entry table plus its cache. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	cache  *cache.Chunked
	logger *slog.Logger
}

// Open opens the database, runs pending schema migrations and returns a Store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("open store: empty database path")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dsn := opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, cache: opts.Cache, logger: opts.Logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database. The cache is owned by the caller.
func (s *Store) Close() error {
	return s.db.Close()
}

// cacheGet reads key into out. Cache failures are logged and reported as a
// miss so reads always fall back to the table.
func (s *Store) cacheGet(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	ok, err := s.cache.Get(ctx, key, out)
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "err", err)
		return false
	}
	return ok
}

func (s *Store) cacheSet(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.logger.Warn("cache write failed", "key", key, "err", err)
	}
}

// invalidate deletes keys after a successful write.
func (s *Store) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("cache invalidation failed", "key", key, "err", err)
		}
	}
}
