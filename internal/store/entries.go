package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Insert merges fields over the column defaults, ignoring unknown keys, and
// persists a new entry. It returns the assigned id.
func (s *Store) Insert(ctx context.Context, fields Fields) (int64, error) {
	row := defaultFields(time.Now())
	for col, v := range fields {
		if recognised(col) {
			row[col] = v
		}
	}

	args := make([]any, 0, len(writableColumns))
	for _, col := range writableColumns {
		v, err := columnValue(col, row[col])
		if err != nil {
			return 0, fmt.Errorf("insert entry: %w", err)
		}
		args = append(args, v)
	}

	query := fmt.Sprintf("INSERT INTO entries (%s) VALUES (%s)",
		strings.Join(writableColumns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(writableColumns)), ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	s.invalidate(ctx, KeyEntries, KeyEntriesCount)
	return id, nil
}

// Update writes the recognised keys of fields to entry id and bumps its
// modified time. It returns 0 without error when id does not exist.
func (s *Store) Update(ctx context.Context, id int64, fields Fields) (int64, error) {
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for _, col := range writableColumns {
		v, ok := fields[col]
		if !ok {
			continue
		}
		bound, err := columnValue(col, v)
		if err != nil {
			return 0, fmt.Errorf("update entry %d: %w", id, err)
		}
		sets = append(sets, col+" = ?")
		args = append(args, bound)
	}
	if _, ok := fields[ColModified]; !ok {
		sets = append(sets, ColModified+" = ?")
		args = append(args, formatTime(time.Now()))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE entries SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return 0, fmt.Errorf("update entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update entry %d: %w", id, err)
	}

	s.invalidate(ctx, EntryKey(id), KeyEntriesProcessed)
	return n, nil
}

// Get returns entry id, reading through the cache.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	var cached Entry
	if s.cacheGet(ctx, EntryKey(id), &cached) {
		return &cached, nil
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}

	s.cacheSet(ctx, EntryKey(id), e)
	return e, nil
}

// GetByStatus lists entries with the given status in insertion order, at most
// limit of them (limit <= 0 means all). The scheduled listing is always read
// live. The processed listing is cached in full and truncated here.
func (s *Store) GetByStatus(ctx context.Context, status Status, limit int) ([]Entry, error) {
	if status != StatusProcessed {
		return s.query(ctx, ColStatus+" = ?", []any{string(status)}, limit)
	}

	var all []Entry
	if !s.cacheGet(ctx, KeyEntriesProcessed, &all) {
		var err error
		all, err = s.query(ctx, ColStatus+" = ?", []any{string(StatusProcessed)}, 0)
		if err != nil {
			return nil, err
		}
		s.cacheSet(ctx, KeyEntriesProcessed, all)
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetByBackend lists entries whose vector lives in backend.
func (s *Store) GetByBackend(ctx context.Context, backend Backend, limit int) ([]Entry, error) {
	return s.query(ctx, ColStorage+" = ?", []any{string(backend)}, limit)
}

// All lists every entry, reading through the cache.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	var all []Entry
	if s.cacheGet(ctx, KeyEntries, &all) {
		return all, nil
	}
	all, err := s.query(ctx, "", nil, 0)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, KeyEntries, all)
	return all, nil
}

func (s *Store) query(ctx context.Context, where string, args []any, limit int) ([]Entry, error) {
	q := "SELECT " + selectColumns + " FROM entries"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY id"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// DeleteBySource removes every entry of sourceID.
func (s *Store) DeleteBySource(ctx context.Context, sourceID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE post_id = ?", sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete source %d: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete source %d: %w", sourceID, err)
	}

	s.invalidate(ctx, KeyEntries, KeyEntriesProcessed, KeyEntriesCount)
	return n, nil
}

// UpdateBackend reassigns every entry at from to to. Embeddings are untouched.
func (s *Store) UpdateBackend(ctx context.Context, to, from Backend) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entries SET storage = ?, modified = ? WHERE storage = ?",
		string(to), formatTime(time.Now()), string(from))
	if err != nil {
		return 0, fmt.Errorf("update backend %s -> %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update backend %s -> %s: %w", from, to, err)
	}

	s.invalidate(ctx, KeyEntries, KeyEntriesProcessed)
	return n, nil
}

// Count returns the number of entries, reading through the cache.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if s.cacheGet(ctx, KeyEntriesCount, &n) {
		return n, nil
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	s.cacheSet(ctx, KeyEntriesCount, n)
	return n, nil
}

// IDsBeyondLimit returns the distinct source ids of the entries ranked after
// the newest limit entries by descending id, in that rank order.
func (s *Store) IDsBeyondLimit(ctx context.Context, limit int) ([]int64, error) {
	if limit < 0 {
		limit = 0
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&total); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	if total <= int64(limit) {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT post_id FROM entries ORDER BY id DESC LIMIT ? OFFSET ?", total, limit)
	if err != nil {
		return nil, fmt.Errorf("query sources beyond %d: %w", limit, err)
	}
	defer rows.Close()

	var ids []int64
	seen := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source ids: %w", err)
	}
	return ids, nil
}

// Stats summarises the table for status output.
type Stats struct {
	Total     int64 `json:"total"`
	Scheduled int64 `json:"scheduled"`
	Processed int64 `json:"processed"`
	Local     int64 `json:"local"`
	External  int64 `json:"external"`
	Sources   int64 `json:"sources"`
}

// Stats returns live counts grouped by status and backend.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN post_status = 'scheduled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN post_status = 'processed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN storage = 'local' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN storage = 'external' THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT post_id)
		FROM entries
	`).Scan(&st.Total, &st.Scheduled, &st.Processed, &st.Local, &st.External, &st.Sources)
	if err != nil {
		return nil, fmt.Errorf("entry stats: %w", err)
	}
	return st, nil
}
