package store

import (
	"context"
	"fmt"
	"strings"
)

// Source flags kept alongside entries.
const (
	FlagAdded            = "added"
	FlagNeedsUpdate      = "needs_update"
	FlagModerationFailed = "moderation_failed"
	FlagModerationReview = "moderation_review"
)

// SourceFlags lists every flag cleared when a source is deleted.
var SourceFlags = []string{FlagAdded, FlagNeedsUpdate, FlagModerationFailed, FlagModerationReview}

// SetFlag marks sourceID with flag. Setting a flag twice is a no-op.
func (s *Store) SetFlag(ctx context.Context, sourceID int64, flag string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO source_flags (post_id, flag) VALUES (?, ?)", sourceID, flag)
	if err != nil {
		return fmt.Errorf("set flag %s on source %d: %w", flag, sourceID, err)
	}
	return nil
}

// ClearFlags removes the given flags from sourceID, or all of its flags when
// none are named.
func (s *Store) ClearFlags(ctx context.Context, sourceID int64, flags ...string) error {
	q := "DELETE FROM source_flags WHERE post_id = ?"
	args := []any{sourceID}
	if len(flags) > 0 {
		q += " AND flag IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(flags)), ", ") + ")"
		for _, f := range flags {
			args = append(args, f)
		}
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("clear flags on source %d: %w", sourceID, err)
	}
	return nil
}

// Flags returns the flags set on sourceID in name order.
func (s *Store) Flags(ctx context.Context, sourceID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT flag FROM source_flags WHERE post_id = ? ORDER BY flag", sourceID)
	if err != nil {
		return nil, fmt.Errorf("query flags of source %d: %w", sourceID, err)
	}
	defer rows.Close()

	var flags []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}
