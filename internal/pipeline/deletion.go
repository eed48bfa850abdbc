package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdul-hamid-achik/embedq/internal/scheduler"
	"github.com/abdul-hamid-achik/embedq/internal/store"
	"github.com/abdul-hamid-achik/embedq/internal/vectorindex"
)

const (
	// TaskDeleteSources is the scheduler task name for Coordinator.
	TaskDeleteSources = "delete_sources"

	DeleteBatchSize         = 20
	DeleteContinuationDelay = 10 * time.Second
)

// SourceStore is the part of the entry store the coordinator needs.
type SourceStore interface {
	DeleteBySource(ctx context.Context, sourceID int64) (int64, error)
	ClearFlags(ctx context.Context, sourceID int64, flags ...string) error
	IDsBeyondLimit(ctx context.Context, limit int) ([]int64, error)
}

// Coordinator deletes sources a batch at a time, handing the remainder to
// the scheduler.
type Coordinator struct {
	store     SourceStore
	index     vectorindex.Index
	scheduler scheduler.Scheduler
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator. index may be nil.
func NewCoordinator(st SourceStore, index vectorindex.Index, sched scheduler.Scheduler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, index: index, scheduler: sched, logger: logger}
}

// Handler adapts Delete to the scheduler. Args are the remaining source ids.
func (c *Coordinator) Handler() scheduler.HandlerFunc {
	return func(ctx context.Context, args json.RawMessage) error {
		var ids []int64
		if err := json.Unmarshal(args, &ids); err != nil {
			return fmt.Errorf("decode %s args: %w", TaskDeleteSources, err)
		}
		_, err := c.Delete(ctx, ids)
		return err
	}
}

// Delete removes the entries and flags of the first DeleteBatchSize sources
// and schedules the rest after DeleteContinuationDelay. It returns the
// number of entries deleted in this batch.
func (c *Coordinator) Delete(ctx context.Context, sourceIDs []int64) (int64, error) {
	batch, rest := sourceIDs, []int64(nil)
	if len(batch) > DeleteBatchSize {
		batch, rest = sourceIDs[:DeleteBatchSize], sourceIDs[DeleteBatchSize:]
	}

	var total int64
	for _, id := range batch {
		n, err := c.store.DeleteBySource(ctx, id)
		if err != nil {
			return total, err
		}
		total += n

		if err := c.store.ClearFlags(ctx, id, store.SourceFlags...); err != nil {
			return total, err
		}

		if c.index != nil {
			if _, err := c.index.DeleteSource(ctx, id); err != nil {
				c.logger.Warn("delete source points", "source_id", id, "err", err)
			}
		}
	}
	c.logger.Info("sources deleted", "sources", len(batch), "entries", total, "remaining", len(rest))

	if len(rest) > 0 {
		if err := c.scheduler.Schedule(ctx, DeleteContinuationDelay, TaskDeleteSources, rest); err != nil {
			return total, fmt.Errorf("schedule remaining %d sources: %w", len(rest), err)
		}
	}
	return total, nil
}

// PruneBeyondLimit deletes every source that has an entry outside the newest
// limit entries. It returns the sources handed to Delete.
func (c *Coordinator) PruneBeyondLimit(ctx context.Context, limit int) ([]int64, error) {
	ids, err := c.store.IDsBeyondLimit(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := c.Delete(ctx, ids); err != nil {
		return ids, fmt.Errorf("prune: %w", err)
	}
	return ids, nil
}
