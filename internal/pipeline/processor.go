// Package pipeline turns scheduled entries into embedded ones and removes
// sources in batches.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/abdul-hamid-achik/embedq/internal/backend"
	"github.com/abdul-hamid-achik/embedq/internal/cache"
	"github.com/abdul-hamid-achik/embedq/internal/scheduler"
	"github.com/abdul-hamid-achik/embedq/internal/store"
	"github.com/abdul-hamid-achik/embedq/internal/vectorindex"
)

// TaskProcessEntry is the scheduler task name for Processor.
const TaskProcessEntry = "process_entry"

// DefaultRetryInterval is the delay before a failed entry is tried again.
const DefaultRetryInterval = 60 * time.Second

// Task identifies one processing attempt.
type Task struct {
	EntryID int64 `json:"entry_id"`
	Attempt int   `json:"attempt,omitempty"`
}

// Embedder produces embeddings for a text.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, text string) ([][]float32, error)
}

// Warmer embeds a batch of texts ahead of their entries, so the per-entry
// embedding calls that follow are answered from a cache.
type Warmer interface {
	Warm(ctx context.Context, texts []string) error
}

// EntryStore is the part of the entry store the processor needs.
type EntryStore interface {
	Get(ctx context.Context, id int64) (*store.Entry, error)
	Update(ctx context.Context, id int64, fields store.Fields) (int64, error)
	GetByStatus(ctx context.Context, status store.Status, limit int) ([]store.Entry, error)
}

// Config tunes a Processor.
type Config struct {
	// RetryInterval defaults to DefaultRetryInterval.
	RetryInterval time.Duration
	// MaxAttempts caps attempts per entry; zero retries forever.
	MaxAttempts int
	// LeaseTTL enables a per-entry lease when positive.
	LeaseTTL time.Duration
	// SiteURL is copied into every vector index payload.
	SiteURL string
}

// Processor embeds one entry per task.
type Processor struct {
	cfg       Config
	store     EntryStore
	embedder  Embedder
	warmer    Warmer
	health    backend.Health
	index     vectorindex.Index
	scheduler scheduler.Scheduler
	lease     *cache.Lease
	logger    *slog.Logger
}

// Deps are the collaborators of a Processor. Warmer, Index, Health and
// Lease are optional.
type Deps struct {
	Store     EntryStore
	Embedder  Embedder
	Warmer    Warmer
	Health    backend.Health
	Index     vectorindex.Index
	Scheduler scheduler.Scheduler
	Lease     *cache.Lease
	Logger    *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg Config, deps Deps) *Processor {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Processor{
		cfg:       cfg,
		store:     deps.Store,
		embedder:  deps.Embedder,
		warmer:    deps.Warmer,
		health:    deps.Health,
		index:     deps.Index,
		scheduler: deps.Scheduler,
		lease:     deps.Lease,
		logger:    deps.Logger,
	}
}

// Handler adapts Process to the scheduler.
func (p *Processor) Handler() scheduler.HandlerFunc {
	return func(ctx context.Context, args json.RawMessage) error {
		var task Task
		if err := json.Unmarshal(args, &task); err != nil {
			return fmt.Errorf("decode %s args: %w", TaskProcessEntry, err)
		}
		return p.Process(ctx, task)
	}
}

// Enqueue schedules the first attempt for id.
func (p *Processor) Enqueue(ctx context.Context, id int64) error {
	return p.scheduler.Schedule(ctx, 0, TaskProcessEntry, Task{EntryID: id})
}

// Process embeds the entry, optionally writes it to the vector index and
// marks it processed. Embedding and index failures schedule a retry instead
// of returning an error; the entry is left untouched until both succeed.
func (p *Processor) Process(ctx context.Context, task Task) error {
	logger := p.logger.With("entry_id", task.EntryID, "attempt", task.Attempt)

	if p.lease != nil && p.cfg.LeaseTTL > 0 {
		name := "process_" + strconv.FormatInt(task.EntryID, 10)
		token, ok, err := p.lease.Acquire(ctx, name, p.cfg.LeaseTTL)
		switch {
		case err != nil:
			logger.Warn("lease unavailable, processing without it", "err", err)
		case !ok:
			logger.Debug("entry leased by another worker, rescheduling")
			return p.reschedule(ctx, task)
		default:
			defer func() {
				if err := p.lease.Release(context.WithoutCancel(ctx), name, token); err != nil {
					logger.Warn("release lease", "err", err)
				}
			}()
		}
	}

	entry, err := p.store.Get(ctx, task.EntryID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("entry gone, nothing to process")
		return nil
	}
	if err != nil {
		p.retry(ctx, task, logger)
		return fmt.Errorf("process entry %d: %w", task.EntryID, err)
	}

	text := StripMarkup(entry.Content)
	vectors, err := p.embedder.CreateEmbeddings(ctx, text)
	if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
		if err == nil {
			err = errors.New("empty embedding")
		}
		logger.Warn("embedding failed", "err", err)
		p.retry(ctx, task, logger)
		return nil
	}
	vector := vectors[0]

	storage := store.BackendLocal
	if p.index != nil && p.health != nil && p.health.IsActive() {
		meta := vectorindex.Metadata{
			SourceID:   entry.SourceID,
			Title:      entry.Title,
			Content:    entry.Content,
			TokenCount: entry.TokenCount,
			SiteURL:    p.cfg.SiteURL,
		}
		if err := p.addPoint(ctx, entry.ID, vector, meta); err != nil {
			logger.Warn("vector index write failed", "err", err)
			p.retry(ctx, task, logger)
			return nil
		}
		storage = store.BackendExternal
	}

	n, err := p.store.Update(ctx, entry.ID, store.Fields{
		store.ColEmbeddings: vector,
		store.ColStatus:     store.StatusProcessed,
		store.ColStorage:    storage,
	})
	if err != nil {
		p.retry(ctx, task, logger)
		return fmt.Errorf("process entry %d: %w", task.EntryID, err)
	}
	if n == 0 {
		// The cached entry outlived its row. A point written for it would
		// never be removed, since its source's points are already gone.
		logger.Info("entry deleted during processing, vector discarded")
		if storage == store.BackendExternal {
			if err := p.index.DeletePoint(ctx, entry.ID); err != nil {
				logger.Error("remove point of deleted entry", "err", err)
			}
		}
		return nil
	}
	logger.Debug("entry processed", "storage", storage, "dimensions", len(vector))
	return nil
}

// addPoint converts a panicking index client into an error.
func (p *Processor) addPoint(ctx context.Context, id int64, vector []float32, meta vectorindex.Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("add point panicked: %v", r)
		}
	}()
	return p.index.AddPoint(ctx, id, vector, meta)
}

// retry schedules the next attempt unless the cap is reached.
func (p *Processor) retry(ctx context.Context, task Task, logger *slog.Logger) {
	if p.cfg.MaxAttempts > 0 && task.Attempt+1 >= p.cfg.MaxAttempts {
		logger.Error("giving up on entry", "max_attempts", p.cfg.MaxAttempts)
		return
	}
	next := Task{EntryID: task.EntryID, Attempt: task.Attempt + 1}
	if err := p.scheduler.Schedule(ctx, p.cfg.RetryInterval, TaskProcessEntry, next); err != nil {
		logger.Error("schedule retry", "err", err)
	}
}

// reschedule runs the same attempt again later.
func (p *Processor) reschedule(ctx context.Context, task Task) error {
	if err := p.scheduler.Schedule(ctx, p.cfg.RetryInterval, TaskProcessEntry, task); err != nil {
		return fmt.Errorf("reschedule entry %d: %w", task.EntryID, err)
	}
	return nil
}

// DispatchScheduled enqueues up to limit scheduled entries and returns how
// many were enqueued. A limit of zero or less means all.
func (p *Processor) DispatchScheduled(ctx context.Context, limit int) (int, error) {
	entries, err := p.store.GetByStatus(ctx, store.StatusScheduled, limit)
	if err != nil {
		return 0, fmt.Errorf("dispatch scheduled: %w", err)
	}
	if p.warmer != nil {
		p.warm(ctx, entries)
	}
	for i, e := range entries {
		if err := p.Enqueue(ctx, e.ID); err != nil {
			return i, fmt.Errorf("dispatch entry %d: %w", e.ID, err)
		}
	}
	if len(entries) > 0 {
		p.logger.Info("scheduled entries dispatched", "count", len(entries))
	}
	return len(entries), nil
}

// warm embeds the dispatched entries in one batch. A failure only costs the
// batching; each entry still embeds on its own.
func (p *Processor) warm(ctx context.Context, entries []store.Entry) {
	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		if text := StripMarkup(e.Content); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return
	}
	if err := p.warmer.Warm(ctx, texts); err != nil {
		p.logger.Warn("batch embedding failed, embedding entries one by one", "count", len(texts), "err", err)
	}
}
