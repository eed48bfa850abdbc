package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abdul-hamid-achik/embedq/internal/store"
)

// Document is one source to be split into entries.
type Document struct {
	SourceID int64
	Title    string
	Content  string
}

// EntryWriter is the part of the entry store the ingester writes to.
type EntryWriter interface {
	Insert(ctx context.Context, fields store.Fields) (int64, error)
	DeleteBySource(ctx context.Context, sourceID int64) (int64, error)
	SetFlag(ctx context.Context, sourceID int64, flag string) error
}

// Enqueuer schedules the first processing attempt of an entry.
type Enqueuer interface {
	Enqueue(ctx context.Context, id int64) error
}

// PointRemover drops the vector index points of a source.
type PointRemover interface {
	DeleteSource(ctx context.Context, sourceID int64) (int64, error)
}

// IngestResult describes one ingested document.
type IngestResult struct {
	SourceID int64
	Replaced int64
	EntryIDs []int64
}

// Ingester turns documents into scheduled entries.
type Ingester struct {
	store   EntryWriter
	queue   Enqueuer
	chunker *Chunker
	points  PointRemover
	logger  *slog.Logger
}

// NewIngester creates an Ingester. queue may be nil, in which case entries
// stay scheduled until a dispatch sweep picks them up.
func NewIngester(st EntryWriter, queue Enqueuer, cfg ChunkerConfig, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:   st,
		queue:   queue,
		chunker: NewChunker(cfg),
		logger:  logger,
	}
}

// SetPointRemover makes Ingest drop stale vector index points of a
// replaced source.
func (in *Ingester) SetPointRemover(p PointRemover) {
	in.points = p
}

// Ingest replaces the entries of doc.SourceID with fresh chunks of its
// content and enqueues each of them.
func (in *Ingester) Ingest(ctx context.Context, doc Document) (*IngestResult, error) {
	replaced, err := in.store.DeleteBySource(ctx, doc.SourceID)
	if err != nil {
		return nil, fmt.Errorf("ingest source %d: %w", doc.SourceID, err)
	}

	if replaced > 0 && in.points != nil {
		if _, err := in.points.DeleteSource(ctx, doc.SourceID); err != nil {
			in.logger.Warn("delete stale points", "source_id", doc.SourceID, "err", err)
		}
	}

	result := &IngestResult{SourceID: doc.SourceID, Replaced: replaced}
	for _, chunk := range in.chunker.Chunk(doc.Content) {
		id, err := in.store.Insert(ctx, store.Fields{
			store.ColSourceID:   doc.SourceID,
			store.ColTitle:      doc.Title,
			store.ColContent:    chunk.Content,
			store.ColTokenCount: chunk.TokenCount(),
		})
		if err != nil {
			return result, fmt.Errorf("ingest source %d chunk %d: %w", doc.SourceID, chunk.Index, err)
		}
		result.EntryIDs = append(result.EntryIDs, id)
	}

	flag := store.FlagAdded
	if replaced > 0 {
		flag = store.FlagNeedsUpdate
	}
	if err := in.store.SetFlag(ctx, doc.SourceID, flag); err != nil {
		return result, fmt.Errorf("ingest source %d: %w", doc.SourceID, err)
	}

	if in.queue != nil {
		for _, id := range result.EntryIDs {
			if err := in.queue.Enqueue(ctx, id); err != nil {
				in.logger.Warn("enqueue entry", "entry_id", id, "err", err)
			}
		}
	}

	in.logger.Debug("document ingested", "source_id", doc.SourceID, "entries", len(result.EntryIDs), "replaced", replaced)
	return result, nil
}
