// Package vectorindex writes entry vectors to an external vector index.
//
// Two adapters are provided: Qdrant over gRPC and a local veclite HNSW file.
// Point ids are entry ids, so repeated writes of the same entry are upserts.
package vectorindex

import (
	"context"
	"fmt"
)

// Metadata is the payload stored with each point.
type Metadata struct {
	SourceID   int64
	Title      string
	Content    string
	TokenCount int
	SiteURL    string
}

// Payload keys.
const (
	KeyEntryID    = "entry_id"
	KeySourceID   = "source_id"
	KeyTitle      = "title"
	KeyContent    = "content"
	KeyTokenCount = "token_count"
	KeySiteURL    = "site_url"
)

// Index is the external vector index.
type Index interface {
	// AddPoint upserts the vector of entry id.
	AddPoint(ctx context.Context, id int64, vector []float32, meta Metadata) error
	// DeletePoint removes the point of entry id, if any.
	DeletePoint(ctx context.Context, id int64) error
	// DeleteSource removes every point of sourceID and returns how many went.
	DeleteSource(ctx context.Context, sourceID int64) (int64, error)
	// Count returns the number of stored points.
	Count(ctx context.Context) (int64, error)
	// Ping checks that the index is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Kind names an Index implementation.
type Kind string

const (
	KindQdrant  Kind = "qdrant"
	KindVecLite Kind = "veclite"
)

// Config selects and configures an Index.
type Config struct {
	Kind       Kind
	Addr       string // qdrant gRPC address
	Path       string // veclite file
	Collection string
	Dimensions int
}

// DefaultCollection is used when Config.Collection is empty.
const DefaultCollection = "embedq_entries"

// Open connects the index named by cfg.
func Open(ctx context.Context, cfg Config) (Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("open vector index: dimensions must be positive")
	}

	switch cfg.Kind {
	case KindQdrant:
		return OpenQdrant(ctx, cfg.Addr, cfg.Collection, cfg.Dimensions)
	case KindVecLite, "":
		return OpenVecLite(cfg.Path, cfg.Collection, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown vector index kind %q", cfg.Kind)
	}
}

func (m Metadata) payload(id int64) map[string]any {
	return map[string]any{
		KeyEntryID:    id,
		KeySourceID:   m.SourceID,
		KeyTitle:      m.Title,
		KeyContent:    m.Content,
		KeyTokenCount: int64(m.TokenCount),
		KeySiteURL:    m.SiteURL,
	}
}
