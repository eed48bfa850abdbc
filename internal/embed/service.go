package embed

import (
	"context"
	"fmt"
)

// ServiceAdapter exposes a Provider as the embedding service consumed by the
// pipeline: one text in, a sequence of vectors out.
type ServiceAdapter struct {
	Provider Provider
}

// NewServiceAdapter wraps p.
func NewServiceAdapter(p Provider) *ServiceAdapter {
	return &ServiceAdapter{Provider: p}
}

// CreateEmbeddings embeds text. The result is never empty on success.
func (s *ServiceAdapter) CreateEmbeddings(ctx context.Context, text string) ([][]float32, error) {
	vec, err := s.Provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(vec) == 0 {
		return nil, ErrEmptyResult
	}
	return [][]float32{vec}, nil
}

// Warm embeds texts in batches. It only pays off when Provider caches, as
// CachedProvider does; the vectors themselves are discarded.
func (s *ServiceAdapter) Warm(ctx context.Context, texts []string) error {
	if _, err := s.Provider.EmbedBatch(ctx, texts); err != nil {
		return fmt.Errorf("warm embeddings: %w", err)
	}
	return nil
}
