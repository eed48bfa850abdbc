package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/abdul-hamid-achik/embedq/internal/cache"
)

// DefaultCacheTTL bounds how long a memoized vector is reused.
const DefaultCacheTTL = 24 * time.Hour

// CachedProvider memoizes vectors in a cache.Backend keyed by model and text
// hash, so a retry after a vector index failure does not embed twice.
type CachedProvider struct {
	inner   Provider
	backend cache.Backend
	ttl     time.Duration
	logger  *slog.Logger
}

// WithCache wraps p. A zero ttl means DefaultCacheTTL.
func WithCache(p Provider, backend cache.Backend, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{inner: p, backend: backend, ttl: ttl, logger: logger}
}

// Key returns the cache key for text under the wrapped model.
func (c *CachedProvider) Key(text string) string {
	h := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return "embedq_vec_" + hex.EncodeToString(h[:])
}

// Embed returns the cached vector for text or generates and stores it.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(ctx, text); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, text, vec)
	return vec, nil
}

// EmbedBatch embeds only the texts missing from the cache.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missText := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.lookup(ctx, text); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, text)
	}
	if len(missText) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missText)
	if err != nil {
		return nil, err
	}
	for i, idx := range missIdx {
		results[idx] = fresh[i]
		c.store(ctx, missText[i], fresh[i])
	}
	return results, nil
}

func (c *CachedProvider) lookup(ctx context.Context, text string) ([]float32, bool) {
	data, ok, err := c.backend.Get(ctx, c.Key(text))
	if err != nil {
		c.logger.Warn("embedding cache read failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var vec []float32
	if err := msgpack.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *CachedProvider) store(ctx context.Context, text string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	data, err := msgpack.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.backend.Set(ctx, c.Key(text), data, c.ttl); err != nil {
		c.logger.Warn("embedding cache write failed", "err", err)
	}
}

// Model returns the name of the embedding model being used.
func (c *CachedProvider) Model() string {
	return c.inner.Model()
}

// Dimensions returns the dimensionality of the embedding vectors.
func (c *CachedProvider) Dimensions() int {
	return c.inner.Dimensions()
}

// Ping checks the wrapped provider.
func (c *CachedProvider) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}
