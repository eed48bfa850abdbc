package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultPrefix namespaces every logical key.
	DefaultPrefix = "embedq_"
	// DefaultTTL is the safety-net expiry for cached values.
	DefaultTTL = 24 * time.Hour
	// ChunkSize is the number of sequence elements held by one chunk.
	ChunkSize = 50

	countSuffix = "_count"
)

// ChunkedOptions configures a Chunked cache.
type ChunkedOptions struct {
	// Prefix is prepended to every key; empty means DefaultPrefix.
	Prefix string
	// TTL applies to every write made through Set; zero means DefaultTTL.
	TTL time.Duration
	// LargeKeys are the logical keys stored as chunked sequences.
	LargeKeys []string
}

// Chunked is a logical cache over a Backend. Values are msgpack-encoded. Keys
// listed in LargeKeys hold sequences and are written as chunks of ChunkSize
// elements plus a count marker, so no single physical entry grows unbounded.
type Chunked struct {
	backend Backend
	prefix  string
	ttl     time.Duration
	large   map[string]bool
}

// NewChunked wraps backend.
func NewChunked(backend Backend, opts ChunkedOptions) *Chunked {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	large := make(map[string]bool, len(opts.LargeKeys))
	for _, k := range opts.LargeKeys {
		large[k] = true
	}

	return &Chunked{
		backend: backend,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		large:   large,
	}
}

// Backend returns the physical backend.
func (c *Chunked) Backend() Backend {
	return c.backend
}

// IsLarge reports whether key is stored in chunks.
func (c *Chunked) IsLarge(key string) bool {
	return c.large[key]
}

// Get decodes the value stored under key into out and reports whether it was
// found. A chunked key with a missing chunk is a miss; the partial state is
// left for the next Set to overwrite.
func (c *Chunked) Get(ctx context.Context, key string, out any) (bool, error) {
	if !c.large[key] {
		data, ok, err := c.backend.Get(ctx, c.physical(key))
		if err != nil || !ok {
			return false, err
		}
		if err := msgpack.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		return true, nil
	}

	count, ok, err := c.chunkCount(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	items := make([]msgpack.RawMessage, 0, count*ChunkSize)
	for i := 0; i < count; i++ {
		data, ok, err := c.backend.Get(ctx, c.chunkKey(key, i))
		if err != nil || !ok {
			return false, err
		}
		var part []msgpack.RawMessage
		if err := msgpack.Unmarshal(data, &part); err != nil {
			return false, fmt.Errorf("decode %s chunk %d: %w", key, i, err)
		}
		items = append(items, part...)
	}

	joined, err := msgpack.Marshal(items)
	if err != nil {
		return false, fmt.Errorf("join %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(joined, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key with the default TTL.
func (c *Chunked) Set(ctx context.Context, key string, value any) error {
	return c.SetTTL(ctx, key, value, c.ttl)
}

// SetTTL stores value under key. Chunked keys require a sequence value; each
// chunk and the count marker share ttl.
func (c *Chunked) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if !c.large[key] {
		return c.backend.Set(ctx, c.physical(key), data, ttl)
	}

	var items []msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("%s is chunked and needs a sequence value: %w", key, err)
	}

	count := 0
	for start := 0; start < len(items); start += ChunkSize {
		end := min(start+ChunkSize, len(items))
		chunk, err := msgpack.Marshal(items[start:end])
		if err != nil {
			return fmt.Errorf("encode %s chunk %d: %w", key, count, err)
		}
		if err := c.backend.Set(ctx, c.chunkKey(key, count), chunk, ttl); err != nil {
			return err
		}
		count++
	}

	marker, err := msgpack.Marshal(count)
	if err != nil {
		return fmt.Errorf("encode %s count: %w", key, err)
	}
	return c.backend.Set(ctx, c.physical(key+countSuffix), marker, ttl)
}

// Delete removes key. For chunked keys every chunk named by the marker is
// removed along with the marker; a missing marker is a no-op.
func (c *Chunked) Delete(ctx context.Context, key string) error {
	if !c.large[key] {
		return c.backend.Delete(ctx, c.physical(key))
	}

	count, ok, err := c.chunkCount(ctx, key)
	if err != nil || !ok {
		return err
	}
	for i := 0; i < count; i++ {
		if err := c.backend.Delete(ctx, c.chunkKey(key, i)); err != nil {
			return err
		}
	}
	return c.backend.Delete(ctx, c.physical(key+countSuffix))
}

// Lease returns a lease manager sharing this cache's backend and prefix.
func (c *Chunked) Lease() *Lease {
	return NewLease(c.backend, c.prefix+"lease_")
}

func (c *Chunked) chunkCount(ctx context.Context, key string) (int, bool, error) {
	data, ok, err := c.backend.Get(ctx, c.physical(key+countSuffix))
	if err != nil || !ok {
		return 0, false, err
	}
	var count int
	if err := msgpack.Unmarshal(data, &count); err != nil {
		return 0, false, fmt.Errorf("decode %s count: %w", key, err)
	}
	return count, true, nil
}

func (c *Chunked) physical(key string) string {
	return c.prefix + key
}

func (c *Chunked) chunkKey(key string, i int) string {
	return c.prefix + key + "_" + strconv.Itoa(i)
}
