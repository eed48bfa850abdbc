// Package index splits source documents into entries and queues them for
// embedding.
package index

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Chunk is one piece of a document.
type Chunk struct {
	Content   string
	Index     int
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int
}

// TokenCount estimates the token count of the chunk at four bytes per token.
func (c Chunk) TokenCount() int {
	return EstimateTokens(c.Content)
}

// EstimateTokens approximates tokens as len/4, at least one for non-empty text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	if n := len(s) / 4; n > 0 {
		return n
	}
	return 1
}

// ChunkerConfig holds configuration for the chunker.
type ChunkerConfig struct {
	ChunkSize    int // target chunk size in bytes
	ChunkOverlap int // overlap between chunks in bytes
}

// DefaultChunkerConfig returns default chunker configuration.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    2048, // ~512 tokens
		ChunkOverlap: 256,
	}
}

// Chunker splits documents at paragraph boundaries.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker; zero fields take the defaults.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkerConfig().ChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = DefaultChunkerConfig().ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 4
	}
	return &Chunker{config: cfg}
}

type line struct {
	text  string
	start int
}

// Chunk splits content into chunks of roughly ChunkSize bytes. Lines are
// never split; a chunk prefers to end on a blank line once it is at least
// half full, and the next chunk repeats up to ChunkOverlap bytes of trailing
// lines.
func (c *Chunker) Chunk(content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := splitLines(content)
	var chunks []Chunk
	for start := 0; start < len(lines); {
		end := start
		size := 0
		for end < len(lines) && (end == start || size+len(lines[end].text) <= c.config.ChunkSize) {
			size += len(lines[end].text) + 1
			end++
		}

		// Back up to the last paragraph break in the second half.
		if end < len(lines) {
			cut, filled := -1, 0
			for i := start; i < end-1; i++ {
				filled += len(lines[i].text) + 1
				if filled >= c.config.ChunkSize/2 && strings.TrimSpace(lines[i].text) == "" {
					cut = i + 1
				}
			}
			if cut > 0 {
				end = cut
			}
		}

		if chunk := c.build(lines, start, end, len(chunks)); chunk.Content != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(lines) {
			break
		}

		next := end
		overlap := 0
		for next-1 > start && overlap+len(lines[next-1].text) <= c.config.ChunkOverlap {
			next--
			overlap += len(lines[next].text) + 1
		}
		start = next
	}
	return chunks
}

func (c *Chunker) build(lines []line, start, end, index int) Chunk {
	var b strings.Builder
	for i := start; i < end; i++ {
		b.WriteString(lines[i].text)
		if i < end-1 {
			b.WriteByte('\n')
		}
	}
	last := lines[end-1]
	return Chunk{
		Content:   strings.TrimSpace(b.String()),
		Index:     index,
		StartLine: start + 1,
		EndLine:   end,
		StartByte: lines[start].start,
		EndByte:   last.start + len(last.text),
	}
}

func splitLines(content string) []line {
	parts := strings.Split(content, "\n")
	lines := make([]line, 0, len(parts))
	offset := 0
	for _, p := range parts {
		lines = append(lines, line{text: strings.TrimSuffix(p, "\r"), start: offset})
		offset += len(p) + 1
	}
	// Drop the empty element after a trailing newline.
	if n := len(lines); n > 1 && lines[n-1].text == "" {
		lines = lines[:n-1]
	}
	return lines
}

var documentExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
	".rst":      true,
	".adoc":     true,
}

// IsDocument reports whether filename looks like a prose document.
func IsDocument(filename string) bool {
	return documentExtensions[strings.ToLower(filepath.Ext(filename))]
}

// IsTextFile checks if content appears to be text (not binary).
func IsTextFile(content []byte) bool {
	sample := content
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(sample)
}
