package index

import (
	"strings"
	"testing"
)

func TestNewChunker(t *testing.T) {
	c := NewChunker(ChunkerConfig{})
	if c.config != DefaultChunkerConfig() {
		t.Errorf("default config = %+v", c.config)
	}

	c = NewChunker(ChunkerConfig{ChunkSize: 1024, ChunkOverlap: 128})
	if c.config.ChunkSize != 1024 || c.config.ChunkOverlap != 128 {
		t.Errorf("custom config = %+v", c.config)
	}

	c = NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 400})
	if c.config.ChunkOverlap != 25 {
		t.Errorf("overlap larger than size should shrink, got %d", c.config.ChunkOverlap)
	}
}

func TestChunk_Empty(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	for _, in := range []string{"", "   \n\n\t"} {
		if chunks := c.Chunk(in); chunks != nil {
			t.Errorf("Chunk(%q) = %v, want nil", in, chunks)
		}
	}
}

func TestChunk_SmallDocument(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	chunks := c.Chunk("Title\n\nFirst paragraph.\nSecond line.\n")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.Content != "Title\n\nFirst paragraph.\nSecond line." {
		t.Errorf("content = %q", ch.Content)
	}
	if ch.StartLine != 1 || ch.EndLine != 4 || ch.StartByte != 0 {
		t.Errorf("bounds = %+v", ch)
	}
}

func TestChunk_SplitsWithOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString(strings.Repeat("x", 39))
		b.WriteByte('\n')
		if i%5 == 4 {
			b.WriteByte('\n')
		}
	}
	content := b.String()

	c := NewChunker(ChunkerConfig{ChunkSize: 400, ChunkOverlap: 80})
	chunks := c.Chunk(content)
	if len(chunks) < 4 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if len(ch.Content) > 400 {
			t.Errorf("chunk %d is %d bytes", i, len(ch.Content))
		}
		if content[ch.StartByte:ch.EndByte] == "" {
			t.Errorf("chunk %d has empty byte range", i)
		}
		if i > 0 {
			prev := chunks[i-1]
			if ch.StartLine > prev.EndLine {
				t.Errorf("chunk %d starts at line %d, after previous end %d: no overlap", i, ch.StartLine, prev.EndLine)
			}
			if ch.StartLine <= prev.StartLine {
				t.Errorf("chunk %d does not advance", i)
			}
		}
	}
	if last := chunks[len(chunks)-1]; last.EndLine < 70 {
		t.Errorf("last chunk ends at line %d, content not covered", last.EndLine)
	}
}

func TestChunk_LongLine(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 10})
	long := strings.Repeat("y", 500)
	chunks := c.Chunk("short\n" + long + "\nend")
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[1].Content != long {
		t.Error("a long line must stay whole")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"ab", 1},
		{"abcd", 1},
		{strings.Repeat("a", 41), 10},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsDocument(t *testing.T) {
	tests := map[string]bool{
		"notes.md":        true,
		"page.HTML":       true,
		"readme.txt":      true,
		"main.go":         false,
		"image.png":       false,
		"docs/guide.adoc": true,
	}
	for name, want := range tests {
		if got := IsDocument(name); got != want {
			t.Errorf("IsDocument(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsTextFile(t *testing.T) {
	if !IsTextFile([]byte("hello")) || !IsTextFile(nil) {
		t.Error("text rejected")
	}
	if IsTextFile([]byte{'a', 0, 'b'}) {
		t.Error("binary accepted")
	}
	if IsTextFile([]byte{0xff, 0xfe}) {
		t.Error("invalid utf-8 accepted")
	}
}
