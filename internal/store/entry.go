package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the processing state of an entry.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusProcessed Status = "processed"
)

// Backend names where an entry's vector lives.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendExternal Backend = "external"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendLocal, BackendExternal:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown backend %q (want %s or %s)", s, BackendLocal, BackendExternal)
	}
}

// Column names of the entries table. They double as the recognised keys of
// Fields.
const (
	ColID         = "id"
	ColDate       = "date"
	ColModified   = "modified"
	ColSourceID   = "post_id"
	ColTitle      = "post_title"
	ColContent    = "post_content"
	ColEmbeddings = "embeddings"
	ColTokenCount = "token_count"
	ColStatus     = "post_status"
	ColStorage    = "storage"
)

// writableColumns is the fixed column order used for inserts.
var writableColumns = []string{
	ColDate, ColModified, ColSourceID, ColTitle, ColContent,
	ColEmbeddings, ColTokenCount, ColStatus, ColStorage,
}

const selectColumns = "id, date, modified, post_id, post_title, post_content, embeddings, token_count, post_status, storage"

// Entry is one chunk of source content and its derived embedding.
type Entry struct {
	ID         int64     `msgpack:"id" json:"id"`
	CreatedAt  time.Time `msgpack:"created_at" json:"created_at"`
	ModifiedAt time.Time `msgpack:"modified_at" json:"modified_at"`
	SourceID   int64     `msgpack:"source_id" json:"source_id"`
	Title      string    `msgpack:"title" json:"title"`
	Content    string    `msgpack:"content" json:"content"`
	Embedding  []float32 `msgpack:"embedding" json:"embedding,omitempty"`
	TokenCount int       `msgpack:"token_count" json:"token_count"`
	Status     Status    `msgpack:"status" json:"status"`
	Backend    Backend   `msgpack:"backend" json:"backend"`
}

// Fields is a partial row keyed by column name. Unknown keys are ignored.
type Fields map[string]any

// defaultFields returns the column defaults for a new row.
func defaultFields(now time.Time) Fields {
	return Fields{
		ColDate:       now,
		ColModified:   now,
		ColSourceID:   int64(0),
		ColTitle:      "",
		ColContent:    "",
		ColEmbeddings: "",
		ColTokenCount: 0,
		ColStatus:     StatusScheduled,
		ColStorage:    BackendLocal,
	}
}

// recognised reports whether col is a writable column.
func recognised(col string) bool {
	for _, c := range writableColumns {
		if c == col {
			return true
		}
	}
	return false
}

// columnValue converts a Fields value into what gets bound for col.
func columnValue(col string, v any) (any, error) {
	switch col {
	case ColDate, ColModified:
		switch t := v.(type) {
		case time.Time:
			return formatTime(t), nil
		case string:
			return t, nil
		}
	case ColSourceID:
		return toInt64(v)
	case ColTokenCount:
		return toInt64(v)
	case ColEmbeddings:
		switch e := v.(type) {
		case nil:
			return "", nil
		case string:
			return e, nil
		case []float32:
			return encodeEmbedding(e)
		case []float64:
			f := make([]float32, len(e))
			for i, x := range e {
				f[i] = float32(x)
			}
			return encodeEmbedding(f)
		}
	case ColStatus:
		switch s := v.(type) {
		case Status:
			return string(s), nil
		case string:
			return s, nil
		}
	case ColStorage:
		switch b := v.(type) {
		case Backend:
			return string(b), nil
		case string:
			return b, nil
		}
	case ColTitle, ColContent:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("column %s: unsupported value type %T", col, v)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("not an integer: %T", v)
}

func encodeEmbedding(v []float32) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(data), nil
}

func decodeEmbedding(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e                       Entry
		date, modified, embJSON string
		status, storage         string
	)
	err := r.Scan(&e.ID, &date, &modified, &e.SourceID, &e.Title, &e.Content,
		&embJSON, &e.TokenCount, &status, &storage)
	if err != nil {
		return nil, err
	}

	e.CreatedAt = parseTime(date)
	e.ModifiedAt = parseTime(modified)
	e.Status = Status(status)
	e.Backend = Backend(storage)
	if e.Embedding, err = decodeEmbedding(embJSON); err != nil {
		return nil, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	return &e, nil
}
