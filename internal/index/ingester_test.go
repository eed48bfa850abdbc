package index

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/abdul-hamid-achik/embedq/internal/store"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []int64
}

func (q *recordingQueue) Enqueue(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type recordingPoints struct {
	sources []int64
}

func (p *recordingPoints) DeleteSource(_ context.Context, sourceID int64) (int64, error) {
	p.sources = append(p.sources, sourceID)
	return 0, nil
}

func setupIngester(t *testing.T) (*Ingester, *store.Store, *recordingQueue) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: filepath.Join(t.TempDir(), "ingest.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := &recordingQueue{}
	return NewIngester(st, q, ChunkerConfig{ChunkSize: 200, ChunkOverlap: 40}, nil), st, q
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIngest_NewDocument(t *testing.T) {
	ctx := context.Background()
	in, st, q := setupIngester(t)

	content := strings.Repeat("A sentence of prose.\n", 30)
	res, err := in.Ingest(ctx, Document{SourceID: 12, Title: "Doc", Content: content})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.EntryIDs) < 2 {
		t.Fatalf("entries = %d, want several", len(res.EntryIDs))
	}
	if res.Replaced != 0 {
		t.Errorf("replaced = %d", res.Replaced)
	}
	if !reflect.DeepEqual(q.ids, res.EntryIDs) {
		t.Errorf("enqueued %v, want %v", q.ids, res.EntryIDs)
	}

	e, err := st.Get(ctx, res.EntryIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if e.SourceID != 12 || e.Title != "Doc" || e.Status != store.StatusScheduled {
		t.Errorf("entry = %+v", e)
	}
	if e.TokenCount != EstimateTokens(e.Content) {
		t.Errorf("token count = %d, want %d", e.TokenCount, EstimateTokens(e.Content))
	}
	if flags, _ := st.Flags(ctx, 12); !reflect.DeepEqual(flags, []string{store.FlagAdded}) {
		t.Errorf("flags = %v", flags)
	}
}

func TestIngest_ReplacesSource(t *testing.T) {
	ctx := context.Background()
	in, st, _ := setupIngester(t)
	points := &recordingPoints{}
	in.SetPointRemover(points)

	first, _ := in.Ingest(ctx, Document{SourceID: 5, Title: "v1", Content: "old text"})
	if len(points.sources) != 0 {
		t.Error("points removed for a new source")
	}
	second, err := in.Ingest(ctx, Document{SourceID: 5, Title: "v2", Content: "new text"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Replaced != int64(len(first.EntryIDs)) {
		t.Errorf("replaced = %d, want %d", second.Replaced, len(first.EntryIDs))
	}
	if !reflect.DeepEqual(points.sources, []int64{5}) {
		t.Errorf("point removals = %v", points.sources)
	}

	all, _ := st.All(ctx)
	if len(all) != 1 || all[0].Title != "v2" {
		t.Errorf("entries = %+v", all)
	}
	flags, _ := st.Flags(ctx, 5)
	if !reflect.DeepEqual(flags, []string{store.FlagAdded, store.FlagNeedsUpdate}) {
		t.Errorf("flags = %v", flags)
	}
}

func TestIngest_EmptyContent(t *testing.T) {
	in, _, q := setupIngester(t)
	res, err := in.Ingest(context.Background(), Document{SourceID: 1, Content: "  \n"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.EntryIDs) != 0 || len(q.ids) != 0 {
		t.Errorf("empty document produced entries: %v", res.EntryIDs)
	}
}

func TestIngestDir(t *testing.T) {
	ctx := context.Background()
	in, st, _ := setupIngester(t)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"guide.md":         "# Guide\n\nHow to use it.\n",
		"docs/intro.txt":   "Introduction.\n",
		"docs/page.html":   "<p>Hello</p>\n",
		"main.go":          "package main\n",
		"drafts/wip.md":    "not yet\n",
		"private/notes.md": "secret\n",
		".gitignore":       "drafts/\n",
		IgnoreFile:         "private/**\n",
	})

	var calls int
	res, err := in.IngestDir(ctx, root, DirConfig{Workers: 2}, func(Progress) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesProcessed != 3 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if calls != 3 {
		t.Errorf("progress calls = %d", calls)
	}

	all, _ := st.All(ctx)
	var titles []string
	for _, e := range all {
		titles = append(titles, e.Title)
		if e.SourceID != SourceIDFor(e.Title) {
			t.Errorf("%s has source %d", e.Title, e.SourceID)
		}
	}
	sort.Strings(titles)
	want := []string{filepath.Join("docs", "intro.txt"), filepath.Join("docs", "page.html"), "guide.md"}
	if !reflect.DeepEqual(titles, want) {
		t.Errorf("titles = %v, want %v", titles, want)
	}

	// Re-ingesting one path replaces only that source.
	writeFiles(t, root, map[string]string{"guide.md": "Rewritten.\n"})
	if _, err := in.IngestDir(ctx, root, DirConfig{}, nil, "guide.md"); err != nil {
		t.Fatal(err)
	}
	all, _ = st.All(ctx)
	if len(all) != 3 {
		t.Errorf("entries after re-ingest = %d", len(all))
	}
}

func TestSourceIDFor(t *testing.T) {
	a := SourceIDFor("docs/a.md")
	if a <= 0 {
		t.Errorf("id = %d, want positive", a)
	}
	if a != SourceIDFor(filepath.FromSlash("docs/a.md")) {
		t.Error("id depends on path separator")
	}
	if a == SourceIDFor("docs/b.md") {
		t.Error("distinct paths collide")
	}
}

func TestWatcher_Events(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.md":         "a",
		"b.md":         "b",
		"code.go":      "package x",
		"vendor/c.md":  "c",
		"big/huge.txt": strings.Repeat("z", 64),
	})

	cfg := DefaultWatcherConfig()
	cfg.Dir.MaxFileSize = 32
	w, err := NewWatcher(root, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.watcher.Close()

	var got []WatchEvent
	w.SetCallback(func(events []WatchEvent) { got = append(got, events...) })

	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "a.md"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "a.md"), Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "b.md"), Op: fsnotify.Remove})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "code.go"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "vendor", "c.md"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "big", "huge.txt"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(root, "a.md"), Op: fsnotify.Chmod})
	w.flushPending()

	sort.Slice(got, func(i, j int) bool { return got[i].RelativePath < got[j].RelativePath })
	want := []WatchEvent{
		{Path: filepath.Join(root, "a.md"), RelativePath: "a.md", Op: OpWrite},
		{Path: filepath.Join(root, "b.md"), RelativePath: "b.md", Op: OpRemove},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}

	got = nil
	w.flushPending()
	if got != nil {
		t.Error("flush with nothing pending called back")
	}
}
