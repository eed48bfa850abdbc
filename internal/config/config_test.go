package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DataDir != filepath.Join(dir, DefaultDataDir) {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.DBPath != filepath.Join(dir, DefaultDataDir, DefaultDBFile) {
		t.Errorf("DBPath = %s", cfg.DBPath)
	}
	if cfg.Pipeline.RetryInterval != 60*time.Second {
		t.Errorf("RetryInterval = %s", cfg.Pipeline.RetryInterval)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.Prefix != "embedq_" {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.VectorIndex.Enabled || cfg.VectorIndex.Kind != "veclite" || cfg.VectorIndex.HealthInterval != 30*time.Second {
		t.Errorf("VectorIndex = %+v", cfg.VectorIndex)
	}
	if cfg.VectorIndex.Path != filepath.Join(dir, DefaultDataDir, "vectors.veclite") {
		t.Errorf("VectorIndex.Path = %s", cfg.VectorIndex.Path)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
embedding:
  provider: openai
  model: text-embedding-3-small
  dimensions: 1536
vector_index:
  enabled: true
  kind: qdrant
  health_interval: 10s
pipeline:
  retry_interval: 30s
  max_attempts: 5
retention:
  limit: 500
`)
	t.Setenv("EMBEDQ_CACHE_BACKEND", "badger")
	t.Setenv("EMBEDQ_PIPELINE_SITE_URL", "https://example.com")

	l := NewLoader(dir)
	cfg, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if l.ConfigFile() == "" {
		t.Error("config file not reported")
	}

	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Dimensions != 1536 {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if !cfg.VectorIndex.Enabled || cfg.VectorIndex.Kind != "qdrant" || cfg.VectorIndex.HealthInterval != 10*time.Second {
		t.Errorf("VectorIndex = %+v", cfg.VectorIndex)
	}
	if cfg.Pipeline.RetryInterval != 30*time.Second || cfg.Pipeline.MaxAttempts != 5 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.SiteURL != "https://example.com" {
		t.Errorf("SiteURL = %q", cfg.Pipeline.SiteURL)
	}
	if cfg.Cache.Backend != "badger" {
		t.Errorf("cache backend = %q", cfg.Cache.Backend)
	}
	if cfg.Retention.Limit != 500 {
		t.Errorf("Limit = %d", cfg.Retention.Limit)
	}
	// Unset keys keep their defaults.
	if cfg.Ingest.ChunkSize != 2048 {
		t.Errorf("ChunkSize = %d", cfg.Ingest.ChunkSize)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, EnvFile), []byte("EMBEDQ_RETENTION_LIMIT=9\nEMBEDQ_PIPELINE_MAX_ATTEMPTS=4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMBEDQ_PIPELINE_MAX_ATTEMPTS", "2")
	t.Cleanup(func() { os.Unsetenv("EMBEDQ_RETENTION_LIMIT") })

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retention.Limit != 9 {
		t.Errorf("Limit = %d, want value from .env", cfg.Retention.Limit)
	}
	if cfg.Pipeline.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, environment should win over .env", cfg.Pipeline.MaxAttempts)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"provider", "embedding:\n  provider: word2vec\n"},
		{"kind", "vector_index:\n  kind: pinecone\n"},
		{"cache", "cache:\n  backend: redis\n"},
		{"attempts", "pipeline:\n  max_attempts: -1\n"},
		{"yaml", "embedding: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			if _, err := Load(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Pipeline.MaxAttempts = 7

	path, err := cfg.WriteDefaultConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, DefaultConfigFile) {
		t.Errorf("path = %s", path)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Pipeline.MaxAttempts != 7 || loaded.Pipeline.RetryInterval != time.Minute {
		t.Errorf("round trip = %+v", loaded.Pipeline)
	}

	// An existing file is left alone.
	writeConfig(t, dir, "retention:\n  limit: 3\n")
	if _, err := cfg.WriteDefaultConfig(dir); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "limit: 3") {
		t.Error("existing config overwritten")
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := FindProjectRoot(nested); err == nil {
		t.Error("expected error outside a project")
	}

	writeConfig(t, root, "")
	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatal(err)
	}
	if got != root {
		t.Errorf("root = %s, want %s", got, root)
	}
}

func TestRender(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.APIKey = "sk-secret"

	out, err := Render(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	for _, want := range []string{"retry_interval: 1m0s", "[set]", "backend: memory", "vector_index:"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "sk-secret") {
		t.Error("api key leaked")
	}
	if cfg.Embedding.APIKey != "sk-secret" {
		t.Error("Render modified its input")
	}
}

type recordingSwitch struct{ on bool }

func (s *recordingSwitch) Set(on bool) bool {
	changed := s.on != on
	s.on = on
	return changed
}

func TestFollowVectorIndex(t *testing.T) {
	s := &recordingSwitch{}
	fn := FollowVectorIndex(s, nil)

	cfg := DefaultConfig()
	cfg.VectorIndex.Enabled = true
	fn(cfg)
	if !s.on {
		t.Error("switch not turned on")
	}
	cfg.VectorIndex.Enabled = false
	fn(cfg)
	if s.on {
		t.Error("switch not turned off")
	}
}

func TestWatch_NoFile(t *testing.T) {
	l := NewLoader(t.TempDir())
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if l.Watch(func(*Config) {}, nil) {
		t.Error("Watch should refuse without a config file")
	}
}
