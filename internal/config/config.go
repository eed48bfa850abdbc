// Package config loads embedq settings from embedq.yaml, EMBEDQ_* environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultDataDir is the default directory name for embedq data
	DefaultDataDir = ".embedq"
	// DefaultDBFile is the default database filename
	DefaultDBFile = "embedq.db"
	// ConfigName is the config file name without extension
	ConfigName = "embedq"
	// DefaultConfigFile is the config file written by init
	DefaultConfigFile = ConfigName + ".yaml"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "EMBEDQ"
	// EnvFile holds environment overrides next to the config file
	EnvFile = ".env"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the directory where embedq stores its data
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// DBPath is the path to the SQLite database file
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	Embedding   EmbeddingConfig   `mapstructure:"embedding" yaml:"embedding"`
	VectorIndex VectorIndexConfig `mapstructure:"vector_index" yaml:"vector_index"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Retention   RetentionConfig   `mapstructure:"retention" yaml:"retention"`
	Ingest      IngestConfig      `mapstructure:"ingest" yaml:"ingest"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	// Provider is "ollama" or "openai"
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	// URL is the Ollama URL or the OpenAI-compatible base URL
	URL string `mapstructure:"url" yaml:"url,omitempty"`
	// APIKey falls back to OPENAI_API_KEY when empty
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
	// CacheTTL keeps embedded vectors so retries do not re-embed; 0 disables
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// VectorIndexConfig selects the external vector index
type VectorIndexConfig struct {
	// Enabled routes new vectors to the index; it can be flipped at runtime
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Kind       string `mapstructure:"kind" yaml:"kind"`
	Addr       string `mapstructure:"addr" yaml:"addr,omitempty"`
	Path       string `mapstructure:"path" yaml:"path,omitempty"`
	Collection string `mapstructure:"collection" yaml:"collection"`

	// HealthInterval is how often the worker pings the index; zero disables it
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

// CacheConfig holds the read-through cache settings
type CacheConfig struct {
	// Backend is "memory", "badger" or "none"
	Backend      string        `mapstructure:"backend" yaml:"backend"`
	Dir          string        `mapstructure:"dir" yaml:"dir,omitempty"`
	TTL          time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxValueSize int           `mapstructure:"max_value_size" yaml:"max_value_size"`
	MaxEntries   int           `mapstructure:"max_entries" yaml:"max_entries"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
}

// PipelineConfig tunes embedding tasks
type PipelineConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	// MaxAttempts of 0 retries forever
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	SiteURL     string        `mapstructure:"site_url" yaml:"site_url,omitempty"`
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	// DispatchInterval is how often run sweeps scheduled entries; 0 disables
	DispatchInterval time.Duration `mapstructure:"dispatch_interval" yaml:"dispatch_interval"`
}

// RetentionConfig bounds how many entries are kept
type RetentionConfig struct {
	// Limit is the number of newest entries kept by prune; 0 disables
	Limit int `mapstructure:"limit" yaml:"limit"`
}

// IngestConfig holds document ingestion settings
type IngestConfig struct {
	ChunkSize      int      `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap   int      `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns,omitempty"`
	MaxFileSize    int64    `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		DBPath:  filepath.Join(DefaultDataDir, DefaultDBFile),
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			URL:        "http://localhost:11434",
			Dimensions: 768,
			CacheTTL:   24 * time.Hour,
		},
		VectorIndex: VectorIndexConfig{
			Enabled:        false,
			Kind:           "veclite",
			Addr:           "127.0.0.1:6334",
			Collection:     "embedq_entries",
			HealthInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:      "memory",
			TTL:          24 * time.Hour,
			MaxValueSize: 1 << 20,
			MaxEntries:   10000,
			Prefix:       "embedq_",
		},
		Pipeline: PipelineConfig{
			RetryInterval:    60 * time.Second,
			Workers:          4,
			DispatchInterval: 5 * time.Minute,
		},
		Retention: RetentionConfig{Limit: 0},
		Ingest: IngestConfig{
			ChunkSize:    2048,
			ChunkOverlap: 256,
			IgnorePatterns: []string{
				".git/**",
				DefaultDataDir + "/**",
				"node_modules/**",
				"vendor/**",
			},
			MaxFileSize: 1024 * 1024, // 1MB
		},
	}
}

// setDefaults registers every default with v so environment variables
// without a matching file key are still picked up by Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("embedding.provider", cfg.Embedding.Provider)
	v.SetDefault("embedding.model", cfg.Embedding.Model)
	v.SetDefault("embedding.url", cfg.Embedding.URL)
	v.SetDefault("embedding.api_key", cfg.Embedding.APIKey)
	v.SetDefault("embedding.dimensions", cfg.Embedding.Dimensions)
	v.SetDefault("embedding.cache_ttl", cfg.Embedding.CacheTTL)
	v.SetDefault("vector_index.enabled", cfg.VectorIndex.Enabled)
	v.SetDefault("vector_index.kind", cfg.VectorIndex.Kind)
	v.SetDefault("vector_index.addr", cfg.VectorIndex.Addr)
	v.SetDefault("vector_index.path", cfg.VectorIndex.Path)
	v.SetDefault("vector_index.collection", cfg.VectorIndex.Collection)
	v.SetDefault("vector_index.health_interval", cfg.VectorIndex.HealthInterval)
	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.max_value_size", cfg.Cache.MaxValueSize)
	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)
	v.SetDefault("cache.prefix", cfg.Cache.Prefix)
	v.SetDefault("pipeline.retry_interval", cfg.Pipeline.RetryInterval)
	v.SetDefault("pipeline.max_attempts", cfg.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.lease_ttl", cfg.Pipeline.LeaseTTL)
	v.SetDefault("pipeline.site_url", cfg.Pipeline.SiteURL)
	v.SetDefault("pipeline.workers", cfg.Pipeline.Workers)
	v.SetDefault("pipeline.dispatch_interval", cfg.Pipeline.DispatchInterval)
	v.SetDefault("retention.limit", cfg.Retention.Limit)
	v.SetDefault("ingest.chunk_size", cfg.Ingest.ChunkSize)
	v.SetDefault("ingest.chunk_overlap", cfg.Ingest.ChunkOverlap)
	v.SetDefault("ingest.ignore_patterns", cfg.Ingest.IgnorePatterns)
	v.SetDefault("ingest.max_file_size", cfg.Ingest.MaxFileSize)
}

// newViper returns a viper instance reading embedq.yaml from projectDir or
// its data directory, with EMBEDQ_SECTION_KEY environment overrides.
func newViper(projectDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(projectDir)
	v.AddConfigPath(filepath.Join(projectDir, DefaultDataDir))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())
	return v
}

// Load loads configuration for projectDir from file, environment and
// defaults. A missing config file is not an error.
func Load(projectDir string) (*Config, error) {
	return NewLoader(projectDir).Load()
}

// Loader keeps the viper instance behind a loaded Config so it can be
// watched for changes.
type Loader struct {
	v          *viper.Viper
	projectDir string
}

// NewLoader creates a Loader for projectDir.
func NewLoader(projectDir string) *Loader {
	return &Loader{v: newViper(projectDir), projectDir: projectDir}
}

// Load reads the config file, if any, and decodes the merged settings.
// Variables from projectDir/.env are applied first; they never replace
// variables already set in the environment.
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(filepath.Join(l.projectDir, EnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading %s: %w", EnvFile, err)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}
	return l.decode()
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.resolvePaths(l.projectDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes data paths absolute relative to projectDir.
func (c *Config) resolvePaths(projectDir string) {
	c.DataDir = ExpandPath(c.DataDir)
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(projectDir, c.DataDir)
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, DefaultDBFile)
	}
	c.DBPath = ExpandPath(c.DBPath)
	if c.DBPath != ":memory:" && !filepath.IsAbs(c.DBPath) {
		c.DBPath = filepath.Join(projectDir, c.DBPath)
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
	if c.VectorIndex.Path == "" {
		c.VectorIndex.Path = filepath.Join(c.DataDir, "vectors.veclite")
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("invalid embedding.provider %q (want ollama or openai)", c.Embedding.Provider)
	}
	switch c.VectorIndex.Kind {
	case "qdrant", "veclite":
	default:
		return fmt.Errorf("invalid vector_index.kind %q (want qdrant or veclite)", c.VectorIndex.Kind)
	}
	switch c.Cache.Backend {
	case "memory", "badger", "none":
	default:
		return fmt.Errorf("invalid cache.backend %q (want memory, badger or none)", c.Cache.Backend)
	}
	if c.Embedding.Dimensions < 0 {
		return fmt.Errorf("invalid embedding.dimensions %d", c.Embedding.Dimensions)
	}
	if c.Pipeline.MaxAttempts < 0 {
		return fmt.Errorf("invalid pipeline.max_attempts %d", c.Pipeline.MaxAttempts)
	}
	if c.Retention.Limit < 0 {
		return fmt.Errorf("invalid retention.limit %d", c.Retention.Limit)
	}
	return nil
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// WriteDefaultConfig writes the config to projectDir/embedq.yaml unless a
// file is already there. It returns the path.
func (c *Config) WriteDefaultConfig(projectDir string) (string, error) {
	configPath := filepath.Join(projectDir, DefaultConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	v := viper.New()
	v.Set("embedding.provider", c.Embedding.Provider)
	v.Set("embedding.model", c.Embedding.Model)
	v.Set("embedding.url", c.Embedding.URL)
	v.Set("embedding.dimensions", c.Embedding.Dimensions)
	v.Set("embedding.cache_ttl", c.Embedding.CacheTTL.String())
	v.Set("vector_index.enabled", c.VectorIndex.Enabled)
	v.Set("vector_index.kind", c.VectorIndex.Kind)
	v.Set("vector_index.addr", c.VectorIndex.Addr)
	v.Set("vector_index.collection", c.VectorIndex.Collection)
	v.Set("vector_index.health_interval", c.VectorIndex.HealthInterval.String())
	v.Set("cache.backend", c.Cache.Backend)
	v.Set("cache.ttl", c.Cache.TTL.String())
	v.Set("cache.max_value_size", c.Cache.MaxValueSize)
	v.Set("pipeline.retry_interval", c.Pipeline.RetryInterval.String())
	v.Set("pipeline.max_attempts", c.Pipeline.MaxAttempts)
	v.Set("pipeline.workers", c.Pipeline.Workers)
	v.Set("pipeline.dispatch_interval", c.Pipeline.DispatchInterval.String())
	v.Set("retention.limit", c.Retention.Limit)
	v.Set("ingest.chunk_size", c.Ingest.ChunkSize)
	v.Set("ingest.chunk_overlap", c.Ingest.ChunkOverlap)

	if err := v.WriteConfigAs(configPath); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return configPath, nil
}

// FindProjectRoot searches startDir and its parents for embedq.yaml,
// embedq.yml or a .embedq directory.
func FindProjectRoot(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range []string{ConfigName + ".yaml", ConfigName + ".yml"} {
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.Mode().IsRegular() {
				return dir, nil
			}
		}
		if info, err := os.Stat(filepath.Join(dir, DefaultDataDir)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in an embedq project (no %s or %s directory found)", DefaultConfigFile, DefaultDataDir)
		}
		dir = parent
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
