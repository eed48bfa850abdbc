package index

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is read from the root of an ingested directory alongside
// .gitignore.
const IgnoreFile = ".embedqignore"

// DirConfig holds configuration for directory ingestion.
type DirConfig struct {
	IgnorePatterns []string
	MaxFileSize    int64
	Workers        int
}

// DefaultDirConfig returns sensible defaults for directory ingestion.
func DefaultDirConfig() DirConfig {
	return DirConfig{
		IgnorePatterns: []string{
			".git/**",
			".embedq/**",
			"node_modules/**",
			"vendor/**",
			"*.tmp",
			"*~",
		},
		MaxFileSize: 1024 * 1024,
		Workers:     4,
	}
}

// Progress reports directory ingestion progress.
type Progress struct {
	TotalFiles     int
	ProcessedFiles int
	TotalEntries   int
	CurrentFile    string
	StartTime      time.Time
	Errors         []error
}

// ProgressCallback is called after each file.
type ProgressCallback func(Progress)

// DirResult summarizes a directory ingestion.
type DirResult struct {
	FilesProcessed int
	EntriesCreated int
	Duration       time.Duration
	Errors         []error
}

// SourceIDFor derives a stable positive source id from a relative path.
func SourceIDFor(relPath string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(filepath.ToSlash(relPath)))
	id := int64(h.Sum64() & math.MaxInt64)
	if id == 0 {
		id = 1
	}
	return id
}

type fileInfo struct {
	path         string
	relativePath string
}

type fileResult struct {
	path    string
	entries int
	err     error
}

// IngestDir ingests every document under root, or only the given paths
// when any are named. Each file is one source keyed by SourceIDFor.
func (in *Ingester) IngestDir(ctx context.Context, root string, cfg DirConfig, progress ProgressCallback, paths ...string) (*DirResult, error) {
	startTime := time.Now()
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultDirConfig().Workers
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultDirConfig().MaxFileSize
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}

	matcher := BuildIgnoreMatcher(absRoot, cfg.IgnorePatterns)
	files, err := collectFiles(ctx, absRoot, paths, matcher, cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}

	state := Progress{TotalFiles: len(files), StartTime: startTime}
	result := &DirResult{}

	filesChan := make(chan fileInfo, len(files))
	resultsChan := make(chan fileResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range filesChan {
				if ctx.Err() != nil {
					resultsChan <- fileResult{path: f.path, err: ctx.Err()}
					continue
				}
				n, err := in.ingestFile(ctx, f)
				resultsChan <- fileResult{path: f.path, entries: n, err: err}
			}
		}()
	}

	for _, f := range files {
		filesChan <- f
	}
	close(filesChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for r := range resultsChan {
		result.FilesProcessed++
		result.EntriesCreated += r.entries
		if r.err != nil {
			result.Errors = append(result.Errors, r.err)
		}

		state.ProcessedFiles = result.FilesProcessed
		state.TotalEntries = result.EntriesCreated
		state.CurrentFile = r.path
		state.Errors = result.Errors
		if progress != nil {
			progress(state)
		}
	}

	result.Duration = time.Since(startTime)
	return result, nil
}

func (in *Ingester) ingestFile(ctx context.Context, f fileInfo) (int, error) {
	content, err := os.ReadFile(f.path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", f.relativePath, err)
	}
	if !IsTextFile(content) {
		return 0, nil
	}

	res, err := in.Ingest(ctx, Document{
		SourceID: SourceIDFor(f.relativePath),
		Title:    f.relativePath,
		Content:  string(content),
	})
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", f.relativePath, err)
	}
	return len(res.EntryIDs), nil
}

// BuildIgnoreMatcher combines patterns with the root's .gitignore and
// .embedqignore files.
func BuildIgnoreMatcher(root string, patterns []string) *gitignore.GitIgnore {
	lines := append([]string(nil), patterns...)
	for _, name := range []string{".gitignore", IgnoreFile} {
		content, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
			}
		}
	}
	return gitignore.CompileIgnoreLines(lines...)
}

func collectFiles(ctx context.Context, absRoot string, paths []string, ignore *gitignore.GitIgnore, maxSize int64) ([]fileInfo, error) {
	if len(paths) == 0 {
		paths = []string{absRoot}
	}

	var files []fileInfo
	for _, path := range paths {
		absPath := path
		if !filepath.IsAbs(path) {
			absPath = filepath.Join(absRoot, path)
		}

		err := filepath.WalkDir(absPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			relPath, err := filepath.Rel(absRoot, p)
			if err != nil {
				relPath = p
			}
			if relPath != "." && ignore.MatchesPath(relPath) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !IsDocument(p) {
				return nil
			}

			info, err := d.Info()
			if err != nil || info.Size() > maxSize {
				return nil
			}
			files = append(files, fileInfo{path: p, relativePath: relPath})
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}
	return files, nil
}
