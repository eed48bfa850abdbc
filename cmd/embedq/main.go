package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/abdul-hamid-achik/embedq/internal/backend"
	"github.com/abdul-hamid-achik/embedq/internal/config"
	"github.com/abdul-hamid-achik/embedq/internal/index"
	"github.com/abdul-hamid-achik/embedq/internal/pipeline"
	"github.com/abdul-hamid-achik/embedq/internal/store"
	"github.com/abdul-hamid-achik/embedq/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "embedq",
	Short:   "Embedding queue for text entries",
	Version: version.Full(),
	Long: `embedq splits documents into entries, embeds them in the background
and stores the vectors locally or in an external vector index.

Entries that fail to embed are retried until they succeed.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("embedq %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize embedq in the current directory",
	Long: `Initialize a new embedq project in the current directory.
This writes embedq.yaml and creates the .embedq data directory and database.`,
	RunE: runInit,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [paths...]",
	Short: "Split documents into entries and embed them",
	Long: `Ingest documents under the project root, or only the given paths.
Each file becomes one source; its previous entries are replaced.

With --source-id a single file (or - for stdin) is ingested as that source.`,
	RunE: runIngest,
}

var processCmd = &cobra.Command{
	Use:   "process <entry-id>...",
	Short: "Embed specific entries now",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProcess,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Embed every entry still scheduled",
	RunE:  runDispatch,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the embedding worker",
	Long: `Run the background worker. Scheduled entries are dispatched every
pipeline.dispatch_interval, failed entries are retried after
pipeline.retry_interval, and edits to vector_index.enabled in the config
file take effect without a restart. The vector index is pinged every
vector_index.health_interval; while it is unreachable new vectors are
stored locally.`,
	RunE: runRun,
}

var deleteSourcesCmd = &cobra.Command{
	Use:   "delete-sources <source-id>...",
	Short: "Delete every entry of the given sources",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDeleteSources,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sources beyond the retention limit",
	Long: `Delete every source that has an entry outside the newest N entries,
where N is --limit or retention.limit.`,
	RunE: runPrune,
}

var rehomeCmd = &cobra.Command{
	Use:   "rehome",
	Short: "Retag entries from one storage backend to another",
	RunE:  runRehome,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and storage statistics",
	RunE:  runStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.SetVersionTemplate("embedq version {{.Version}}\n")

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	initCmd.Flags().Bool("force", false, "overwrite existing configuration")

	ingestCmd.Flags().Bool("watch", false, "keep running and re-ingest changed documents")
	ingestCmd.Flags().Int64("source-id", 0, "ingest a single file as this source")
	ingestCmd.Flags().String("title", "", "title for --source-id (defaults to the file name)")
	ingestCmd.Flags().StringSlice("ignore", nil, "additional patterns to ignore")

	dispatchCmd.Flags().IntP("limit", "n", 0, "maximum number of entries (0 for all)")

	pruneCmd.Flags().IntP("limit", "n", 0, "entries to keep (defaults to retention.limit)")

	rehomeCmd.Flags().String("from", "", "backend to move entries from (local or external)")
	rehomeCmd.Flags().String("to", "", "backend to move entries to (local or external)")
	_ = rehomeCmd.MarkFlagRequired("from")
	_ = rehomeCmd.MarkFlagRequired("to")

	statusCmd.Flags().StringP("format", "f", "default", "output format (default, json)")
	statusCmd.Flags().Bool("entries", false, "list every entry")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deleteSourcesCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(rehomeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	configPath := filepath.Join(cwd, config.DefaultConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		if !force {
			return fmt.Errorf("embedq already initialized in %s (use --force to reinitialize)", cwd)
		}
		if err := os.Remove(configPath); err != nil {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}

	if _, err := config.DefaultConfig().WriteDefaultConfig(cwd); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer st.Close()

	schema, err := st.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	fmt.Printf("Initialized embedq in %s\n", cfg.DataDir)
	fmt.Printf("  Config: %s\n", configPath)
	fmt.Printf("  Database: %s (schema v%d)\n", cfg.DBPath, schema)
	fmt.Printf("  Embedding provider: %s (%s)\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	fmt.Printf("\nIMPORTANT: Add %s to your .gitignore file.\n", config.DefaultDataDir)
	fmt.Printf("\nRun 'embedq ingest' to ingest your documents.\n")

	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	sourceID, _ := cmd.Flags().GetInt64("source-id")
	title, _ := cmd.Flags().GetString("title")
	additionalIgnores, _ := cmd.Flags().GetStringSlice("ignore")

	if sourceID != 0 && (watch || len(args) != 1) {
		return fmt.Errorf("--source-id takes exactly one file and cannot be combined with --watch")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, appOptions{longRunning: watch})
	if err != nil {
		return err
	}
	defer a.Close()

	if sourceID != 0 {
		return ingestSingle(ctx, a, sourceID, title, args[0])
	}

	dirCfg := index.DefaultDirConfig()
	dirCfg.IgnorePatterns = append(append(dirCfg.IgnorePatterns, a.cfg.Ingest.IgnorePatterns...), additionalIgnores...)
	dirCfg.MaxFileSize = a.cfg.Ingest.MaxFileSize
	dirCfg.Workers = a.cfg.Pipeline.Workers

	verbose := viper.GetBool("verbose")
	progress := func(p index.Progress) {
		if verbose {
			fmt.Printf("\r  %s (%d/%d files, %d entries)",
				p.CurrentFile, p.ProcessedFiles, p.TotalFiles, p.TotalEntries)
		}
	}

	fmt.Printf("Ingesting %s...\n", a.root)
	fmt.Printf("  Model: %s\n", a.cfg.Embedding.Model)

	result, err := a.ingester.IngestDir(ctx, a.root, dirCfg, progress, args...)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	if verbose {
		fmt.Println()
	}

	fmt.Printf("\nIngestion complete:\n")
	fmt.Printf("  Files processed: %d\n", result.FilesProcessed)
	fmt.Printf("  Entries created: %d\n", result.EntriesCreated)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(100*time.Millisecond))
	if len(result.Errors) > 0 {
		fmt.Printf("\nWarnings: %d\n", len(result.Errors))
		if verbose {
			for _, e := range result.Errors {
				fmt.Printf("  - %v\n", e)
			}
		}
	}

	if !watch {
		return embedAndReport(ctx, a)
	}

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	w, err := index.WatchAndIngest(ctx, a.ingester, a.coordinator, a.root, index.WatcherConfig{Dir: dirCfg}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Stop()

	fmt.Printf("\nWatching %s for changes (Ctrl+C to stop)\n", a.root)
	<-ctx.Done()
	return nil
}

func ingestSingle(ctx context.Context, a *app, sourceID int64, title, path string) error {
	var (
		content []byte
		err     error
	)
	if path == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if title == "" && path != "-" {
		title = filepath.Base(path)
	}

	res, err := a.ingester.Ingest(ctx, index.Document{SourceID: sourceID, Title: title, Content: string(content)})
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("Source %d: %d entries created, %d replaced\n", sourceID, len(res.EntryIDs), res.Replaced)
	return embedAndReport(ctx, a)
}

// embedAndReport runs every queued task and prints how many retries were
// left for the next dispatch.
func embedAndReport(ctx context.Context, a *app) error {
	fmt.Printf("\nEmbedding entries...\n")
	if err := a.drain(ctx); err != nil {
		return fmt.Errorf("embedding interrupted: %w", err)
	}

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	fmt.Printf("  Processed: %d\n", stats.Processed)
	fmt.Printf("  Still scheduled: %d\n", stats.Scheduled)
	if a.retries != nil && a.retries.Deferred() > 0 {
		fmt.Printf("\n%d entries failed and will be retried by 'embedq dispatch' or 'embedq run'.\n", a.retries.Deferred())
	}
	return nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range ids {
		if err := a.processor.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("failed to enqueue entry %d: %w", id, err)
		}
	}
	if err := a.drain(ctx); err != nil {
		return fmt.Errorf("processing interrupted: %w", err)
	}

	for _, id := range ids {
		e, err := a.store.Get(ctx, id)
		if err != nil {
			fmt.Printf("  %d: %v\n", id, err)
			continue
		}
		fmt.Printf("  %d: %s (%s)\n", id, e.Status, e.Backend)
	}
	return nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.processor.DispatchScheduled(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Dispatched %d scheduled entries\n", n)
	if n == 0 {
		return nil
	}
	return embedAndReport(ctx, a)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, appOptions{longRunning: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	if a.loader.Watch(config.FollowVectorIndex(a.toggle, a.logger), a.logger) {
		a.logger.Info("watching config", "file", a.loader.ConfigFile())
	}
	if a.index != nil {
		go a.health.Run(ctx, a.cfg.VectorIndex.HealthInterval)
	}

	fmt.Printf("embedq worker running in %s\n", a.root)
	fmt.Printf("  Active backend: %s\n", a.selector.Active())
	fmt.Printf("  Dispatch interval: %s\n", a.cfg.Pipeline.DispatchInterval)

	sweep := func() {
		if _, err := a.processor.DispatchScheduled(ctx, 0); err != nil {
			a.logger.Error("dispatch failed", "err", err)
		}
		if limit := a.cfg.Retention.Limit; limit > 0 {
			if ids, err := a.coordinator.PruneBeyondLimit(ctx, limit); err != nil {
				a.logger.Error("prune failed", "err", err)
			} else if len(ids) > 0 {
				a.logger.Info("pruned sources", "count", len(ids))
			}
		}
	}
	sweep()

	if a.cfg.Pipeline.DispatchInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(a.cfg.Pipeline.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}

func runDeleteSources(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	n, err := a.coordinator.Delete(ctx, ids)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	fmt.Printf("Deleted %d entries from the first batch\n", n)

	if len(ids) > pipeline.DeleteBatchSize {
		fmt.Printf("Deleting the remaining %d sources in batches...\n", len(ids)-pipeline.DeleteBatchSize)
	}
	if err := a.sched.Wait(ctx); err != nil {
		return fmt.Errorf("deletion interrupted: %w", err)
	}
	fmt.Printf("Deleted %d sources\n", len(ids))
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if limit <= 0 {
		limit = a.cfg.Retention.Limit
	}
	if limit <= 0 {
		return fmt.Errorf("no limit: pass --limit or set retention.limit")
	}

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	ids, err := a.coordinator.PruneBeyondLimit(ctx, limit)
	if err != nil {
		return err
	}
	if err := a.sched.Wait(ctx); err != nil {
		return fmt.Errorf("prune interrupted: %w", err)
	}

	fmt.Printf("Pruned %d sources beyond the newest %d entries\n", len(ids), limit)
	return nil
}

func runRehome(cmd *cobra.Command, args []string) error {
	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")

	from, err := store.ParseBackend(fromFlag)
	if err != nil {
		return err
	}
	to, err := store.ParseBackend(toFlag)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.selector.Rehome(ctx, to, from)
	if err != nil {
		return err
	}
	fmt.Printf("Moved %d entries from %s to %s\n", n, from, to)
	return nil
}

// StatusOutput is the JSON output of the status command.
type StatusOutput struct {
	ProjectRoot       string        `json:"project_root"`
	Database          string        `json:"database"`
	SchemaVersion     int           `json:"schema_version"`
	EmbeddingModel    string        `json:"embedding_model"`
	Provider          string        `json:"provider"`
	ProviderReachable bool          `json:"provider_reachable"`
	ProviderError     string        `json:"provider_error,omitempty"`
	ActiveBackend     string        `json:"active_backend"`
	VectorIndex       string        `json:"vector_index,omitempty"`
	IndexReachable    *bool         `json:"index_reachable,omitempty"`
	IndexError        string        `json:"index_error,omitempty"`
	IndexPoints       *int64        `json:"index_points,omitempty"`
	Stats             *store.Stats  `json:"stats"`
	Entries           []EntryStatus `json:"entries,omitempty"`
}

// EntryStatus is one row of status --entries.
type EntryStatus struct {
	ID         int64  `json:"id"`
	SourceID   int64  `json:"source_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Backend    string `json:"backend"`
	Dimensions int    `json:"dimensions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	listEntries, _ := cmd.Flags().GetBool("entries")

	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	schema, err := a.store.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	output := StatusOutput{
		ProjectRoot:    a.root,
		Database:       a.cfg.DBPath,
		SchemaVersion:  schema,
		EmbeddingModel: a.provider.Model(),
		Provider:       a.cfg.Embedding.Provider,
		Stats:          stats,
	}

	pingCtx, cancel := context.WithTimeout(ctx, backend.DefaultPingTimeout)
	if err := a.provider.Ping(pingCtx); err != nil {
		output.ProviderError = err.Error()
	} else {
		output.ProviderReachable = true
	}
	cancel()

	if a.index != nil {
		output.VectorIndex = a.cfg.VectorIndex.Kind
		err := a.health.Check(ctx)
		reachable := err == nil
		output.IndexReachable = &reachable
		if err != nil {
			output.IndexError = err.Error()
		} else if n, err := a.index.Count(ctx); err == nil {
			output.IndexPoints = &n
		} else {
			a.logger.Warn("count vector index points", "err", err)
		}
	}
	output.ActiveBackend = string(a.selector.Active())

	if listEntries {
		all, err := a.store.All(ctx)
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}
		output.Entries = make([]EntryStatus, 0, len(all))
		for _, e := range all {
			output.Entries = append(output.Entries, EntryStatus{
				ID:         e.ID,
				SourceID:   e.SourceID,
				Title:      e.Title,
				Status:     string(e.Status),
				Backend:    string(e.Backend),
				Dimensions: len(e.Embedding),
			})
		}
	}

	if format == "json" {
		jsonBytes, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}

	fmt.Printf("embedq status\n")
	fmt.Printf("  Project root: %s\n", output.ProjectRoot)
	fmt.Printf("  Database: %s (schema v%d)\n", output.Database, output.SchemaVersion)
	if output.ProviderReachable {
		fmt.Printf("  Embedding: %s (%s)\n", output.Provider, output.EmbeddingModel)
	} else {
		fmt.Printf("  Embedding: %s (%s) unreachable: %s\n", output.Provider, output.EmbeddingModel, output.ProviderError)
	}
	fmt.Printf("  Active backend: %s\n", output.ActiveBackend)
	switch {
	case output.IndexPoints != nil:
		fmt.Printf("  Vector index: %s (%d points)\n", output.VectorIndex, *output.IndexPoints)
	case output.IndexReachable != nil && !*output.IndexReachable:
		fmt.Printf("  Vector index: %s unreachable: %s\n", output.VectorIndex, output.IndexError)
	}
	fmt.Println()
	fmt.Printf("Entries: %d across %d sources\n", stats.Total, stats.Sources)
	fmt.Printf("  Scheduled: %d\n", stats.Scheduled)
	fmt.Printf("  Processed: %d\n", stats.Processed)
	fmt.Printf("  Local: %d\n", stats.Local)
	fmt.Printf("  External: %d\n", stats.External)

	if listEntries {
		fmt.Println()
		for _, e := range output.Entries {
			fmt.Printf("  %6d  source %-6d %-9s %-8s %s\n", e.ID, e.SourceID, e.Status, e.Backend, e.Title)
		}
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	loader := config.NewLoader(root)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out, err := config.Render(cfg)
	if err != nil {
		return err
	}
	if file := loader.ConfigFile(); file != "" {
		fmt.Printf("# %s\n", file)
	} else {
		fmt.Printf("# defaults (no config file)\n")
	}
	fmt.Print(string(out))
	return nil
}
