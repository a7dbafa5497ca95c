package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aman-cerp/contextd/internal/async"
	"github.com/aman-cerp/contextd/internal/chunk"
	"github.com/aman-cerp/contextd/internal/config"
	"github.com/aman-cerp/contextd/internal/embed"
	"github.com/aman-cerp/contextd/internal/events"
	"github.com/aman-cerp/contextd/internal/index"
	"github.com/aman-cerp/contextd/internal/logging"
	amanmcp "github.com/aman-cerp/contextd/internal/mcp"
	"github.com/aman-cerp/contextd/internal/memory"
	"github.com/aman-cerp/contextd/internal/opstore"
	"github.com/aman-cerp/contextd/internal/scanner"
	"github.com/aman-cerp/contextd/internal/search"
	"github.com/aman-cerp/contextd/internal/store"
	"github.com/aman-cerp/contextd/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var debug bool
	var transport string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server over the given transport.

BUG-034/BUG-035: the MCP protocol requires stdout to carry ONLY JSON-RPC
messages. All status and debug output goes to the log file instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveLogLevel = "info"
			if debug {
				serveLogLevel = "debug"
			}
			return runServe(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose debug logging")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().IntVar(&port, "port", 8765, "Port for SSE transport")

	return cmd
}

// verifyStdinForMCP checks that stdin is a pipe, not an interactive
// terminal, since the MCP client is expected to drive the process over
// stdin/stdout rather than a human typing at it.
func verifyStdinForMCP() error {
	info, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat stdin: %w", err)
	}
	if (info.Mode() & os.ModeCharDevice) != 0 {
		return fmt.Errorf("stdin is a terminal, not a pipe: the MCP server expects a client driving it over stdin/stdout")
	}
	return nil
}

// runServe builds and runs the MCP server rooted at the current project.
func runServe(ctx context.Context, transport string, port int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serveProject(ctx, root, transport, port)
}

// serveLogLevel is set by the serve command's --debug flag; runServe
// (used directly by tests and by the smart-default flow) never touches
// it, so it defaults to the zero value and falls back to "debug" via
// effectiveServeLogLevel, matching SetupMCPMode's own default.
var serveLogLevel string

func effectiveServeLogLevel() string {
	if serveLogLevel == "" {
		return "debug"
	}
	return serveLogLevel
}

// serveProject sets up MCP-safe logging then delegates to
// serveProjectLogged.
func serveProject(ctx context.Context, root, transport string, port int) error {
	cleanup, err := logging.SetupMCPModeWithLevel(effectiveServeLogLevel())
	if err != nil {
		return fmt.Errorf("failed to set up MCP logging: %w", err)
	}
	defer cleanup()

	return serveProjectLogged(ctx, root, transport, port)
}

func serveProjectLogged(ctx context.Context, root, transport string, port int) error {
	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin check failed, continuing anyway", slog.String("error", err.Error()))
		}
	}

	dataDir := filepath.Join(root, ".amanmcp")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("falling back to static embedder", slog.String("error", err.Error()))
		embedder = embed.NewStaticEmbedder768()
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine := search.New(bm25, vector, embedder, metadata, engineConfig)

	server, err := amanmcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	projectID := hashString(root)
	server.SetProjectID(projectID)

	memoryDeps, cleanupMemory, err := buildMemoryDeps(ctx, root, dataDir, projectID, cfg, embedder, metadata, bm25, vector)
	if err != nil {
		slog.Warn("memory subsystem unavailable, serving without it", slog.String("error", err.Error()))
	} else {
		defer cleanupMemory()
		server.SetMemoryDeps(memoryDeps.memorySvc, memoryDeps.indexSvc, memoryDeps.operations)
		server.SetIndexProgress(bridgeIndexProgress(ctx, memoryDeps.bus))
	}

	if err := server.RegisterResources(ctx); err != nil {
		slog.Warn("failed to register resources", slog.String("error", err.Error()))
	}

	startWatcher(root, projectID, dataDir, cfg, engine, metadata)

	return server.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

type wiredMemoryDeps struct {
	memorySvc  *memory.Service
	indexSvc   *index.Service
	operations *opstore.OperationRepository
	bus        *events.Bus
}

// buildMemoryDeps wires C5-C9: file-hash/operation repositories, the
// memory repository, and the async indexing orchestrator, all scoped to
// this project's data directory.
func buildMemoryDeps(ctx context.Context, root, dataDir, projectID string, cfg *config.Config, embedder embed.Embedder, metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorStore) (*wiredMemoryDeps, func(), error) {
	memRepo, err := memory.NewRepository(filepath.Join(dataDir, "memory.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open memory repository: %w", err)
	}

	fileHashes, err := opstore.NewFileHashRepository(filepath.Join(dataDir, "operations.db"))
	if err != nil {
		_ = memRepo.Close()
		return nil, nil, fmt.Errorf("open file-hash repository: %w", err)
	}

	operations, err := opstore.NewOperationRepository(filepath.Join(dataDir, "operations.db"))
	if err != nil {
		_ = memRepo.Close()
		_ = fileHashes.Close()
		return nil, nil, fmt.Errorf("open operation repository: %w", err)
	}

	sc, err := scanner.New()
	if err != nil {
		_ = memRepo.Close()
		_ = fileHashes.Close()
		_ = operations.Close()
		return nil, nil, fmt.Errorf("create scanner: %w", err)
	}

	bus := events.NewBus()

	vectorCollectionCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	collections := store.NewCollectionStore(dataDir, vectorCollectionCfg)

	memorySvc := memory.NewService(projectID, memRepo, embedder, collections, bus)

	indexSvc := index.NewService(index.ServiceDeps{
		Collection: "code",
		RootDir:    root,
		DataDir:    dataDir,
		Metadata:   metadata,
		BM25:       bm25,
		Vector:     vector,
		Embedder:   embedder,
		FileHashes: fileHashes,
		Operations: operations,
		Scanner:    sc,
		Bus:        bus,
	})

	cleanup := func() {
		bus.Close()
		_ = memRepo.Close()
		_ = fileHashes.Close()
		_ = operations.Close()
	}

	return &wiredMemoryDeps{memorySvc: memorySvc, indexSvc: indexSvc, operations: operations, bus: bus}, cleanup, nil
}

// bridgeIndexProgress subscribes to the indexing event stream and folds
// it into an async.IndexProgress, the tracker handleSearchTool checks so
// a search made mid-reindex tells the caller to retry instead of
// silently returning a partial result.
func bridgeIndexProgress(ctx context.Context, bus *events.Bus) *async.IndexProgress {
	progress := async.NewIndexProgress()
	progress.SetReady()

	ch, unsubscribe := bus.Subscribe(32)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				switch evt.Type {
				case events.IndexingStarted:
					progress.MarkIndexing()
				case events.IndexingProgress:
					if p, ok := evt.Payload.(index.IndexingProgressPayload); ok {
						progress.SetStage(async.StageIndexing, p.Total)
						progress.UpdateFiles(p.Processed)
						progress.SetChunksTotal(p.Total)
						progress.UpdateChunks(p.ChunksIndexed)
					}
				case events.IndexingCompleted:
					progress.SetReady()
				case events.IndexingFailed:
					if msg, ok := evt.Payload.(string); ok {
						progress.SetError(msg)
					} else {
						progress.SetError("indexing failed")
					}
				}
			}
		}
	}()

	return progress
}

// startWatcher launches the file watcher in the background so it never
// delays the MCP handshake (BUG-035): the MCP protocol expects a response
// within ~500ms, while the watcher's initial scan can take seconds on a
// slow filesystem or under AMANMCP_WATCHER_STARTUP_TIMEOUT. Events it
// reports are handed to an index.Coordinator, which keeps the BM25/vector
// indices and metadata store in sync with on-disk changes between explicit
// re-index runs.
func startWatcher(root, projectID, dataDir string, cfg *config.Config, engine *search.Engine, metadata store.MetadataStore) {
	go func() {
		opts := watcher.DefaultOptions()
		if v := os.Getenv("AMANMCP_WATCHER_STARTUP_TIMEOUT"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				opts.DebounceWindow = d
			}
		}

		w, err := watcher.NewHybridWatcher(opts)
		if err != nil {
			slog.Warn("failed to create file watcher", slog.String("error", err.Error()))
			return
		}
		if err := w.Start(context.Background(), root); err != nil {
			slog.Warn("failed to start file watcher", slog.String("error", err.Error()))
			return
		}
		slog.Debug("file watcher started", slog.String("root", root))

		sc, err := scanner.New()
		if err != nil {
			slog.Warn("failed to create scanner for watcher reconciliation", slog.String("error", err.Error()))
		}

		coord := index.NewCoordinator(index.CoordinatorConfig{
			ProjectID:       projectID,
			RootPath:        root,
			DataDir:         dataDir,
			Engine:          engine,
			Metadata:        metadata,
			CodeChunker:     chunk.NewCodeChunker(),
			MDChunker:       chunk.NewMarkdownChunker(),
			Scanner:         sc,
			ExcludePatterns: cfg.Paths.Exclude,
		})

		ctx := context.Background()
		if err := coord.ReconcileOnStartup(ctx); err != nil {
			slog.Warn("startup reconciliation failed", slog.String("error", err.Error()))
		}

		for batch := range w.Events() {
			slog.Debug("file watcher events", slog.Int("count", len(batch)))
			if err := coord.HandleEvents(ctx, batch); err != nil {
				slog.Warn("failed to handle file watcher events", slog.String("error", err.Error()))
			}
		}
	}()
}
