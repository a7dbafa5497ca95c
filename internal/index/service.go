package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aman-cerp/contextd/internal/chunk"
	"github.com/aman-cerp/contextd/internal/embed"
	amanerrors "github.com/aman-cerp/contextd/internal/errors"
	"github.com/aman-cerp/contextd/internal/events"
	"github.com/aman-cerp/contextd/internal/idgen"
	"github.com/aman-cerp/contextd/internal/opstore"
	"github.com/aman-cerp/contextd/internal/scanner"
	"github.com/aman-cerp/contextd/internal/store"
	"github.com/gofrs/flock"
)

// ServiceDeps are the injected collaborators for Service. Chunking
// dispatches on scanner.FileInfo.ContentType the same way
// internal/index/runner.go does: code files go through CodeChunker,
// markdown through MarkdownChunker, anything else is skipped.
type ServiceDeps struct {
	Collection      string // vector/BM25 collection this service indexes into
	RootDir         string
	DataDir         string
	Metadata        store.MetadataStore
	BM25            store.BM25Index
	Vector          store.VectorStore
	Embedder        embed.Embedder
	FileHashes      *opstore.FileHashRepository
	Operations      *opstore.OperationRepository
	CodeChunker     chunk.Chunker
	MarkdownChunker chunk.Chunker
	Scanner         *scanner.Scanner
	Bus             *events.Bus
}

// IndexingProgressPayload is the events.IndexingProgress event payload,
// carrying enough to drive a live progress tracker (internal/async)
// without that subscriber needing to poll the durable operation record.
type IndexingProgressPayload struct {
	Processed     int
	Total         int
	ChunksIndexed int
	CurrentFile   string
}

// Service is the indexing-operation orchestrator (C8): it discovers
// files, starts a durable operation record, and runs the actual work in
// a background goroutine, returning the operation id immediately rather
// than waiting for completion, matching the original's
// index_codebase/run_indexing_task split.
type Service struct {
	deps ServiceDeps

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewService builds an indexing orchestrator for one collection.
func NewService(deps ServiceDeps) *Service {
	if deps.CodeChunker == nil {
		deps.CodeChunker = chunk.NewCodeChunker()
	}
	if deps.MarkdownChunker == nil {
		deps.MarkdownChunker = chunk.NewMarkdownChunker()
	}
	return &Service{deps: deps}
}

// StartIndexing discovers files under RootDir, records a new operation,
// and kicks off the indexing work in the background. It returns the
// operation id without waiting for the work to finish. A second call
// while an operation is already active for this collection fails with
// an InvalidArgument error rather than queuing or replacing it.
func (s *Service) StartIndexing(ctx context.Context) (operationID string, err error) {
	active, err := s.deps.Operations.GetActiveOperation(ctx, s.deps.Collection)
	if err != nil {
		return "", err
	}
	if active != nil {
		return "", amanerrors.InvalidArgumentError(fmt.Sprintf("indexing already in progress for collection %q (operation %s)", s.deps.Collection, active.ID), nil)
	}

	files, err := s.discoverFiles(ctx)
	if err != nil {
		return "", err
	}

	if s.deps.Metadata != nil {
		project := &store.Project{
			ID:       hashString(s.deps.RootDir),
			Name:     filepath.Base(s.deps.RootDir),
			RootPath: s.deps.RootDir,
			Version:  fmt.Sprintf("%d", store.CurrentSchemaVersion),
		}
		if err := s.deps.Metadata.SaveProject(ctx, project); err != nil {
			return "", fmt.Errorf("save project: %w", err)
		}
	}

	operationID, err = s.deps.Operations.StartOperation(ctx, s.deps.Collection, len(files), time.Now().Unix())
	if err != nil {
		return "", err
	}

	s.deps.Bus.Publish(ctx, events.Event{Type: events.IndexingStarted, Collection: s.deps.Collection, Payload: operationID})

	s.mu.Lock()
	s.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.runIndexingTask(runCtx, operationID, files)

	return operationID, nil
}

// GetStatus reads the durable operation record directly (C6), never the
// event bus, so a client polling status always sees the latest committed
// progress even if it missed an event.
func (s *Service) GetStatus(ctx context.Context, operationID string) (*opstore.IndexingOperation, error) {
	op, err := s.deps.Operations.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, amanerrors.NotFoundError(fmt.Sprintf("indexing operation not found: %s", operationID), nil)
	}
	return op, nil
}

// ClearCollection cancels any active operation for this collection and
// wipes its BM25/vector/file-hash state. Metadata-store rows are not
// removed.
func (s *Service) ClearCollection(ctx context.Context) error {
	s.mu.Lock()
	if s.running && s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	active, err := s.deps.Operations.GetActiveOperation(ctx, s.deps.Collection)
	if err != nil {
		return err
	}
	if active != nil {
		if err := s.deps.Operations.Cancel(ctx, active.ID, time.Now().Unix()); err != nil {
			return err
		}
	}

	allIDs, err := s.deps.BM25.AllIDs()
	if err != nil {
		return amanerrors.DatabaseError("list bm25 ids for clear", err)
	}
	if len(allIDs) > 0 {
		if err := s.deps.BM25.Delete(ctx, allIDs); err != nil {
			return amanerrors.DatabaseError("clear bm25 index", err)
		}
	}
	if err := s.deps.Vector.Delete(ctx, s.deps.Vector.AllIDs()); err != nil {
		return amanerrors.VectorStoreError("clear vector index", err)
	}
	return s.deps.FileHashes.DeleteCollection(ctx, "", s.deps.Collection)
}

func (s *Service) discoverFiles(ctx context.Context) ([]*scanner.FileInfo, error) {
	results, err := s.deps.Scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          s.deps.RootDir,
		RespectGitignore: true,
	})
	if err != nil {
		return nil, amanerrors.IOError("scan project files", err)
	}

	var files []*scanner.FileInfo
	for r := range results {
		if r.Error != nil {
			continue
		}
		files = append(files, r.File)
	}
	return files, nil
}

// runIndexingTask is the background worker body. Each file is processed
// independently: a failure on one file is logged and skipped rather than
// aborting the run, matching process_file's isolation in the original
// indexing service.
func (s *Service) runIndexingTask(ctx context.Context, operationID string, files []*scanner.FileInfo) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	lockPath := filepath.Join(s.deps.DataDir, fmt.Sprintf("%s.indexing.lock", s.deps.Collection))
	_ = os.MkdirAll(s.deps.DataDir, 0o755)
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		_ = s.deps.Operations.Fail(ctx, operationID, time.Now().Unix(), "could not acquire indexing lock")
		s.deps.Bus.Publish(ctx, events.Event{Type: events.IndexingFailed, Collection: s.deps.Collection, Payload: "could not acquire indexing lock"})
		return
	}
	defer fl.Unlock()

	processed := 0
	chunksCreated := 0

	for _, f := range files {
		select {
		case <-ctx.Done():
			_ = s.deps.Operations.Cancel(ctx, operationID, time.Now().Unix())
			return
		default:
		}

		n, err := s.processFile(ctx, f)
		if err != nil {
			slog.Warn("skipping file during indexing",
				slog.String("path", f.Path), slog.String("error", err.Error()))
		} else {
			chunksCreated += n
		}

		processed++
		if err := s.deps.Operations.UpdateProgress(ctx, operationID, processed, f.Path); err != nil {
			slog.Warn("failed to persist indexing progress", slog.String("error", err.Error()))
		}
		s.deps.Bus.Publish(ctx, events.Event{
			Type: events.IndexingProgress, Collection: s.deps.Collection,
			Payload: IndexingProgressPayload{Processed: processed, Total: len(files), ChunksIndexed: chunksCreated, CurrentFile: f.Path},
		})
	}

	if s.deps.Metadata != nil {
		if err := s.deps.Metadata.UpdateProjectStats(ctx, hashString(s.deps.RootDir), processed, chunksCreated); err != nil {
			slog.Warn("failed to update project stats", slog.String("error", err.Error()))
		}
	}

	if err := s.deps.Operations.Complete(ctx, operationID, time.Now().Unix()); err != nil {
		slog.Warn("failed to mark indexing operation complete", slog.String("error", err.Error()))
	}
	s.deps.Bus.Publish(ctx, events.Event{
		Type: events.IndexingCompleted, Collection: s.deps.Collection,
		Payload: map[string]int{"files": processed, "chunks": chunksCreated},
	})
}

// processFile hashes, incrementally skips unchanged files, chunks, and
// indexes a single file into BM25/vector/metadata, returning the number
// of chunks created (0 if skipped).
func (s *Service) processFile(ctx context.Context, f *scanner.FileInfo) (int, error) {
	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}

	hash := idgen.ContentHash(string(content))
	if s.deps.FileHashes != nil {
		changed, err := s.deps.FileHashes.HasChanged(ctx, "", s.deps.Collection, f.Path, hash)
		if err != nil {
			return 0, fmt.Errorf("check file hash: %w", err)
		}
		if !changed {
			return 0, nil
		}
	}

	var chunker chunk.Chunker
	switch f.ContentType {
	case scanner.ContentTypeCode:
		chunker = s.deps.CodeChunker
	case scanner.ContentTypeMarkdown:
		chunker = s.deps.MarkdownChunker
	default:
		return 0, nil
	}

	chunks, err := chunker.Chunk(ctx, &chunk.FileInput{
		Path:     f.Path,
		Content:  content,
		Language: f.Language,
	})
	if err != nil {
		return 0, fmt.Errorf("chunk file: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	docs := make([]*store.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = &store.Document{ID: c.ID, Content: c.Content}
	}
	if err := s.deps.BM25.Index(ctx, docs); err != nil {
		return 0, fmt.Errorf("index bm25: %w", err)
	}

	now := time.Now()
	fileID := hashString(f.Path)

	if s.deps.Metadata != nil {
		storeFile := &store.File{
			ID:          fileID,
			ProjectID:   hashString(s.deps.RootDir),
			Path:        f.Path,
			Size:        f.Size,
			ModTime:     f.ModTime,
			ContentHash: hash,
			Language:    f.Language,
			ContentType: string(f.ContentType),
			IndexedAt:   now,
		}
		if err := s.deps.Metadata.SaveFiles(ctx, []*store.File{storeFile}); err != nil {
			return 0, fmt.Errorf("save file metadata: %w", err)
		}

		storeChunks := make([]*store.Chunk, len(chunks))
		for i, c := range chunks {
			storeChunks[i] = convertChunkToStore(c, fileID, now)
		}
		if err := s.deps.Metadata.SaveChunks(ctx, storeChunks); err != nil {
			return 0, fmt.Errorf("save chunk metadata: %w", err)
		}
	}

	if s.deps.Embedder != nil && s.deps.Vector != nil {
		texts := make([]string, len(chunks))
		ids := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
			ids[i] = c.ID
		}
		embeddings, err := s.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("generate embeddings: %w", err)
		}
		if err := s.deps.Vector.Add(ctx, ids, embeddings); err != nil {
			return 0, fmt.Errorf("index vectors: %w", err)
		}
		if s.deps.Metadata != nil {
			if err := s.deps.Metadata.SaveChunkEmbeddings(ctx, ids, embeddings, s.deps.Embedder.ModelName()); err != nil {
				return 0, fmt.Errorf("save chunk embeddings: %w", err)
			}
		}
	}

	if s.deps.FileHashes != nil {
		if err := s.deps.FileHashes.Upsert(ctx, "", s.deps.Collection, f.Path, hash, time.Now().Unix()); err != nil {
			return 0, fmt.Errorf("upsert file hash: %w", err)
		}
	}

	return len(chunks), nil
}

// convertChunkToStore converts a chunk.Chunk to a store.Chunk the same way
// internal/index/runner.go's convertChunkToStore does, minus the file
// lookup (the caller already knows fileID for the single file it just
// chunked).
func convertChunkToStore(c *chunk.Chunk, fileID string, now time.Time) *store.Chunk {
	var symbols []*store.Symbol
	for _, sym := range c.Symbols {
		symbols = append(symbols, &store.Symbol{
			Name:       sym.Name,
			Type:       store.SymbolType(sym.Type),
			StartLine:  sym.StartLine,
			EndLine:    sym.EndLine,
			Signature:  sym.Signature,
			DocComment: sym.DocComment,
		})
	}

	return &store.Chunk{
		ID:          c.ID,
		FileID:      fileID,
		FilePath:    c.FilePath,
		Content:     c.Content,
		RawContent:  c.RawContent,
		Context:     c.Context,
		ContentType: store.ContentType(c.ContentType),
		Language:    c.Language,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		Symbols:     symbols,
		Metadata:    c.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
