package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aman-cerp/contextd/internal/chunk"
	"github.com/aman-cerp/contextd/internal/events"
	"github.com/aman-cerp/contextd/internal/opstore"
	"github.com/aman-cerp/contextd/internal/scanner"
	"github.com/aman-cerp/contextd/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	dataDir := t.TempDir()

	bm25, err := store.NewSQLiteBM25Index("", store.BM25Config{K1: 1.2, B: 0.75})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	vectors, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: 8, Metric: "cos"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	fileHashes, err := opstore.NewFileHashRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fileHashes.Close() })

	operations, err := opstore.NewOperationRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = operations.Close() })

	sc, err := scanner.New()
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	svc := NewService(ServiceDeps{
		Collection: "code",
		RootDir:    root,
		DataDir:    dataDir,
		BM25:       bm25,
		Vector:     vectors,
		FileHashes: fileHashes,
		Operations:  operations,
		CodeChunker: chunk.NewCodeChunker(),
		Scanner:     sc,
		Bus:        bus,
	})
	return svc, root
}

func waitForTerminal(t *testing.T, svc *Service, operationID string) *opstore.IndexingOperation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := svc.GetStatus(context.Background(), operationID)
		require.NoError(t, err)
		if op.Status == opstore.StatusCompleted || op.Status == opstore.StatusFailed || op.Status == opstore.StatusCancelled {
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("indexing operation did not reach a terminal state in time")
	return nil
}

func TestService_StartIndexing_ReturnsImmediatelyAndCompletes(t *testing.T) {
	// Given: a service over a small project
	svc, _ := newTestService(t)
	ctx := context.Background()

	// When
	opID, err := svc.StartIndexing(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, opID)

	// Then: status is eventually completed
	op := waitForTerminal(t, svc, opID)
	require.Equal(t, opstore.StatusCompleted, op.Status)
	require.Equal(t, 1, op.TotalFiles)
}

func TestService_StartIndexing_RejectsConcurrentStart(t *testing.T) {
	// Given: an indexing run already in progress
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.StartIndexing(ctx)
	require.NoError(t, err)

	// When: starting again immediately
	_, err = svc.StartIndexing(ctx)

	// Then
	require.Error(t, err)
}

func TestService_GetStatus_UnknownOperationNotFound(t *testing.T) {
	// Given: a fresh service
	svc, _ := newTestService(t)

	// When
	_, err := svc.GetStatus(context.Background(), "does-not-exist")

	// Then
	require.Error(t, err)
}

func TestService_ProcessFile_SkipsUnchangedOnReindex(t *testing.T) {
	// Given: a completed indexing run
	svc, _ := newTestService(t)
	ctx := context.Background()
	opID, err := svc.StartIndexing(ctx)
	require.NoError(t, err)
	op := waitForTerminal(t, svc, opID)
	require.Equal(t, opstore.StatusCompleted, op.Status)

	// When: indexing again without any file changes
	opID2, err := svc.StartIndexing(ctx)
	require.NoError(t, err)
	op2 := waitForTerminal(t, svc, opID2)

	// Then: the second run still completes cleanly (files unchanged, all skipped)
	require.Equal(t, opstore.StatusCompleted, op2.Status)
	require.Equal(t, 1, op2.ProcessedFiles)
}

func TestService_ClearCollection_WipesState(t *testing.T) {
	// Given: a completed indexing run
	svc, _ := newTestService(t)
	ctx := context.Background()
	opID, err := svc.StartIndexing(ctx)
	require.NoError(t, err)
	waitForTerminal(t, svc, opID)

	// When
	err = svc.ClearCollection(ctx)

	// Then: bm25 and vector stores are empty
	require.NoError(t, err)
	ids, err := svc.deps.BM25.AllIDs()
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Empty(t, svc.deps.Vector.AllIDs())
}
