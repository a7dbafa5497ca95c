package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EmbedderInfoInput carries the currently configured embedder's identity
// into GetIndexInfo so it can be compared against what the index was
// built with, without internal/store importing internal/embed.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// IndexInfo is the combined snapshot `amanmcp info` reports: what the
// index on disk was built with, versus what the currently configured
// embedder would build.
type IndexInfo struct {
	Location    string
	ProjectRoot string

	IndexModel      string
	IndexBackend    string
	IndexDimensions int

	ChunkCount      int
	DocumentCount   int
	IndexSizeBytes  int64
	BM25SizeBytes   int64
	VectorSizeBytes int64

	CreatedAt time.Time
	UpdatedAt time.Time

	CurrentModel      string
	CurrentBackend    string
	CurrentDimensions int
	Compatible        bool
}

// GetIndexInfo reads the stored embedder state and project stats out of
// metadata and combines them with on-disk sizes and, if current is
// non-nil, a compatibility check against the currently configured
// embedder (QW-5: dimension mismatch handling).
func GetIndexInfo(ctx context.Context, metadata MetadataStore, dataDir string, current *EmbedderInfoInput) (*IndexInfo, error) {
	info := &IndexInfo{
		Location: dataDir,
	}

	indexModel, err := metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, fmt.Errorf("read stored embedder model: %w", err)
	}
	info.IndexModel = indexModel
	if indexModel != "" {
		info.IndexBackend = inferBackendFromModel(indexModel)
	}

	if dimStr, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dimStr != "" {
		fmt.Sscanf(dimStr, "%d", &info.IndexDimensions)
	}

	withEmbedding, withoutEmbedding, err := metadata.GetEmbeddingStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read embedding stats: %w", err)
	}
	info.ChunkCount = withEmbedding + withoutEmbedding
	info.DocumentCount = info.ChunkCount

	info.IndexSizeBytes = getDirSize(dataDir)
	info.BM25SizeBytes = getFileSize(filepath.Join(dataDir, "bm25.db"))
	if info.BM25SizeBytes == 0 {
		info.BM25SizeBytes = getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	}
	info.VectorSizeBytes = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))

	if fi, err := os.Stat(filepath.Join(dataDir, "metadata.db")); err == nil {
		info.UpdatedAt = fi.ModTime()
		info.CreatedAt = fi.ModTime()
	}

	if current != nil {
		info.CurrentModel = current.Model
		info.CurrentBackend = current.Backend
		info.CurrentDimensions = current.Dimensions
		info.Compatible = info.IndexDimensions == 0 || info.IndexDimensions == current.Dimensions
	}

	return info, nil
}

// getFileSize returns a file's size in bytes, or 0 if it doesn't exist.
func getFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// getDirSize walks a directory tree and sums regular file sizes,
// returning 0 for a nonexistent path.
func getDirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// FormatBytes renders a byte count as a human-readable size.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatTime renders a timestamp for display, or "unknown" for the zero value.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

// containsAny reports whether s contains any of substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses an embedder backend from its model
// name/path alone, for indexes built before the backend was stored
// explicitly in state.
func inferBackendFromModel(model string) string {
	switch {
	case model == "static" || model == "static768":
		return "static"
	case strings.HasPrefix(model, "/"), containsAny(model, []string{"mlx-community/", "mlx-"}):
		return "mlx"
	default:
		return "ollama"
	}
}
