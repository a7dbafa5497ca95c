package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aman-cerp/contextd/internal/config"
	"github.com/aman-cerp/contextd/internal/store"
)

// DebugInfo is the machine-readable form of `amanmcp debug`'s report,
// combining project stats with component health for bug reports.
type DebugInfo struct {
	ProjectRoot      string             `json:"project_root"`
	IndexPath        string             `json:"index_path"`
	FileCount        int                `json:"file_count"`
	ChunkCount       int                `json:"chunk_count"`
	LastIndexed      time.Time          `json:"last_indexed"`
	Languages        map[string]float64 `json:"languages"`
	EmbedderProvider string             `json:"embedder_provider"`
	EmbedderModel    string             `json:"embedder_model"`
	MetadataSize     int64              `json:"metadata_size"`
	BM25Size         int64              `json:"bm25_size"`
	VectorSize       int64              `json:"vector_size"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print diagnostic information for bug reports",
		Long: `Print a snapshot of index health, embedder configuration, and
storage sizes, suitable for attaching to a bug report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.FindProjectRoot(".")
			if err != nil {
				root, _ = os.Getwd()
			}
			dataDir := filepath.Join(root, ".amanmcp")

			metadataPath := filepath.Join(dataDir, "metadata.db")
			if !fileExists(metadataPath) {
				return fmt.Errorf("no index found in %s\nRun 'amanmcp index' to create one", root)
			}

			info, err := collectDebugInfo(cmd.Context(), root, dataDir)
			if err != nil {
				return fmt.Errorf("failed to collect debug info: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			return renderDebugInfo(cmd.OutOrStdout(), info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func collectDebugInfo(ctx context.Context, root, dataDir string) (DebugInfo, error) {
	info := DebugInfo{
		ProjectRoot: root,
		IndexPath:   dataDir,
		Languages:   map[string]float64{},
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return info, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(root)
	if project, err := metadata.GetProject(ctx, projectID); err == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.LastIndexed = project.IndexedAt
	}

	langCounts := map[string]int{}
	total := 0
	cursor := ""
	for {
		files, next, err := metadata.ListFiles(ctx, projectID, cursor, 1000)
		if err != nil {
			break
		}
		for _, f := range files {
			ext := normalizeExtension(strings.TrimPrefix(filepath.Ext(f.Path), "."))
			if ext == "" {
				ext = f.Language
			}
			if ext == "" {
				continue
			}
			langCounts[ext]++
			total++
		}
		if next == "" || len(files) == 0 {
			break
		}
		cursor = next
	}
	for lang, count := range langCounts {
		info.Languages[lang] = float64(count) / float64(total)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = cfg.Embeddings.Provider
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "ollama"
	}
	info.EmbedderModel = cfg.Embeddings.Model
	if info.EmbedderModel == "" {
		info.EmbedderModel = "embeddinggemma"
	}

	info.MetadataSize = getFileSize(metadataPath)
	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	if size := getFileSize(bm25SQLitePath); size > 0 {
		info.BM25Size = size
	} else {
		info.BM25Size = getDirSize(bm25BlevePath)
	}
	info.VectorSize = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))

	return info, nil
}

func renderDebugInfo(out io.Writer, info DebugInfo) error {
	w := func(format string, args ...interface{}) {
		_, _ = fmt.Fprintf(out, format, args...)
	}

	w("AmanMCP Debug Info\n")
	w("==================\n\n")
	w("Project root: %s\n", info.ProjectRoot)
	w("Index path:   %s\n\n", info.IndexPath)

	w("FILES & CHUNKS\n")
	w("  Files:        %s\n", formatNumber(info.FileCount))
	w("  Chunks:       %s\n", formatNumber(info.ChunkCount))
	w("  Last indexed: %s\n", formatAge(info.LastIndexed))
	w("  Languages:    %s\n\n", formatLanguages(info.Languages))

	w("EMBEDDER\n")
	w("  Provider: %s\n", info.EmbedderProvider)
	w("  Model:    %s\n\n", info.EmbedderModel)

	w("BM25 INDEX\n")
	w("  Size: %s\n\n", formatBytes(info.BM25Size))

	w("VECTOR STORE\n")
	w("  Size: %s\n\n", formatBytes(info.VectorSize))

	w("STORAGE\n")
	w("  Metadata: %s\n", formatBytes(info.MetadataSize))
	w("  BM25:     %s\n", formatBytes(info.BM25Size))
	w("  Vectors:  %s\n", formatBytes(info.VectorSize))
	w("  Total:    %s\n", formatBytes(info.MetadataSize+info.BM25Size+info.VectorSize))

	return nil
}

// formatAge renders a duration-since-now for debug output, always
// relative rather than an absolute timestamp, matching what a bug
// report needs.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := time.Since(t)
	switch {
	case d < 2*time.Minute:
		if d < 10*time.Second {
			return "just now"
		}
		return "1 minute ago"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 2*time.Hour:
		return "1 hour ago"
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "1 day ago"
	default:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
}

// formatNumber adds thousands separators, e.g. 12345 -> "12,345".
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var groups []string
	for len(s) > 3 {
		groups = append([]string{s[len(s)-3:]}, groups...)
		s = s[:len(s)-3]
	}
	groups = append([]string{s}, groups...)
	out := strings.Join(groups, ",")
	if neg {
		out = "-" + out
	}
	return out
}

// formatLanguages renders a sorted "lang (pct%), ..." breakdown.
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}
	type entry struct {
		lang string
		pct  float64
	}
	entries := make([]entry, 0, len(langs))
	for lang, pct := range langs {
		entries = append(entries, entry{lang, pct})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pct != entries[j].pct {
			return entries[i].pct > entries[j].pct
		}
		return entries[i].lang < entries[j].lang
	})
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s (%d%%)", e.lang, int(e.pct*100+0.5))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension collapses related file extensions to one language
// label (tsx/ts -> ts, jsx/mjs/js -> js, yml -> yaml, htm -> html).
func normalizeExtension(ext string) string {
	switch strings.ToLower(ext) {
	case "tsx", "ts":
		return "ts"
	case "jsx", "mjs", "js":
		return "js"
	case "yml", "yaml":
		return "yaml"
	case "htm", "html":
		return "html"
	default:
		return strings.ToLower(ext)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
