package index

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Stage represents an indexing stage reported to a Progress implementation.
type Stage int

const (
	// StageScanning is the file scanning stage.
	StageScanning Stage = iota
	// StageChunking is the code chunking stage.
	StageChunking
	// StageContextual is the contextual enrichment stage.
	StageContextual
	// StageEmbedding is the embedding generation stage.
	StageEmbedding
	// StageIndexing is the index building stage.
	StageIndexing
)

// Icon returns the short stage label used in plain-text progress lines.
func (s Stage) Icon() string {
	switch s {
	case StageScanning:
		return "SCAN"
	case StageChunking:
		return "CHUNK"
	case StageContextual:
		return "CTX"
	case StageEmbedding:
		return "EMBED"
	case StageIndexing:
		return "INDEX"
	default:
		return "???"
	}
}

// ProgressEvent represents a progress update from the indexing pipeline.
type ProgressEvent struct {
	Stage       Stage
	Current     int
	Total       int
	CurrentFile string
	Message     string
}

// ErrorEvent represents an error or warning encountered while indexing.
type ErrorEvent struct {
	File   string
	Err    error
	IsWarn bool
}

// StageTimings tracks duration for each indexing stage.
type StageTimings struct {
	Scan    time.Duration
	Chunk   time.Duration
	Context time.Duration
	Embed   time.Duration
	Index   time.Duration
}

// EmbedderInfo contains embedder backend details for a completed run.
type EmbedderInfo struct {
	Backend    string
	Model      string
	Dimensions int
}

// CompletionStats contains final indexing statistics.
type CompletionStats struct {
	Files    int
	Chunks   int
	Duration time.Duration
	Errors   int
	Warnings int
	Stages   StageTimings
	Embedder EmbedderInfo
}

// Progress receives progress/error/completion callbacks from Runner.Run.
// The CLI drives a plain-text implementation; tests can supply a no-op
// or recording stub.
type Progress interface {
	UpdateProgress(event ProgressEvent)
	AddError(event ErrorEvent)
	Complete(stats CompletionStats)
}

// NoopProgress discards all progress reporting.
type NoopProgress struct{}

func (NoopProgress) UpdateProgress(ProgressEvent) {}
func (NoopProgress) AddError(ErrorEvent)          {}
func (NoopProgress) Complete(CompletionStats)     {}

// PlainProgress writes one line per update to an io.Writer, suitable for
// CI logs, pipes, or any non-interactive CLI invocation.
type PlainProgress struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPlainProgress creates a PlainProgress writing to out.
func NewPlainProgress(out io.Writer) *PlainProgress {
	return &PlainProgress{out: out}
}

// UpdateProgress implements Progress.
func (p *PlainProgress) UpdateProgress(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var msg string
	if event.Message != "" {
		msg = event.Message
	} else if event.CurrentFile != "" {
		msg = event.CurrentFile
	}

	if event.Total > 0 {
		_, _ = fmt.Fprintf(p.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	} else if msg != "" {
		_, _ = fmt.Fprintf(p.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

// AddError implements Progress.
func (p *PlainProgress) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}

	if event.File != "" {
		_, _ = fmt.Fprintf(p.out, "%s: %s: %v\n", prefix, event.File, event.Err)
	} else {
		_, _ = fmt.Fprintf(p.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Progress.
func (p *PlainProgress) Complete(stats CompletionStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintf(p.out, "Complete: %d files, %d chunks indexed in %s",
		stats.Files, stats.Chunks, stats.Duration.Round(100*time.Millisecond))

	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(p.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(p.out)

	if stats.Stages.Scan > 0 || stats.Stages.Embed > 0 {
		_, _ = fmt.Fprintln(p.out)
		_, _ = fmt.Fprintln(p.out, "Stage Breakdown:")
		_, _ = fmt.Fprintf(p.out, "  Scan:    %s (files discovered)\n", stats.Stages.Scan.Round(100*time.Millisecond))
		_, _ = fmt.Fprintf(p.out, "  Chunk:   %s (code parsed)\n", stats.Stages.Chunk.Round(100*time.Millisecond))
		if stats.Stages.Context > 0 {
			_, _ = fmt.Fprintf(p.out, "  Context: %s (contextual enrichment)\n", stats.Stages.Context.Round(100*time.Millisecond))
		}
		if stats.Stages.Embed > 0 && stats.Chunks > 0 {
			chunksPerSec := float64(stats.Chunks) / stats.Stages.Embed.Seconds()
			_, _ = fmt.Fprintf(p.out, "  Embed:   %s (%d chunks @ %.1f/sec)\n",
				stats.Stages.Embed.Round(100*time.Millisecond), stats.Chunks, chunksPerSec)
		}
		_, _ = fmt.Fprintf(p.out, "  Index:   %s (BM25 + vector)\n", stats.Stages.Index.Round(100*time.Millisecond))
	}

	if stats.Embedder.Backend != "" {
		_, _ = fmt.Fprintln(p.out)
		_, _ = fmt.Fprintf(p.out, "Backend: %s (%s, %d dims)\n",
			stats.Embedder.Backend, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}
