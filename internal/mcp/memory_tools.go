package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aman-cerp/contextd/internal/memory"
)

// IndexStartInput starts a fresh indexing run for the code collection.
type IndexStartInput struct{}

// IndexStartOutput reports the id of the newly started operation.
type IndexStartOutput struct {
	OperationID string `json:"operation_id" jsonschema:"id of the started indexing operation"`
	Status      string `json:"status" jsonschema:"initial operation status, always 'starting'"`
}

// IndexOperationStatusInput looks up a durable indexing operation by id.
type IndexOperationStatusInput struct {
	OperationID string `json:"operation_id" jsonschema:"id returned by index_start"`
}

// IndexOperationStatusOutput reports the current durable state of an
// indexing operation, read directly from the operation repository rather
// than the event bus so it always reflects the latest committed progress.
type IndexOperationStatusOutput struct {
	OperationID    string  `json:"operation_id"`
	Status         string  `json:"status"`
	TotalFiles     int     `json:"total_files"`
	ProcessedFiles int     `json:"processed_files"`
	CurrentFile    string  `json:"current_file,omitempty"`
	FailureMessage string  `json:"failure_message,omitempty"`
}

// IndexClearInput requests cancellation and wipe of the code collection.
type IndexClearInput struct{}

// IndexClearOutput confirms the clear completed.
type IndexClearOutput struct {
	Cleared bool `json:"cleared"`
}

// SearchMemoryInput searches stored observations hybridly.
type SearchMemoryInput struct {
	Query     string `json:"query" jsonschema:"the memory search query to execute"`
	SessionID string `json:"session_id,omitempty" jsonschema:"filter to a specific session"`
	Type      string `json:"type,omitempty" jsonschema:"filter by observation type: note, error, decision"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SearchMemoryOutput is the hybrid search result set.
type SearchMemoryOutput struct {
	Results []MemoryResultOutput `json:"results"`
}

// MemoryResultOutput is a single fused memory search hit.
type MemoryResultOutput struct {
	ID      string  `json:"id"`
	Preview string  `json:"preview"`
	Score   float64 `json:"score" jsonschema:"normalized RRF score in [0,1]"`
	Type    string  `json:"type,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// MemoryStoreInput records a new observation.
type MemoryStoreInput struct {
	Content   string   `json:"content" jsonschema:"the observation content to store"`
	Type      string   `json:"type,omitempty" jsonschema:"observation type: note, error, decision; default note"`
	Tags      []string `json:"tags,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	RepoURL   string   `json:"repo_url,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Commit    string   `json:"commit,omitempty"`
}

// MemoryStoreOutput reports the stored (or deduplicated) observation id.
type MemoryStoreOutput struct {
	ID      string `json:"id"`
	Deduped bool   `json:"deduped" jsonschema:"true if this matched an existing observation by content hash"`
}

// MemoryTimelineInput retrieves observations around an anchor.
type MemoryTimelineInput struct {
	AnchorID string `json:"anchor_id" jsonschema:"id of the observation to center the timeline on"`
	Before   int    `json:"before,omitempty" jsonschema:"number of observations before the anchor, default 5"`
	After    int    `json:"after,omitempty" jsonschema:"number of observations after the anchor, default 5"`
}

// MemoryTimelineOutput is the ordered observation window.
type MemoryTimelineOutput struct {
	Observations []MemoryResultOutput `json:"observations"`
}

// SessionSummaryCreateInput creates a new session recap.
type SessionSummaryCreateInput struct {
	SessionID string   `json:"session_id" jsonschema:"the session this summary describes"`
	Topics    []string `json:"topics,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	KeyFiles  []string `json:"key_files,omitempty"`
}

// SessionSummaryCreateOutput reports the created summary id.
type SessionSummaryCreateOutput struct {
	ID string `json:"id"`
}

// SessionSummaryGetInput fetches the latest summary for a session.
type SessionSummaryGetInput struct {
	SessionID string `json:"session_id" jsonschema:"the session to fetch the latest summary for"`
}

// SessionSummaryGetOutput is the most recent summary for a session.
type SessionSummaryGetOutput struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Topics    []string `json:"topics,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	KeyFiles  []string `json:"key_files,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// registerMemoryTools registers the memory and indexing-operation tool
// verbs. Called only once both memorySvc and indexSvc are set.
func (s *Server) registerMemoryTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_start",
		Description: "Starts a background indexing run over the project and returns immediately with an operation id. Poll index_operation_status to track progress.",
	}, s.mcpIndexStartHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_operation_status",
		Description: "Reports the durable status of a previously started indexing operation.",
	}, s.mcpIndexOperationStatusHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_clear",
		Description: "Cancels any active indexing run and wipes the code collection's index state.",
	}, s.mcpIndexClearHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_memory",
		Description: "Hybrid lexical+semantic search over stored observations (notes, errors, decisions) for this project.",
	}, s.mcpSearchMemoryHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_store",
		Description: "Stores an observation (note, error pattern, or decision) in project memory, deduplicating on content.",
	}, s.mcpMemoryStoreHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_timeline",
		Description: "Returns the observations immediately before and after a given observation, in chronological order.",
	}, s.mcpMemoryTimelineHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_summary_create",
		Description: "Records a recap of a working session: topics covered, decisions made, next steps, and key files touched.",
	}, s.mcpSessionSummaryCreateHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_summary_get",
		Description: "Fetches the most recent session summary for a session id.",
	}, s.mcpSessionSummaryGetHandler)

	s.logger.Info("memory MCP tools registered", slog.Int("count", 8))
}

func (s *Server) mcpIndexStartHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStartInput) (*mcp.CallToolResult, IndexStartOutput, error) {
	id, err := s.indexSvc.StartIndexing(ctx)
	if err != nil {
		return nil, IndexStartOutput{}, MapError(err)
	}
	return nil, IndexStartOutput{OperationID: id, Status: "starting"}, nil
}

func (s *Server) mcpIndexOperationStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, input IndexOperationStatusInput) (*mcp.CallToolResult, IndexOperationStatusOutput, error) {
	if input.OperationID == "" {
		return nil, IndexOperationStatusOutput{}, NewInvalidParamsError("operation_id parameter is required")
	}
	op, err := s.indexSvc.GetStatus(ctx, input.OperationID)
	if err != nil {
		return nil, IndexOperationStatusOutput{}, MapError(err)
	}

	out := IndexOperationStatusOutput{
		OperationID:    op.ID,
		Status:         string(op.Status),
		TotalFiles:     op.TotalFiles,
		ProcessedFiles: op.ProcessedFiles,
	}
	if op.CurrentFile != nil {
		out.CurrentFile = *op.CurrentFile
	}
	if op.FailureMessage != nil {
		out.FailureMessage = *op.FailureMessage
	}
	return nil, out, nil
}

func (s *Server) mcpIndexClearHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexClearInput) (*mcp.CallToolResult, IndexClearOutput, error) {
	if err := s.indexSvc.ClearCollection(ctx); err != nil {
		return nil, IndexClearOutput{}, MapError(err)
	}
	return nil, IndexClearOutput{Cleared: true}, nil
}

func (s *Server) mcpSearchMemoryHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchMemoryInput) (*mcp.CallToolResult, SearchMemoryOutput, error) {
	if input.Query == "" {
		return nil, SearchMemoryOutput{}, NewInvalidParamsError("query parameter is required")
	}
	limit := 10
	if input.Limit > 0 {
		limit = input.Limit
	}

	filter := memory.Filter{SessionID: input.SessionID}
	if input.Type != "" {
		filter.Type = memory.ObservationType(input.Type)
	}

	ranked, err := s.memorySvc.SearchMemories(ctx, input.Query, filter, limit)
	if err != nil {
		return nil, SearchMemoryOutput{}, MapError(err)
	}

	out := SearchMemoryOutput{Results: make([]MemoryResultOutput, 0, len(ranked))}
	for _, r := range ranked {
		out.Results = append(out.Results, toMemoryResultOutput(r.Observation, float64(r.Score)))
	}
	return nil, out, nil
}

func (s *Server) mcpMemoryStoreHandler(ctx context.Context, _ *mcp.CallToolRequest, input MemoryStoreInput) (*mcp.CallToolResult, MemoryStoreOutput, error) {
	if input.Content == "" {
		return nil, MemoryStoreOutput{}, NewInvalidParamsError("content parameter is required")
	}
	obsType := memory.ObservationNote
	if input.Type != "" {
		obsType = memory.ObservationType(input.Type)
	}

	id, deduped, err := s.memorySvc.StoreObservation(ctx, input.Content, obsType, input.Tags, nil, input.SessionID, input.RepoURL, input.Branch, input.Commit)
	if err != nil {
		return nil, MemoryStoreOutput{}, MapError(err)
	}
	return nil, MemoryStoreOutput{ID: id, Deduped: deduped}, nil
}

func (s *Server) mcpMemoryTimelineHandler(ctx context.Context, _ *mcp.CallToolRequest, input MemoryTimelineInput) (*mcp.CallToolResult, MemoryTimelineOutput, error) {
	if input.AnchorID == "" {
		return nil, MemoryTimelineOutput{}, NewInvalidParamsError("anchor_id parameter is required")
	}
	obs, err := s.memorySvc.GetTimeline(ctx, input.AnchorID, input.Before, input.After)
	if err != nil {
		return nil, MemoryTimelineOutput{}, MapError(err)
	}

	out := MemoryTimelineOutput{Observations: make([]MemoryResultOutput, 0, len(obs))}
	for _, o := range obs {
		out.Observations = append(out.Observations, toMemoryResultOutput(o, 0))
	}
	return nil, out, nil
}

func (s *Server) mcpSessionSummaryCreateHandler(ctx context.Context, _ *mcp.CallToolRequest, input SessionSummaryCreateInput) (*mcp.CallToolResult, SessionSummaryCreateOutput, error) {
	if input.SessionID == "" {
		return nil, SessionSummaryCreateOutput{}, NewInvalidParamsError("session_id parameter is required")
	}
	summary, err := s.memorySvc.CreateSessionSummary(ctx, input.SessionID, input.Topics, input.Decisions, input.NextSteps, input.KeyFiles)
	if err != nil {
		return nil, SessionSummaryCreateOutput{}, MapError(err)
	}
	return nil, SessionSummaryCreateOutput{ID: summary.ID}, nil
}

func (s *Server) mcpSessionSummaryGetHandler(ctx context.Context, _ *mcp.CallToolRequest, input SessionSummaryGetInput) (*mcp.CallToolResult, SessionSummaryGetOutput, error) {
	if input.SessionID == "" {
		return nil, SessionSummaryGetOutput{}, NewInvalidParamsError("session_id parameter is required")
	}
	summary, err := s.memorySvc.GetSessionSummary(ctx, input.SessionID)
	if err != nil {
		return nil, SessionSummaryGetOutput{}, MapError(err)
	}
	return nil, SessionSummaryGetOutput{
		ID:        summary.ID,
		SessionID: summary.SessionID,
		Topics:    summary.Topics,
		Decisions: summary.Decisions,
		NextSteps: summary.NextSteps,
		KeyFiles:  summary.KeyFiles,
		CreatedAt: summary.CreatedAt,
	}, nil
}

func toMemoryResultOutput(o *memory.Observation, score float64) MemoryResultOutput {
	if o == nil {
		return MemoryResultOutput{}
	}
	return MemoryResultOutput{
		ID:      o.ID,
		Preview: memory.Preview(o.Content),
		Score:   score,
		Type:    string(o.ObservationType),
		Tags:    o.Tags,
	}
}
