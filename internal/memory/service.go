package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-cerp/contextd/internal/embed"
	amanerrors "github.com/aman-cerp/contextd/internal/errors"
	"github.com/aman-cerp/contextd/internal/events"
	"github.com/aman-cerp/contextd/internal/idgen"
	"github.com/aman-cerp/contextd/internal/store"
)

// TimelineBefore and TimelineAfter bound how far GetTimeline looks
// around an anchor observation when the caller does not specify counts.
const (
	TimelineBefore = 5
	TimelineAfter  = 5
)

// ObservationPreviewLength truncates content in list/preview responses,
// matching the donor's preview-length convention for search results.
const ObservationPreviewLength = 200

// Service orchestrates observation storage, session summaries, and
// timeline/search retrieval for a single project, grounded on the
// original implementation's MemoryServiceImpl.
type Service struct {
	projectID string
	repo      *Repository
	embedder  embed.Embedder
	vectors   *store.CollectionStore
	bus       *events.Bus
	now       func() int64
}

// ServiceOption customizes a Service at construction time.
type ServiceOption func(*Service)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() int64) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds a memory service scoped to a single project.
func NewService(projectID string, repo *Repository, embedder embed.Embedder, vectors *store.CollectionStore, bus *events.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		projectID: projectID,
		repo:      repo,
		embedder:  embedder,
		vectors:   vectors,
		bus:       bus,
		now:       defaultClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreObservation records a new memory, deduplicating on content hash
// within the project. The returned bool is true when an existing
// observation was matched instead of a new one created; in that case
// only tags/type/metadata are updated, preserving the original content,
// embedding, and creation time.
//
// A partially-embedded observation is never left in the repository: the
// embedding is computed and written to the vector store before the
// repository row is inserted, so a failure here leaves no orphaned row
// lacking an embedding_id.
func (s *Service) StoreObservation(ctx context.Context, content string, obsType ObservationType, tags []string, metadata map[string]string, sessionID, repoURL, branch, commit string) (id string, deduped bool, err error) {
	if s.projectID == "" {
		return "", false, amanerrors.InvalidArgumentError("project id is required", nil)
	}
	if content == "" {
		return "", false, amanerrors.InvalidArgumentError("content is required", nil)
	}

	hash := idgen.ContentHash(content)

	existing, err := s.repo.FindByHash(ctx, s.projectID, hash)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		existing.Tags = tags
		existing.ObservationType = obsType
		existing.Metadata = metadata
		if err := s.repo.Store(ctx, existing); err != nil {
			return "", false, err
		}
		return existing.ID, true, nil
	}

	embeddingID := hash
	if s.embedder != nil && s.embedder.Available(ctx) {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return "", false, amanerrors.EmbeddingError("embed observation", err)
		}
		if err := s.vectors.Insert(ctx, store.MemoryCollectionName, []string{embeddingID}, [][]float32{vec}); err != nil {
			return "", false, amanerrors.VectorStoreError("index observation embedding", err)
		}
	}

	obs := &Observation{
		ID:              idgen.New(),
		ProjectID:       s.projectID,
		Content:         content,
		ContentHash:     hash,
		Tags:            tags,
		ObservationType: obsType,
		Metadata:        metadata,
		CreatedAt:       s.now(),
		EmbeddingID:     embeddingID,
		SessionID:       sessionID,
		RepoURL:         repoURL,
		Branch:          branch,
		Commit:          commit,
	}
	if err := s.repo.Store(ctx, obs); err != nil {
		return "", false, err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, events.Event{Type: events.MemoryStored, Payload: obs.ID})
	}

	return obs.ID, false, nil
}

// StoreErrorPattern is a convenience wrapper storing an observation
// tagged as an error pattern, matching the original's dedicated
// store_error_pattern entry point.
func (s *Service) StoreErrorPattern(ctx context.Context, content string, tags []string, metadata map[string]string, sessionID string) (string, bool, error) {
	return s.StoreObservation(ctx, content, ObservationError, tags, metadata, sessionID, "", "", "")
}

// SearchMemories runs hybrid lexical+vector retrieval scoped to filter.
func (s *Service) SearchMemories(ctx context.Context, query string, filter Filter, limit int) ([]*RankedObservation, error) {
	if limit <= 0 {
		limit = 10
	}
	filter.ProjectID = s.projectID
	return SearchMemories(ctx, s.repo, s.vectors, s.embedder, query, filter, limit)
}

// SearchErrorPatterns is SearchMemories pre-filtered to error-type
// observations, matching the original's search_error_patterns.
func (s *Service) SearchErrorPatterns(ctx context.Context, query string, limit int) ([]*RankedObservation, error) {
	return s.SearchMemories(ctx, query, Filter{Type: ObservationError}, limit)
}

// GetTimeline returns the observations surrounding anchorID, before
// entries oldest-first then the anchor then after entries.
func (s *Service) GetTimeline(ctx context.Context, anchorID string, before, after int) ([]*Observation, error) {
	if before <= 0 {
		before = TimelineBefore
	}
	if after <= 0 {
		after = TimelineAfter
	}
	return s.repo.GetTimeline(ctx, s.projectID, anchorID, before, after)
}

// CreateSessionSummary stores a new recap for a working session.
func (s *Service) CreateSessionSummary(ctx context.Context, sessionID string, topics, decisions, nextSteps, keyFiles []string) (*SessionSummary, error) {
	if sessionID == "" {
		return nil, amanerrors.InvalidArgumentError("session id is required", nil)
	}
	summary := &SessionSummary{
		ID:        idgen.New(),
		ProjectID: s.projectID,
		SessionID: sessionID,
		Topics:    topics,
		Decisions: decisions,
		NextSteps: nextSteps,
		KeyFiles:  keyFiles,
		CreatedAt: s.now(),
	}
	if err := s.repo.StoreSessionSummary(ctx, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// GetSessionSummary returns the most recent summary for a session.
func (s *Service) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	summary, err := s.repo.GetSessionSummary(ctx, s.projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, amanerrors.NotFoundError(fmt.Sprintf("no session summary for session %s", sessionID), nil)
	}
	return summary, nil
}

// Preview truncates content to ObservationPreviewLength runes, appending
// an ellipsis when truncated.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= ObservationPreviewLength {
		return content
	}
	return string(runes[:ObservationPreviewLength]) + "..."
}

func defaultClock() int64 {
	return time.Now().Unix()
}
