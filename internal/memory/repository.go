// Package memory implements the workspace memory subsystem: durable
// observation storage (C7), the memory service orchestrator (C9), and
// spec-faithful hybrid retrieval (C10's memory-search path).
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	amanerrors "github.com/aman-cerp/contextd/internal/errors"
	_ "modernc.org/sqlite"
)

// ObservationType classifies a stored memory.
type ObservationType string

const (
	ObservationNote    ObservationType = "note"
	ObservationError   ObservationType = "error"
	ObservationDecision ObservationType = "decision"
)

// Observation is a single stored memory row.
type Observation struct {
	ID              string
	ProjectID       string
	Content         string
	ContentHash     string
	Tags            []string
	ObservationType ObservationType
	Metadata        map[string]string
	CreatedAt       int64
	EmbeddingID     string
	SessionID       string
	RepoURL         string
	Branch          string
	Commit          string
}

// SessionSummary is a point-in-time recap of a working session.
type SessionSummary struct {
	ID        string
	ProjectID string
	SessionID string
	Topics    []string
	Decisions []string
	NextSteps []string
	KeyFiles  []string
	CreatedAt int64
}

// Filter narrows a memory search or timeline query. Zero-valued fields
// are unconstrained.
type Filter struct {
	ProjectID string
	SessionID string
	RepoURL   string
	Type      ObservationType
	Branch    string
	Commit    string
	Since     int64
	Until     int64
}

func (f Filter) matches(o *Observation) bool {
	if f.ProjectID != "" && f.ProjectID != o.ProjectID {
		return false
	}
	if f.SessionID != "" && f.SessionID != o.SessionID {
		return false
	}
	if f.RepoURL != "" && f.RepoURL != o.RepoURL {
		return false
	}
	if f.Type != "" && f.Type != o.ObservationType {
		return false
	}
	if f.Branch != "" && f.Branch != o.Branch {
		return false
	}
	if f.Commit != "" && f.Commit != o.Commit {
		return false
	}
	if f.Since != 0 && o.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && o.CreatedAt > f.Until {
		return false
	}
	return true
}

// Repository persists observations and session summaries in SQLite, with
// an FTS5 shadow table kept in sync by triggers, mirroring the schema of
// the original Rust memory repository this package is grounded on.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the memory database at path. Pass ""
// or ":memory:" for an ephemeral store, used by tests.
func NewRepository(path string) (*Repository, error) {
	db, err := openMemoryDB(path)
	if err != nil {
		return nil, err
	}
	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS observations (
			id               TEXT PRIMARY KEY,
			project_id       TEXT NOT NULL,
			content          TEXT NOT NULL,
			content_hash     TEXT NOT NULL,
			tags             TEXT,
			observation_type TEXT,
			metadata         TEXT,
			created_at       INTEGER NOT NULL,
			embedding_id     TEXT,
			session_id       TEXT,
			repo_url         TEXT,
			branch           TEXT,
			commit_sha       TEXT,
			UNIQUE(project_id, content_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_observations_project_created
			ON observations(project_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_observations_session
			ON observations(session_id);

		CREATE TABLE IF NOT EXISTS session_summaries (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			topics      TEXT,
			decisions   TEXT,
			next_steps  TEXT,
			key_files   TEXT,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_summaries_session
			ON session_summaries(project_id, session_id, created_at);

		CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			content, id UNINDEXED, project_id UNINDEXED
		);

		CREATE TRIGGER IF NOT EXISTS obs_ai AFTER INSERT ON observations BEGIN
			INSERT INTO observations_fts(rowid, content, id, project_id)
			VALUES (new.rowid, new.content, new.id, new.project_id);
		END;
		CREATE TRIGGER IF NOT EXISTS obs_ad AFTER DELETE ON observations BEGIN
			INSERT INTO observations_fts(observations_fts, rowid, content, id, project_id)
			VALUES ('delete', old.rowid, old.content, old.id, old.project_id);
		END;
		CREATE TRIGGER IF NOT EXISTS obs_au AFTER UPDATE ON observations BEGIN
			INSERT INTO observations_fts(observations_fts, rowid, content, id, project_id)
			VALUES ('delete', old.rowid, old.content, old.id, old.project_id);
			INSERT INTO observations_fts(rowid, content, id, project_id)
			VALUES (new.rowid, new.content, new.id, new.project_id);
		END;
	`)
	if err != nil {
		return amanerrors.DatabaseError("initialize memory schema", err)
	}
	return nil
}

// FindByHash returns the observation matching a content hash within a
// project, or nil if none exists. Used to dedup stores and to resolve
// vector-search hits back to their observation id.
func (r *Repository) FindByHash(ctx context.Context, projectID, contentHash string) (*Observation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, content, content_hash, tags, observation_type, metadata,
		       created_at, embedding_id, session_id, repo_url, branch, commit_sha
		FROM observations WHERE project_id = ? AND content_hash = ?
	`, projectID, contentHash)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// Get returns a single observation by id, or nil if none exists.
func (r *Repository) Get(ctx context.Context, id string) (*Observation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, content, content_hash, tags, observation_type, metadata,
		       created_at, embedding_id, session_id, repo_url, branch, commit_sha
		FROM observations WHERE id = ?
	`, id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// Store inserts an observation, or on a content-hash conflict within the
// same project updates only tags/observation_type/metadata, preserving
// the original content and embedding_id. This mirrors the upsert the
// memory service relies on for its dedup contract.
func (r *Repository) Store(ctx context.Context, o *Observation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO observations (id, project_id, content, content_hash, tags, observation_type, metadata,
		                           created_at, embedding_id, session_id, repo_url, branch, commit_sha)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, content_hash) DO UPDATE SET
			tags             = excluded.tags,
			observation_type = excluded.observation_type,
			metadata         = excluded.metadata
	`, o.ID, o.ProjectID, o.Content, o.ContentHash, joinCSV(o.Tags), string(o.ObservationType), encodeMetadata(o.Metadata),
		o.CreatedAt, o.EmbeddingID, o.SessionID, o.RepoURL, o.Branch, o.Commit)
	if err != nil {
		return amanerrors.DatabaseError("store observation", err)
	}
	return nil
}

// SearchFTS runs a full-text match against observation content, filtered
// and ranked by FTS5's bm25(), returning at most limit results.
func (r *Repository) SearchFTS(ctx context.Context, projectID, query string, limit int) ([]*Observation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT o.id, o.project_id, o.content, o.content_hash, o.tags, o.observation_type, o.metadata,
		       o.created_at, o.embedding_id, o.session_id, o.repo_url, o.branch, o.commit_sha
		FROM observations_fts f
		JOIN observations o ON o.rowid = f.rowid
		WHERE f.project_id = ? AND observations_fts MATCH ?
		ORDER BY bm25(observations_fts)
		LIMIT ?
	`, projectID, query, limit)
	if err != nil {
		return nil, amanerrors.DatabaseError("search observations fts", err)
	}
	defer rows.Close()

	var out []*Observation
	for rows.Next() {
		o, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListRecent returns up to limit observations for a project matching
// filter, most recent first. It reads at most limit*4 of the project's
// newest rows and filters those, so fewer than limit results can come back
// even when older matching rows exist. Hybrid search does not use it; its
// semantic branch queries the vector store.
func (r *Repository) ListRecent(ctx context.Context, filter Filter, limit int) ([]*Observation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, content, content_hash, tags, observation_type, metadata,
		       created_at, embedding_id, session_id, repo_url, branch, commit_sha
		FROM observations WHERE project_id = ? ORDER BY created_at DESC LIMIT ?
	`, filter.ProjectID, limit*4)
	if err != nil {
		return nil, amanerrors.DatabaseError("list recent observations", err)
	}
	defer rows.Close()

	var out []*Observation
	for rows.Next() {
		o, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		if filter.matches(o) {
			out = append(out, o)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, rows.Err()
}

// GetTimeline returns up to before+after observations surrounding an
// anchor observation within a project: before entries oldest-first
// immediately preceding the anchor, the anchor itself, then after
// entries immediately following it.
func (r *Repository) GetTimeline(ctx context.Context, projectID, anchorID string, before, after int) ([]*Observation, error) {
	anchor, err := r.Get(ctx, anchorID)
	if err != nil {
		return nil, err
	}
	if anchor == nil || anchor.ProjectID != projectID {
		return nil, amanerrors.NotFoundError(fmt.Sprintf("observation not found: %s", anchorID), nil)
	}

	beforeRows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, content, content_hash, tags, observation_type, metadata,
		       created_at, embedding_id, session_id, repo_url, branch, commit_sha
		FROM observations WHERE project_id = ? AND created_at < ?
		ORDER BY created_at DESC LIMIT ?
	`, projectID, anchor.CreatedAt, before)
	if err != nil {
		return nil, amanerrors.DatabaseError("query timeline before", err)
	}
	beforeList, err := drainObservations(beforeRows)
	if err != nil {
		return nil, err
	}
	reverse(beforeList)

	afterRows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, content, content_hash, tags, observation_type, metadata,
		       created_at, embedding_id, session_id, repo_url, branch, commit_sha
		FROM observations WHERE project_id = ? AND created_at > ?
		ORDER BY created_at ASC LIMIT ?
	`, projectID, anchor.CreatedAt, after)
	if err != nil {
		return nil, amanerrors.DatabaseError("query timeline after", err)
	}
	afterList, err := drainObservations(afterRows)
	if err != nil {
		return nil, err
	}

	out := make([]*Observation, 0, len(beforeList)+1+len(afterList))
	out = append(out, beforeList...)
	out = append(out, anchor)
	out = append(out, afterList...)
	return out, nil
}

// StoreSessionSummary inserts or replaces a session summary by id.
func (r *Repository) StoreSessionSummary(ctx context.Context, s *SessionSummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_summaries (id, project_id, session_id, topics, decisions, next_steps, key_files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			topics     = excluded.topics,
			decisions  = excluded.decisions,
			next_steps = excluded.next_steps,
			key_files  = excluded.key_files,
			created_at = excluded.created_at
	`, s.ID, s.ProjectID, s.SessionID, joinCSV(s.Topics), joinCSV(s.Decisions), joinCSV(s.NextSteps), joinCSV(s.KeyFiles), s.CreatedAt)
	if err != nil {
		return amanerrors.DatabaseError("store session summary", err)
	}
	return nil
}

// GetSessionSummary returns the most recent summary for a session, or
// nil if none exists.
func (r *Repository) GetSessionSummary(ctx context.Context, projectID, sessionID string) (*SessionSummary, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, session_id, topics, decisions, next_steps, key_files, created_at
		FROM session_summaries WHERE project_id = ? AND session_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, projectID, sessionID)

	var s SessionSummary
	var topics, decisions, nextSteps, keyFiles string
	err := row.Scan(&s.ID, &s.ProjectID, &s.SessionID, &topics, &decisions, &nextSteps, &keyFiles, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, amanerrors.DatabaseError("get session summary", err)
	}
	s.Topics = splitCSV(topics)
	s.Decisions = splitCSV(decisions)
	s.NextSteps = splitCSV(nextSteps)
	s.KeyFiles = splitCSV(keyFiles)
	return &s, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

func drainObservations(rows *sql.Rows) ([]*Observation, error) {
	defer rows.Close()
	var out []*Observation
	for rows.Next() {
		o, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func reverse(obs []*Observation) {
	for i, j := 0, len(obs)-1; i < j; i, j = i+1, j-1 {
		obs[i], obs[j] = obs[j], obs[i]
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row *sql.Row) (*Observation, error) {
	return scanObservationGeneric(row)
}

func scanObservationRows(rows *sql.Rows) (*Observation, error) {
	return scanObservationGeneric(rows)
}

func scanObservationGeneric(s rowScanner) (*Observation, error) {
	var o Observation
	var tags, obsType, metadata, embeddingID, sessionID, repoURL, branch, commit sql.NullString
	if err := s.Scan(&o.ID, &o.ProjectID, &o.Content, &o.ContentHash, &tags, &obsType, &metadata,
		&o.CreatedAt, &embeddingID, &sessionID, &repoURL, &branch, &commit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, amanerrors.DatabaseError("scan observation row", err)
	}
	o.Tags = splitCSV(tags.String)
	o.ObservationType = ObservationType(obsType.String)
	o.Metadata = decodeMetadata(metadata.String)
	o.EmbeddingID = embeddingID.String
	o.SessionID = sessionID.String
	o.RepoURL = repoURL.String
	o.Branch = branch.String
	o.Commit = commit.String
	return &o, nil
}

func joinCSV(items []string) string {
	return strings.Join(items, ",")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	first := true
	for k, v := range m {
		if !first {
			b.WriteByte(';')
		}
		first = false
		b.WriteString(strings.ReplaceAll(k, ";", "_"))
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(v, ";", "_"))
	}
	return b.String()
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	m := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			m[kv[0]] = kv[1]
		}
	}
	return m
}
