package opstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	amanerrors "github.com/aman-cerp/contextd/internal/errors"
)

// FileHash is a single tracked (project, collection, relative_path)
// mapping to its last-indexed content hash, per C5.
type FileHash struct {
	ProjectID    string
	Collection   string
	RelativePath string
	ContentHash  string
	IndexedAt    int64
	DeletedAt    *int64
}

// FileHashRepository owns the file-hash table. Its upsert is atomic in
// the sense required by SPEC_FULL.md §9.3: content_hash and indexed_at
// are overwritten, deleted_at is cleared, and no other column exists to
// accidentally clobber.
type FileHashRepository struct {
	db *sql.DB
}

// NewFileHashRepository opens (or creates) the file-hash table at path.
// Pass "" or ":memory:" for an ephemeral in-memory store, used by tests.
func NewFileHashRepository(path string) (*FileHashRepository, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	r := &FileHashRepository{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *FileHashRepository) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_hashes (
			project_id    TEXT NOT NULL,
			collection    TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			content_hash  TEXT NOT NULL,
			indexed_at    INTEGER NOT NULL,
			deleted_at    INTEGER,
			PRIMARY KEY (project_id, collection, relative_path)
		);
		CREATE INDEX IF NOT EXISTS idx_file_hashes_deleted
			ON file_hashes(deleted_at);
	`)
	if err != nil {
		return amanerrors.DatabaseError("initialize file_hashes schema", err)
	}
	return nil
}

// Upsert records the current hash for a file, clearing any prior
// tombstone. content_hash and indexed_at are always overwritten;
// deleted_at is always cleared; no other column exists to retain.
func (r *FileHashRepository) Upsert(ctx context.Context, projectID, collection, relativePath, contentHash string, indexedAt int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO file_hashes (project_id, collection, relative_path, content_hash, indexed_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(project_id, collection, relative_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			indexed_at   = excluded.indexed_at,
			deleted_at   = NULL
	`, projectID, collection, relativePath, contentHash, indexedAt)
	if err != nil {
		return amanerrors.DatabaseError("upsert file hash", err)
	}
	return nil
}

// Get returns the current hash entry, or nil if no row exists (including
// rows that were tombstoned and then permanently cleaned up by TTL).
func (r *FileHashRepository) Get(ctx context.Context, projectID, collection, relativePath string) (*FileHash, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT project_id, collection, relative_path, content_hash, indexed_at, deleted_at
		FROM file_hashes WHERE project_id = ? AND collection = ? AND relative_path = ?
	`, projectID, collection, relativePath)
	return scanFileHash(row)
}

// HasChanged reports whether currentHash differs from the stored hash
// (or no row/tombstoned row exists), i.e. whether the file needs
// reprocessing during incremental indexing.
func (r *FileHashRepository) HasChanged(ctx context.Context, projectID, collection, relativePath, currentHash string) (bool, error) {
	fh, err := r.Get(ctx, projectID, collection, relativePath)
	if err != nil {
		return false, err
	}
	if fh == nil || fh.DeletedAt != nil {
		return true, nil
	}
	return fh.ContentHash != currentHash, nil
}

// Tombstone marks a file as deleted without removing its row immediately,
// so TTL cleanup (and auditing) can still observe it was once indexed.
func (r *FileHashRepository) Tombstone(ctx context.Context, projectID, collection, relativePath string, deletedAt int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE file_hashes SET deleted_at = ?
		WHERE project_id = ? AND collection = ? AND relative_path = ?
	`, deletedAt, projectID, collection, relativePath)
	if err != nil {
		return amanerrors.DatabaseError("tombstone file hash", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return amanerrors.NotFoundError(fmt.Sprintf("file hash not found: %s/%s/%s", projectID, collection, relativePath), nil)
	}
	return nil
}

// ListActive returns every non-tombstoned file hash for a collection,
// used to reconcile the stored set against a fresh directory scan.
func (r *FileHashRepository) ListActive(ctx context.Context, projectID, collection string) ([]*FileHash, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT project_id, collection, relative_path, content_hash, indexed_at, deleted_at
		FROM file_hashes
		WHERE project_id = ? AND collection = ? AND deleted_at IS NULL
	`, projectID, collection)
	if err != nil {
		return nil, amanerrors.DatabaseError("list active file hashes", err)
	}
	defer rows.Close()

	var out []*FileHash
	for rows.Next() {
		fh, err := scanFileHashRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fh)
	}
	return out, rows.Err()
}

// CleanupTombstones permanently deletes tombstoned rows older than ttl
// relative to now, per the default 7-day retention window.
func (r *FileHashRepository) CleanupTombstones(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	cutoff := now.Add(-ttl).Unix()
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM file_hashes WHERE deleted_at IS NOT NULL AND deleted_at < ?
	`, cutoff)
	if err != nil {
		return 0, amanerrors.DatabaseError("cleanup tombstoned file hashes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteCollection removes every file-hash row for a collection, used by
// index.clear.
func (r *FileHashRepository) DeleteCollection(ctx context.Context, projectID, collection string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM file_hashes WHERE project_id = ? AND collection = ?
	`, projectID, collection)
	if err != nil {
		return amanerrors.DatabaseError("delete collection file hashes", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *FileHashRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileHash(row *sql.Row) (*FileHash, error) {
	fh, err := scanFileHashGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return fh, err
}

func scanFileHashRows(rows *sql.Rows) (*FileHash, error) {
	return scanFileHashGeneric(rows)
}

func scanFileHashGeneric(s rowScanner) (*FileHash, error) {
	var fh FileHash
	var deletedAt sql.NullInt64
	if err := s.Scan(&fh.ProjectID, &fh.Collection, &fh.RelativePath, &fh.ContentHash, &fh.IndexedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, amanerrors.DatabaseError("scan file hash row", err)
	}
	if deletedAt.Valid {
		fh.DeletedAt = &deletedAt.Int64
	}
	return &fh, nil
}
