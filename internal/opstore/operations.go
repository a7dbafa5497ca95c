package opstore

import (
	"context"
	"database/sql"
	"errors"

	amanerrors "github.com/aman-cerp/contextd/internal/errors"
	"github.com/google/uuid"
)

// OperationStatus is the lifecycle state of an IndexingOperation.
type OperationStatus string

const (
	StatusStarting   OperationStatus = "starting"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// terminal reports whether a status can no longer transition.
func (s OperationStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IndexingOperation is a durable record of one indexing run, satisfying
// C6. Rows in a terminal Status are immutable: UpdateProgress and
// Complete/Fail/Cancel all become no-ops once a row has settled.
type IndexingOperation struct {
	ID             string
	Collection     string
	Status         OperationStatus
	TotalFiles     int
	ProcessedFiles int
	CurrentFile    *string
	StartedAt      int64
	CompletedAt    *int64
	FailureMessage *string
}

// OperationRepository persists IndexingOperation rows.
type OperationRepository struct {
	db *sql.DB
}

// NewOperationRepository opens (or creates) the indexing_operations table
// at path. Pass "" or ":memory:" for an ephemeral store, used by tests.
func NewOperationRepository(path string) (*OperationRepository, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	r := &OperationRepository{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *OperationRepository) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS indexing_operations (
			id              TEXT PRIMARY KEY,
			collection      TEXT NOT NULL,
			status          TEXT NOT NULL,
			total_files     INTEGER NOT NULL DEFAULT 0,
			processed_files INTEGER NOT NULL DEFAULT 0,
			current_file    TEXT,
			started_at      INTEGER NOT NULL,
			completed_at    INTEGER,
			failure_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_indexing_operations_collection
			ON indexing_operations(collection, status);
	`)
	if err != nil {
		return amanerrors.DatabaseError("initialize indexing_operations schema", err)
	}
	return nil
}

// StartOperation inserts a new operation row in StatusStarting and
// returns its generated id, matching the original's "return operation_id
// immediately, run the work in the background" contract.
func (r *OperationRepository) StartOperation(ctx context.Context, collection string, totalFiles int, startedAt int64) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexing_operations (id, collection, status, total_files, processed_files, started_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, id, collection, StatusStarting, totalFiles, startedAt)
	if err != nil {
		return "", amanerrors.DatabaseError("start indexing operation", err)
	}
	return id, nil
}

// UpdateProgress advances processedFiles/currentFile and flips the
// status to InProgress. A no-op on operations that have already reached
// a terminal status.
func (r *OperationRepository) UpdateProgress(ctx context.Context, id string, processedFiles int, currentFile string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE indexing_operations
		SET processed_files = ?, current_file = ?, status = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, processedFiles, currentFile, StatusInProgress, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return amanerrors.DatabaseError("update indexing operation progress", err)
	}
	return nil
}

// Complete marks an operation Completed. A no-op on an already-terminal
// operation.
func (r *OperationRepository) Complete(ctx context.Context, id string, completedAt int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE indexing_operations SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusCompleted, completedAt, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return amanerrors.DatabaseError("complete indexing operation", err)
	}
	return nil
}

// Fail marks an operation Failed with a failure message. A no-op on an
// already-terminal operation.
func (r *OperationRepository) Fail(ctx context.Context, id string, completedAt int64, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE indexing_operations SET status = ?, completed_at = ?, failure_message = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusFailed, completedAt, message, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return amanerrors.DatabaseError("fail indexing operation", err)
	}
	return nil
}

// Cancel marks an operation Cancelled, used by index.clear to stop an
// active background job. A no-op on an already-terminal operation.
func (r *OperationRepository) Cancel(ctx context.Context, id string, completedAt int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE indexing_operations SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusCancelled, completedAt, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return amanerrors.DatabaseError("cancel indexing operation", err)
	}
	return nil
}

// Get returns a single operation by id, or nil if none exists.
func (r *OperationRepository) Get(ctx context.Context, id string) (*IndexingOperation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, collection, status, total_files, processed_files, current_file, started_at, completed_at, failure_message
		FROM indexing_operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// GetActiveOperation returns the one non-terminal operation for a
// collection, if any, used to reject concurrent index.start calls and to
// back index.status.
func (r *OperationRepository) GetActiveOperation(ctx context.Context, collection string) (*IndexingOperation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, collection, status, total_files, processed_files, current_file, started_at, completed_at, failure_message
		FROM indexing_operations
		WHERE collection = ? AND status NOT IN (?, ?, ?)
		ORDER BY started_at DESC LIMIT 1
	`, collection, StatusCompleted, StatusFailed, StatusCancelled)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// ListByCollection returns every operation for a collection, most recent
// first.
func (r *OperationRepository) ListByCollection(ctx context.Context, collection string) ([]*IndexingOperation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, collection, status, total_files, processed_files, current_file, started_at, completed_at, failure_message
		FROM indexing_operations WHERE collection = ? ORDER BY started_at DESC
	`, collection)
	if err != nil {
		return nil, amanerrors.DatabaseError("list indexing operations", err)
	}
	defer rows.Close()

	var out []*IndexingOperation
	for rows.Next() {
		op, err := scanOperationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (r *OperationRepository) Close() error {
	return r.db.Close()
}

func scanOperation(row *sql.Row) (*IndexingOperation, error) {
	return scanOperationGeneric(row)
}

func scanOperationRows(rows *sql.Rows) (*IndexingOperation, error) {
	return scanOperationGeneric(rows)
}

func scanOperationGeneric(s rowScanner) (*IndexingOperation, error) {
	var op IndexingOperation
	var status string
	var currentFile, failureMessage sql.NullString
	var completedAt sql.NullInt64
	if err := s.Scan(&op.ID, &op.Collection, &status, &op.TotalFiles, &op.ProcessedFiles, &currentFile, &op.StartedAt, &completedAt, &failureMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, amanerrors.DatabaseError("scan indexing operation row", err)
	}
	op.Status = OperationStatus(status)
	if currentFile.Valid {
		op.CurrentFile = &currentFile.String
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Int64
	}
	if failureMessage.Valid {
		op.FailureMessage = &failureMessage.String
	}
	return &op, nil
}
