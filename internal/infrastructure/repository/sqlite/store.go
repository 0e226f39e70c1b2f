// Package sqlite is the single-node Record Store. All writes go through one
// connection so conditional updates are serialized by SQLite itself.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "./data/submissions.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	return &Store{
		db:   db,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS submissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_ref TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	degree TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL,
	email TEXT NOT NULL,
	mobile TEXT NOT NULL DEFAULT '',
	pending_chunks TEXT NOT NULL DEFAULT '[]',
	finalized_outputs TEXT NOT NULL DEFAULT '[]',
	processing INTEGER NOT NULL DEFAULT 0,
	processing_since INTEGER,
	completed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_completed_at ON submissions(completed_at);
`
	if _, err := s.execWithRetry(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, sub *domain.Submission) error {
	pendingJSON, err := marshalNames(sub.PendingChunks)
	if err != nil {
		return fmt.Errorf("marshal pending chunks: %w", err)
	}
	outputsJSON, err := marshalNames(sub.FinalizedOutputs)
	if err != nil {
		return fmt.Errorf("marshal finalized outputs: %w", err)
	}

	res, err := s.execWithRetry(ctx, `
INSERT INTO submissions (
	external_ref, name, degree, topic, email, mobile, pending_chunks, finalized_outputs, processing, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
`,
		sub.ExternalRef, sub.Name, sub.Degree, sub.Topic, sub.Email, sub.Mobile,
		pendingJSON, outputsJSON, sub.CreatedAt.UnixNano(), sub.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	return nil
}

const selectColumns = `
SELECT id, external_ref, name, degree, topic, email, mobile, pending_chunks, finalized_outputs,
	processing, processing_since, completed_at, created_at, updated_at
FROM submissions
`

func (s *Store) GetByID(ctx context.Context, id int64) (*domain.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, selectColumns+`WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSubmissionNotFound, "get submission", fmt.Errorf("id=%d", id))
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	return sub, nil
}

func (s *Store) GetByRef(ctx context.Context, ref string) (*domain.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, selectColumns+`WHERE external_ref = ?`, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("get submission", ref)
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	return sub, nil
}

func (s *Store) ListCompleted(ctx context.Context, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE completed_at IS NOT NULL
ORDER BY completed_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query completed submissions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Submission, 0, limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func (s *Store) AppendPendingChunk(ctx context.Context, ref, name string) error {
	res, err := s.execWithRetry(ctx, `
UPDATE submissions
SET pending_chunks = CASE
		WHEN EXISTS (SELECT 1 FROM json_each(pending_chunks) WHERE value = ?2) THEN pending_chunks
		ELSE json_insert(pending_chunks, '$[#]', ?2)
	END,
	updated_at = ?3
WHERE external_ref = ?1 AND processing = 0
`, ref, name, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("append pending chunk: %w", err)
	}
	return s.expectOneRow(ctx, res, ref, "append pending chunk")
}

func (s *Store) ClearPending(ctx context.Context, ref string) error {
	res, err := s.execWithRetry(ctx, `
UPDATE submissions
SET pending_chunks = '[]', updated_at = ?
WHERE external_ref = ? AND processing = 0
`, s.now().UnixNano(), ref)
	if err != nil {
		return fmt.Errorf("clear pending chunks: %w", err)
	}
	return s.expectOneRow(ctx, res, ref, "clear pending chunks")
}

func (s *Store) BeginProcessing(ctx context.Context, ref string) error {
	now := s.now().UnixNano()
	res, err := s.execWithRetry(ctx, `
UPDATE submissions
SET processing = 1, processing_since = ?, updated_at = ?
WHERE external_ref = ? AND processing = 0
`, now, now, ref)
	if err != nil {
		return fmt.Errorf("begin processing: %w", err)
	}
	return s.expectOneRow(ctx, res, ref, "begin processing")
}

func (s *Store) EndProcessing(ctx context.Context, ref string) error {
	res, err := s.execWithRetry(ctx, `
UPDATE submissions
SET processing = 0, processing_since = NULL, updated_at = ?
WHERE external_ref = ?
`, s.now().UnixNano(), ref)
	if err != nil {
		return fmt.Errorf("end processing: %w", err)
	}
	return expectAffected(res, ref, "end processing")
}

func (s *Store) CompleteFinalize(ctx context.Context, ref, output string, completedAt time.Time) error {
	res, err := s.execWithRetry(ctx, `
UPDATE submissions
SET finalized_outputs = json_insert(finalized_outputs, '$[#]', ?2),
	pending_chunks = '[]',
	processing = 0,
	processing_since = NULL,
	completed_at = ?3,
	updated_at = ?3
WHERE external_ref = ?1
`, ref, output, completedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("complete finalize: %w", err)
	}
	return expectAffected(res, ref, "complete finalize")
}

func (s *Store) RemoveFinalizedOutput(ctx context.Context, ref, name string) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var raw string
		err = tx.QueryRowContext(ctx, `SELECT finalized_outputs FROM submissions WHERE external_ref = ?`, ref).Scan(&raw)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("remove finalized output", ref)
			}
			return fmt.Errorf("read finalized outputs: %w", err)
		}
		outputs, err := unmarshalNames(raw)
		if err != nil {
			return fmt.Errorf("unmarshal finalized outputs: %w", err)
		}

		kept := make([]string, 0, len(outputs))
		for _, output := range outputs {
			if output != name {
				kept = append(kept, output)
			}
		}
		if len(kept) == len(outputs) {
			return domain.WrapError(domain.ErrOutputNotFound, "remove finalized output", fmt.Errorf("ref=%s name=%s", ref, name))
		}
		keptJSON, err := marshalNames(kept)
		if err != nil {
			return fmt.Errorf("marshal finalized outputs: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE submissions
SET finalized_outputs = ?,
	completed_at = CASE WHEN ? = 0 THEN NULL ELSE completed_at END,
	updated_at = ?
WHERE external_ref = ?
`, keptJSON, len(kept), s.now().UnixNano(), ref); err != nil {
			return fmt.Errorf("update finalized outputs: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx, `
UPDATE submissions
SET processing = 0, processing_since = NULL, updated_at = ?
WHERE processing = 1 AND (processing_since IS NULL OR processing_since < ?)
`, s.now().UnixNano(), before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM submissions WHERE external_ref = ?`, ref)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return expectAffected(res, ref, "delete submission")
}

func (s *Store) expectOneRow(ctx context.Context, res sql.Result, ref, operation string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var processing bool
	err = s.db.QueryRowContext(ctx, `SELECT processing FROM submissions WHERE external_ref = ?`, ref).Scan(&processing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(operation, ref)
		}
		return fmt.Errorf("lookup submission: %w", err)
	}
	if processing {
		return domain.WrapError(domain.ErrFinalizeInProgress, operation, fmt.Errorf("ref=%s", ref))
	}
	return domain.WrapError(domain.ErrTemporary, operation, fmt.Errorf("concurrent update ref=%s", ref))
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func expectAffected(res sql.Result, ref, operation string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound(operation, ref)
	}
	return nil
}

func notFound(operation, ref string) error {
	return domain.WrapError(domain.ErrSubmissionNotFound, operation, fmt.Errorf("ref=%s", ref))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*domain.Submission, error) {
	var (
		sub             domain.Submission
		pendingRaw      string
		outputsRaw      string
		processingSince sql.NullInt64
		completedAt     sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)
	err := row.Scan(
		&sub.ID, &sub.ExternalRef, &sub.Name, &sub.Degree, &sub.Topic, &sub.Email, &sub.Mobile,
		&pendingRaw, &outputsRaw, &sub.Processing, &processingSince, &completedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sub.PendingChunks, err = unmarshalNames(pendingRaw); err != nil {
		return nil, fmt.Errorf("unmarshal pending chunks: %w", err)
	}
	if sub.FinalizedOutputs, err = unmarshalNames(outputsRaw); err != nil {
		return nil, fmt.Errorf("unmarshal finalized outputs: %w", err)
	}
	sub.ProcessingSince = fromNullNanos(processingSince)
	sub.CompletedAt = fromNullNanos(completedAt)
	sub.CreatedAt = time.Unix(0, createdAt).UTC()
	sub.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sub, nil
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func marshalNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	return string(raw), err
}

func unmarshalNames(raw string) ([]string, error) {
	names := []string{}
	if raw == "" {
		return names, nil
	}
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
