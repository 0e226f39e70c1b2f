package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const schemaLockKey int64 = 2026101901

type SubmissionRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *SubmissionRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// api and worker may start together.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS submissions (
	id BIGSERIAL PRIMARY KEY,
	external_ref TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	degree TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL,
	email TEXT NOT NULL,
	mobile TEXT NOT NULL DEFAULT '',
	pending_chunks JSONB NOT NULL DEFAULT '[]'::jsonb,
	finalized_outputs JSONB NOT NULL DEFAULT '[]'::jsonb,
	processing BOOLEAN NOT NULL DEFAULT false,
	processing_since TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_completed_at ON submissions(completed_at DESC) WHERE completed_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_submissions_processing ON submissions(processing_since) WHERE processing;
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *SubmissionRepository) Create(ctx context.Context, sub *domain.Submission) error {
	pendingJSON, err := marshalNames(sub.PendingChunks)
	if err != nil {
		return fmt.Errorf("marshal pending chunks: %w", err)
	}
	outputsJSON, err := marshalNames(sub.FinalizedOutputs)
	if err != nil {
		return fmt.Errorf("marshal finalized outputs: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
INSERT INTO submissions (
	external_ref, name, degree, topic, email, mobile, pending_chunks, finalized_outputs, processing, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,$9,$10)
RETURNING id
`,
		sub.ExternalRef, sub.Name, sub.Degree, sub.Topic, sub.Email, sub.Mobile,
		pendingJSON, outputsJSON, sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

const selectColumns = `
SELECT id, external_ref, name, degree, topic, email, mobile, pending_chunks, finalized_outputs,
	processing, processing_since, completed_at, created_at, updated_at
FROM submissions
`

func (r *SubmissionRepository) GetByID(ctx context.Context, id int64) (*domain.Submission, error) {
	sub, err := scanSubmission(r.db.QueryRowContext(ctx, selectColumns+`WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSubmissionNotFound, "get submission", fmt.Errorf("id=%d", id))
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	return sub, nil
}

func (r *SubmissionRepository) GetByRef(ctx context.Context, ref string) (*domain.Submission, error) {
	sub, err := scanSubmission(r.db.QueryRowContext(ctx, selectColumns+`WHERE external_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("get submission", ref)
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	return sub, nil
}

func (r *SubmissionRepository) ListCompleted(ctx context.Context, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, selectColumns+`
WHERE completed_at IS NOT NULL
ORDER BY completed_at DESC, id DESC
LIMIT $1
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

func (r *SubmissionRepository) AppendPendingChunk(ctx context.Context, ref, name string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET pending_chunks = CASE
		WHEN pending_chunks ? $2 THEN pending_chunks
		ELSE pending_chunks || to_jsonb($2::text)
	END,
	updated_at = $3
WHERE external_ref = $1 AND processing = false
`, ref, name, r.now())
	if err != nil {
		return fmt.Errorf("append pending chunk: %w", err)
	}
	return r.expectOneRow(ctx, res, ref, "append pending chunk")
}

func (r *SubmissionRepository) ClearPending(ctx context.Context, ref string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET pending_chunks = '[]'::jsonb, updated_at = $2
WHERE external_ref = $1 AND processing = false
`, ref, r.now())
	if err != nil {
		return fmt.Errorf("clear pending chunks: %w", err)
	}
	return r.expectOneRow(ctx, res, ref, "clear pending chunks")
}

func (r *SubmissionRepository) BeginProcessing(ctx context.Context, ref string) error {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET processing = true, processing_since = $2, updated_at = $2
WHERE external_ref = $1 AND processing = false
`, ref, now)
	if err != nil {
		return fmt.Errorf("begin processing: %w", err)
	}
	return r.expectOneRow(ctx, res, ref, "begin processing")
}

func (r *SubmissionRepository) EndProcessing(ctx context.Context, ref string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET processing = false, processing_since = NULL, updated_at = $2
WHERE external_ref = $1
`, ref, r.now())
	if err != nil {
		return fmt.Errorf("end processing: %w", err)
	}
	return expectAffected(res, ref, "end processing")
}

func (r *SubmissionRepository) CompleteFinalize(ctx context.Context, ref, output string, completedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET finalized_outputs = finalized_outputs || to_jsonb($2::text),
	pending_chunks = '[]'::jsonb,
	processing = false,
	processing_since = NULL,
	completed_at = $3,
	updated_at = $3
WHERE external_ref = $1
`, ref, output, completedAt.UTC())
	if err != nil {
		return fmt.Errorf("complete finalize: %w", err)
	}
	return expectAffected(res, ref, "complete finalize")
}

func (r *SubmissionRepository) RemoveFinalizedOutput(ctx context.Context, ref, name string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET finalized_outputs = finalized_outputs - $2::text,
	completed_at = CASE
		WHEN jsonb_array_length(finalized_outputs - $2::text) = 0 THEN NULL
		ELSE completed_at
	END,
	updated_at = $3
WHERE external_ref = $1 AND finalized_outputs ? $2
`, ref, name, r.now())
	if err != nil {
		return fmt.Errorf("remove finalized output: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.processingFlag(ctx, ref); err != nil {
		return err
	}
	return domain.WrapError(domain.ErrOutputNotFound, "remove finalized output", fmt.Errorf("ref=%s name=%s", ref, name))
}

// ResetStaleProcessing clears processing flags left behind by a crashed
// finalize that started before the cutoff.
func (r *SubmissionRepository) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE submissions
SET processing = false, processing_since = NULL, updated_at = $2
WHERE processing = true AND (processing_since IS NULL OR processing_since < $1)
`, before.UTC(), r.now())
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (r *SubmissionRepository) Delete(ctx context.Context, ref string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM submissions WHERE external_ref = $1`, ref)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return expectAffected(res, ref, "delete submission")
}

// expectOneRow resolves a conditional update that matched nothing into
// not-found or in-progress.
func (r *SubmissionRepository) expectOneRow(ctx context.Context, res sql.Result, ref, operation string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	processing, err := r.processingFlag(ctx, ref)
	if err != nil {
		return err
	}
	if processing {
		return domain.WrapError(domain.ErrFinalizeInProgress, operation, fmt.Errorf("ref=%s", ref))
	}
	return domain.WrapError(domain.ErrTemporary, operation, fmt.Errorf("concurrent update ref=%s", ref))
}

func (r *SubmissionRepository) processingFlag(ctx context.Context, ref string) (bool, error) {
	var processing bool
	err := r.db.QueryRowContext(ctx, `SELECT processing FROM submissions WHERE external_ref = $1`, ref).Scan(&processing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound("lookup submission", ref)
		}
		return false, fmt.Errorf("lookup submission: %w", err)
	}
	return processing, nil
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
		pendingRaw      []byte
		outputsRaw      []byte
		processingSince sql.NullTime
		completedAt     sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.ExternalRef, &sub.Name, &sub.Degree, &sub.Topic, &sub.Email, &sub.Mobile,
		&pendingRaw, &outputsRaw, &sub.Processing, &processingSince, &completedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
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
	if processingSince.Valid {
		t := processingSince.Time.UTC()
		sub.ProcessingSince = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		sub.CompletedAt = &t
	}
	return &sub, nil
}

func marshalNames(names []string) ([]byte, error) {
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func unmarshalNames(raw []byte) ([]string, error) {
	names := []string{}
	if len(raw) == 0 {
		return names, nil
	}
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
