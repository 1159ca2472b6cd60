package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const jobColumns = `id, owner, status, source_file, source_name, credential_id, dry_run, validated,
	total_rows, processed_rows, success_count, failure_count, reserved_quota,
	validation_errors, validation_warnings, error_message, cancel_requested, product_ids,
	created_at, started_at, finished_at`

const resultColumns = `id, job_id, row_index, product_name, success, external_product_id,
	error_message, attempts, created_at`

func scanJob(row scanner) (registrar.Job, error) {
	var (
		job          registrar.Job
		status       string
		errorsJSON   []byte
		warningsJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.Owner, &status, &job.SourceFile, &job.SourceName, &job.CredentialID,
		&job.DryRun, &job.Validated,
		&job.TotalRows, &job.ProcessedRows, &job.SuccessCount, &job.FailureCount, &job.ReservedQuota,
		&errorsJSON, &warningsJSON, &job.ErrorMessage, &job.CancelRequested, &job.ProductIDs,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return registrar.Job{}, err
	}
	job.Status = registrar.JobStatus(status)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &job.ValidationErrors); err != nil {
			return registrar.Job{}, fmt.Errorf("decode validation errors: %w", err)
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &job.ValidationWarnings); err != nil {
			return registrar.Job{}, fmt.Errorf("decode validation warnings: %w", err)
		}
	}
	return job, nil
}

func jobArgs(job registrar.Job) ([]any, error) {
	errorsJSON, err := json.Marshal(issuesOrEmpty(job.ValidationErrors))
	if err != nil {
		return nil, fmt.Errorf("encode validation errors: %w", err)
	}
	warningsJSON, err := json.Marshal(issuesOrEmpty(job.ValidationWarnings))
	if err != nil {
		return nil, fmt.Errorf("encode validation warnings: %w", err)
	}
	productIDs := job.ProductIDs
	if productIDs == nil {
		productIDs = []string{}
	}
	return []any{
		job.ID, job.Owner, string(job.Status), job.SourceFile, job.SourceName, job.CredentialID,
		job.DryRun, job.Validated,
		job.TotalRows, job.ProcessedRows, job.SuccessCount, job.FailureCount, job.ReservedQuota,
		errorsJSON, warningsJSON, job.ErrorMessage, job.CancelRequested, productIDs,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
	}, nil
}

func issuesOrEmpty(issues []registrar.Issue) []registrar.Issue {
	if issues == nil {
		return []registrar.Issue{}
	}
	return issues
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job registrar.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (registrar.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return registrar.Job{}, notFound("job", jobID, err)
	}
	return job, nil
}

func lockJob(ctx context.Context, q querier, jobID string) (registrar.Job, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return registrar.Job{}, notFound("job", jobID, err)
	}
	return job, nil
}

func saveJob(ctx context.Context, q querier, job registrar.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := `UPDATE jobs SET
		owner = $2, status = $3, source_file = $4, source_name = $5, credential_id = $6,
		dry_run = $7, validated = $8, total_rows = $9, processed_rows = $10, success_count = $11,
		failure_count = $12, reserved_quota = $13, validation_errors = $14, validation_warnings = $15,
		error_message = $16, cancel_requested = $17, product_ids = $18, created_at = $19,
		started_at = $20, finished_at = $21
		WHERE id = $1`
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// UpdateJob locks the row, applies fn and writes the result back.
func (s *Store) UpdateJob(
	ctx context.Context,
	jobID string,
	fn func(*registrar.Job) error,
) (registrar.Job, error) {
	var out registrar.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		out = job
		if err := fn(&job); err != nil {
			return err
		}
		if err := saveJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// ListJobs returns the owner's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, owner string, page registrar.Page) ([]registrar.Job, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	limit, offset := limitArgs(page)
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []registrar.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// DeleteJob removes a job; results cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	return nil
}

// RecordResult inserts the result and bumps the counters in one transaction.
func (s *Store) RecordResult(ctx context.Context, result registrar.ProductResult) (registrar.Job, error) {
	var out registrar.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, result.JobID)
		if err != nil {
			return err
		}
		out = job
		if job.Status != registrar.JobRunning {
			return fmt.Errorf("record result for %s job: %w", job.Status, registrar.ErrInvalidTransition)
		}
		if job.ProcessedRows >= job.TotalRows {
			return fmt.Errorf("job %s already processed %d rows: %w", job.ID, job.ProcessedRows, registrar.ErrConflict)
		}
		_, err = tx.Exec(ctx, `INSERT INTO product_results (`+resultColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			result.ID, result.JobID, result.RowIndex, result.ProductName, result.Success,
			result.ExternalProductID, result.ErrorMessage, result.Attempts, result.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("row %d already recorded: %w", result.RowIndex, registrar.ErrConflict)
			}
			return fmt.Errorf("insert result: %w", err)
		}
		job.ProcessedRows++
		if result.Success {
			job.SuccessCount++
		} else {
			job.FailureCount++
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET processed_rows = $2, success_count = $3, failure_count = $4
			WHERE id = $1`, job.ID, job.ProcessedRows, job.SuccessCount, job.FailureCount)
		if err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

// ListResults returns a job's results ordered by row index.
func (s *Store) ListResults(
	ctx context.Context,
	jobID string,
	filter registrar.ResultFilter,
) ([]registrar.ProductResult, int, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return nil, 0, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM product_results
		WHERE job_id = $1 AND ($2::boolean IS NULL OR success = $2)`, jobID, filter.Success).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}
	limit, offset := limitArgs(filter.Page)
	rows, err := s.pool.Query(ctx, `SELECT `+resultColumns+` FROM product_results
		WHERE job_id = $1 AND ($2::boolean IS NULL OR success = $2)
		ORDER BY row_index LIMIT $3 OFFSET $4`, jobID, filter.Success, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []registrar.ProductResult
	for rows.Next() {
		var r registrar.ProductResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.RowIndex, &r.ProductName, &r.Success,
			&r.ExternalProductID, &r.ErrorMessage, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate results: %w", err)
	}
	return out, total, nil
}
