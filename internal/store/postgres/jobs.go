package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/pkg/pgnotify"
)

// --- JobStore ---

func (s *Store) Enqueue(ctx context.Context, job domain.Job) (int64, error) {
	eventRaw, err := json.Marshal(job.Event)
	if err != nil {
		return 0, fmt.Errorf("postgres: encode job event: %w", err)
	}
	var contextRaw []byte
	if job.Context != nil {
		contextRaw, err = json.Marshal(job.Context)
		if err != nil {
			return 0, fmt.Errorf("postgres: encode job context: %w", err)
		}
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}

	var id int64
	err = s.jobs.QueryRowContext(ctx, `
		INSERT INTO soar_jobs
			(playbook_id, organization_id, user_id, event, context, priority, status, max_attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		job.PlaybookID, job.OrganizationID, job.UserID, eventRaw, contextRaw, job.Priority,
		domain.JobQueued, job.MaxAttempts, job.NextAttemptAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: enqueue job: %w", err)
	}
	s.notify(ctx, pgnotify.ChannelJobs)
	return id, nil
}

// Claim reserves up to n queued, due jobs for workerID using SELECT ... FOR
// UPDATE SKIP LOCKED so concurrent workers never double-claim a row.
func (s *Store) Claim(ctx context.Context, workerID string, n int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.jobs.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.jobs.QueryContext(ctx, `
			SELECT id, playbook_id, organization_id, user_id, event, context, priority,
				status, attempts, max_attempts, last_error, created_at, next_attempt_at, cancel_requested
			FROM soar_jobs
			WHERE status = $1 AND next_attempt_at <= now()
			ORDER BY priority DESC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, domain.JobQueued, n)
		if err != nil {
			return fmt.Errorf("postgres: claim select: %w", err)
		}

		var ids []int64
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			job.Status = domain.JobRunning
			job.Attempts++
			jobs = append(jobs, job)
			ids = append(ids, job.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := s.jobs.ExecContext(ctx, `
				UPDATE soar_jobs SET status = $2, attempts = attempts + 1 WHERE id = $1`,
				id, domain.JobRunning); err != nil {
				return fmt.Errorf("postgres: claim update %d: %w", id, err)
			}
		}
		_ = workerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(rows *sql.Rows) (domain.Job, error) {
	var job domain.Job
	var eventRaw, contextRaw []byte
	err := rows.Scan(
		&job.ID, &job.PlaybookID, &job.OrganizationID, &job.UserID, &eventRaw, &contextRaw, &job.Priority,
		&job.Status, &job.Attempts, &job.MaxAttempts, &job.LastError, &job.CreatedAt, &job.NextAttemptAt,
		&job.CancelRequested,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("postgres: scan job: %w", err)
	}
	if len(eventRaw) > 0 {
		if err := json.Unmarshal(eventRaw, &job.Event); err != nil {
			return domain.Job{}, fmt.Errorf("postgres: decode job event: %w", err)
		}
	}
	if len(contextRaw) > 0 {
		if err := json.Unmarshal(contextRaw, &job.Context); err != nil {
			return domain.Job{}, fmt.Errorf("postgres: decode job context: %w", err)
		}
	}
	return job, nil
}

func (s *Store) Complete(ctx context.Context, jobID int64) error {
	return s.updateJobStatus(ctx, jobID, domain.JobSucceeded, "")
}

func (s *Store) Fail(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	result, err := s.jobs.ExecContext(ctx, `
		UPDATE soar_jobs SET status = $2, last_error = $3, next_attempt_at = $4 WHERE id = $1`,
		jobID, domain.JobQueued, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("postgres: fail job %d: %w", jobID, err)
	}
	return rowsAffectedOrNotFound(result)
}

func (s *Store) DeadLetter(ctx context.Context, jobID int64, errMsg string) error {
	return s.jobs.WithTx(ctx, func(ctx context.Context) error {
		var orgID, playbookID int64
		var eventRaw []byte
		err := s.jobs.QueryRowContext(ctx, `
			SELECT organization_id, playbook_id, event FROM soar_jobs WHERE id = $1`, jobID,
		).Scan(&orgID, &playbookID, &eventRaw)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("postgres: dead letter job %d: not found", jobID)
			}
			return fmt.Errorf("postgres: dead letter lookup %d: %w", jobID, err)
		}

		if _, err := s.jobs.ExecContext(ctx, `
			INSERT INTO soar_job_dead_letters (id, organization_id, playbook_id, event, last_error)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET last_error = EXCLUDED.last_error, dead_lettered_at = now()`,
			jobID, orgID, playbookID, eventRaw, errMsg,
		); err != nil {
			return fmt.Errorf("postgres: insert dead letter %d: %w", jobID, err)
		}

		return s.updateJobStatus(ctx, jobID, domain.JobDeadLetter, errMsg)
	})
}

func (s *Store) updateJobStatus(ctx context.Context, jobID int64, status domain.JobStatus, errMsg string) error {
	result, err := s.jobs.ExecContext(ctx, `
		UPDATE soar_jobs SET status = $2, last_error = $3 WHERE id = $1`, jobID, status, errMsg)
	if err != nil {
		return fmt.Errorf("postgres: update job %d status: %w", jobID, err)
	}
	return rowsAffectedOrNotFound(result)
}

func rowsAffectedOrNotFound(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("postgres: no matching job row")
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID int64) error {
	result, err := s.jobs.ExecContext(ctx, `
		UPDATE soar_jobs SET cancel_requested = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("postgres: request cancel %d: %w", jobID, err)
	}
	return rowsAffectedOrNotFound(result)
}

func (s *Store) IsCancelRequested(ctx context.Context, jobID int64) (bool, error) {
	var cancelled bool
	err := s.jobs.QueryRowContext(ctx, `
		SELECT cancel_requested FROM soar_jobs WHERE id = $1`, jobID).Scan(&cancelled)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("postgres: cancel requested %d: %w", jobID, err)
	}
	return cancelled, nil
}

func (s *Store) Depth(ctx context.Context) (int, error) {
	var depth int
	err := s.jobs.QueryRowContext(ctx, `
		SELECT count(*) FROM soar_jobs WHERE status = $1`, domain.JobQueued).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("postgres: queue depth: %w", err)
	}
	return depth, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, organizationID int64, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.jobs.QueryContext(ctx, `
		SELECT id, playbook_id, organization_id, user_id, event, context, priority,
			status, attempts, max_attempts, last_error, created_at, next_attempt_at, cancel_requested
		FROM soar_jobs
		WHERE organization_id = $1 AND status = $2
		ORDER BY id DESC
		LIMIT $3`, organizationID, domain.JobDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
