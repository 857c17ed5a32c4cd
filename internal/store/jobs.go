package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const jobColumns = `id, type, status, payload, lease_until, lease_owner, attempts, last_error, created_at, updated_at`

const (
	sqlInsertJob = `
        INSERT INTO jobs (type, status, payload, created_at, updated_at)
        VALUES ($1, 'QUEUED', $2, $3, $3)
        RETURNING id`
	// Oldest eligible row; SKIP LOCKED keeps two leasers from ever seeing the same job.
	sqlSelectLeasable = `
        SELECT ` + jobColumns + `
        FROM jobs
        WHERE status IN ('QUEUED', 'RUNNING')
          AND (lease_until IS NULL OR lease_until < $1)
        ORDER BY id ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED`
	sqlLeaseJob = `
        UPDATE jobs
        SET status = 'RUNNING', lease_until = $1, lease_owner = $2, attempts = attempts + 1, updated_at = $3
        WHERE id = $4`
	sqlRenewLease = `
        UPDATE jobs SET lease_until = $1, updated_at = $2
        WHERE id = $3 AND lease_owner = $4 AND status = 'RUNNING'`
	sqlUpdateJobStatus = `
        UPDATE jobs
        SET status = $1, last_error = $2, updated_at = $3,
            lease_until = CASE WHEN $4::boolean THEN NULL ELSE lease_until END,
            lease_owner = CASE WHEN $4::boolean THEN NULL ELSE lease_owner END
        WHERE id = $5`
	sqlGetJobStatus = `SELECT status FROM jobs WHERE id = $1`
	sqlGetJob       = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	sqlRequeueStuck = `
        UPDATE jobs SET status = 'QUEUED', lease_until = NULL, lease_owner = NULL, updated_at = $1
        WHERE status = 'RUNNING' AND lease_until < $1`
	sqlRequeueJob = `
        UPDATE jobs SET status = 'QUEUED', lease_until = NULL, lease_owner = NULL, last_error = NULL, updated_at = $1
        WHERE id = $2`
	sqlDeleteJob        = `DELETE FROM jobs WHERE id = $1`
	sqlDeleteJobsByURL  = `DELETE FROM jobs WHERE payload->>'url' = $1`
	sqlQueuedJobURLs    = `SELECT DISTINCT payload->>'url' FROM jobs WHERE payload->>'url' = ANY($1) AND status IN ('QUEUED', 'RUNNING')`
	sqlListJobs         = `SELECT ` + jobColumns + ` FROM jobs ORDER BY id DESC LIMIT $1`
	sqlClaimSchedulerTk = `
        INSERT INTO scheduler_ticks (name, checked_at) VALUES ($1, $2)
        ON CONFLICT (name) DO UPDATE SET checked_at = EXCLUDED.checked_at
        WHERE scheduler_ticks.checked_at <= $3`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j       Job
		typ     string
		status  string
		payload []byte
	)
	if err := row.Scan(&j.ID, &typ, &status, &payload, &j.LeaseUntil, &j.LeaseOwner, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Type = JobType(typ)
	j.Status = JobStatus(status)
	j.Payload = Payload{}
	if err := unmarshalJSON(payload, &j.Payload); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a QUEUED job and returns its id.
func (s *Store) CreateJob(ctx context.Context, jobType JobType, payload Payload) (int64, error) {
	raw, err := marshalJSON(payload, "{}")
	if err != nil {
		return 0, err
	}
	var id int64
	if err := s.pool.QueryRow(ctx, sqlInsertJob, string(jobType), raw, s.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create %s job: %w", jobType, err)
	}
	return id, nil
}

// LeaseNext atomically claims the oldest eligible job for owner. A nil job with a
// nil error means the queue has nothing leasable right now.
func (s *Store) LeaseNext(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	var leased *Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := s.now()
		job, err := scanJob(tx.QueryRow(ctx, sqlSelectLeasable, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select leasable job: %w", err)
		}

		until := now.Add(lease)
		if _, err := tx.Exec(ctx, sqlLeaseJob, until, owner, now, job.ID); err != nil {
			return fmt.Errorf("failed to lease job %d: %w", job.ID, err)
		}

		job.Status = StatusRunning
		job.LeaseUntil = &until
		job.LeaseOwner = &owner
		job.Attempts++
		job.UpdatedAt = now
		leased = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// RenewLease pushes lease_until forward while owner still holds the RUNNING job.
// False means the lease was lost (reclaimed, cancelled or finished).
func (s *Store) RenewLease(ctx context.Context, id int64, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, sqlRenewLease, now.Add(lease), now, id, owner)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease on job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateJobStatus writes status unconditionally. Terminal statuses clear the lease.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status JobStatus, lastError *string) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateJobStatus, string(status), lastError, s.now(), status.Terminal(), id)
	if err != nil {
		return fmt.Errorf("failed to update job %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobStatus returns the current status of job id.
func (s *Store) GetJobStatus(ctx context.Context, id int64) (JobStatus, error) {
	var status string
	if err := s.pool.QueryRow(ctx, sqlGetJobStatus, id).Scan(&status); err != nil {
		return "", fmt.Errorf("failed to read job %d status: %w", id, notFound(err))
	}
	return ParseJobStatus(status)
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, sqlGetJob, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, notFound(err))
	}
	return job, nil
}

// RequeueStuck reverts every RUNNING job with an expired lease to QUEUED.
func (s *Store) RequeueStuck(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, sqlRequeueStuck, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("Requeued jobs with expired leases", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

// RequeueJob puts a job back on the queue with its lease and error cleared.
func (s *Store) RequeueJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, sqlRequeueJob, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteJob hard-deletes one job.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, sqlDeleteJob, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteJobsByURL removes every job whose payload url equals url.
func (s *Store) DeleteJobsByURL(ctx context.Context, url string) (int64, error) {
	tag, err := s.pool.Exec(ctx, sqlDeleteJobsByURL, url)
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs for %s: %w", url, err)
	}
	return tag.RowsAffected(), nil
}

// FilterNewJobURLs drops urls that already have a QUEUED or RUNNING job. Input order
// is kept and duplicates collapse to their first occurrence.
func (s *Store) FilterNewJobURLs(ctx context.Context, urls []string) ([]string, error) {
	unique := dedupeStrings(urls)
	if len(unique) == 0 {
		return []string{}, nil
	}

	known, err := s.collectStrings(ctx, sqlQueuedJobURLs, unique)
	if err != nil {
		return nil, fmt.Errorf("failed to check queued job urls: %w", err)
	}
	return without(unique, known), nil
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx, sqlListJobs, clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return jobs, nil
}

// ClaimSchedulerTick advances the named tick to now when at least interval has
// passed since the last advance. Only the caller that moved it gets true, so
// cadence survives restarts and is shared by every worker process.
func (s *Store) ClaimSchedulerTick(ctx context.Context, name string, interval time.Duration) (bool, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, sqlClaimSchedulerTk, name, now, now.Add(-interval))
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduler tick %q: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// collectStrings runs a single-text-column query taking one array argument.
func (s *Store) collectStrings(ctx context.Context, sql string, arg []string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func without(in []string, drop map[string]bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}
