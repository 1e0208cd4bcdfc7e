package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"commerce-outbox/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It owns the outbox table,
// reconciliation runs and drift records; producers outside the engine only
// insert jobs and read history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, merchant_id, type, payload, status, attempts, max_attempts, next_run_at, dedupe_key, lease_owner, lease_expires_at, last_error, created_at, updated_at`

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	MerchantID  string
	Type        models.JobType
	Payload     map[string]any
	DedupeKey   string
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue inserts a pending job. If DedupeKey collides with a non-terminal
// job for the same merchant the call is a no-op and the existing job is
// returned with deduped=true.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// Short-circuit before inserting if an active sibling already exists.
	if p.DedupeKey != "" {
		if existing, found, err := s.findActiveByDedupeKey(ctx, p.MerchantID, p.DedupeKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	nextRun := now.Add(p.Delay)

	for attempt := 0; ; attempt++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO outbox_jobs (id, merchant_id, type, payload, status, attempts, max_attempts, next_run_at, dedupe_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
			ON CONFLICT (merchant_id, dedupe_key) WHERE status IN ('pending', 'leased') DO NOTHING
		`, id, p.MerchantID, string(p.Type), payloadJSON, models.StatusPending, p.MaxAttempts, nextRun, emptyToNil(p.DedupeKey), now)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() > 0 {
			break
		}
		// Someone else inserted the same dedupe key after our initial check.
		existing, found, err := s.findActiveByDedupeKey(ctx, p.MerchantID, p.DedupeKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if found {
			return existing, true, nil
		}
		// The conflicting sibling reached a terminal status between our
		// insert and re-read, so the partial index no longer blocks us.
		// Retry the insert once before giving up.
		if attempt >= 1 {
			return models.Job{}, false, errors.New("dedupe conflict with no active sibling after retry")
		}
	}

	return models.Job{
		ID:          id,
		MerchantID:  p.MerchantID,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   nextRun,
		DedupeKey:   emptyToNil(p.DedupeKey),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, false, nil
}

func (s *Store) findActiveByDedupeKey(ctx context.Context, merchantID, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM outbox_jobs
		WHERE merchant_id = $1 AND dedupe_key = $2 AND status IN ('pending', 'leased')
	`, merchantID, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query dedupe key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM outbox_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// LeaseBatch atomically claims up to limit due pending jobs for owner,
// ordered by next_run_at. Rows locked by a concurrent leaser are skipped,
// so no two dispatcher instances receive the same job.
func (s *Store) LeaseBatch(ctx context.Context, limit int, leaseDuration time.Duration, owner string) ([]models.Job, error) {
	expires := time.Now().UTC().Add(leaseDuration)
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_jobs
		SET status = 'leased', lease_owner = $1, lease_expires_at = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_jobs
			WHERE status = 'pending' AND next_run_at <= NOW()
			ORDER BY next_run_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns+`
	`, owner, expires, limit)
	if err != nil {
		return nil, fmt.Errorf("lease batch: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leased job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Complete transitions a job to completed.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_jobs
		SET status = $2, lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// Reschedule returns a job to pending with an incremented attempt count.
func (s *Store) Reschedule(ctx context.Context, id string, nextRun time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_jobs
		SET status = $2, attempts = attempts + 1, next_run_at = $3, last_error = $4,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPending, nextRun, lastError)
	return err
}

// DeadLetter parks a job terminally after retry exhaustion.
func (s *Store) DeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_jobs
		SET status = $2, last_error = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
	return err
}

// MarkFailed terminally fails a job whose error is permanent. Kept distinct
// from dead-letter so DLQ alerting only fires for exhausted retries.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_jobs
		SET status = $2, last_error = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// ReapExpiredLeases reverts jobs whose lease expired (crashed worker) to
// pending without touching attempts, preserving at-least-once execution.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_jobs
		SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE status = $2 AND lease_expires_at < NOW()
	`, models.StatusPending, models.StatusLeased)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountDue returns how many jobs are ready to lease right now.
func (s *Store) CountDue(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_jobs WHERE status = $1 AND next_run_at <= NOW()
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

// DLQList returns the most recently dead-lettered jobs for inspection.
func (s *Store) DLQList(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM outbox_jobs
		WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, models.StatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var jobType string
	var payloadJSON []byte
	var dedupe, owner, lastErr pgtype.Text
	var leaseExpires pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.MerchantID, &jobType, &payloadJSON, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.NextRunAt, &dedupe, &owner,
		&leaseExpires, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.DedupeKey = textPtr(dedupe)
	job.LeaseOwner = textPtr(owner)
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
