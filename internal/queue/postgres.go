package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// PostgresQueue keeps jobs in the send_jobs table. Concurrent workers lease
// disjoint rows through FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db   *sqlx.DB
	opts Options
}

func NewPostgresQueue(db *sqlx.DB, opts Options) *PostgresQueue {
	return &PostgresQueue{db: db, opts: opts.withDefaults()}
}

const jobColumns = `id, campaign_id, message_id, recipient, params, attempt, status, next_eligible_at,
	leased_by, lease_token, lease_expires_at, last_error, created_at, updated_at`

func (q *PostgresQueue) Enqueue(ctx context.Context, job *model.SendJob) error {
	now := q.opts.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	if job.NextEligibleAt.IsZero() {
		job.NextEligibleAt = now
	}
	job.CreatedAt, job.UpdatedAt = now, now

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO send_jobs (id, campaign_id, message_id, recipient, params, attempt, status,
			next_eligible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (campaign_id, recipient) DO NOTHING`,
		job.ID, job.CampaignID, job.MessageID, job.Recipient, job.Params, job.Attempt, job.Status,
		job.NextEligibleAt, now)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	if n == 0 {
		return &appErrors.DuplicateJobError{CampaignID: job.CampaignID, Recipient: job.Recipient}
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context, workerID string, batchSize int) ([]*model.SendJob, error) {
	now := q.opts.Now()
	jobs := []*model.SendJob{}
	err := q.db.SelectContext(ctx, &jobs, `
		WITH ready AS (
			SELECT id FROM send_jobs
			WHERE status IN ('queued', 'retrying') AND next_eligible_at <= $1
			ORDER BY next_eligible_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE send_jobs j SET
			status = 'in_flight',
			leased_by = $3,
			lease_token = gen_random_uuid(),
			lease_expires_at = $4,
			updated_at = $1
		FROM ready WHERE j.id = ready.id
		RETURNING j.id, j.campaign_id, j.message_id, j.recipient, j.params, j.attempt, j.status,
			j.next_eligible_at, j.leased_by, j.lease_token, j.lease_expires_at, j.last_error,
			j.created_at, j.updated_at`,
		now, batchSize, workerID, now.Add(q.opts.VisibilityTimeout))
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return jobs, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, jobID, leaseToken string, out AckOutcome) (model.JobStatus, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("queue: ack: %w", err)
	}
	defer tx.Rollback()

	var job model.SendJob
	err = tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM send_jobs WHERE id = $1 FOR UPDATE`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.ErrJobNotFound
		}
		return "", fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	if job.Status != model.JobInFlight || job.Lease() != leaseToken {
		return job.Status, appErrors.ErrLeaseLost
	}

	settle(&job, out, q.opts, q.opts.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE send_jobs SET status = $1, attempt = $2, next_eligible_at = $3, last_error = $4,
			leased_by = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = $5
		WHERE id = $6`,
		job.Status, job.Attempt, job.NextEligibleAt, job.LastError, job.UpdatedAt, job.ID)
	if err != nil {
		return "", fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return job.Status, nil
}

// RequeueExpired returns jobs whose lease ran out to Queued. The attempt count
// is left alone; a crashed worker is not the job's fault.
func (q *PostgresQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := q.opts.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'queued', leased_by = NULL, lease_token = NULL,
			lease_expires_at = NULL, next_eligible_at = $1, updated_at = $1
		WHERE status = 'in_flight' AND lease_expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("queue: requeue expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *PostgresQueue) RetryFailed(ctx context.Context, campaignID int64) (int, error) {
	now := q.opts.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'queued', attempt = 0, last_error = NULL,
			next_eligible_at = $1, updated_at = $1
		WHERE campaign_id = $2 AND status = 'failed'`, now, campaignID)
	if err != nil {
		return 0, fmt.Errorf("queue: retry failed %d: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *PostgresQueue) Pending(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM send_jobs
		WHERE campaign_id = $1 AND status NOT IN ('completed', 'failed')`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("queue: pending %d: %w", campaignID, err)
	}
	return n, nil
}

var _ Queue = (*PostgresQueue)(nil)
