package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// MemoryQueue is a process-local Queue for tests and single-process runs.
// Expired leases are reclaimed lazily on Dequeue.
type MemoryQueue struct {
	opts Options

	mu    sync.Mutex
	jobs  map[string]*model.SendJob
	keys  map[jobKey]string
	order []string
}

type jobKey struct {
	campaignID int64
	recipient  string
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		jobs: make(map[string]*model.SendJob),
		keys: make(map[jobKey]string),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *model.SendJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := jobKey{job.CampaignID, job.Recipient}
	if _, ok := q.keys[k]; ok {
		return &appErrors.DuplicateJobError{CampaignID: job.CampaignID, Recipient: job.Recipient}
	}

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

	q.jobs[job.ID] = job.Clone()
	q.keys[k] = job.ID
	q.order = append(q.order, job.ID)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, workerID string, batchSize int) ([]*model.SendJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	q.requeueExpiredLocked(now)

	var out []*model.SendJob
	for _, id := range q.order {
		if len(out) >= batchSize {
			break
		}
		j := q.jobs[id]
		if (j.Status != model.JobQueued && j.Status != model.JobRetrying) || j.NextEligibleAt.After(now) {
			continue
		}
		worker, token, expires := workerID, uuid.NewString(), now.Add(q.opts.VisibilityTimeout)
		j.Status = model.JobInFlight
		j.LeasedBy, j.LeaseToken, j.LeaseExpiresAt = &worker, &token, &expires
		j.UpdatedAt = now
		out = append(out, j.Clone())
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID, leaseToken string, out AckOutcome) (model.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return "", appErrors.ErrJobNotFound
	}
	if j.Status != model.JobInFlight || j.Lease() != leaseToken {
		return j.Status, appErrors.ErrLeaseLost
	}
	settle(j, out, q.opts, q.opts.Now())
	return j.Status, nil
}

func (q *MemoryQueue) RequeueExpired(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeueExpiredLocked(q.opts.Now()), nil
}

func (q *MemoryQueue) requeueExpiredLocked(now time.Time) int {
	n := 0
	for _, j := range q.jobs {
		if j.Status != model.JobInFlight || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Status = model.JobQueued
		j.LeasedBy, j.LeaseToken, j.LeaseExpiresAt = nil, nil, nil
		j.NextEligibleAt = now
		j.UpdatedAt = now
		n++
	}
	return n
}

func (q *MemoryQueue) RetryFailed(_ context.Context, campaignID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	n := 0
	for _, j := range q.jobs {
		if j.CampaignID != campaignID || j.Status != model.JobFailed {
			continue
		}
		j.Status = model.JobQueued
		j.Attempt = 0
		j.LastError = nil
		j.NextEligibleAt = now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Pending(_ context.Context, campaignID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, j := range q.jobs {
		if j.CampaignID == campaignID && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// Job returns a copy of the stored job.
func (q *MemoryQueue) Job(id string) (*model.SendJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Jobs returns copies of the campaign's jobs in enqueue order.
func (q *MemoryQueue) Jobs(campaignID int64) []*model.SendJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.SendJob
	for _, id := range q.order {
		if j := q.jobs[id]; j.CampaignID == campaignID {
			out = append(out, j.Clone())
		}
	}
	return out
}

var _ Queue = (*MemoryQueue)(nil)
