// Package queue holds the durable per-recipient send jobs. Workers lease jobs
// for a visibility timeout and settle them with Ack.
package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/unclebandit/campaign-delivery/internal/model"
)

// Queue is the job store shared by every worker.
type Queue interface {
	// Enqueue fails with a *appErrors.DuplicateJobError when the campaign
	// already has a job for the recipient.
	Enqueue(ctx context.Context, job *model.SendJob) error
	// Dequeue leases up to batchSize eligible jobs to workerID.
	Dequeue(ctx context.Context, workerID string, batchSize int) ([]*model.SendJob, error)
	// Ack settles a leased job. A stale lease token yields appErrors.ErrLeaseLost.
	Ack(ctx context.Context, jobID, leaseToken string, out AckOutcome) (model.JobStatus, error)
	RequeueExpired(ctx context.Context) (int, error)
	RetryFailed(ctx context.Context, campaignID int64) (int, error)
	// Pending counts the campaign's jobs that are not Completed or Failed.
	Pending(ctx context.Context, campaignID int64) (int, error)
}

type AckKind int

const (
	AckCompleted AckKind = iota + 1
	AckFailed
	AckRetry
	AckRelease
)

func (k AckKind) String() string {
	switch k {
	case AckCompleted:
		return "completed"
	case AckFailed:
		return "failed"
	case AckRetry:
		return "retry"
	case AckRelease:
		return "release"
	}
	return "unknown"
}

// AckOutcome is what a worker did with a leased job.
type AckOutcome struct {
	Kind   AckKind
	Delay  time.Duration
	Reason string
}

func Completed() AckOutcome { return AckOutcome{Kind: AckCompleted} }

func Failed(reason string) AckOutcome { return AckOutcome{Kind: AckFailed, Reason: reason} }

// Retry counts an attempt and reschedules with backoff, or fails the job once
// the attempts are used up.
func Retry(reason string) AckOutcome { return AckOutcome{Kind: AckRetry, Reason: reason} }

// Release hands the job back after delay without counting an attempt. It is
// used for rate-limit denials and halted campaigns.
func Release(delay time.Duration, reason string) AckOutcome {
	return AckOutcome{Kind: AckRelease, Delay: delay, Reason: reason}
}

type Options struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	Now               func() time.Time
	// Jitter returns the random extra delay added to a backoff of d.
	Jitter func(d time.Duration) time.Duration
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Jitter == nil {
		o.Jitter = DefaultJitter
	}
	return o
}

// DefaultJitter adds up to a fifth of d.
func DefaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/5 + 1))
}

// NoJitter is for tests that need exact schedules.
func NoJitter(time.Duration) time.Duration { return 0 }

// Backoff is base * 2^attempt capped at max, plus jitter.
func Backoff(base, max time.Duration, attempt int, jitter func(time.Duration) time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter != nil {
		d += jitter(d)
	}
	return d
}

// settle applies out to a leased job and clears the lease.
func settle(job *model.SendJob, out AckOutcome, opts Options, now time.Time) {
	job.LeasedBy, job.LeaseToken, job.LeaseExpiresAt = nil, nil, nil
	job.UpdatedAt = now
	if out.Reason != "" {
		r := out.Reason
		job.LastError = &r
	}

	switch out.Kind {
	case AckCompleted:
		job.Attempt++
		job.Status = model.JobCompleted
		job.LastError = nil
	case AckFailed:
		job.Attempt++
		job.Status = model.JobFailed
	case AckRetry:
		delay := Backoff(opts.BaseBackoff, opts.MaxBackoff, job.Attempt, opts.Jitter)
		job.Attempt++
		if job.Attempt >= opts.MaxAttempts {
			job.Status = model.JobFailed
			return
		}
		job.Status = model.JobRetrying
		job.NextEligibleAt = now.Add(delay)
	default:
		job.Status = model.JobQueued
		job.NextEligibleAt = now.Add(out.Delay)
	}
}
