package model

import "time"

// JobStatus is the queue-side state of a SendJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobInFlight  JobStatus = "in_flight"
	JobRetrying  JobStatus = "retrying"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job will not be dispatched again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SendJob is one recipient's pending send. Exactly one exists per
// (CampaignID, Recipient).
type SendJob struct {
	ID             string     `db:"id" json:"id"`
	CampaignID     int64      `db:"campaign_id" json:"campaign_id"`
	MessageID      string     `db:"message_id" json:"message_id"`
	Recipient      string     `db:"recipient" json:"recipient"`
	Params         Params     `db:"params" json:"params"`
	Attempt        int        `db:"attempt" json:"attempt"`
	Status         JobStatus  `db:"status" json:"status"`
	NextEligibleAt time.Time  `db:"next_eligible_at" json:"next_eligible_at"`
	LeasedBy       *string    `db:"leased_by" json:"leased_by,omitempty"`
	LeaseToken     *string    `db:"lease_token" json:"-"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Lease returns the lease token handed out by the last Dequeue.
func (j *SendJob) Lease() string {
	if j.LeaseToken == nil {
		return ""
	}
	return *j.LeaseToken
}

// Clone returns a copy that shares no pointers with j.
func (j *SendJob) Clone() *SendJob {
	c := *j
	if j.Params != nil {
		c.Params = make(Params, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	c.LeasedBy = cloneString(j.LeasedBy)
	c.LeaseToken = cloneString(j.LeaseToken)
	c.LastError = cloneString(j.LastError)
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
