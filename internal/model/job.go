package model

import "time"

// Job is the queue's unit of work. It wraps one ScheduledMessage and, while
// leased, the lease token and deadline that grant exclusive ownership.
type Job struct {
	JobID          string     `db:"job_id" json:"job_id"`
	IdempotencyKey string     `db:"idempotency_key" json:"idempotency_key"`
	MessageID      string     `db:"message_id" json:"payload"`
	VisibleAt      time.Time  `db:"visible_at" json:"visible_at"`
	LeaseOwner     string     `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseToken     string     `db:"lease_token" json:"-"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	AttemptCount   int        `db:"attempt_count" json:"attempt_count"`

	// Message is populated by Lease so workers can dispatch without another read.
	Message ScheduledMessage `json:"-"`
}

// Lease identifies a job held by a worker.
func (j Job) Lease() Lease {
	return Lease{JobID: j.JobID, Token: j.LeaseToken, Owner: j.LeaseOwner}
}

type Lease struct {
	JobID string
	Token string
	Owner string
}

// DeadLetter is the operator-facing record of a job that will never be retried.
type DeadLetter struct {
	JobID          string    `db:"job_id" json:"job_id"`
	MessageID      string    `db:"message_id" json:"message_id"`
	CampaignID     string    `db:"campaign_id" json:"campaign_id"`
	LeadID         string    `db:"lead_id" json:"lead_id"`
	SequenceIndex  int       `db:"sequence_index" json:"sequence_index"`
	Channel        Channel   `db:"channel" json:"channel"`
	Reason         string    `db:"reason" json:"reason"`
	AttemptCount   int       `db:"attempt_count" json:"attempt_count"`
	DeadLetteredAt time.Time `db:"dead_lettered_at" json:"dead_lettered_at"`
}
