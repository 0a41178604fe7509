// internal/model/scheduled_message.go
package model

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageLeased       MessageStatus = "leased"
	MessageSent         MessageStatus = "sent"
	MessageFailed       MessageStatus = "failed"
	MessageDeadLettered MessageStatus = "dead_lettered"
	MessageCancelled    MessageStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s MessageStatus) Terminal() bool {
	return s == MessageSent || s == MessageDeadLettered || s == MessageCancelled
}

// ScheduledMessage is one step of a lead's outreach sequence.
type ScheduledMessage struct {
	ID             string        `db:"id" json:"id"`
	CampaignID     string        `db:"campaign_id" json:"campaign_id"`
	LeadID         string        `db:"lead_id" json:"lead_id"`
	SequenceIndex  int           `db:"sequence_index" json:"sequence_index"`
	Channel        Channel       `db:"channel" json:"channel"`
	Recipient      string        `db:"recipient" json:"-"`
	ContentRef     string        `db:"content_ref" json:"content_ref"`
	ScheduledAt    time.Time     `db:"scheduled_at" json:"scheduled_at"`
	Status         MessageStatus `db:"status" json:"status"`
	AttemptCount   int           `db:"attempt_count" json:"attempt_count"`
	LastError      string        `db:"last_error" json:"last_error,omitempty"`
	IdempotencyKey string        `db:"idempotency_key" json:"idempotency_key"`
	SentAt         *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

type AttemptOutcome string

const (
	AttemptSent         AttemptOutcome = "sent"
	AttemptTransient    AttemptOutcome = "transient_failure"
	AttemptDeadLettered AttemptOutcome = "dead_lettered"
	AttemptReleased     AttemptOutcome = "released"
	AttemptLeaseExpired AttemptOutcome = "lease_expired"
)

// Attempt is an observability record appended on every ack, nack, release and dead-letter.
type Attempt struct {
	ID        int64          `db:"id" json:"id"`
	MessageID string         `db:"message_id" json:"message_id"`
	AttemptNo int            `db:"attempt_no" json:"attempt_no"`
	Outcome   AttemptOutcome `db:"outcome" json:"outcome"`
	Error     string         `db:"error" json:"error,omitempty"`
	Worker    string         `db:"worker" json:"worker,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// MessageWithAttempts is the status view returned for a lead.
type MessageWithAttempts struct {
	ScheduledMessage
	Attempts []Attempt `json:"attempts"`
}
