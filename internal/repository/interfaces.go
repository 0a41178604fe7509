package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

// ErrDuplicateMeeting is returned when a meeting was already billed under another event id.
var ErrDuplicateMeeting = errors.New("meeting already billed by another event")

type LeadRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Lead, error)
	// MarkConverted moves the lead to converted only from a convertible status.
	// It reports false when the lead was already converted.
	MarkConverted(ctx context.Context, id string) (bool, error)
}

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	SetPaused(ctx context.Context, id string, paused bool) error
}

type MessageRepositoryInterface interface {
	// ListByLead returns the lead's messages ordered by sequence index, with attempt history.
	ListByLead(ctx context.Context, leadID string) ([]model.MessageWithAttempts, error)
}

// JobStoreInterface is the durable at-least-once delivery queue. Jobs are never
// destructively dequeued: Lease hands out time-bounded ownership and every
// resolving call must present the lease token it was issued.
type JobStoreInterface interface {
	// Enqueue creates the messages and their jobs in one unit. Messages whose
	// idempotency key matches a non-terminal message are skipped silently.
	// It fills ID, SequenceIndex, Status and timestamps of the enqueued messages
	// and returns how many were enqueued.
	Enqueue(ctx context.Context, msgs []*model.ScheduledMessage) (int, error)
	Lease(ctx context.Context, owner string, max int, leaseFor time.Duration) ([]model.Job, error)
	Ack(ctx context.Context, lease model.Lease) error
	Nack(ctx context.Context, lease model.Lease, retryAfter time.Duration, cause string) error
	// Release gives the job back with zero backoff without counting an attempt.
	Release(ctx context.Context, lease model.Lease) error
	DeadLetter(ctx context.Context, lease model.Lease, reason string) error
	LeadHasOtherLease(ctx context.Context, leadID, jobID string) (bool, error)
	CancelPendingByLead(ctx context.Context, leadID string) (int, error)
	CancelPendingByCampaign(ctx context.Context, campaignID string) (int, error)
	// ReapExpired turns expired leases into implicit nacks, dead-lettering
	// jobs whose attempt count passes maxAttempts.
	ReapExpired(ctx context.Context, backoff time.Duration, maxAttempts int) (int, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]model.DeadLetter, int, error)
}

// LedgerRepositoryInterface deduplicates external webhook events by event id.
type LedgerRepositoryInterface interface {
	// Claim atomically inserts a processing entry, or returns the existing one.
	// claimed is true when the caller now owns processing: the entry is new, or
	// it was left in processing by a delivery whose claim has expired.
	Claim(ctx context.Context, entry model.LedgerEntry, lease time.Duration) (model.LedgerEntry, bool, error)
	Finish(ctx context.Context, eventID string, status model.LedgerStatus, result json.RawMessage, reason string) error
	// ReleaseClaim keeps the entry in processing but lets the next delivery resume it.
	ReleaseClaim(ctx context.Context, eventID string) error
	Get(ctx context.Context, eventID string) (*model.LedgerEntry, error)
	ListByStatus(ctx context.Context, status model.LedgerStatus, limit, offset int) ([]model.LedgerEntry, error)
}

type BillingRepositoryInterface interface {
	// CreateIfAbsent stores ev unless a row for ev.EventID exists, in which case the
	// existing row is returned with created=false.
	CreateIfAbsent(ctx context.Context, ev *model.BillingEvent) (*model.BillingEvent, bool, error)
	SetCharge(ctx context.Context, eventID, chargeID string) error
	GetByChargeID(ctx context.Context, chargeID string) (*model.BillingEvent, error)
	UpdateInvoiceStatus(ctx context.Context, eventID string, status model.InvoiceStatus) error
}
