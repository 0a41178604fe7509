package model

import (
	"encoding/json"
	"time"
)

type LedgerStatus string

const (
	LedgerProcessing LedgerStatus = "processing"
	LedgerPosted     LedgerStatus = "posted"
	LedgerRejected   LedgerStatus = "rejected"
)

// LedgerEntry records one external webhook event id. At most one exists per event id.
type LedgerEntry struct {
	EventID        string          `db:"event_id" json:"event_id"`
	Source         string          `db:"source" json:"source"`
	EventType      string          `db:"event_type" json:"event_type"`
	Status         LedgerStatus    `db:"status" json:"status"`
	Result         json.RawMessage `db:"result" json:"result,omitempty"`
	Reason         string          `db:"reason" json:"reason,omitempty"`
	Deliveries     int             `db:"deliveries" json:"deliveries"`
	ClaimExpiresAt *time.Time      `db:"claim_expires_at" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoiceInvoiced InvoiceStatus = "invoiced"
	InvoicePaid     InvoiceStatus = "paid"
)

// BillingEvent is the fee computed for one converted meeting.
type BillingEvent struct {
	EventID       string        `db:"event_id" json:"event_id"`
	Source        string        `db:"source" json:"source"`
	LeadID        string        `db:"lead_id" json:"lead_id"`
	MeetingID     string        `db:"meeting_id" json:"meeting_id"`
	ACVMinor      int64         `db:"acv_minor" json:"acv_minor"`
	FeeMinor      int64         `db:"fee_minor" json:"fee_minor"`
	Currency      string        `db:"currency" json:"currency"`
	ChargeID      string        `db:"charge_id" json:"charge_id,omitempty"`
	ProcessedAt   time.Time     `db:"processed_at" json:"processed_at"`
	InvoiceStatus InvoiceStatus `db:"invoice_status" json:"invoice_status"`
}
