package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/model"
)

type LedgerRepository struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r *LedgerRepository) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

const ledgerColumns = `event_id, source, event_type, status, result, reason, deliveries, claim_expires_at, created_at, updated_at`

func scanLedger(row rowScanner, e *model.LedgerEntry) error {
	var result []byte
	if err := row.Scan(&e.EventID, &e.Source, &e.EventType, &e.Status, &result, &e.Reason,
		&e.Deliveries, &e.ClaimExpiresAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return err
	}
	if len(result) > 0 {
		e.Result = json.RawMessage(result)
	}
	return nil
}

func (r *LedgerRepository) Claim(ctx context.Context, entry model.LedgerEntry, lease time.Duration) (model.LedgerEntry, bool, error) {
	now := r.now()
	claim := now.Add(lease)

	// A single upsert either inserts, takes over a stale processing claim, or
	// only bumps the delivery counter. xmax = 0 identifies a fresh insert.
	var (
		out      model.LedgerEntry
		inserted bool
		claimed  bool
		result   []byte
	)
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO event_ledger (event_id, source, event_type, status, deliveries, claim_expires_at, created_at, updated_at)
        VALUES ($1, $2, $3, 'processing', 1, $4, $5, $5)
        ON CONFLICT (event_id) DO UPDATE SET
            deliveries = event_ledger.deliveries + 1,
            updated_at = EXCLUDED.updated_at,
            claim_expires_at = CASE
                WHEN event_ledger.status = 'processing'
                 AND (event_ledger.claim_expires_at IS NULL OR event_ledger.claim_expires_at <= EXCLUDED.updated_at)
                THEN EXCLUDED.claim_expires_at
                ELSE event_ledger.claim_expires_at
            END
        RETURNING `+ledgerColumns+`, (xmax = 0),
            (status = 'processing' AND claim_expires_at = $4)
    `, entry.EventID, entry.Source, entry.EventType, claim, now).Scan(
		&out.EventID, &out.Source, &out.EventType, &out.Status, &result, &out.Reason,
		&out.Deliveries, &out.ClaimExpiresAt, &out.CreatedAt, &out.UpdatedAt, &inserted, &claimed,
	)
	if err != nil {
		return model.LedgerEntry{}, false, err
	}
	if len(result) > 0 {
		out.Result = json.RawMessage(result)
	}
	return out, inserted || claimed, nil
}

func (r *LedgerRepository) Finish(ctx context.Context, eventID string, status model.LedgerStatus, result json.RawMessage, reason string) error {
	var payload any
	if len(result) > 0 {
		payload = []byte(result)
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE event_ledger
        SET status=$2, result=$3, reason=$4, claim_expires_at=NULL, updated_at=$5
        WHERE event_id=$1
    `, eventID, status, payload, reason, r.now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("ledger entry", eventID)
	}
	return nil
}

func (r *LedgerRepository) ReleaseClaim(ctx context.Context, eventID string) error {
	now := r.now()
	_, err := r.DB.ExecContext(ctx, `
        UPDATE event_ledger SET claim_expires_at=$2, updated_at=$2
        WHERE event_id=$1 AND status='processing'
    `, eventID, now)
	return err
}

func (r *LedgerRepository) Get(ctx context.Context, eventID string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := scanLedger(r.DB.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM event_ledger WHERE event_id=$1`, eventID), &e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("ledger entry", eventID)
		}
		return nil, err
	}
	return &e, nil
}

func (r *LedgerRepository) ListByStatus(ctx context.Context, status model.LedgerStatus, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+ledgerColumns+` FROM event_ledger
        WHERE status=$1
        ORDER BY created_at DESC, event_id
        LIMIT $2 OFFSET $3
    `, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		if err := scanLedger(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type BillingRepository struct {
	DB *sql.DB
}

const billingColumns = `event_id, source, lead_id, meeting_id, acv_minor, fee_minor, currency, COALESCE(charge_id, ''), processed_at, invoice_status`

func scanBilling(row rowScanner, ev *model.BillingEvent) error {
	return row.Scan(&ev.EventID, &ev.Source, &ev.LeadID, &ev.MeetingID, &ev.ACVMinor, &ev.FeeMinor,
		&ev.Currency, &ev.ChargeID, &ev.ProcessedAt, &ev.InvoiceStatus)
}

func (r *BillingRepository) CreateIfAbsent(ctx context.Context, ev *model.BillingEvent) (*model.BillingEvent, bool, error) {
	if ev.InvoiceStatus == "" {
		ev.InvoiceStatus = model.InvoicePending
	}
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	var stored model.BillingEvent
	err := scanBilling(r.DB.QueryRowContext(ctx, `
        INSERT INTO billing_events
            (event_id, source, lead_id, meeting_id, acv_minor, fee_minor, currency, processed_at, invoice_status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (event_id) DO NOTHING
        RETURNING `+billingColumns,
		ev.EventID, ev.Source, ev.LeadID, ev.MeetingID, ev.ACVMinor, ev.FeeMinor, ev.Currency, ev.ProcessedAt, ev.InvoiceStatus,
	), &stored)
	if err == nil {
		return &stored, true, nil
	}
	if isUniqueViolation(err) {
		return nil, false, ErrDuplicateMeeting
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if err := scanBilling(r.DB.QueryRowContext(ctx,
		`SELECT `+billingColumns+` FROM billing_events WHERE event_id=$1`, ev.EventID), &stored); err != nil {
		return nil, false, err
	}
	return &stored, false, nil
}

func (r *BillingRepository) SetCharge(ctx context.Context, eventID, chargeID string) error {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE billing_events SET charge_id=$2, invoice_status='invoiced' WHERE event_id=$1
    `, eventID, chargeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("billing event", eventID)
	}
	return nil
}

func (r *BillingRepository) GetByChargeID(ctx context.Context, chargeID string) (*model.BillingEvent, error) {
	var ev model.BillingEvent
	err := scanBilling(r.DB.QueryRowContext(ctx,
		`SELECT `+billingColumns+` FROM billing_events WHERE charge_id=$1`, chargeID), &ev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("billing event with charge", chargeID)
		}
		return nil, err
	}
	return &ev, nil
}

func (r *BillingRepository) UpdateInvoiceStatus(ctx context.Context, eventID string, status model.InvoiceStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE billing_events SET invoice_status=$2 WHERE event_id=$1`, eventID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("billing event", eventID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var (
	_ LedgerRepositoryInterface  = (*LedgerRepository)(nil)
	_ BillingRepositoryInterface = (*BillingRepository)(nil)
)
