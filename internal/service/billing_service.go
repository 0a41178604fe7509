package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unclebandit/reactivation-backend/internal/billing"
	"github.com/unclebandit/reactivation-backend/internal/cache"
	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/metrics"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/payment"
	"github.com/unclebandit/reactivation-backend/internal/queue"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

const (
	SourceCalendar = "calendar"
	SourceBilling  = "billing"

	EventMeetingConfirmed = "meeting.confirmed"
	EventInvoicePaid      = "invoice.paid"
)

// WebhookEnvelope is the common body of calendar and billing webhooks.
type WebhookEnvelope struct {
	EventID   string          `json:"event_id" validate:"required,max=200"`
	EventType string          `json:"event_type" validate:"required,oneof=meeting.confirmed invoice.paid"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

type MeetingConfirmed struct {
	LeadID      string     `json:"lead_id" validate:"required"`
	MeetingID   string     `json:"meeting_id" validate:"required"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type InvoicePaid struct {
	ChargeID string     `json:"charge_id" validate:"required"`
	PaidAt   *time.Time `json:"paid_at,omitempty"`
}

// WebhookResult is returned for fresh and replayed events alike.
type WebhookResult struct {
	EventID  string             `json:"event_id"`
	Status   model.LedgerStatus `json:"status"`
	Replayed bool               `json:"replayed"`
	Result   json.RawMessage    `json:"result,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

type MeetingBilled struct {
	EventID       string              `json:"event_id"`
	LeadID        string              `json:"lead_id"`
	MeetingID     string              `json:"meeting_id"`
	ACVMinor      int64               `json:"acv_minor"`
	FeeMinor      int64               `json:"fee_minor"`
	Fee           string              `json:"fee"`
	Currency      string              `json:"currency"`
	ChargeID      string              `json:"charge_id"`
	InvoiceStatus model.InvoiceStatus `json:"invoice_status"`
}

type InvoiceSettled struct {
	EventID        string              `json:"event_id"`
	BillingEventID string              `json:"billing_event_id"`
	ChargeID       string              `json:"charge_id"`
	InvoiceStatus  model.InvoiceStatus `json:"invoice_status"`
}

// BillingTrigger turns signed conversion webhooks into exactly one charge
// per event id.
type BillingTrigger struct {
	Ledger    repository.LedgerRepositoryInterface
	Billing   repository.BillingRepositoryInterface
	Leads     repository.LeadRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Payments  payment.Client
	Cache     cache.ResultCache
	Events    queue.Queue
	// Secrets maps a webhook source to its shared signing secret.
	Secrets    map[string]string
	ClaimLease time.Duration
	Log        *slog.Logger
}

func (t *BillingTrigger) logger() *slog.Logger {
	if t.Log == nil {
		return logging.Discard()
	}
	return t.Log
}

// HandleWebhook verifies, deduplicates and processes one delivery. A rejected
// event returns its result together with a *RejectedEvent error.
func (t *BillingTrigger) HandleWebhook(ctx context.Context, source, signature string, body []byte) (*WebhookResult, error) {
	log := t.logger().With("source", source)

	if !billing.Verify(t.Secrets[source], body, signature) {
		metrics.WebhookEvent(source, "signature_invalid")
		log.Warn("webhook signature rejected", "security_event", true)
		return nil, &appErrors.SignatureInvalid{Source: source}
	}

	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.WebhookEvent(source, "malformed")
		return nil, appErrors.NewValidation("body", "malformed JSON")
	}
	if err := validateStruct(env); err != nil {
		metrics.WebhookEvent(source, "malformed")
		return nil, err
	}
	if expected := sourceFor(env.EventType); expected != source {
		metrics.WebhookEvent(source, "malformed")
		return nil, appErrors.NewValidation("event_type", fmt.Sprintf("%s is not accepted from %s", env.EventType, source))
	}
	meeting, paid, err := decodeData(env)
	if err != nil {
		metrics.WebhookEvent(source, "malformed")
		return nil, err
	}
	log = log.With("event_id", env.EventID, "event_type", env.EventType)

	if t.Cache != nil {
		if cached, ok, err := t.Cache.Get(ctx, env.EventID); err != nil {
			log.Warn("result cache read failed", "error", err)
		} else if ok {
			metrics.WebhookEvent(source, "replayed")
			return replay(env.EventID, cached.Status, cached.Result, cached.Reason)
		}
	}

	lease := t.ClaimLease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	entry, claimed, err := t.Ledger.Claim(ctx, model.LedgerEntry{
		EventID: env.EventID, Source: source, EventType: env.EventType,
	}, lease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		switch entry.Status {
		case model.LedgerPosted, model.LedgerRejected:
			t.remember(ctx, entry.EventID, entry.Status, entry.Result, entry.Reason, log)
			metrics.WebhookEvent(source, "replayed")
			log.Info("duplicate webhook delivery", "deliveries", entry.Deliveries)
			return replay(entry.EventID, entry.Status, entry.Result, entry.Reason)
		default:
			metrics.WebhookEvent(source, "in_progress")
			return nil, appErrors.ErrEventInProgress
		}
	}

	var (
		result json.RawMessage
		reject string
	)
	switch env.EventType {
	case EventMeetingConfirmed:
		result, reject, err = t.billMeeting(ctx, env.EventID, source, meeting, log)
	case EventInvoicePaid:
		result, reject, err = t.settleInvoice(ctx, env.EventID, paid)
	}
	if err != nil {
		if rerr := t.Ledger.ReleaseClaim(ctx, env.EventID); rerr != nil {
			log.Error("failed to release ledger claim", "error", rerr)
		}
		metrics.WebhookEvent(source, "failed")
		log.Error("webhook processing failed, awaiting redelivery", "error", err)
		return nil, err
	}

	if reject != "" {
		payload, _ := json.Marshal(map[string]string{"reason": reject})
		if err := t.Ledger.Finish(ctx, env.EventID, model.LedgerRejected, payload, reject); err != nil {
			return nil, err
		}
		t.remember(ctx, env.EventID, model.LedgerRejected, payload, reject, log)
		metrics.WebhookEvent(source, "rejected")
		log.Warn("webhook rejected for reconciliation", "reason", reject)
		return &WebhookResult{EventID: env.EventID, Status: model.LedgerRejected, Result: payload, Reason: reject},
			&appErrors.RejectedEvent{EventID: env.EventID, Reason: reject}
	}

	if err := t.Ledger.Finish(ctx, env.EventID, model.LedgerPosted, result, ""); err != nil {
		return nil, err
	}
	t.remember(ctx, env.EventID, model.LedgerPosted, result, "", log)
	metrics.WebhookEvent(source, "posted")
	log.Info("webhook posted")
	return &WebhookResult{EventID: env.EventID, Status: model.LedgerPosted, Result: result}, nil
}

// billMeeting computes the fee, records the billing row, charges once and
// converts the lead. Every step is safe to repeat on a resumed claim.
func (t *BillingTrigger) billMeeting(ctx context.Context, eventID, source string, in *MeetingConfirmed, log *slog.Logger) (json.RawMessage, string, error) {
	lead, err := t.Leads.GetByID(ctx, in.LeadID)
	if appErrors.IsNotFound(err) {
		return nil, "unknown lead " + in.LeadID, nil
	}
	if err != nil {
		return nil, "", err
	}
	campaign, err := t.Campaigns.GetByID(ctx, lead.CampaignID)
	if appErrors.IsNotFound(err) {
		return nil, "unknown campaign " + lead.CampaignID, nil
	}
	if err != nil {
		return nil, "", err
	}
	fee, err := billing.ComputeFee(lead.ACVMinor, campaign.FeeRate, campaign.MinFeeMinor)
	if err != nil {
		return nil, "invalid fee configuration: " + err.Error(), nil
	}

	ev, created, err := t.Billing.CreateIfAbsent(ctx, &model.BillingEvent{
		EventID:   eventID,
		Source:    source,
		LeadID:    lead.ID,
		MeetingID: in.MeetingID,
		ACVMinor:  lead.ACVMinor,
		FeeMinor:  fee,
		Currency:  campaign.Currency,
	})
	if errors.Is(err, repository.ErrDuplicateMeeting) {
		return nil, "meeting " + in.MeetingID + " already billed", nil
	}
	if err != nil {
		return nil, "", err
	}
	if !created {
		log.Info("resuming billing event")
	}

	if ev.ChargeID == "" {
		charge, err := t.Payments.CreateCharge(ctx, payment.ChargeRequest{
			IdempotencyKey: eventID,
			AmountMinor:    ev.FeeMinor,
			Currency:       ev.Currency,
			Reference:      eventID,
			Description:    fmt.Sprintf("Reactivation fee for meeting %s", ev.MeetingID),
		})
		if err != nil {
			return nil, "", err
		}
		if err := t.Billing.SetCharge(ctx, eventID, charge.ID); err != nil {
			return nil, "", err
		}
		ev.ChargeID = charge.ID
		ev.InvoiceStatus = model.InvoiceInvoiced
	}

	converted, err := t.Leads.MarkConverted(ctx, lead.ID)
	if err != nil {
		return nil, "", err
	}
	if converted {
		log.Info("lead converted", "lead_id", lead.ID)
	}
	t.publish(queue.TopicLeadConverted, queue.LeadConverted{LeadID: lead.ID, EventID: eventID, MeetingID: ev.MeetingID})
	t.publish(queue.TopicBillingPosted, queue.BillingPosted{
		EventID: eventID, LeadID: lead.ID, FeeMinor: ev.FeeMinor, Currency: ev.Currency, ChargeID: ev.ChargeID,
	})

	out, err := json.Marshal(MeetingBilled{
		EventID:       eventID,
		LeadID:        lead.ID,
		MeetingID:     ev.MeetingID,
		ACVMinor:      ev.ACVMinor,
		FeeMinor:      ev.FeeMinor,
		Fee:           billing.FormatMinor(ev.FeeMinor, ev.Currency),
		Currency:      ev.Currency,
		ChargeID:      ev.ChargeID,
		InvoiceStatus: ev.InvoiceStatus,
	})
	return out, "", err
}

func (t *BillingTrigger) settleInvoice(ctx context.Context, eventID string, in *InvoicePaid) (json.RawMessage, string, error) {
	ev, err := t.Billing.GetByChargeID(ctx, in.ChargeID)
	if appErrors.IsNotFound(err) {
		return nil, "unknown charge " + in.ChargeID, nil
	}
	if err != nil {
		return nil, "", err
	}
	if err := t.Billing.UpdateInvoiceStatus(ctx, ev.EventID, model.InvoicePaid); err != nil {
		return nil, "", err
	}
	out, err := json.Marshal(InvoiceSettled{
		EventID:        eventID,
		BillingEventID: ev.EventID,
		ChargeID:       in.ChargeID,
		InvoiceStatus:  model.InvoicePaid,
	})
	return out, "", err
}

func (t *BillingTrigger) remember(ctx context.Context, eventID string, status model.LedgerStatus, result json.RawMessage, reason string, log *slog.Logger) {
	if t.Cache == nil {
		return
	}
	if err := t.Cache.Put(ctx, eventID, cache.Result{Status: status, Result: result, Reason: reason}); err != nil {
		log.Warn("result cache write failed", "error", err)
	}
}

func (t *BillingTrigger) publish(topic string, payload any) {
	if t.Events == nil {
		return
	}
	if err := t.Events.Publish(topic, payload); err != nil {
		t.logger().Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func replay(eventID string, status model.LedgerStatus, result json.RawMessage, reason string) (*WebhookResult, error) {
	res := &WebhookResult{EventID: eventID, Status: status, Replayed: true, Result: result, Reason: reason}
	if status == model.LedgerRejected {
		return res, &appErrors.RejectedEvent{EventID: eventID, Reason: reason}
	}
	return res, nil
}

func sourceFor(eventType string) string {
	switch eventType {
	case EventMeetingConfirmed:
		return SourceCalendar
	case EventInvoicePaid:
		return SourceBilling
	}
	return ""
}

func decodeData(env WebhookEnvelope) (*MeetingConfirmed, *InvoicePaid, error) {
	switch env.EventType {
	case EventMeetingConfirmed:
		var m MeetingConfirmed
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, nil, appErrors.NewValidation("data", "malformed meeting payload")
		}
		if err := validateStruct(m); err != nil {
			return nil, nil, err
		}
		return &m, nil, nil
	case EventInvoicePaid:
		var p InvoicePaid
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, nil, appErrors.NewValidation("data", "malformed invoice payload")
		}
		if err := validateStruct(p); err != nil {
			return nil, nil, err
		}
		return nil, &p, nil
	}
	return nil, nil, appErrors.NewValidation("event_type", "unsupported")
}
