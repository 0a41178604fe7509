package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/reactivation-backend/internal/billing"
	"github.com/unclebandit/reactivation-backend/internal/cache"
	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/payment"
	"github.com/unclebandit/reactivation-backend/internal/queue"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

const (
	calendarSecret = "cal-secret"
	billingSecret  = "bill-secret"
)

type billingFixture struct {
	store    *repository.MemoryStore
	clock    *testClock
	payments *payment.FakeClient
	events   *eventLog
	trigger  *BillingTrigger
}

func newBillingFixture(withCache bool) *billingFixture {
	store, clock := newFixture("L1", "L2")
	f := &billingFixture{
		store:    store,
		clock:    clock,
		payments: payment.NewFakeClient(),
		events:   newEventLog(queue.TopicLeadConverted, queue.TopicBillingPosted),
	}
	f.trigger = &BillingTrigger{
		Ledger:     store.Ledger(),
		Billing:    store.Billing(),
		Leads:      store,
		Campaigns:  store.Campaigns(),
		Payments:   f.payments,
		Events:     f.events.q,
		Secrets:    map[string]string{SourceCalendar: calendarSecret, SourceBilling: billingSecret},
		ClaimLease: 30 * time.Second,
	}
	if withCache {
		f.trigger.Cache = cache.NewMemoryResultCache()
	}
	return f
}

func meetingBody(eventID, leadID, meetingID string) []byte {
	return []byte(fmt.Sprintf(`{"event_id":%q,"event_type":"meeting.confirmed","data":{"lead_id":%q,"meeting_id":%q}}`, eventID, leadID, meetingID))
}

func (f *billingFixture) deliver(source string, body []byte) (*WebhookResult, error) {
	secret := calendarSecret
	if source == SourceBilling {
		secret = billingSecret
	}
	return f.trigger.HandleWebhook(context.Background(), source, billing.Sign(secret, body), body)
}

func TestMeetingConfirmedPostsFee(t *testing.T) {
	f := newBillingFixture(false)

	res, err := f.deliver(SourceCalendar, meetingBody("evt-1", "L1", "mtg-1"))
	require.NoError(t, err)
	assert.Equal(t, model.LedgerPosted, res.Status)
	assert.False(t, res.Replayed)

	var billed MeetingBilled
	require.NoError(t, json.Unmarshal(res.Result, &billed))
	assert.Equal(t, int64(25000), billed.FeeMinor)
	assert.Equal(t, "250.00", billed.Fee)
	assert.Equal(t, "GBP", billed.Currency)
	assert.Equal(t, model.InvoiceInvoiced, billed.InvoiceStatus)
	assert.NotEmpty(t, billed.ChargeID)

	lead, err := f.store.GetByID(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.LeadConverted, lead.Status)

	require.Equal(t, 1, f.payments.CallCount())
	assert.Equal(t, "evt-1", f.payments.Calls[0].IdempotencyKey)
	assert.Equal(t, int64(25000), f.payments.Calls[0].AmountMinor)

	assert.Equal(t, 1, f.events.count(queue.TopicLeadConverted))
	assert.Equal(t, 1, f.events.count(queue.TopicBillingPosted))
}

func TestMinimumFeeApplies(t *testing.T) {
	f := newBillingFixture(false)
	f.store.PutLead(model.Lead{ID: "small", CampaignID: "camp-1", Email: "s@example.com", Status: model.LeadDormant, ACVMinor: 50000})

	res, err := f.deliver(SourceCalendar, meetingBody("evt-small", "small", "mtg-small"))
	require.NoError(t, err)
	var billed MeetingBilled
	require.NoError(t, json.Unmarshal(res.Result, &billed))
	assert.Equal(t, "50.00", billed.Fee)
}

func TestReplayedDeliveryChargesOnce(t *testing.T) {
	f := newBillingFixture(false)
	body := meetingBody("evt-1", "L1", "mtg-1")

	first, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)
	second, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, model.LedgerPosted, second.Status)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Len(t, f.store.BillingEvents(), 1)
	assert.Equal(t, 1, f.payments.CallCount())

	entry, err := f.store.Ledger().Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Deliveries)
}

func TestConcurrentDeliveriesChargeOnce(t *testing.T) {
	f := newBillingFixture(false)
	body := meetingBody("evt-1", "L1", "mtg-1")

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := f.deliver(SourceCalendar, body)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		err := <-errs
		if err != nil {
			assert.ErrorIs(t, err, appErrors.ErrEventInProgress)
		}
	}
	assert.Len(t, f.store.BillingEvents(), 1)
	assert.Equal(t, 1, f.payments.CallCount())
}

func TestPaymentFailureLeavesEventRetryable(t *testing.T) {
	f := newBillingFixture(false)
	f.payments.FailNext(1)
	body := meetingBody("evt-1", "L1", "mtg-1")

	_, err := f.deliver(SourceCalendar, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrUpstream)

	entry, err := f.store.Ledger().Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, model.LedgerProcessing, entry.Status)
	lead, _ := f.store.GetByID(context.Background(), "L1")
	assert.Equal(t, model.LeadDormant, lead.Status)

	res, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerPosted, res.Status)
	assert.False(t, res.Replayed)
	assert.Len(t, f.store.BillingEvents(), 1)
}

func TestInProgressEventIsNotReprocessed(t *testing.T) {
	f := newBillingFixture(false)
	_, claimed, err := f.store.Ledger().Claim(context.Background(), model.LedgerEntry{
		EventID: "evt-1", Source: SourceCalendar, EventType: EventMeetingConfirmed,
	}, 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.deliver(SourceCalendar, meetingBody("evt-1", "L1", "mtg-1"))
	assert.ErrorIs(t, err, appErrors.ErrEventInProgress)
	assert.Zero(t, f.payments.CallCount())

	// Once the claim lapses the next delivery takes over.
	f.clock.Advance(31 * time.Second)
	res, err := f.deliver(SourceCalendar, meetingBody("evt-1", "L1", "mtg-1"))
	require.NoError(t, err)
	assert.Equal(t, model.LedgerPosted, res.Status)
}

func TestInvalidWebhooksCreateNoLedgerEntry(t *testing.T) {
	f := newBillingFixture(false)
	ctx := context.Background()
	good := meetingBody("evt-1", "L1", "mtg-1")

	_, err := f.trigger.HandleWebhook(ctx, SourceCalendar, billing.Sign("wrong", good), good)
	assert.True(t, appErrors.IsSignatureInvalid(err))

	_, err = f.trigger.HandleWebhook(ctx, SourceCalendar, "", good)
	assert.True(t, appErrors.IsSignatureInvalid(err))

	for name, body := range map[string][]byte{
		"not json":     []byte(`{"event_id":`),
		"no event id":  []byte(`{"event_type":"meeting.confirmed","data":{"lead_id":"L1","meeting_id":"m"}}`),
		"unknown type": []byte(`{"event_id":"evt-1","event_type":"meeting.cancelled","data":{}}`),
		"missing lead": []byte(`{"event_id":"evt-1","event_type":"meeting.confirmed","data":{"meeting_id":"m"}}`),
		"wrong source": []byte(`{"event_id":"evt-1","event_type":"invoice.paid","data":{"charge_id":"c"}}`),
		"data not obj": []byte(`{"event_id":"evt-1","event_type":"meeting.confirmed","data":"x"}`),
	} {
		_, err := f.deliver(SourceCalendar, body)
		assert.True(t, appErrors.IsValidation(err), "%s: got %v", name, err)
	}

	_, err = f.store.Ledger().Get(ctx, "evt-1")
	assert.True(t, appErrors.IsNotFound(err))
	assert.Zero(t, f.payments.CallCount())
}

func TestUnknownLeadIsRejectedAndStaysRejected(t *testing.T) {
	f := newBillingFixture(false)
	body := meetingBody("evt-x", "ghost", "mtg-x")

	res, err := f.deliver(SourceCalendar, body)
	assert.True(t, appErrors.IsRejected(err))
	require.NotNil(t, res)
	assert.Equal(t, model.LedgerRejected, res.Status)
	assert.Contains(t, res.Reason, "unknown lead")

	again, err := f.deliver(SourceCalendar, body)
	assert.True(t, appErrors.IsRejected(err))
	assert.True(t, again.Replayed)
	assert.Equal(t, model.LedgerRejected, again.Status)

	assert.Empty(t, f.store.BillingEvents())
	assert.Zero(t, f.payments.CallCount())

	rejected, err := f.store.Ledger().ListByStatus(context.Background(), model.LedgerRejected, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestSameMeetingUnderNewEventIsRejected(t *testing.T) {
	f := newBillingFixture(false)

	_, err := f.deliver(SourceCalendar, meetingBody("evt-1", "L1", "mtg-1"))
	require.NoError(t, err)

	res, err := f.deliver(SourceCalendar, meetingBody("evt-2", "L1", "mtg-1"))
	assert.True(t, appErrors.IsRejected(err))
	assert.Contains(t, res.Reason, "already billed")
	assert.Len(t, f.store.BillingEvents(), 1)
	assert.Equal(t, 1, f.payments.CallCount())
}

func TestSecondMeetingForConvertedLeadIsBilled(t *testing.T) {
	f := newBillingFixture(false)

	_, err := f.deliver(SourceCalendar, meetingBody("evt-1", "L1", "mtg-1"))
	require.NoError(t, err)
	res, err := f.deliver(SourceCalendar, meetingBody("evt-2", "L1", "mtg-2"))
	require.NoError(t, err)
	assert.Equal(t, model.LedgerPosted, res.Status)
	assert.Len(t, f.store.BillingEvents(), 2)
}

func TestInvoicePaidSettlesBillingEvent(t *testing.T) {
	f := newBillingFixture(false)
	res, err := f.deliver(SourceCalendar, meetingBody("evt-1", "L1", "mtg-1"))
	require.NoError(t, err)
	var billed MeetingBilled
	require.NoError(t, json.Unmarshal(res.Result, &billed))

	paid := []byte(fmt.Sprintf(`{"event_id":"pay-1","event_type":"invoice.paid","data":{"charge_id":%q}}`, billed.ChargeID))
	out, err := f.deliver(SourceBilling, paid)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerPosted, out.Status)

	events := f.store.BillingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.InvoicePaid, events[0].InvoiceStatus)

	unknown := []byte(`{"event_id":"pay-2","event_type":"invoice.paid","data":{"charge_id":"ch_missing"}}`)
	_, err = f.deliver(SourceBilling, unknown)
	assert.True(t, appErrors.IsRejected(err))
}

func TestCachedResultShortCircuitsLedger(t *testing.T) {
	f := newBillingFixture(true)
	body := meetingBody("evt-1", "L1", "mtg-1")

	_, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)
	res, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	entry, err := f.store.Ledger().Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Deliveries)
	assert.Equal(t, 1, f.payments.CallCount())
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*cache.Result, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingCache) Put(context.Context, string, cache.Result) error {
	return errors.New("redis down")
}

func TestCacheOutageFallsBackToLedger(t *testing.T) {
	f := newBillingFixture(false)
	f.trigger.Cache = failingCache{}
	body := meetingBody("evt-1", "L1", "mtg-1")

	_, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)
	res, err := f.deliver(SourceCalendar, body)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, 1, f.payments.CallCount())
}
