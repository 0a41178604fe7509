package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/reactivation-backend/internal/billing"
	"github.com/unclebandit/reactivation-backend/internal/controller"
	"github.com/unclebandit/reactivation-backend/internal/handler"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/payment"
	"github.com/unclebandit/reactivation-backend/internal/repository"
	"github.com/unclebandit/reactivation-backend/internal/service"
)

const secret = "calendar-secret"

func newServer(t *testing.T) (*httptest.Server, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutCampaign(model.Campaign{
		ID: "camp-1", Name: "Winback", StartsAt: time.Now().Add(-time.Hour),
		FeeRate: "0.05", MinFeeMinor: 5000, Currency: "GBP",
	})
	store.PutLead(model.Lead{
		ID: "L1", CampaignID: "camp-1", Email: "l1@example.com", Phone: "+15550100",
		Status: model.LeadDormant, ACVMinor: 500000,
	})

	seq := &service.Sequencer{Leads: store, Campaigns: store.Campaigns(), Jobs: store}
	trigger := &service.BillingTrigger{
		Ledger: store.Ledger(), Billing: store.Billing(), Leads: store, Campaigns: store.Campaigns(),
		Payments: payment.NewFakeClient(),
		Secrets:  map[string]string{service.SourceCalendar: secret},
	}
	ops := &service.OperatorService{Leads: store, Messages: store, Jobs: store, Ledger: store.Ledger()}

	srv := httptest.NewServer(handler.NewRouter(handler.Routes{
		Sequences: controller.NewSequenceController(seq, nil),
		Webhooks:  controller.NewWebhookController(trigger, nil),
		Operator:  controller.NewOperatorController(ops, nil),
	}))
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

const sequenceBody = `{"campaign_id":"camp-1","lead_id":"L1","messages":[
	{"channel":"email","content_ref":"intro","offset_seconds":0},
	{"channel":"sms","content_ref":"nudge","offset_seconds":172800}]}`

func TestScheduleAndStatus(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/sequences", sequenceBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var res service.ScheduleResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 2, res.Scheduled)

	resp, _ = do(t, http.MethodPost, srv.URL+"/sequences", sequenceBody, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/messages/L1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Messages []model.MessageWithAttempts `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	require.Len(t, status.Messages, 2)
	assert.Equal(t, model.ChannelSMS, status.Messages[1].Channel)

	resp, _ = do(t, http.MethodGet, srv.URL+"/messages/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/sequences", `{"campaign_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/sequences", `{"campaign_id":"camp-1","lead_id":"L1","messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseResumeAndCancel(t *testing.T) {
	srv, store := newServer(t)
	resp, _ := do(t, http.MethodPost, srv.URL+"/sequences", sequenceBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/campaigns/camp-1/pause", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"campaign_id":"camp-1","paused":true,"cancelled":2}`, string(body))

	resp, _ = do(t, http.MethodPost, srv.URL+"/sequences", sequenceBody, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/campaigns/camp-1/resume", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/sequences", sequenceBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body = do(t, http.MethodDelete, srv.URL+"/leads/L1/pending", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"lead_id":"L1","cancelled":2}`, string(body))

	resp, _ = do(t, http.MethodPost, srv.URL+"/campaigns/missing/pause", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	msgs, _ := store.ListByLead(t.Context(), "L1")
	for _, m := range msgs {
		assert.Equal(t, model.MessageCancelled, m.Status)
	}
}

func TestCalendarWebhook(t *testing.T) {
	srv, store := newServer(t)
	payload := `{"event_id":"evt-1","event_type":"meeting.confirmed","data":{"lead_id":"L1","meeting_id":"m-1"}}`
	signed := map[string]string{controller.SignatureHeader: "sha256=" + billing.Sign(secret, []byte(payload))}

	resp, _ := do(t, http.MethodPost, srv.URL+"/webhooks/calendar", payload, map[string]string{controller.SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/webhooks/calendar", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res service.WebhookResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, model.LedgerPosted, res.Status)

	resp, body = do(t, http.MethodPost, srv.URL+"/webhooks/calendar", payload, signed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Replayed)
	assert.Len(t, store.BillingEvents(), 1)

	// invoice.paid is only accepted on the billing endpoint.
	paid := `{"event_id":"p-1","event_type":"invoice.paid","data":{"charge_id":"c"}}`
	resp, _ = do(t, http.MethodPost, srv.URL+"/webhooks/calendar", paid,
		map[string]string{controller.SignatureHeader: billing.Sign(secret, []byte(paid))})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No secret is configured for the billing source.
	resp, _ = do(t, http.MethodPost, srv.URL+"/webhooks/billing", paid,
		map[string]string{controller.SignatureHeader: billing.Sign("", []byte(paid))})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectedWebhookAndTriage(t *testing.T) {
	srv, _ := newServer(t)
	payload := `{"event_id":"evt-9","event_type":"meeting.confirmed","data":{"lead_id":"ghost","meeting_id":"m-9"}}`
	signed := map[string]string{controller.SignatureHeader: billing.Sign(secret, []byte(payload))}

	resp, body := do(t, http.MethodPost, srv.URL+"/webhooks/calendar", payload, signed)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "unknown lead")

	resp, body = do(t, http.MethodGet, srv.URL+"/billing/rejected", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page service.LedgerPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "evt-9", page.Items[0].EventID)
}

func TestDeadLetterEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/dead-letters?page=1&page_size=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page service.DeadLetterPage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 5, page.PageSize)
	assert.Empty(t, page.Items)

	resp, body = do(t, http.MethodGet, srv.URL+"/dead-letters/export", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")
	assert.NotEmpty(t, body)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}
