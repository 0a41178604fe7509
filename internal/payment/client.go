package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
)

// ChargeRequest asks the payment provider to invoice a fee.
type ChargeRequest struct {
	IdempotencyKey string `json:"-"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	Description    string `json:"description"`
}

type Charge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client is the external payment API boundary.
type Client interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// HTTPClient calls POST {BaseURL}/charges. The provider deduplicates on the
// Idempotency-Key header.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateCharge(ctx context.Context, cr ChargeRequest) (*Charge, error) {
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", cr.IdempotencyKey)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: payment request: %v", appErrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: payment API returned %d: %s", appErrors.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var ch Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("%w: decode charge: %v", appErrors.ErrUpstream, err)
	}
	if ch.ID == "" {
		return nil, fmt.Errorf("%w: payment API returned no charge id", appErrors.ErrUpstream)
	}
	return &ch, nil
}

// FakeClient records charges in memory and honours idempotency keys. It can
// be told to fail the next N calls.
type FakeClient struct {
	mu       sync.Mutex
	byKey    map[string]*Charge
	Calls    []ChargeRequest
	failNext int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{byKey: map[string]*Charge{}}
}

func (f *FakeClient) FailNext(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func (f *FakeClient) CreateCharge(ctx context.Context, cr ChargeRequest) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cr)
	if f.failNext > 0 {
		f.failNext--
		return nil, fmt.Errorf("%w: payment API unavailable", appErrors.ErrUpstream)
	}
	if ch, ok := f.byKey[cr.IdempotencyKey]; ok {
		return ch, nil
	}
	ch := &Charge{ID: "ch_" + uuid.NewString(), Status: "invoiced"}
	f.byKey[cr.IdempotencyKey] = ch
	return ch, nil
}

// CallCount returns how many CreateCharge calls were made.
func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*FakeClient)(nil)
)
