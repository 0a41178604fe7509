package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPAdapter posts messages to a provider's REST endpoint and classifies the
// response into the three-way outcome.
type HTTPAdapter struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPAdapter(endpoint, apiKey string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

type providerRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type providerResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (a *HTTPAdapter) Send(ctx context.Context, msg Message) Result {
	body, err := json.Marshal(providerRequest{
		Channel:   string(msg.Channel),
		Recipient: msg.Recipient,
		Content:   msg.Content,
	})
	if err != nil {
		return Permanent(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("provider request: %w", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var pr providerResponse
	_ = json.Unmarshal(raw, &pr)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success(pr.ID)
	case retryableStatus(resp.StatusCode):
		return Transient(statusError(resp.StatusCode, pr.Error))
	default:
		return Permanent(statusError(resp.StatusCode, pr.Error))
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func statusError(code int, detail string) error {
	if detail == "" {
		detail = http.StatusText(code)
	}
	return fmt.Errorf("provider returned %d: %s", code, detail)
}

var _ Adapter = (*HTTPAdapter)(nil)
