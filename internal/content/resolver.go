package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

// Resolver turns a content reference into the text sent to a recipient.
type Resolver interface {
	Resolve(ctx context.Context, ref string, msg model.ScheduledMessage) (string, error)
}

// NotFoundError means the content service has no such reference. It is the
// only resolver failure that cannot succeed on retry.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("content %q not found", e.Ref)
}

// HTTPResolver fetches rendered content from the external content service:
// GET {BaseURL}/content/{ref}?lead_id=..&channel=..
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type contentResponse struct {
	Body string `json:"body"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, ref string, msg model.ScheduledMessage) (string, error) {
	q := url.Values{}
	q.Set("lead_id", msg.LeadID)
	q.Set("channel", string(msg.Channel))
	endpoint := fmt.Sprintf("%s/content/%s?%s", r.BaseURL, url.PathEscape(ref), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("content service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &NotFoundError{Ref: ref}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("content service returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var cr contentResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("decode content: %w", err)
	}
	return cr.Body, nil
}

// StaticResolver renders templates from a fixed map, falling back to the
// reference itself. Used for local runs without a content service.
type StaticResolver struct {
	Content map[string]string
}

func (r StaticResolver) Resolve(_ context.Context, ref string, msg model.ScheduledMessage) (string, error) {
	body, ok := r.Content[ref]
	if !ok {
		body = ref
	}
	return RenderTemplate(body, placeholders(msg)), nil
}

// New returns an HTTPResolver when baseURL is set, otherwise a StaticResolver
// that sends the reference itself as the body.
func New(baseURL string, timeout time.Duration) Resolver {
	if baseURL == "" {
		return StaticResolver{}
	}
	return NewHTTPResolver(baseURL, timeout)
}

var (
	_ Resolver = (*HTTPResolver)(nil)
	_ Resolver = StaticResolver{}
)
