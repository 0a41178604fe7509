package channel

import (
	"time"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

// MockSuccessRate is the success probability of providers simulated locally.
const MockSuccessRate = 0.9

// NewProviderRegistry registers an HTTP adapter for every channel with a
// configured endpoint and a mock adapter for the rest.
func NewProviderRegistry(emailURL, smsURL, apiKey string, timeout time.Duration) *Registry {
	r := NewRegistry()
	for ch, endpoint := range map[model.Channel]string{
		model.ChannelEmail: emailURL,
		model.ChannelSMS:   smsURL,
	} {
		if endpoint == "" {
			r.Register(ch, NewMockAdapter(MockSuccessRate))
			continue
		}
		r.Register(ch, NewHTTPAdapter(endpoint, apiKey, timeout))
	}
	return r
}
