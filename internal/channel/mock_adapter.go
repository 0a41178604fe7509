package channel

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

// MockAdapter simulates a provider. Scripted results are returned first, in
// order; after that a send succeeds with probability SuccessRate and fails
// transiently otherwise.
type MockAdapter struct {
	mu          sync.Mutex
	script      []Result
	SuccessRate float64
	sent        []Message
}

func NewMockAdapter(successRate float64) *MockAdapter {
	return &MockAdapter{SuccessRate: successRate}
}

// Script queues results to return for the next sends.
func (m *MockAdapter) Script(results ...Result) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, results...)
	return m
}

func (m *MockAdapter) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		return r
	}
	if rand.Float64() < m.SuccessRate {
		return Success("")
	}
	return Transient(errors.New("mock sending failed"))
}

// Sent returns every message the adapter was asked to deliver.
func (m *MockAdapter) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

var _ Adapter = (*MockAdapter)(nil)
