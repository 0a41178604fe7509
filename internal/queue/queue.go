package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unclebandit/reactivation-backend/internal/logging"
)

// Queue is the event bus between components. Payloads travel as JSON.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// Handler processes one delivery. Returning an error asks for a redelivery.
type Handler func(payload []byte) error

// InMemoryQueue delivers to subscribers in goroutines with bounded retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	wg         sync.WaitGroup
	MaxRetries int
	RetryDelay time.Duration
	Log        *slog.Logger
}

func NewInMemoryQueue(log *slog.Logger) *InMemoryQueue {
	if log == nil {
		log = logging.Discard()
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Log:        log,
	}
}

// jobPayload wraps a message payload with retry info
type jobPayload struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish fans the payload out to every subscriber of topic. Publishing to a
// topic nobody listens on is not an error.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[topic]...)
	q.mu.Unlock()

	for _, handler := range handlers {
		q.wg.Add(1)
		go func(h Handler) {
			defer q.wg.Done()
			q.processJob(h, jobPayload{topic: topic, body: body})
		}(handler)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, job jobPayload) {
	for {
		err := handler(job.body)
		if err == nil {
			return
		}
		job.retryCount++
		if job.retryCount > q.MaxRetries {
			q.Log.Error("event permanently failed", "topic", job.topic, "attempts", job.retryCount, "error", err)
			return
		}
		q.Log.Warn("event handler failed, retrying", "topic", job.topic, "attempt", job.retryCount, "error", err)
		time.Sleep(time.Duration(job.retryCount) * q.RetryDelay)
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every in-flight delivery has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *InMemoryQueue) Close() error {
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
