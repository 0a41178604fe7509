package service

import (
	"sync"
	"time"

	"github.com/unclebandit/reactivation-backend/internal/config"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/queue"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

var campaignStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newFixture returns a store seeded with campaign camp-1 and the given leads,
// with the clock at the campaign start.
func newFixture(leadIDs ...string) (*repository.MemoryStore, *testClock) {
	clock := &testClock{t: campaignStart}
	store := repository.NewMemoryStore()
	store.Now = clock.Now
	store.PutCampaign(model.Campaign{
		ID:          "camp-1",
		Name:        "Spring reactivation",
		StartsAt:    campaignStart,
		FeeRate:     "0.05",
		MinFeeMinor: 5000,
		Currency:    "GBP",
	})
	for _, id := range leadIDs {
		store.PutLead(model.Lead{
			ID:         id,
			CampaignID: "camp-1",
			Email:      id + "@example.com",
			Phone:      "+447700900123",
			Status:     model.LeadDormant,
			ACVMinor:   500000,
		})
	}
	return store, clock
}

func newSequencer(store *repository.MemoryStore) *Sequencer {
	return &Sequencer{Leads: store, Campaigns: store.Campaigns(), Jobs: store}
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Count:            2,
		BatchSize:        10,
		LeaseDuration:    time.Minute,
		PollInterval:     5 * time.Millisecond,
		SendTimeout:      time.Second,
		MaxAttempts:      5,
		BackoffBase:      30 * time.Second,
		BackoffCap:       960 * time.Second,
		ReapInterval:     10 * time.Millisecond,
		ReapBackoff:      30 * time.Second,
		HaltOnDeadLetter: true,
	}
}

// eventLog collects published events per topic.
type eventLog struct {
	q  *queue.InMemoryQueue
	mu sync.Mutex
	by map[string][][]byte
}

func newEventLog(topics ...string) *eventLog {
	l := &eventLog{q: queue.NewInMemoryQueue(nil), by: map[string][][]byte{}}
	for _, topic := range topics {
		topic := topic
		_ = l.q.Subscribe(topic, func(payload []byte) error {
			l.mu.Lock()
			l.by[topic] = append(l.by[topic], payload)
			l.mu.Unlock()
			return nil
		})
	}
	return l
}

func (l *eventLog) count(topic string) int {
	l.q.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.by[topic])
}
