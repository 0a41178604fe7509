package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/reactivation-backend/internal/channel"
	"github.com/unclebandit/reactivation-backend/internal/content"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/queue"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

func scheduleSteps(t *testing.T, store *repository.MemoryStore, leadID string, refs ...string) {
	t.Helper()
	req := ScheduleRequest{CampaignID: "camp-1", LeadID: leadID}
	for _, ref := range refs {
		req.Steps = append(req.Steps, Step{Channel: model.ChannelEmail, ContentRef: ref})
	}
	_, err := newSequencer(store).Schedule(context.Background(), req)
	require.NoError(t, err)
}

func TestWorkerDeliversAndAcks(t *testing.T) {
	store, _ := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	adapter := channel.NewMockAdapter(1)
	events := newEventLog(queue.TopicMessageSent)
	pool := NewWorkerPool(store, adapter, content.StaticResolver{Content: map[string]string{"intro": "Hello {lead_id}"}}, events.q, testWorkerConfig(), nil)

	n, err := pool.RunOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, _ := store.ListByLead(context.Background(), "L1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageSent, msgs[0].Status)
	assert.Equal(t, 1, msgs[0].AttemptCount)
	require.Len(t, msgs[0].Attempts, 1)
	assert.Equal(t, model.AttemptSent, msgs[0].Attempts[0].Outcome)

	sent := adapter.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello L1", sent[0].Content)
	assert.Equal(t, "L1@example.com", sent[0].Recipient)
	assert.Equal(t, msgs[0].IdempotencyKey, sent[0].IdempotencyKey)
	assert.Equal(t, 1, events.count(queue.TopicMessageSent))
}

func TestWorkerDeadLettersOnSixthTransientFailure(t *testing.T) {
	store, clock := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	fail := channel.Transient(errors.New("provider 503"))
	adapter := channel.NewMockAdapter(0).Script(fail, fail, fail, fail, fail, fail)
	events := newEventLog(queue.TopicMessageDeadLettered)
	pool := NewWorkerPool(store, adapter, nil, events.q, testWorkerConfig(), nil)
	ctx := context.Background()

	for round := 1; round <= 6; round++ {
		n, err := pool.RunOnce(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, 1, n, "round %d", round)

		msgs, _ := store.ListByLead(ctx, "L1")
		if round < 6 {
			assert.Equal(t, model.MessageFailed, msgs[0].Status)
			assert.Equal(t, round, msgs[0].AttemptCount)
			// Not visible again until the backoff elapses.
			n, _ = pool.RunOnce(ctx, "w1")
			assert.Zero(t, n)
		}
		clock.Advance(960 * time.Second)
	}

	msgs, _ := store.ListByLead(ctx, "L1")
	assert.Equal(t, model.MessageDeadLettered, msgs[0].Status)
	assert.Equal(t, 6, msgs[0].AttemptCount)
	assert.Contains(t, msgs[0].LastError, "retries exhausted")
	assert.Len(t, adapter.Sent(), 6)

	dead, total, err := store.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 6, dead[0].AttemptCount)
	assert.Equal(t, 1, events.count(queue.TopicMessageDeadLettered))
}

func TestWorkerBackoffDelaysRedelivery(t *testing.T) {
	store, clock := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	adapter := channel.NewMockAdapter(1).Script(channel.Transient(errors.New("busy")))
	pool := NewWorkerPool(store, adapter, nil, nil, testWorkerConfig(), nil)
	ctx := context.Background()

	_, err := pool.RunOnce(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(29 * time.Second)
	n, _ := pool.RunOnce(ctx, "w1")
	assert.Zero(t, n)

	clock.Advance(time.Second)
	n, _ = pool.RunOnce(ctx, "w1")
	assert.Equal(t, 1, n)
	msgs, _ := store.ListByLead(ctx, "L1")
	assert.Equal(t, model.MessageSent, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].AttemptCount)
}

func TestWorkerPermanentFailureHaltsSequence(t *testing.T) {
	for _, halt := range []bool{true, false} {
		store, _ := newFixture("L1")
		scheduleSteps(t, store, "L1", "a", "b")
		adapter := channel.NewMockAdapter(1).Script(channel.Permanent(errors.New("invalid address")))
		cfg := testWorkerConfig()
		cfg.HaltOnDeadLetter = halt
		pool := NewWorkerPool(store, adapter, nil, nil, cfg, nil)
		ctx := context.Background()

		_, err := pool.RunOnce(ctx, "w1")
		require.NoError(t, err)
		_, err = pool.RunOnce(ctx, "w1")
		require.NoError(t, err)

		msgs, _ := store.ListByLead(ctx, "L1")
		assert.Equal(t, model.MessageDeadLettered, msgs[0].Status)
		assert.Equal(t, 1, msgs[0].AttemptCount)
		if halt {
			assert.Equal(t, model.MessageCancelled, msgs[1].Status)
			assert.Len(t, adapter.Sent(), 1)
		} else {
			assert.Equal(t, model.MessageSent, msgs[1].Status)
			assert.Len(t, adapter.Sent(), 2)
		}
	}
}

func TestWorkerSendsInSequenceOrder(t *testing.T) {
	store, _ := newFixture("L1")
	scheduleSteps(t, store, "L1", "first", "second", "third")
	adapter := channel.NewMockAdapter(1)
	pool := NewWorkerPool(store, adapter, nil, nil, testWorkerConfig(), nil)

	for i := 0; i < 3; i++ {
		n, err := pool.RunOnce(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	var got []string
	for _, m := range adapter.Sent() {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

type busyLeadStore struct {
	*repository.MemoryStore
}

func (busyLeadStore) LeadHasOtherLease(context.Context, string, string) (bool, error) {
	return true, nil
}

func TestWorkerReleasesWhenLeadBusy(t *testing.T) {
	store, _ := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	adapter := channel.NewMockAdapter(1)
	pool := NewWorkerPool(busyLeadStore{store}, adapter, nil, nil, testWorkerConfig(), nil)

	n, err := pool.RunOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, adapter.Sent())

	msgs, _ := store.ListByLead(context.Background(), "L1")
	assert.Equal(t, model.MessagePending, msgs[0].Status)
	assert.Zero(t, msgs[0].AttemptCount)
	assert.Equal(t, model.AttemptReleased, msgs[0].Attempts[0].Outcome)
}

func TestWorkerTimeoutIsTransient(t *testing.T) {
	store, _ := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	hang := channel.AdapterFunc(func(ctx context.Context, _ channel.Message) channel.Result {
		<-ctx.Done()
		return channel.Transient(ctx.Err())
	})
	cfg := testWorkerConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	pool := NewWorkerPool(store, hang, nil, nil, cfg, nil)

	_, err := pool.RunOnce(context.Background(), "w1")
	require.NoError(t, err)

	msgs, _ := store.ListByLead(context.Background(), "L1")
	assert.Equal(t, model.MessageFailed, msgs[0].Status)
	assert.Contains(t, msgs[0].LastError, "timed out")
}

type missingContent struct{}

func (missingContent) Resolve(_ context.Context, ref string, _ model.ScheduledMessage) (string, error) {
	return "", &content.NotFoundError{Ref: ref}
}

func TestWorkerMissingContentIsPermanent(t *testing.T) {
	store, _ := newFixture("L1")
	scheduleSteps(t, store, "L1", "gone")
	adapter := channel.NewMockAdapter(1)
	pool := NewWorkerPool(store, adapter, missingContent{}, nil, testWorkerConfig(), nil)

	_, err := pool.RunOnce(context.Background(), "w1")
	require.NoError(t, err)

	msgs, _ := store.ListByLead(context.Background(), "L1")
	assert.Equal(t, model.MessageDeadLettered, msgs[0].Status)
	assert.Contains(t, msgs[0].LastError, "not found")
	assert.Empty(t, adapter.Sent())
}

func TestWorkerUnknownChannelIsPermanent(t *testing.T) {
	store, _ := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	registry := channel.NewRegistry().Register(model.ChannelSMS, channel.NewMockAdapter(1))
	pool := NewWorkerPool(store, registry, nil, nil, testWorkerConfig(), nil)

	_, err := pool.RunOnce(context.Background(), "w1")
	require.NoError(t, err)

	msgs, _ := store.ListByLead(context.Background(), "L1")
	assert.Equal(t, model.MessageDeadLettered, msgs[0].Status)
}

func TestReapRecoversCrashedWorker(t *testing.T) {
	store, clock := newFixture("L1")
	scheduleSteps(t, store, "L1", "intro")
	pool := NewWorkerPool(store, channel.NewMockAdapter(1), nil, nil, testWorkerConfig(), nil)
	ctx := context.Background()

	// A worker leases and dies without resolving.
	_, err := store.Lease(ctx, "crashed", 1, time.Minute)
	require.NoError(t, err)

	n, err := pool.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = pool.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(30 * time.Second)
	delivered, err := pool.RunOnce(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	msgs, _ := store.ListByLead(ctx, "L1")
	assert.Equal(t, model.MessageSent, msgs[0].Status)
	assert.Equal(t, 2, msgs[0].AttemptCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	store, _ := newFixture("L1", "L2")
	scheduleSteps(t, store, "L1", "a", "b")
	scheduleSteps(t, store, "L2", "a")
	adapter := channel.NewMockAdapter(1)
	pool := NewWorkerPool(store, adapter, nil, nil, testWorkerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return len(adapter.Sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}

	for _, lead := range []string{"L1", "L2"} {
		msgs, _ := store.ListByLead(context.Background(), lead)
		for _, m := range msgs {
			assert.Equal(t, model.MessageSent, m.Status)
		}
	}
}
