package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/reactivation-backend/internal/channel"
	"github.com/unclebandit/reactivation-backend/internal/config"
	"github.com/unclebandit/reactivation-backend/internal/content"
	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/metrics"
	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/queue"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

// WorkerPool runs Count workers that lease jobs, dispatch them to channel
// adapters and resolve each outcome, plus a reaper for expired leases.
type WorkerPool struct {
	Jobs     repository.JobStoreInterface
	Adapters channel.Adapter
	Content  content.Resolver
	Events   queue.Queue
	Config   config.WorkerConfig
	Log      *slog.Logger
	// Name prefixes lease owners; defaults to the hostname.
	Name string

	randMu sync.Mutex
	rnd    *rand.Rand
}

func NewWorkerPool(jobs repository.JobStoreInterface, adapters channel.Adapter, resolver content.Resolver, events queue.Queue, cfg config.WorkerConfig, log *slog.Logger) *WorkerPool {
	if log == nil {
		log = logging.Discard()
	}
	name, _ := os.Hostname()
	if name == "" {
		name = "worker"
	}
	return &WorkerPool{
		Jobs:     jobs,
		Adapters: adapters,
		Content:  resolver,
		Events:   events,
		Config:   cfg,
		Log:      log,
		Name:     name,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *WorkerPool) policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: p.Config.MaxAttempts,
		Base:        p.Config.BackoffBase,
		Cap:         p.Config.BackoffCap,
		Jitter:      p.Config.BackoffJitter,
	}
}

func (p *WorkerPool) random() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}

// Run blocks until ctx is cancelled. Leased jobs finish before it returns.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Config.Count; i++ {
		w := &Worker{ID: fmt.Sprintf("%s-%d", p.Name, i), pool: p}
		g.Go(func() error {
			w.Start(ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.reapLoop(ctx)
		return nil
	})
	p.Log.Info("worker pool started", "workers", p.Config.Count, "batch", p.Config.BatchSize)
	err := g.Wait()
	p.Log.Info("worker pool stopped")
	return err
}

func (p *WorkerPool) reapLoop(ctx context.Context) {
	interval := p.Config.ReapInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Reap(ctx); err != nil && ctx.Err() == nil {
				p.Log.Error("reap expired leases failed", "error", err)
			}
		}
	}
}

// Reap turns expired leases into implicit nacks.
func (p *WorkerPool) Reap(ctx context.Context) (int, error) {
	n, err := p.Jobs.ReapExpired(ctx, p.Config.ReapBackoff, p.Config.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LeasesReaped(n)
		p.Log.Warn("expired leases reaped", "count", n)
	}
	return n, nil
}

// Worker processes job batches for one lease owner.
type Worker struct {
	ID   string
	pool *WorkerPool
}

// Start begins processing jobs
func (w *Worker) Start(ctx context.Context) {
	poll := w.pool.Config.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for ctx.Err() == nil {
		n, err := w.pool.RunOnce(ctx, w.ID)
		if err != nil && ctx.Err() == nil {
			w.pool.Log.Error("lease failed", "worker", w.ID, "error", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(poll):
		}
	}
}

// RunOnce leases one batch as owner and resolves every job in it.
func (p *WorkerPool) RunOnce(ctx context.Context, owner string) (int, error) {
	jobs, err := p.Jobs.Lease(ctx, owner, p.Config.BatchSize, p.Config.LeaseDuration)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	metrics.JobsLeased(len(jobs))
	// A leased job runs to completion even when shutdown starts.
	jobCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		p.process(jobCtx, owner, job)
	}
	return len(jobs), nil
}

func (p *WorkerPool) process(ctx context.Context, owner string, job model.Job) {
	msg := job.Message
	log := p.Log.With("worker", owner, "job_id", job.JobID, "message_id", msg.ID,
		"lead_id", msg.LeadID, "sequence_index", msg.SequenceIndex)

	busy, err := p.Jobs.LeadHasOtherLease(ctx, msg.LeadID, job.JobID)
	if err != nil {
		log.Error("sibling lease check failed", "error", err)
		p.release(ctx, job, log)
		return
	}
	if busy {
		log.Debug("lead has another leased message, releasing")
		p.release(ctx, job, log)
		return
	}

	start := time.Now()
	res := p.send(ctx, msg)
	metrics.Delivery(string(msg.Channel), string(res.Outcome), time.Since(start))

	d := Decide(res, job.AttemptCount, p.policy(), p.random())
	lease := job.Lease()
	switch d.Action {
	case ActionAck:
		err = p.Jobs.Ack(ctx, lease)
		if err == nil {
			log.Info("message sent", "channel", msg.Channel, "attempt", job.AttemptCount+1)
			p.publish(queue.TopicMessageSent, queue.MessageSent{
				MessageID: msg.ID, LeadID: msg.LeadID, CampaignID: msg.CampaignID,
				SequenceIndex: msg.SequenceIndex, Channel: string(msg.Channel), SentAt: time.Now().UTC(),
			})
		}
	case ActionNack:
		err = p.Jobs.Nack(ctx, lease, d.RetryAfter, d.Reason)
		if err == nil {
			log.Warn("delivery failed, retrying", "attempt", job.AttemptCount+1, "retry_after", d.RetryAfter.String(), "error", d.Reason)
		}
	case ActionDeadLetter:
		err = p.Jobs.DeadLetter(ctx, lease, d.Reason)
		if err == nil {
			p.afterDeadLetter(ctx, msg, d.Reason, log)
		}
	}
	if errors.Is(err, appErrors.ErrLeaseLost) {
		log.Warn("lease lost before resolution", "action", string(d.Action))
		return
	}
	if err != nil {
		log.Error("failed to resolve job", "action", string(d.Action), "error", err)
	}
}

func (p *WorkerPool) release(ctx context.Context, job model.Job, log *slog.Logger) {
	if err := p.Jobs.Release(ctx, job.Lease()); err != nil && !errors.Is(err, appErrors.ErrLeaseLost) {
		log.Error("release failed", "error", err)
	}
}

// send resolves content and calls the adapter under the send timeout. Any
// failure that is not a classified permanent one is transient.
func (p *WorkerPool) send(ctx context.Context, msg model.ScheduledMessage) channel.Result {
	timeout := p.Config.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := msg.ContentRef
	if p.Content != nil {
		resolved, err := p.Content.Resolve(sendCtx, msg.ContentRef, msg)
		if err != nil {
			var nf *content.NotFoundError
			if errors.As(err, &nf) {
				return channel.Permanent(&appErrors.PermanentDeliveryError{Cause: err})
			}
			return channel.Transient(&appErrors.TransientDeliveryError{Cause: err})
		}
		body = resolved
	}

	res := p.Adapters.Send(sendCtx, channel.Message{
		Channel:        msg.Channel,
		Recipient:      msg.Recipient,
		Content:        body,
		IdempotencyKey: msg.IdempotencyKey,
	})
	switch res.Outcome {
	case channel.OutcomeSuccess, channel.OutcomePermanent:
		return res
	case channel.OutcomeTransient:
	default:
		res = channel.Transient(fmt.Errorf("unclassified outcome %q: %v", res.Outcome, res.Err))
	}
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return channel.Transient(&appErrors.TransientDeliveryError{Cause: fmt.Errorf("send timed out after %s", timeout)})
	}
	return res
}

func (p *WorkerPool) afterDeadLetter(ctx context.Context, msg model.ScheduledMessage, reason string, log *slog.Logger) {
	metrics.DeadLettered(string(msg.Channel))
	cancelled := 0
	if p.Config.HaltOnDeadLetter {
		n, err := p.Jobs.CancelPendingByLead(ctx, msg.LeadID)
		if err != nil {
			log.Error("failed to halt sequence after dead-letter", "error", err)
		}
		cancelled = n
	}
	log.Error("message dead-lettered", "reason", reason, "halted_followups", cancelled)
	p.publish(queue.TopicMessageDeadLettered, queue.MessageDeadLettered{
		MessageID: msg.ID, LeadID: msg.LeadID, CampaignID: msg.CampaignID,
		SequenceIndex: msg.SequenceIndex, Reason: reason, Cancelled: cancelled,
	})
}

func (p *WorkerPool) publish(topic string, payload any) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(topic, payload); err != nil {
		p.Log.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
