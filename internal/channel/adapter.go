package channel

import (
	"context"
	"fmt"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Message is the tagged variant handed to an adapter.
type Message struct {
	Channel        model.Channel
	Recipient      string
	Content        string
	IdempotencyKey string
}

// Result is the three-way outcome of a send. Err is set for failures.
type Result struct {
	Outcome    Outcome
	ProviderID string
	Err        error
}

func Success(providerID string) Result {
	return Result{Outcome: OutcomeSuccess, ProviderID: providerID}
}

func Transient(err error) Result {
	return Result{Outcome: OutcomeTransient, Err: err}
}

func Permanent(err error) Result {
	return Result{Outcome: OutcomePermanent, Err: err}
}

// Adapter sends over one channel. Send must not panic and must honour ctx.
type Adapter interface {
	Send(ctx context.Context, msg Message) Result
}

// AdapterFunc lets a function act as an Adapter.
type AdapterFunc func(ctx context.Context, msg Message) Result

func (f AdapterFunc) Send(ctx context.Context, msg Message) Result { return f(ctx, msg) }

// Registry dispatches by channel tag.
type Registry struct {
	adapters map[model.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[model.Channel]Adapter{}}
}

func (r *Registry) Register(ch model.Channel, a Adapter) *Registry {
	r.adapters[ch] = a
	return r
}

// Send routes msg to its channel's adapter. An unknown channel can never
// succeed, so it is reported as permanent.
func (r *Registry) Send(ctx context.Context, msg Message) Result {
	a, ok := r.adapters[msg.Channel]
	if !ok {
		return Permanent(fmt.Errorf("no adapter for channel %q", msg.Channel))
	}
	return a.Send(ctx, msg)
}

func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}

var _ Adapter = (*Registry)(nil)
