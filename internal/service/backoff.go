package service

import (
	"time"

	"github.com/unclebandit/reactivation-backend/internal/channel"
)

// RetryPolicy bounds transient retries.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
}

// Backoff returns min(base * 2^attempt, cap), reduced by up to Jitter of its
// value. r must be in [0,1).
func (p RetryPolicy) Backoff(attempt int, r float64) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 - p.Jitter*r))
	}
	return d
}

type Action string

const (
	ActionAck        Action = "ack"
	ActionNack       Action = "nack"
	ActionDeadLetter Action = "dead_letter"
)

type Decision struct {
	Action     Action
	RetryAfter time.Duration
	Reason     string
}

// Decide maps a send outcome to the queue operation. attempts is the job's
// attempt count before this delivery.
func Decide(res channel.Result, attempts int, p RetryPolicy, r float64) Decision {
	switch res.Outcome {
	case channel.OutcomeSuccess:
		return Decision{Action: ActionAck}
	case channel.OutcomePermanent:
		return Decision{Action: ActionDeadLetter, Reason: reason(res, "permanent failure")}
	}
	cause := reason(res, "transient failure")
	if attempts >= p.MaxAttempts {
		return Decision{Action: ActionDeadLetter, Reason: "retries exhausted: " + cause}
	}
	return Decision{Action: ActionNack, RetryAfter: p.Backoff(attempts, r), Reason: cause}
}

func reason(res channel.Result, fallback string) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fallback
}
