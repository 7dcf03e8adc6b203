// Package smsclient pushes batches to the Slot Message Store, retrying
// payload-too-large errors with bounded exponential backoff (spec
// §4.5): starting at 50ms, doubling, capped at MaxBackoff, giving up
// once MaxBackoffTime has elapsed since the first attempt. Any other
// error surfaces immediately without retry.
package smsclient

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/streamforge/tablereader/internal/logutil"
	"github.com/streamforge/tablereader/internal/ports"
	"github.com/streamforge/tablereader/internal/rerr"
)

// Clock abstracts time.Now/time.Sleep so tests can drive the backoff
// loop without real delays, grounded on the reference pack's
// andres-erbsen/clock fake.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Client wraps a ports.SMS with the retry policy.
type Client struct {
	sms        ports.SMS
	clock      Clock
	startDelay time.Duration
	maxDelay   time.Duration
	budget     time.Duration
	log        *zap.SugaredLogger
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the clock used for retry delays, for tests.
func WithClock(c Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithStartDelay overrides the initial retry delay; default 50ms.
func WithStartDelay(d time.Duration) Option {
	return func(cl *Client) { cl.startDelay = d }
}

// New constructs a Client with the default backoff parameters (50ms
// start, maxDelay cap, budget total elapsed time), overridable via
// Option.
func New(sms ports.SMS, maxDelay, budget time.Duration, opts ...Option) *Client {
	cl := &Client{
		sms:        sms,
		clock:      realClock{},
		startDelay: 50 * time.Millisecond,
		maxDelay:   maxDelay,
		budget:     budget,
		log:        logutil.With("component", "smsclient"),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Push delivers messages for batchID, retrying PushPayloadTooLarge
// outcomes with bounded exponential backoff. Returns rerr.PayloadTooLarge
// if the retry budget is exhausted, or rerr.SMSFatal wrapping any other
// push error.
func (c *Client) Push(ctx context.Context, consumerID string, messages []ports.OutgoingMessage, batchID string) error {
	deadline := c.clock.Now().Add(c.budget)
	delay := c.startDelay

	for attempt := 1; ; attempt++ {
		outcome, err := c.sms.Put(ctx, consumerID, messages, batchID)
		if err == nil && outcome == ports.PushOK {
			return nil
		}
		if outcome != ports.PushPayloadTooLarge {
			c.log.Errorw("sms push failed", "batch_id", batchID, "outcome", outcome, "error", err)
			return rerr.New(rerr.KindSMSFatal, "sms push for batch %s (outcome %d): %v", batchID, outcome, err)
		}

		now := c.clock.Now()
		if !now.Before(deadline) {
			c.log.Warnw("sms push retry budget exhausted", "batch_id", batchID, "attempts", attempt)
			return rerr.New(rerr.KindPayloadTooLarge, "batch %s still too large after %s", batchID, c.budget)
		}

		c.log.Infow("sms push payload too large, backing off",
			"batch_id", batchID, "attempt", attempt, "delay", delay)

		remaining := deadline.Sub(now)
		if delay > remaining {
			delay = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.clock.Sleep(delay)

		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}
