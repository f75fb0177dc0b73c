package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outbox queues events for a slow sink, such as a broker, and delivers them
// from a single goroutine so callers never wait on it. A full queue drops.
type Outbox struct {
	sink    Notifier
	queue   chan Event
	timeout time.Duration
	log     zerolog.Logger
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewOutbox(sink Notifier, size int, timeout time.Duration, log zerolog.Logger) *Outbox {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Outbox{sink: sink, queue: make(chan Event, size), timeout: timeout, log: log}
}

func (o *Outbox) Notify(_ context.Context, evt Event) error {
	select {
	case o.queue <- evt:
	default:
		o.dropped.Add(1)
		o.log.Warn().Str("event_id", evt.ID).Str("type", evt.Type).Msg("outbox full, event dropped")
	}
	return nil
}

// Run delivers queued events until ctx is done, then drains what is left
// within one timeout.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-o.queue:
			o.deliver(context.WithoutCancel(ctx), evt)
		case <-ctx.Done():
			o.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (o *Outbox) drain(ctx context.Context) {
	deadline := time.Now().Add(o.timeout)
	for time.Now().Before(deadline) {
		select {
		case evt := <-o.queue:
			o.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, evt Event) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := o.sink.Notify(ctx, evt); err != nil {
		o.failed.Add(1)
		o.log.Warn().Err(err).Str("event_id", evt.ID).Str("type", evt.Type).Msg("outbox delivery failed")
	}
}

func (o *Outbox) Pending() int   { return len(o.queue) }
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }
func (o *Outbox) Failed() int64  { return o.failed.Load() }
