// Package listener implements the producer half of the ingestion pipeline:
// it holds the durable subscription to the messaging platform open, turns
// every document event it observes into a job descriptor, and enqueues it
// onto the Job Queue, backpressuring rather than dropping when the queue is
// full. Reconnect-with-backoff is layered on top of whatever the concrete
// platform.Client already does internally (the interface's own doc comment
// says a client may hide reconnect behind Subscribe) so a client that simply
// closes its channel on disconnect still gets resubscribed.
package listener

import (
	"context"
	"log/slog"
	"time"

	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/model"
	"github.com/prohibitedtv/telecap/internal/observability/metrics"
	"github.com/prohibitedtv/telecap/internal/platform"
	"github.com/prohibitedtv/telecap/internal/queue"
	"github.com/prohibitedtv/telecap/internal/retry"
)

// Config carries everything a Listener needs, assembled once by the
// Supervisor at boot.
type Config struct {
	Platform   platform.Client
	Queue      *queue.Queue
	ChannelIDs []int64
	Backoff    retry.Backoff
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Listener holds the platform subscription open and feeds the Job Queue.
type Listener struct {
	cfg Config
	log *slog.Logger
	rec *metrics.Recorder
}

// New constructs a Listener. Platform, Queue, and at least one channel ID
// are required.
func New(cfg Config) (*Listener, error) {
	if cfg.Platform == nil {
		return nil, errs.Newf(errs.ClassConfigInvalid, "listener: platform client is required")
	}
	if cfg.Queue == nil {
		return nil, errs.Newf(errs.ClassConfigInvalid, "listener: queue is required")
	}
	if len(cfg.ChannelIDs) == 0 {
		return nil, errs.Newf(errs.ClassConfigInvalid, "listener: at least one channel id is required")
	}
	if cfg.Backoff == (retry.Backoff{}) {
		cfg.Backoff = retry.DefaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Listener{cfg: cfg, log: logger, rec: rec}, nil
}

// Run subscribes to the configured channels and enqueues a job for every
// document event observed. It blocks until ctx is cancelled, reconnecting
// with exponential backoff whenever Subscribe fails or the event channel
// closes before cancellation.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := l.cfg.Platform.Subscribe(ctx, l.cfg.ChannelIDs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			delay := l.cfg.Backoff.Delay(attempt)
			l.log.Warn("subscribe_failed", "error", err, "attempt", attempt, "retry_in", delay)
			if !l.sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		l.log.Info("subscribed", "channel_count", len(l.cfg.ChannelIDs))
		l.drain(ctx, events)

		if err := ctx.Err(); err != nil {
			return err
		}

		attempt++
		delay := l.cfg.Backoff.Delay(attempt)
		l.log.Warn("subscription_closed", "attempt", attempt, "retry_in", delay)
		if !l.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// drain forwards every event on events to the Job Queue until the channel
// closes or ctx is cancelled.
func (l *Listener) drain(ctx context.Context, events <-chan platform.DocumentEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev platform.DocumentEvent) {
	job := model.JobDescriptor{ExternalRef: ev.Ref, Channel: ev.Channel}
	if err := l.cfg.Queue.Enqueue(ctx, job); err != nil {
		l.log.Warn("enqueue_cancelled", "external_ref", ev.Ref.Token(), "error", err)
		return
	}
	l.rec.SetQueueDepth(l.cfg.Queue.Len())
	l.log.Info("job_enqueued", "external_ref", ev.Ref.Token(), "channel_id", ev.Channel.ChannelID)
}

// sleep waits for delay or ctx cancellation, reporting whether it completed
// the full wait without being cancelled.
func (l *Listener) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
