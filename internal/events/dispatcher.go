package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/auth-session-api/pkg/jobs"
)

// Dispatcher hands events to a background queue so request handlers never
// wait on the broker.
type Dispatcher struct {
	queue  *jobs.Queue[Event]
	logger *zap.Logger
}

// NewDispatcher wires publisher behind a worker queue.
func NewDispatcher(publisher Publisher, cfg jobs.QueueConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	handler := func(ctx context.Context, job jobs.Job[Event]) error {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return publisher.Publish(sendCtx, job.Payload)
	}
	return &Dispatcher{
		queue:  jobs.NewQueue("auth-events", handler, cfg),
		logger: cfg.Logger,
	}
}

func (d *Dispatcher) Start(ctx context.Context) { d.queue.Start(ctx) }

func (d *Dispatcher) Stop() { d.queue.Stop() }

// Publish enqueues event. A full or stopped queue drops the event with a
// warning rather than failing the caller.
func (d *Dispatcher) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := d.queue.Offer(event); err != nil {
		d.logger.Warn("auth event dropped", zap.String("type", string(event.Type)), zap.Error(err))
	}
	return nil
}
