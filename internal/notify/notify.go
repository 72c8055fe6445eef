// Package notify bridges the API and worker processes over Redis pub/sub:
// a wake channel that cuts enqueue-to-dispatch latency below the poll
// interval, and an event relay so SSE clients attached to the API see
// transitions produced by the worker. Both are best-effort; the store
// remains the source of truth and the poll loop the fallback.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"netboot-jobqueue/internal/events"
)

const (
	wakeChannel  = "jobs:wake"
	eventChannel = "jobs:events"
)

// Relay publishes events and wakes through Redis and pumps remote events
// into a local broker.
type Relay struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRelay builds a relay over an existing Redis client.
func NewRelay(client *redis.Client, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, logger: logger}
}

// Wake notifies dispatchers that new work was enqueued.
func (r *Relay) Wake(ctx context.Context) error {
	return r.client.Publish(ctx, wakeChannel, "1").Err()
}

// Publish implements events.Publisher by pushing the event onto the Redis
// event channel. Marshal or publish failures are logged and swallowed:
// live events are best-effort.
func (r *Relay) Publish(evt *events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal event", slog.String("error", err.Error()))
		return
	}
	if err := r.client.Publish(context.Background(), eventChannel, data).Err(); err != nil {
		r.logger.Warn("publish event", slog.String("error", err.Error()))
	}
}

var _ events.Publisher = (*Relay)(nil)

// RunWakeListener forwards wake notifications to fn until ctx is done.
func (r *Relay) RunWakeListener(ctx context.Context, fn func()) {
	sub := r.client.Subscribe(ctx, wakeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			fn()
		}
	}
}

// RunEventPump decodes relayed events and republishes them into the local
// broker until ctx is done.
func (r *Relay) RunEventPump(ctx context.Context, broker *events.Broker) {
	sub := r.client.Subscribe(ctx, eventChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.Warn("decode relayed event", slog.String("error", err.Error()))
				continue
			}
			broker.Publish(&evt)
		}
	}
}
