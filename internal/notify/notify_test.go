package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/models"
)

func testRelay(t *testing.T) (*Relay, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelay(client, logger), client
}

func TestWakeReachesListener(t *testing.T) {
	relay, _ := testRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	woken := make(chan struct{}, 1)
	go relay.RunWakeListener(ctx, func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	})

	// Give the subscription a moment to attach.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := relay.Wake(context.Background()); err != nil {
			t.Fatalf("wake: %v", err)
		}
		select {
		case <-woken:
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("wake never reached listener")
		}
	}
}

func TestEventPumpRelaysToBroker(t *testing.T) {
	relay, _ := testRelay(t)

	broker := events.NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)), 16)
	defer broker.Close()
	sub := broker.Subscribe("client", events.TopicJobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.RunEventPump(ctx, broker)

	evt := events.JobEvent(models.Job{ID: "j1", Type: "images.fetch", Status: models.StatusCompleted})

	// Publish until the pump's subscription is live and delivers.
	deadline := time.Now().Add(2 * time.Second)
	for {
		relay.Publish(evt)
		select {
		case got := <-sub.C():
			if got.JobID != "j1" || got.Kind != events.KindJob {
				t.Fatalf("relayed event = %+v", got)
			}
			if got.Job == nil || got.Job.Status != models.StatusCompleted {
				t.Fatalf("relayed job = %+v", got.Job)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("event never relayed")
		}
	}
}

func TestPublishSwallowsRedisErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	relay := NewRelay(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mr.Close()
	// Must not panic or block; live events are best-effort.
	relay.Publish(events.JobEvent(models.Job{ID: "j1"}))
	if err := relay.Wake(context.Background()); err == nil {
		t.Error("wake against a down redis returned nil error")
	}
}
