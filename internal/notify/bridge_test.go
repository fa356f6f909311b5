package notify

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"castgate/internal/hub"
	"castgate/internal/observability/metrics"
	"castgate/internal/push"
)

type countingSender struct {
	mu   sync.Mutex
	sent int
}

func (c *countingSender) Send(context.Context, push.Subscription, []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return http.StatusCreated, nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func newBridgeFixture(t *testing.T, sender push.Sender) (hub.Queue, *Bridge, context.CancelFunc) {
	t.Helper()
	queue := hub.NewMemoryQueue(8)
	store := push.NewMemoryStore()
	if err := store.Save(context.Background(), push.Subscription{
		UserID:   "u1",
		Endpoint: "https://push.example.test/u1",
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	dispatcher := push.NewDispatcher(push.Config{
		Store:   store,
		Sender:  sender,
		Metrics: metrics.New(),
	})
	bridge := NewBridge(Config{Queue: queue, Dispatcher: dispatcher})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("bridge never stopped")
		}
	})
	return queue, bridge, cancel
}

func TestBridgeNotifiesOnLiveStarted(t *testing.T) {
	sender := &countingSender{}
	queue, _, _ := newBridgeFixture(t, sender)

	// The subscriber needs a moment to attach before the publish.
	time.Sleep(50 * time.Millisecond)
	event := hub.NewEvent(hub.EventLiveStarted, map[string]any{
		"stream_url": "http://example.test/live/index.m3u8",
		"live_id":    "session-1",
	})
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one push delivery, got %d", sender.count())
	}
}

func TestBridgeIgnoresOtherEvents(t *testing.T) {
	sender := &countingSender{}
	queue, _, _ := newBridgeFixture(t, sender)

	time.Sleep(50 * time.Millisecond)
	for _, eventType := range []string{hub.EventViewerCount, hub.EventNewComment, hub.EventLiveEnded} {
		if err := queue.Publish(context.Background(), hub.NewEvent(eventType, map[string]any{"x": 1})); err != nil {
			t.Fatalf("publish %s: %v", eventType, err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no deliveries, got %d", sender.count())
	}
}

func TestBridgeUnconfiguredDispatcherIsSilent(t *testing.T) {
	queue := hub.NewMemoryQueue(8)
	dispatcher := push.NewDispatcher(push.Config{Metrics: metrics.New()})
	bridge := NewBridge(Config{Queue: queue, Dispatcher: dispatcher})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	if err := queue.Publish(context.Background(), hub.NewEvent(hub.EventLiveStarted, map[string]any{"live_id": "s1"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge never stopped")
	}
}
