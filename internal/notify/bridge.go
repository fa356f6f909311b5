// Package notify connects the realtime event queue to the push dispatcher:
// when a broadcast goes live, every push subscriber gets a notification.
package notify

import (
	"context"
	"log/slog"

	"castgate/internal/hub"
	"castgate/internal/push"
)

// Config wires a Bridge.
type Config struct {
	Queue      hub.Queue
	Dispatcher *push.Dispatcher
	Logger     *slog.Logger
}

// Bridge consumes queue events and turns the relevant ones into push
// notifications. Everything is best-effort; a failed push never affects the
// live pipeline.
type Bridge struct {
	queue      hub.Queue
	dispatcher *push.Dispatcher
	logger     *slog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		queue:      cfg.Queue,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}
}

// Run consumes events until the context is cancelled or the subscription
// closes. It always returns nil on normal shutdown so an errgroup join does
// not treat it as a failure.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			b.handle(ctx, event)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, event hub.Event) {
	if event.Type != hub.EventLiveStarted {
		return
	}
	if !b.dispatcher.Configured() {
		return
	}
	data := map[string]any{
		"url":     event.String("stream_url"),
		"live_id": event.String("live_id"),
	}
	report := b.dispatcher.Broadcast(ctx, "Live now", "A broadcast just started.", data)
	b.logger.Info("live notification dispatched",
		"sent", report.Sent, "failed", report.Failed, "total", report.Total)
}
