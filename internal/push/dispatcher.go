package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"castgate/internal/observability/metrics"
)

// Sender performs one push delivery and reports the push service's status
// code. It exists so tests can swap the real web-push client out.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) (int, error)
}

// NewWebpushSender returns the VAPID-authenticated production sender.
// Subscriber is the contact address push services may use (mailto: or https:).
func NewWebpushSender(vapidPublicKey, vapidPrivateKey, subscriber string) Sender {
	return &webpushSender{
		publicKey:  vapidPublicKey,
		privateKey: vapidPrivateKey,
		subscriber: subscriber,
	}
}

type webpushSender struct {
	publicKey  string
	privateKey string
	subscriber string
}

func (s *webpushSender) Send(ctx context.Context, sub Subscription, payload []byte) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             60,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Config wires a Dispatcher. A nil Sender leaves push unconfigured: every
// Send becomes a silent no-op, so call sites never branch on availability.
type Config struct {
	Store   Store
	Sender  Sender
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Dispatcher sends notifications to stored subscriptions. All delivery is
// best-effort: failures are logged, gone endpoints are pruned, and nothing
// ever propagates to the caller as an error.
type Dispatcher struct {
	store   Store
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	return &Dispatcher{
		store:   cfg.Store,
		sender:  cfg.Sender,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Configured reports whether a sender is installed.
func (d *Dispatcher) Configured() bool {
	return d.sender != nil
}

// Store exposes the subscription store for the registration handlers.
func (d *Dispatcher) Store() Store {
	return d.store
}

// Send delivers one notification to the given user. No-op when push is
// unconfigured or the user has no subscription.
func (d *Dispatcher) Send(ctx context.Context, userID, title, body string, data map[string]any) {
	if !d.Configured() {
		d.metrics.ObservePushDelivery("skipped")
		return
	}
	sub, ok, err := d.store.Get(ctx, userID)
	if err != nil {
		d.logger.Warn("push subscription lookup failed", "user_id", userID, "error", err)
		d.metrics.ObservePushDelivery("failed")
		return
	}
	if !ok {
		d.metrics.ObservePushDelivery("skipped")
		return
	}
	d.deliver(ctx, sub, title, body, data)
}

// BroadcastReport summarises a fan-out to every subscription.
type BroadcastReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Broadcast delivers one notification to every stored subscription.
func (d *Dispatcher) Broadcast(ctx context.Context, title, body string, data map[string]any) BroadcastReport {
	if !d.Configured() {
		d.metrics.ObservePushDelivery("skipped")
		return BroadcastReport{}
	}
	subs, err := d.store.List(ctx)
	if err != nil {
		d.logger.Warn("push subscription list failed", "error", err)
		return BroadcastReport{}
	}
	report := BroadcastReport{Total: len(subs)}
	for _, sub := range subs {
		if d.deliver(ctx, sub, title, body, data) {
			report.Sent++
		} else {
			report.Failed++
		}
	}
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, title, body string, data map[string]any) bool {
	payload, err := json.Marshal(map[string]any{
		"title": title,
		"body":  body,
		"data":  data,
	})
	if err != nil {
		d.metrics.ObservePushDelivery("failed")
		return false
	}
	status, err := d.sender.Send(ctx, sub, payload)
	if err != nil {
		d.logger.Warn("push delivery failed", "user_id", sub.UserID, "error", err)
		d.metrics.ObservePushDelivery("failed")
		return false
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		// The push service no longer knows this endpoint; forget it.
		if err := d.store.Delete(ctx, sub.UserID); err != nil {
			d.logger.Warn("push subscription prune failed", "user_id", sub.UserID, "error", err)
		}
		d.metrics.ObservePushDelivery("pruned")
		return false
	case status >= 200 && status < 300:
		d.metrics.ObservePushDelivery("sent")
		return true
	default:
		d.logger.Warn("push delivery rejected", "user_id", sub.UserID, "status", fmt.Sprint(status))
		d.metrics.ObservePushDelivery("failed")
		return false
	}
}
