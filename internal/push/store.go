// Package push delivers best-effort web-push notifications to registered
// subscribers. Delivery failures never propagate to the triggering caller;
// endpoints the push service reports as gone are pruned from the store.
package push

import (
	"context"
	"sync"
	"time"
)

// Subscription is the stored delivery descriptor for one user. Endpoint and
// the two keys come straight from the browser's PushSubscription object.
type Subscription struct {
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store keeps subscriptions keyed by user. Save overwrites, Delete tolerates
// missing entries.
type Store interface {
	Save(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, userID string) (Subscription, bool, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]Subscription, error)
}

// NewMemoryStore returns the default single-process store.
func NewMemoryStore() Store {
	return &memoryStore{subs: make(map[string]Subscription)}
}

type memoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func (s *memoryStore) Save(_ context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.UpdatedAt = time.Now().UTC()
	s.subs[sub.UserID] = sub
	return nil
}

func (s *memoryStore) Get(_ context.Context, userID string) (Subscription, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[userID]
	return sub, ok, nil
}

func (s *memoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, userID)
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs, nil
}
