package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// SubscriptionStore is a single-writer subscription store. All updates are
// serialized by one mutex.
type SubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]registrar.Subscription
}

// NewSubscriptionStore constructs a SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]registrar.Subscription)}
}

// GetSubscription returns the user's subscription.
func (s *SubscriptionStore) GetSubscription(_ context.Context, userID string) (registrar.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return registrar.Subscription{}, fmt.Errorf("subscription for %s: %w", userID, registrar.ErrNotFound)
	}
	return sub.Clone(), nil
}

// UpdateSubscription runs fn on a copy and stores it when fn succeeds.
func (s *SubscriptionStore) UpdateSubscription(
	_ context.Context,
	userID string,
	fn func(*registrar.Subscription) error,
) (registrar.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.subs[userID]
	if !ok {
		current = registrar.Subscription{UserID: userID}
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current.Clone(), err
	}
	if !ok && next.ID == "" {
		return next, nil
	}
	next.UserID = userID
	s.subs[userID] = next
	return next.Clone(), nil
}

// ListUsersDue returns users whose usage window closed at or before now.
func (s *SubscriptionStore) ListUsersDue(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, sub := range s.subs {
		if !sub.UsageResetAt.IsZero() && !sub.UsageResetAt.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListUsersExpired returns users whose paid period ended and is not renewing.
func (s *SubscriptionStore) ListUsersExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, sub := range s.subs {
		if sub.EndsAt != nil && sub.EndsAt.Before(now) && !sub.AutoRenew {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
