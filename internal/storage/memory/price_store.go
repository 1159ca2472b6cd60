package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type listingKey struct {
	owner string
	url   string
}

// PriceStore keeps price history and alerts in memory.
type PriceStore struct {
	mu      sync.RWMutex
	history map[listingKey][]registrar.PricePoint
	alerts  map[string]registrar.PriceAlert
}

// NewPriceStore constructs a PriceStore.
func NewPriceStore() *PriceStore {
	return &PriceStore{
		history: make(map[listingKey][]registrar.PricePoint),
		alerts:  make(map[string]registrar.PriceAlert),
	}
}

func cloneAlert(a registrar.PriceAlert) registrar.PriceAlert {
	if a.TriggeredAt != nil {
		t := *a.TriggeredAt
		a.TriggeredAt = &t
	}
	return a
}

// RecordPrice appends point to its listing history. Points are kept in
// insertion order, which is check order.
func (s *PriceStore) RecordPrice(_ context.Context, point registrar.PricePoint) (registrar.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey{owner: point.Owner, url: point.SourceURL}
	points := s.history[key]
	if n := len(points); n > 0 {
		point.Follow(points[n-1])
	}
	s.history[key] = append(points, point)
	return point, nil
}

// ListPrices returns a listing's history, newest first.
func (s *PriceStore) ListPrices(
	_ context.Context,
	owner, sourceURL string,
	page registrar.Page,
) ([]registrar.PricePoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.history[listingKey{owner: owner, url: sourceURL}]
	out := make([]registrar.PricePoint, len(points))
	for i, p := range points {
		out[len(points)-1-i] = p
	}
	return paginate(out, page), len(out), nil
}

// CreateAlert stores a new alert.
func (s *PriceStore) CreateAlert(_ context.Context, alert registrar.PriceAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return fmt.Errorf("price alert %s: %w", alert.ID, registrar.ErrConflict)
	}
	s.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

// GetAlert fetches an alert by ID.
func (s *PriceStore) GetAlert(_ context.Context, alertID string) (registrar.PriceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return registrar.PriceAlert{}, fmt.Errorf("price alert %s: %w", alertID, registrar.ErrNotFound)
	}
	return cloneAlert(alert), nil
}

// UpdateAlert applies fn to a copy and stores it only when fn succeeds.
func (s *PriceStore) UpdateAlert(
	_ context.Context,
	alertID string,
	fn func(*registrar.PriceAlert) error,
) (registrar.PriceAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return registrar.PriceAlert{}, fmt.Errorf("price alert %s: %w", alertID, registrar.ErrNotFound)
	}
	next := cloneAlert(alert)
	if err := fn(&next); err != nil {
		return cloneAlert(alert), err
	}
	s.alerts[alertID] = next
	return cloneAlert(next), nil
}

// ListAlerts returns the owner's alerts, newest first.
func (s *PriceStore) ListAlerts(
	_ context.Context,
	owner string,
	page registrar.Page,
) ([]registrar.PriceAlert, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.PriceAlert
	for _, alert := range s.alerts {
		if alert.Owner == owner {
			out = append(out, cloneAlert(alert))
		}
	}
	sortAlerts(out)
	return paginate(out, page), len(out), nil
}

func sortAlerts(alerts []registrar.PriceAlert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID > alerts[j].ID
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}

// DeleteAlert removes an alert.
func (s *PriceStore) DeleteAlert(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alertID]; !ok {
		return fmt.Errorf("price alert %s: %w", alertID, registrar.ErrNotFound)
	}
	delete(s.alerts, alertID)
	return nil
}

// CountActiveAlerts counts the owner's active alerts.
func (s *PriceStore) CountActiveAlerts(_ context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, alert := range s.alerts {
		if alert.Owner == owner && alert.Active {
			n++
		}
	}
	return n, nil
}

// ListActiveAlerts returns the owner's active alerts on sourceURL.
func (s *PriceStore) ListActiveAlerts(_ context.Context, owner, sourceURL string) ([]registrar.PriceAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.PriceAlert
	for _, alert := range s.alerts {
		if alert.Owner == owner && alert.SourceURL == sourceURL && alert.Active {
			out = append(out, cloneAlert(alert))
		}
	}
	sortAlerts(out)
	return out, nil
}
