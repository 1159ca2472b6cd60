package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// ScheduleStore keeps crawl schedules in memory.
type ScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]registrar.CrawlSchedule
}

// NewScheduleStore constructs a ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{schedules: make(map[string]registrar.CrawlSchedule)}
}

func cloneSchedule(s registrar.CrawlSchedule) registrar.CrawlSchedule {
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		s.LastRunAt = &t
	}
	return s
}

// CreateSchedule stores a new schedule.
func (s *ScheduleStore) CreateSchedule(_ context.Context, schedule registrar.CrawlSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s: %w", schedule.ID, registrar.ErrConflict)
	}
	s.schedules[schedule.ID] = cloneSchedule(schedule)
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *ScheduleStore) GetSchedule(_ context.Context, scheduleID string) (registrar.CrawlSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return registrar.CrawlSchedule{}, fmt.Errorf("schedule %s: %w", scheduleID, registrar.ErrNotFound)
	}
	return cloneSchedule(schedule), nil
}

// UpdateSchedule applies fn to a copy and stores it only when fn succeeds.
func (s *ScheduleStore) UpdateSchedule(
	_ context.Context,
	scheduleID string,
	fn func(*registrar.CrawlSchedule) error,
) (registrar.CrawlSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return registrar.CrawlSchedule{}, fmt.Errorf("schedule %s: %w", scheduleID, registrar.ErrNotFound)
	}
	next := cloneSchedule(schedule)
	if err := fn(&next); err != nil {
		return cloneSchedule(schedule), err
	}
	s.schedules[scheduleID] = next
	return cloneSchedule(next), nil
}

// ListSchedules returns the owner's schedules, newest first.
func (s *ScheduleStore) ListSchedules(
	_ context.Context,
	owner string,
	page registrar.Page,
) ([]registrar.CrawlSchedule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.CrawlSchedule
	for _, schedule := range s.schedules {
		if schedule.Owner == owner {
			out = append(out, cloneSchedule(schedule))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page), len(out), nil
}

// DeleteSchedule removes a schedule.
func (s *ScheduleStore) DeleteSchedule(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[scheduleID]; !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, registrar.ErrNotFound)
	}
	delete(s.schedules, scheduleID)
	return nil
}

// CountActiveSchedules counts the owner's active schedules.
func (s *ScheduleStore) CountActiveSchedules(_ context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, schedule := range s.schedules {
		if schedule.Owner == owner && schedule.Active {
			n++
		}
	}
	return n, nil
}

// ListDueSchedules returns active schedules due at now, oldest due first.
func (s *ScheduleStore) ListDueSchedules(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []registrar.CrawlSchedule
	for _, schedule := range s.schedules {
		if schedule.Active && !schedule.NextRunAt.After(now) {
			due = append(due, schedule)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	ids := make([]string, len(due))
	for i, schedule := range due {
		ids[i] = schedule.ID
	}
	return ids, nil
}
