package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// JobStore provides an in-memory JobStore for development/testing.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]registrar.Job
	results map[string][]registrar.ProductResult
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]registrar.Job),
		results: make(map[string][]registrar.ProductResult),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job registrar.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, registrar.ErrConflict)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (registrar.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return registrar.Job{}, fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	return cloneJob(job), nil
}

// UpdateJob applies fn to a copy and stores it only when fn succeeds.
func (s *JobStore) UpdateJob(
	_ context.Context,
	jobID string,
	fn func(*registrar.Job) error,
) (registrar.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return registrar.Job{}, fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	next := cloneJob(job)
	if err := fn(&next); err != nil {
		return cloneJob(job), err
	}
	s.jobs[jobID] = next
	return cloneJob(next), nil
}

// ListJobs returns the owner's jobs, newest first.
func (s *JobStore) ListJobs(_ context.Context, owner string, page registrar.Page) ([]registrar.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.Job
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, cloneJob(job))
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

// DeleteJob removes a job and its results.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	delete(s.jobs, jobID)
	delete(s.results, jobID)
	return nil
}

// RecordResult appends a result and updates the job counters together.
func (s *JobStore) RecordResult(_ context.Context, result registrar.ProductResult) (registrar.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[result.JobID]
	if !ok {
		return registrar.Job{}, fmt.Errorf("job %s: %w", result.JobID, registrar.ErrNotFound)
	}
	if job.Status != registrar.JobRunning {
		return cloneJob(job), fmt.Errorf("record result for %s job: %w", job.Status, registrar.ErrInvalidTransition)
	}
	if job.ProcessedRows >= job.TotalRows {
		return cloneJob(job), fmt.Errorf("job %s already processed %d rows: %w",
			job.ID, job.ProcessedRows, registrar.ErrConflict)
	}
	for _, existing := range s.results[job.ID] {
		if existing.RowIndex == result.RowIndex {
			return cloneJob(job), fmt.Errorf("row %d already recorded: %w", result.RowIndex, registrar.ErrConflict)
		}
	}
	s.results[job.ID] = append(s.results[job.ID], result)
	job.ProcessedRows++
	if result.Success {
		job.SuccessCount++
	} else {
		job.FailureCount++
	}
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

// ListResults returns a job's results ordered by row index.
func (s *JobStore) ListResults(
	_ context.Context,
	jobID string,
	filter registrar.ResultFilter,
) ([]registrar.ProductResult, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, 0, fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	out := make([]registrar.ProductResult, 0, len(s.results[jobID]))
	for _, r := range s.results[jobID] {
		if filter.Success != nil && r.Success != *filter.Success {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return paginate(out, filter.Page), len(out), nil
}

func cloneJob(job registrar.Job) registrar.Job {
	cp := job
	cp.ValidationErrors = append([]registrar.Issue(nil), job.ValidationErrors...)
	cp.ValidationWarnings = append([]registrar.Issue(nil), job.ValidationWarnings...)
	cp.ProductIDs = append([]string(nil), job.ProductIDs...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}
