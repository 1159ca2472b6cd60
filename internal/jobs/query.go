package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/sheet"
)

// Paging bounds for listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Get returns the owner's job. Jobs of other owners are reported as not
// found.
func (m *Manager) Get(ctx context.Context, owner, jobID string) (registrar.Job, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return registrar.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.Owner != owner {
		return registrar.Job{}, fmt.Errorf("job %s: %w", jobID, registrar.ErrNotFound)
	}
	return job, nil
}

// List returns one page of the owner's jobs, newest first, plus the total.
func (m *Manager) List(ctx context.Context, owner string, page registrar.Page) ([]registrar.Job, int, error) {
	jobs, total, err := m.jobs.ListJobs(ctx, owner, page.Normalize(DefaultPageSize, MaxPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// Results returns one page of row results, optionally only successes or
// only failures.
func (m *Manager) Results(
	ctx context.Context,
	owner string,
	jobID string,
	page registrar.Page,
	success *bool,
) ([]registrar.ProductResult, int, error) {
	if _, err := m.Get(ctx, owner, jobID); err != nil {
		return nil, 0, err
	}
	results, total, err := m.jobs.ListResults(ctx, jobID, registrar.ResultFilter{
		Success: success,
		Page:    page.Normalize(DefaultPageSize, MaxPageSize),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	return results, total, nil
}

// Export renders every result of the job as XLSX.
func (m *Manager) Export(ctx context.Context, owner, jobID string) ([]byte, error) {
	if _, err := m.Get(ctx, owner, jobID); err != nil {
		return nil, err
	}
	results, _, err := m.jobs.ListResults(ctx, jobID, registrar.ResultFilter{})
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	data, err := sheet.WriteResults(results)
	if err != nil {
		return nil, fmt.Errorf("export job %s: %w", jobID, err)
	}
	return data, nil
}

// Delete removes a job that is not active. A PENDING job gives back its
// reservation.
func (m *Manager) Delete(ctx context.Context, owner, jobID string) error {
	job, err := m.Get(ctx, owner, jobID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, running := m.runs[jobID]
	delete(m.queued, jobID)
	m.mu.Unlock()
	if running || job.Status.Active() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, registrar.ErrJobActive)
	}
	if err := m.jobs.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if job.Status == registrar.JobPending {
		m.release(ctx, owner, job.ReservedQuota)
	}
	m.logger.Info("job deleted", zap.String("job_id", jobID), zap.String("owner", owner))
	return nil
}
