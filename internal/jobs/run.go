package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/executor"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/registration"
	"github.com/JakeFAU/bulk-registrar/internal/sheet"
)

// run is the cancel token of a job with an active runner.
type run struct {
	cancelled atomic.Bool
}

// Start queues a validated PENDING job.
func (m *Manager) Start(ctx context.Context, owner, jobID string) (registrar.Job, error) {
	job, err := m.Get(ctx, owner, jobID)
	if err != nil {
		return registrar.Job{}, err
	}
	if job.Status != registrar.JobPending {
		return job, &registrar.TransitionError{Kind: "job", From: string(job.Status), To: string(registrar.JobUploading)}
	}
	if !job.Validated || len(job.ValidationErrors) > 0 {
		return job, fmt.Errorf("job %s: %w", jobID, registrar.ErrValidationFailed)
	}

	m.mu.Lock()
	if _, ok := m.queued[jobID]; ok {
		m.mu.Unlock()
		return job, fmt.Errorf("job %s already queued: %w", jobID, registrar.ErrConflict)
	}
	m.queued[jobID] = struct{}{}
	m.mu.Unlock()

	item := registrar.QueueItem{
		Kind:      registrar.KindJob,
		JobID:     jobID,
		Owner:     owner,
		Submitted: m.clock.Now().UnixNano(),
	}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		m.mu.Lock()
		delete(m.queued, jobID)
		m.mu.Unlock()
		return job, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	m.logger.Info("job queued", zap.String("job_id", jobID), zap.String("owner", owner))
	return job, nil
}

// Handle runs a queued job to a terminal state. Row failures never fail the
// job.
func (m *Manager) Handle(ctx context.Context, item registrar.QueueItem) error {
	r := &run{}
	m.mu.Lock()
	delete(m.queued, item.JobID)
	m.runs[item.JobID] = r
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.runs, item.JobID)
		m.mu.Unlock()
	}()

	job, err := m.transition(ctx, item.JobID, registrar.JobUploading, nil)
	if err != nil {
		if errors.Is(err, registrar.ErrInvalidTransition) || errors.Is(err, registrar.ErrNotFound) {
			m.logger.Info("skipping job that is no longer runnable",
				zap.String("job_id", item.JobID), zap.Error(err))
			return nil
		}
		return err
	}

	units, err := m.prepare(ctx, job)
	if err != nil {
		_, ferr := m.fail(ctx, job.ID, err.Error())
		return ferr
	}
	if r.cancelled.Load() {
		return m.finish(ctx, job.ID, registrar.JobCancelled, "")
	}

	if _, err := m.transition(ctx, job.ID, registrar.JobRunning, nil); err != nil {
		return err
	}
	group := m.pool.Group(func() bool { return !r.cancelled.Load() && ctx.Err() == nil })
	for _, unit := range units {
		if r.cancelled.Load() || ctx.Err() != nil {
			break
		}
		err := group.Go(ctx, func(ctx context.Context) {
			if _, err := m.exec.Execute(ctx, unit); err != nil {
				m.logger.Error("persist row result failed",
					zap.String("job_id", unit.JobID),
					zap.Int("row", unit.RowIndex),
					zap.Error(err))
			}
		})
		if err != nil {
			break
		}
	}
	group.Wait()

	switch {
	case r.cancelled.Load():
		return m.finish(ctx, job.ID, registrar.JobCancelled, "")
	case ctx.Err() != nil:
		return m.finish(ctx, job.ID, registrar.JobFailed, "interrupted by shutdown")
	default:
		return m.finish(ctx, job.ID, registrar.JobCompleted, "")
	}
}

// Cancel stops a job. A job with an active runner is flagged and finishes
// its in-flight rows first; any other job is cancelled directly.
func (m *Manager) Cancel(ctx context.Context, owner, jobID string) (registrar.Job, error) {
	job, err := m.Get(ctx, owner, jobID)
	if err != nil {
		return registrar.Job{}, err
	}
	if job.Status.Terminal() {
		return job, &registrar.TransitionError{Kind: "job", From: string(job.Status), To: string(registrar.JobCancelled)}
	}

	m.mu.Lock()
	r, active := m.runs[jobID]
	if active {
		r.cancelled.Store(true)
	}
	delete(m.queued, jobID)
	m.mu.Unlock()

	if active {
		job, err = m.jobs.UpdateJob(ctx, jobID, func(j *registrar.Job) error {
			if j.Status.Terminal() {
				return nil
			}
			j.CancelRequested = true
			return nil
		})
		if err != nil {
			return job, fmt.Errorf("flag job %s cancelled: %w", jobID, err)
		}
		m.logger.Info("job cancel requested", zap.String("job_id", jobID))
		return job, nil
	}

	job, err = m.transition(ctx, jobID, registrar.JobCancelled, func(j *registrar.Job) {
		j.CancelRequested = true
	})
	if err != nil {
		return job, err
	}
	m.release(ctx, job.Owner, job.ReservedQuota-job.SuccessCount)
	return job, nil
}

// finish sets the terminal state and releases the unused reservation.
func (m *Manager) finish(ctx context.Context, jobID string, to registrar.JobStatus, message string) error {
	ctx = context.WithoutCancel(ctx)
	job, err := m.transition(ctx, jobID, to, func(j *registrar.Job) {
		if message != "" {
			j.ErrorMessage = message
		}
	})
	if err != nil {
		return err
	}
	m.release(ctx, job.Owner, job.ReservedQuota-job.SuccessCount)
	m.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("total", job.TotalRows),
		zap.Int("success", job.SuccessCount),
		zap.Int("failure", job.FailureCount),
	)
	return nil
}

// prepare loads the rows of an UPLOADING job and stages local images.
func (m *Manager) prepare(ctx context.Context, job registrar.Job) ([]executor.Unit, error) {
	rows, productIDs, err := m.rows(ctx, job)
	if err != nil {
		return nil, err
	}
	var cred registrar.Credential
	if !job.DryRun {
		if cred, err = m.credential(ctx, job.Owner, job.CredentialID); err != nil {
			return nil, err
		}
	}
	var images map[string]string
	if !job.DryRun {
		if images, err = m.stageImages(ctx, job.Owner, cred, rows); err != nil {
			return nil, err
		}
	}
	units := make([]executor.Unit, len(rows))
	for i, row := range rows {
		units[i] = executor.Unit{
			JobID:      job.ID,
			RowIndex:   i,
			Row:        row,
			Credential: cred,
			DryRun:     job.DryRun,
			Images:     images,
		}
		if productIDs != nil {
			units[i].CrawledProductID = productIDs[i]
		}
	}
	return units, nil
}

func (m *Manager) rows(ctx context.Context, job registrar.Job) ([]registrar.Row, []string, error) {
	if len(job.ProductIDs) > 0 {
		products, err := m.loadProducts(ctx, job.Owner, job.ProductIDs)
		if err != nil {
			return nil, nil, err
		}
		return productRows(products), job.ProductIDs, nil
	}
	data, err := m.blobs.GetObject(ctx, job.SourceFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load upload: %w", err)
	}
	rows, err := sheet.Read(job.SourceFile, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("parse upload: %w", err)
	}
	if len(rows) != job.TotalRows {
		return nil, nil, fmt.Errorf("upload changed: %d rows, validated %d", len(rows), job.TotalRows)
	}
	return rows, nil, nil
}

// stageImages uploads every distinct local image reference once.
func (m *Manager) stageImages(
	ctx context.Context,
	owner string,
	cred registrar.Credential,
	rows []registrar.Row,
) (map[string]string, error) {
	staged := make(map[string]string)
	for _, row := range rows {
		for _, ref := range registration.ImageRefs(row) {
			if _, ok := staged[ref]; ok {
				continue
			}
			data, err := m.blobs.GetObject(ctx, imageKey(owner, ref))
			if err != nil {
				return nil, fmt.Errorf("image %s: %w", ref, err)
			}
			if m.images == nil {
				return nil, fmt.Errorf("image %s: no uploader configured", ref)
			}
			url, err := m.images.UploadImage(ctx, cred, ref, data)
			if err != nil {
				return nil, fmt.Errorf("upload image %s: %w", ref, err)
			}
			staged[ref] = url
		}
	}
	return staged, nil
}
