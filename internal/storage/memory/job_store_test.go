package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func runningJob(t *testing.T, store *JobStore, id string, rows int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, registrar.Job{
		ID: id, Owner: "u1", Status: registrar.JobRunning, TotalRows: rows, CreatedAt: time.Now(),
	}))
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := registrar.Job{
		ID:               "job-1",
		Owner:            "u1",
		Status:           registrar.JobPending,
		ValidationErrors: []registrar.Issue{{Row: 2, Field: "sale_price", Message: "required"}},
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), registrar.ErrConflict)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	got.ValidationErrors[0].Message = "mutated"
	again, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "required", again.ValidationErrors[0].Message)

	_, err = store.UpdateJob(ctx, "job-1", func(j *registrar.Job) error {
		j.ErrorMessage = "should not persist"
		return registrar.ErrInvalidTransition
	})
	require.ErrorIs(t, err, registrar.ErrInvalidTransition)
	again, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Empty(t, again.ErrorMessage)

	require.NoError(t, store.DeleteJob(ctx, "job-1"))
	_, err = store.GetJob(ctx, "job-1")
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestJobStoreRecordResultKeepsCounters(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	runningJob(t, store, "job-2", 50)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(row int) {
			defer wg.Done()
			_, err := store.RecordResult(ctx, registrar.ProductResult{
				ID: fmt.Sprintf("r-%d", row), JobID: "job-2", RowIndex: row + 2, Success: row%3 != 0,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	job, err := store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, 50, job.ProcessedRows)
	require.Equal(t, job.ProcessedRows, job.SuccessCount+job.FailureCount)
	require.Equal(t, 17, job.FailureCount)

	_, err = store.RecordResult(ctx, registrar.ProductResult{JobID: "job-2", RowIndex: 2})
	require.ErrorIs(t, err, registrar.ErrConflict)
}

func TestJobStoreRecordResultRejectsDuplicatesAndFrozenJobs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	runningJob(t, store, "job-3", 5)

	_, err := store.RecordResult(ctx, registrar.ProductResult{JobID: "job-3", RowIndex: 2, Success: true})
	require.NoError(t, err)
	_, err = store.RecordResult(ctx, registrar.ProductResult{JobID: "job-3", RowIndex: 2, Success: true})
	require.ErrorIs(t, err, registrar.ErrConflict)

	_, err = store.UpdateJob(ctx, "job-3", func(j *registrar.Job) error {
		return registrar.TransitionJob(j, registrar.JobCompleted, time.Now())
	})
	require.NoError(t, err)
	_, err = store.RecordResult(ctx, registrar.ProductResult{JobID: "job-3", RowIndex: 3})
	require.ErrorIs(t, err, registrar.ErrInvalidTransition)
}

func TestJobStoreListResultsFilterAndPage(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	runningJob(t, store, "job-4", 6)
	for _, row := range []int{7, 3, 5, 2, 6, 4} {
		_, err := store.RecordResult(ctx, registrar.ProductResult{JobID: "job-4", RowIndex: row, Success: row%2 == 0})
		require.NoError(t, err)
	}

	all, total, err := store.ListResults(ctx, "job-4", registrar.ResultFilter{})
	require.NoError(t, err)
	require.Equal(t, 6, total)
	require.Equal(t, 2, all[0].RowIndex)
	require.Equal(t, 7, all[5].RowIndex)

	failed := false
	page, total, err := store.ListResults(ctx, "job-4", registrar.ResultFilter{
		Success: &failed,
		Page:    registrar.Page{Number: 2, Size: 2},
	})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 1)
	require.Equal(t, 7, page[0].RowIndex)

	_, _, err = store.ListResults(ctx, "missing", registrar.ResultFilter{})
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestJobStoreListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, store.CreateJob(ctx, registrar.Job{
			ID: fmt.Sprintf("j%d", i), Owner: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.CreateJob(ctx, registrar.Job{ID: "other", Owner: "u2"}))

	jobs, total, err := store.ListJobs(ctx, "u1", registrar.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"j2", "j1"}, []string{jobs[0].ID, jobs[1].ID})
}
