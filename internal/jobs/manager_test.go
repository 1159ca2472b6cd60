package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/clock/system"
	"github.com/JakeFAU/bulk-registrar/internal/executor"
	"github.com/JakeFAU/bulk-registrar/internal/hash/sha256"
	queuememory "github.com/JakeFAU/bulk-registrar/internal/queue/memory"
	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/registration"
	"github.com/JakeFAU/bulk-registrar/internal/storage/memory"
	"github.com/JakeFAU/bulk-registrar/internal/worker"
)

const owner = "user-1"

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.n.Add(1)), nil
}

// fakeAPI registers every product except names starting with "bad".
type fakeAPI struct {
	mu       sync.Mutex
	calls    int
	uploads  []string
	block    chan struct{}
	started  chan struct{}
	startOne sync.Once
}

func (a *fakeAPI) RegisterProduct(
	_ context.Context,
	_ registrar.Credential,
	payload registration.Payload,
) (string, error) {
	if a.block != nil {
		a.startOne.Do(func() { close(a.started) })
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	name := payload.OriginProduct.Name
	if strings.HasPrefix(name, "bad") {
		return "", &registrar.PermanentError{StatusCode: 400, Err: errors.New("rejected " + name)}
	}
	return "ext-" + name, nil
}

func (a *fakeAPI) UploadImage(_ context.Context, _ registrar.Credential, name string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, name)
	return "https://cdn.example.com/" + name, nil
}

type harness struct {
	mgr    *Manager
	jobs   *memory.JobStore
	crawls *memory.CrawlStore
	blobs  *memory.BlobStore
	queue  *queuememory.Queue
	meter  *quota.Meter
	api    *fakeAPI
}

func newHarness(t *testing.T, queueDepth int) *harness {
	t.Helper()
	clock := system.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	ids := &seqIDs{}
	jobs := memory.NewJobStore()
	crawls := memory.NewCrawlStore()
	creds := memory.NewCredentialStore()
	blobs := memory.NewBlobStore()
	queue := queuememory.NewQueue(queueDepth)
	meter := quota.NewMeter(quota.Config{}, memory.NewSubscriptionStore(), quota.DefaultCatalog(), clock, ids, nil, nil)
	api := &fakeAPI{}
	policy := registrar.NewRetryPolicy(3, time.Millisecond, time.Millisecond)
	exec := executor.New(api, jobs, crawls, policy, clock, ids, nil)

	require.NoError(t, creds.CreateCredential(context.Background(), registrar.Credential{
		ID: "cred-1", Owner: owner, Name: "store", ClientID: "cid", ClientSecret: "secret",
	}))

	mgr := New(Deps{
		Jobs:        jobs,
		Products:    crawls,
		Credentials: creds,
		Blobs:       blobs,
		Hasher:      sha256.New(),
		Meter:       meter,
		Executor:    exec,
		Images:      api,
		Queue:       queue,
		Pool:        worker.New("rows", 2, nil),
		Clock:       clock,
		IDs:         ids,
	}, nil)
	return &harness{mgr: mgr, jobs: jobs, crawls: crawls, blobs: blobs, queue: queue, meter: meter, api: api}
}

func csvUpload(names ...string) []byte {
	var b strings.Builder
	b.WriteString("상품명,카테고리ID,판매가,재고수량,대표이미지\n")
	for _, n := range names {
		fmt.Fprintf(&b, "%s,50000803,12000,5,\n", n)
	}
	return []byte(b.String())
}

func (h *harness) usage(t *testing.T) int {
	t.Helper()
	snap, err := h.meter.UsageSnapshot(context.Background(), owner)
	require.NoError(t, err)
	return snap.Features[registrar.FeatureRegistrations].Current
}

// runQueued dequeues the next item and handles it synchronously.
func (h *harness) runQueued(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Handle(context.Background(), item))
}

func TestCreateValidUploadReservesQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	job, err := h.mgr.Create(context.Background(), CreateInput{
		Owner: owner, CredentialID: "cred-1", FileName: "products.csv", Data: csvUpload("mug", "cup"),
	})
	require.NoError(t, err)
	require.Equal(t, registrar.JobPending, job.Status)
	require.True(t, job.Validated)
	require.Empty(t, job.ValidationErrors)
	require.Equal(t, 2, job.TotalRows)
	require.Equal(t, 2, job.ReservedQuota)
	require.True(t, strings.HasPrefix(job.SourceFile, "uploads/"+owner+"/"))
	require.Equal(t, 2, h.usage(t))

	stored, err := h.blobs.GetObject(context.Background(), job.SourceFile)
	require.NoError(t, err)
	require.Equal(t, csvUpload("mug", "cup"), stored)
}

func TestCreateWithBlockingErrorsStaysPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	data := []byte("상품명,카테고리ID,판매가\nmug,50000803,abc\n,50000803,1000\n")
	job, err := h.mgr.Create(context.Background(), CreateInput{
		Owner: owner, CredentialID: "cred-1", FileName: "products.csv", Data: data,
	})
	require.NoError(t, err)
	require.Equal(t, registrar.JobPending, job.Status)
	require.False(t, job.Validated)
	require.NotEmpty(t, job.ValidationErrors)
	require.Equal(t, 2, job.ValidationErrors[0].Row)
	require.Zero(t, h.usage(t))

	_, err = h.mgr.Start(context.Background(), owner, job.ID)
	require.ErrorIs(t, err, registrar.ErrValidationFailed)
}

func TestCreateRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	_, err := h.mgr.Create(context.Background(), CreateInput{
		Owner: owner, CredentialID: "cred-1", FileName: "products.txt", Data: []byte("x"),
	})
	require.ErrorIs(t, err, registrar.ErrUnsupportedFormat)
}

func TestCreateRequiresOwnedCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	_, err := h.mgr.Create(context.Background(), CreateInput{
		Owner: "someone-else", CredentialID: "cred-1", FileName: "p.csv", Data: csvUpload("mug"),
	})
	require.ErrorIs(t, err, registrar.ErrNotFound)

	_, err = h.mgr.Create(context.Background(), CreateInput{
		Owner: owner, FileName: "p.csv", Data: csvUpload("mug"),
	})
	require.ErrorIs(t, err, registrar.ErrInvalidArgument)
}

func TestCreateQuotaDenialFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	names := make([]string, 101)
	for i := range names {
		names[i] = fmt.Sprintf("item%d", i)
	}
	job, err := h.mgr.Create(context.Background(), CreateInput{
		Owner: owner, CredentialID: "cred-1", FileName: "p.csv", Data: csvUpload(names...),
	})
	require.ErrorIs(t, err, registrar.ErrQuotaExceeded)
	require.Equal(t, registrar.JobFailed, job.Status)
	require.NotEmpty(t, job.ErrorMessage)
	require.Zero(t, h.usage(t))
}

func TestRunCompletesRegardlessOfRowFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx := context.Background()
	job, err := h.mgr.Create(ctx, CreateInput{
		Owner: owner, CredentialID: "cred-1", FileName: "p.csv", Data: csvUpload("mug", "bad-cup", "plate"),
	})
	require.NoError(t, err)
	_, err = h.mgr.Start(ctx, owner, job.ID)
	require.NoError(t, err)
	h.runQueued(t)

	job, err = h.mgr.Get(ctx, owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, registrar.JobCompleted, job.Status)
	require.Equal(t, 3, job.ProcessedRows)
	require.Equal(t, 2, job.SuccessCount)
	require.Equal(t, 1, job.FailureCount)
	require.Equal(t, job.ProcessedRows, job.SuccessCount+job.FailureCount)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	require.Equal(t, 2, h.usage(t))

	failed := false
	results, total, err := h.mgr.Results(ctx, owner, job.ID, registrar.Page{}, &failed)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, 1, results[0].RowIndex)
	require.Contains(t, results[0].ErrorMessage, "rejected bad-cup")

	data, err := h.mgr.Export(ctx, owner, job.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "PK"))

	_, err = h.mgr.Cancel(ctx, owner, job.ID)
	require.ErrorIs(t, err, registrar.ErrInvalidTransition)
}

func TestDryRunSkipsQuotaAndAPI(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx := context.Background()
	job, err := h.mgr.Create(ctx, CreateInput{
		Owner: owner, FileName: "p.csv", Data: csvUpload("mug"), DryRun: true,
	})
	require.NoError(t, err)
	require.Zero(t, job.ReservedQuota)
	_, err = h.mgr.Start(ctx, owner, job.ID)
	require.NoError(t, err)
	h.runQueued(t)

	results, _, err := h.mgr.Results(ctx, owner, job.ID, registrar.Page{}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, executor.DryRunProductID, results[0].ExternalProductID)
	require.Zero(t, h.api.calls)
	require.Zero(t, h.usage(t))
}

func TestStartRejectsDoubleQueueAndFullQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	ctx := context.Background()
	first, err := h.mgr.Create(ctx, CreateInput{Owner: owner, CredentialID: "cred-1", FileName: "a.csv", Data: csvUpload("a")})
	require.NoError(t, err)
	second, err := h.mgr.Create(ctx, CreateInput{Owner: owner, CredentialID: "cred-1", FileName: "b.csv", Data: csvUpload("b")})
	require.NoError(t, err)

	_, err = h.mgr.Start(ctx, owner, first.ID)
	require.NoError(t, err)
	_, err = h.mgr.Start(ctx, owner, first.ID)
	require.ErrorIs(t, err, registrar.ErrConflict)
	_, err = h.mgr.Start(ctx, owner, second.ID)
	require.ErrorIs(t, err, registrar.ErrQueueFull)
}

func TestCancelPendingReleasesQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx := context.Background()
	job, err := h.mgr.Create(ctx, CreateInput{Owner: owner, CredentialID: "cred-1", FileName: "p.csv", Data: csvUpload("a", "b")})
	require.NoError(t, err)
	require.Equal(t, 2, h.usage(t))

	job, err = h.mgr.Cancel(ctx, owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, registrar.JobCancelled, job.Status)
	require.Zero(t, h.usage(t))

	_, err = h.mgr.Get(ctx, "intruder", job.ID)
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestCancelRunningLetsInFlightRowsFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.mgr.pool = worker.New("rows", 1, nil)
	h.api.block = make(chan struct{})
	h.api.started = make(chan struct{})
	ctx := context.Background()
	job, err := h.mgr.Create(ctx, CreateInput{
		Owner: owner, CredentialID: "cred-1", FileName: "p.csv", Data: csvUpload("a", "b", "c"),
	})
	require.NoError(t, err)
	_, err = h.mgr.Start(ctx, owner, job.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runQueued(t)
	}()
	<-h.api.started

	flagged, err := h.mgr.Cancel(ctx, owner, job.ID)
	require.NoError(t, err)
	require.True(t, flagged.CancelRequested)
	require.Equal(t, registrar.JobRunning, flagged.Status)

	require.ErrorIs(t, h.mgr.Delete(ctx, owner, job.ID), registrar.ErrJobActive)

	close(h.api.block)
	<-done

	job, err = h.mgr.Get(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.JobCancelled, job.Status)
	assert.Equal(t, 1, job.ProcessedRows)
	assert.Equal(t, 1, job.SuccessCount)
	assert.Equal(t, job.SuccessCount, h.usage(t))
	h.api.mu.Lock()
	assert.Equal(t, 1, h.api.calls)
	h.api.mu.Unlock()

	require.NoError(t, h.mgr.Delete(ctx, owner, job.ID))
	_, err = h.mgr.Get(ctx, owner, job.ID)
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestImagesAreStagedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx := context.Background()
	_, err := h.mgr.StoreImage(ctx, owner, "main.jpg", []byte("jpeg"))
	require.NoError(t, err)
	data := []byte("상품명,카테고리ID,판매가,대표이미지\nmug,1,1000,main.jpg\ncup,1,1000,main.jpg\n")
	job, err := h.mgr.Create(ctx, CreateInput{Owner: owner, CredentialID: "cred-1", FileName: "p.csv", Data: data})
	require.NoError(t, err)
	require.NotEmpty(t, job.ValidationWarnings)
	_, err = h.mgr.Start(ctx, owner, job.ID)
	require.NoError(t, err)
	h.runQueued(t)

	job, err = h.mgr.Get(ctx, owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, registrar.JobCompleted, job.Status)
	require.Equal(t, []string{"main.jpg"}, h.api.uploads)
}

func TestMissingImageFailsJobAndReleasesQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx := context.Background()
	data := []byte("상품명,카테고리ID,판매가,대표이미지\nmug,1,1000,nowhere.jpg\n")
	job, err := h.mgr.Create(ctx, CreateInput{Owner: owner, CredentialID: "cred-1", FileName: "p.csv", Data: data})
	require.NoError(t, err)
	require.Equal(t, 1, h.usage(t))
	_, err = h.mgr.Start(ctx, owner, job.ID)
	require.NoError(t, err)
	h.runQueued(t)

	job, err = h.mgr.Get(ctx, owner, job.ID)
	require.NoError(t, err)
	require.Equal(t, registrar.JobFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "nowhere.jpg")
	require.Zero(t, h.usage(t))
}

func TestCreateFromProductsMarksRegistered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	ctx := context.Background()
	require.NoError(t, h.crawls.CreateCrawlJob(ctx, registrar.CrawlJob{
		ID: "crawl-1", Owner: owner, Status: registrar.CrawlRunning, TotalItems: 1,
	}))
	_, err := h.crawls.RecordCrawlItem(ctx, "crawl-1", &registrar.CrawledProduct{
		ID: "prod-1", CrawlJobID: "crawl-1", Owner: owner,
		ProductName: "teapot", SalePrice: 15000, CategoryID: "50000803",
		OriginalImages: []string{"https://shop.example.com/t.jpg"},
	})
	require.NoError(t, err)

	_, err = h.mgr.CreateFromProducts(ctx, owner, "cred-1", []string{"prod-1", "ghost"}, false)
	var missing *registrar.MissingIDsError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"ghost"}, missing.IDs)

	job, err := h.mgr.CreateFromProducts(ctx, owner, "cred-1", []string{"prod-1"}, false)
	require.NoError(t, err)
	require.True(t, job.Validated)
	_, err = h.mgr.Start(ctx, owner, job.ID)
	require.NoError(t, err)
	h.runQueued(t)

	p, err := h.crawls.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	require.True(t, p.IsRegistered)
	require.Equal(t, "ext-teapot", p.RegisteredProductID)
}
