package crawl

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
	"github.com/JakeFAU/bulk-registrar/internal/crawl/adapters"
	queuememory "github.com/JakeFAU/bulk-registrar/internal/queue/memory"
	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/storage/memory"
	"github.com/JakeFAU/bulk-registrar/internal/worker"
)

const owner = "user-1"

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.n.Add(1)), nil
}

// fakeAdapter lists n items and parses every one except URLs containing
// "broken".
type fakeAdapter struct {
	mu        sync.Mutex
	items     int
	listErr   error
	listCalls int
	parsed    int
	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func (a *fakeAdapter) FetchList(_ context.Context, pageURL string, _ registrar.CrawlConfig) ([]adapters.ItemRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	refs := make([]adapters.ItemRef, 0, a.items)
	for i := range a.items {
		refs = append(refs, adapters.ItemRef{URL: fmt.Sprintf("%s/item/%d", pageURL, i)})
	}
	return refs, nil
}

func (a *fakeAdapter) ParseItem(_ context.Context, ref adapters.ItemRef, _ registrar.CrawlConfig) (adapters.Item, error) {
	if a.block != nil {
		a.startOnce.Do(func() { close(a.started) })
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parsed++
	if strings.Contains(ref.URL, "broken") {
		return adapters.Item{}, &registrar.PermanentError{Err: errors.New("no title")}
	}
	return adapters.Item{
		Title:    "item " + ref.URL,
		Price:    15000,
		Currency: "KRW",
		Images:   []string{ref.URL + ".jpg"},
		URL:      ref.URL,
	}, nil
}

type fakeLookup struct{ adapter adapters.Adapter }

func (l fakeLookup) Lookup(targetType string) (adapters.Adapter, error) {
	switch targetType {
	case adapters.TypeStatic, adapters.TypeDynamic, adapters.TypeAuto:
		return l.adapter, nil
	}
	return nil, fmt.Errorf("%w: %s", registrar.ErrUnsupportedSite, targetType)
}

type harness struct {
	orch    *Orchestrator
	crawls  *memory.CrawlStore
	queue   *queuememory.Queue
	meter   *quota.Meter
	adapter *fakeAdapter
}

func newHarness(t *testing.T, items int) *harness {
	t.Helper()
	clock := system.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	ids := &seqIDs{}
	crawls := memory.NewCrawlStore()
	queue := queuememory.NewQueue(8)
	meter := quota.NewMeter(quota.Config{}, memory.NewSubscriptionStore(), quota.DefaultCatalog(), clock, ids, nil, nil)
	adapter := &fakeAdapter{items: items}
	orch := New(Deps{
		Crawls:   crawls,
		Products: crawls,
		Adapters: fakeLookup{adapter: adapter},
		Meter:    meter,
		Locker:   memory.NewLocker(),
		Queue:    queue,
		Pool:     worker.New("items", 2, nil),
		Policy:   registrar.NewRetryPolicy(3, time.Millisecond, time.Millisecond),
		Clock:    clock,
		IDs:      ids,
	}, nil)
	return &harness{orch: orch, crawls: crawls, queue: queue, meter: meter, adapter: adapter}
}

func (h *harness) create(t *testing.T, autoStart bool) registrar.CrawlJob {
	t.Helper()
	job, err := h.orch.Create(context.Background(), CreateInput{
		Owner:      owner,
		URL:        "https://shop.example.com/list",
		TargetType: adapters.TypeStatic,
		AutoStart:  autoStart,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) runQueued(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, registrar.KindCrawl, item.Kind)
	require.NoError(t, h.orch.Handle(context.Background(), item))
}

func (h *harness) used(t *testing.T, feature registrar.Feature) int {
	t.Helper()
	snap, err := h.meter.UsageSnapshot(context.Background(), owner)
	require.NoError(t, err)
	return snap.Features[feature].Current
}

func TestCreateValidatesInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"relative url", CreateInput{Owner: owner, URL: "/list", TargetType: adapters.TypeStatic}, registrar.ErrInvalidArgument},
		{"ftp url", CreateInput{Owner: owner, URL: "ftp://x.com", TargetType: adapters.TypeStatic}, registrar.ErrInvalidArgument},
		{"unknown type", CreateInput{Owner: owner, URL: "https://x.com", TargetType: "rss"}, registrar.ErrUnsupportedSite},
		{"no owner", CreateInput{URL: "https://x.com", TargetType: adapters.TypeStatic}, registrar.ErrInvalidArgument},
	}
	for _, tc := range cases {
		_, err := h.orch.Create(context.Background(), tc.in)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}
}

func TestCrawlRunsToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	job := h.create(t, true)
	require.Equal(t, registrar.CrawlRunning, job.Status)
	require.Equal(t, 1, h.used(t, registrar.FeatureCrawlJobs))

	h.runQueued(t)

	done, err := h.orch.Get(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCompleted, done.Status)
	assert.Equal(t, 3, done.TotalItems)
	assert.Equal(t, 3, done.CrawledItems)
	assert.Equal(t, 3, done.SuccessCount)
	assert.NotNil(t, done.FinishedAt)

	products, total, err := h.orch.Products(context.Background(), owner, job.ID, registrar.Page{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	for _, p := range products {
		assert.Equal(t, p.OriginalTitle, p.ProductName)
		assert.Equal(t, p.OriginalPrice, p.SalePrice)
		assert.Equal(t, "KRW", p.OriginalCurrency)
		assert.False(t, p.IsRegistered)
	}
}

type observedPrices struct {
	mu       sync.Mutex
	products []registrar.CrawledProduct
}

func (o *observedPrices) Observe(_ context.Context, p registrar.CrawledProduct) ([]registrar.PriceAlert, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.products = append(o.products, p)
	return nil, nil
}

func TestStoredItemsReachPriceObserver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	observer := &observedPrices{}
	h.orch.prices = observer
	job := h.create(t, true)
	h.runQueued(t)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Len(t, observer.products, 3)
	for _, p := range observer.products {
		assert.Equal(t, job.ID, p.CrawlJobID)
		assert.Equal(t, int64(15000), p.OriginalPrice)
		assert.Contains(t, p.OriginalURL, "/item/")
	}
}

func TestCrawlCapsItemsAtPlanLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80)
	job := h.create(t, true)
	h.runQueued(t)

	done, err := h.orch.Get(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCompleted, done.Status)
	assert.Equal(t, 50, done.TotalItems)
	assert.Equal(t, 50, done.SuccessCount)
}

func TestCrawlEmptyListCompletesWithMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	job := h.create(t, true)
	h.runQueued(t)

	done, err := h.orch.Get(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCompleted, done.Status)
	assert.Equal(t, NoResultsMessage, done.ErrorMessage)
	assert.Zero(t, done.TotalItems)
}

func TestCrawlListFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.adapter.listErr = &registrar.TransientError{StatusCode: 503, Err: errors.New("unavailable")}
	job := h.create(t, true)
	h.runQueued(t)

	done, err := h.orch.Get(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "fetch list")
	assert.Equal(t, 3, h.adapter.listCalls)
}

func TestStartEnforcesConcurrentCrawls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.create(t, true)
	second := h.create(t, false)

	_, err := h.orch.Start(context.Background(), owner, second.ID)
	require.ErrorIs(t, err, registrar.ErrConcurrencyLimitExceeded)
	assert.Equal(t, 1, h.used(t, registrar.FeatureCrawlJobs))

	still, err := h.orch.Get(context.Background(), owner, second.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlPending, still.Status)

	h.runQueued(t)
	started, err := h.orch.Start(context.Background(), owner, second.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlRunning, started.Status)
}

func TestStartEnforcesMonthlyCrawls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	_, err := h.meter.Update(context.Background(), owner, func(sub *registrar.Subscription, _ registrar.Plan) error {
		sub.Usage[registrar.FeatureCrawlJobs] = 10
		return nil
	})
	require.NoError(t, err)

	job, err := h.orch.Create(context.Background(), CreateInput{
		Owner: owner, URL: "https://shop.example.com", TargetType: adapters.TypeStatic, AutoStart: true,
	})
	require.ErrorIs(t, err, registrar.ErrQuotaExceeded)
	assert.Equal(t, registrar.CrawlPending, job.Status)
}

func TestStartRequiresPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	job := h.create(t, true)
	_, err := h.orch.Start(context.Background(), owner, job.ID)
	require.ErrorIs(t, err, registrar.ErrInvalidTransition)

	_, err = h.orch.Start(context.Background(), "intruder", job.ID)
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestFailedItemsCountAsFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	job, err := h.orch.Create(context.Background(), CreateInput{
		Owner: owner, URL: "https://shop.example.com/broken", TargetType: adapters.TypeStatic, AutoStart: true,
	})
	require.NoError(t, err)
	h.adapter.items = 2
	h.runQueued(t)

	done, err := h.orch.Get(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCompleted, done.Status)
	assert.Equal(t, 2, done.FailureCount)
	assert.Zero(t, done.SuccessCount)
	assert.Equal(t, 2, h.adapter.parsed)
}

func TestCancelPendingAndQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	pending := h.create(t, false)
	cancelled, err := h.orch.Cancel(context.Background(), owner, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCancelled, cancelled.Status)

	queued := h.create(t, true)
	flagged, err := h.orch.Cancel(context.Background(), owner, queued.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, registrar.CrawlRunning, flagged.Status)

	h.runQueued(t)
	done, err := h.orch.Get(context.Background(), owner, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCancelled, done.Status)
	assert.Zero(t, h.adapter.listCalls)

	_, err = h.orch.Cancel(context.Background(), owner, queued.ID)
	require.ErrorIs(t, err, registrar.ErrInvalidTransition)
}

func TestCancelRunningStopsDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 6)
	h.orch.pool = worker.New("items", 1, nil)
	h.adapter.block = make(chan struct{})
	h.adapter.started = make(chan struct{})
	job := h.create(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.orch.Handle(context.Background(), item) }()

	<-h.adapter.started
	_, err = h.orch.Cancel(context.Background(), owner, job.ID)
	require.NoError(t, err)
	require.ErrorIs(t, h.orch.Delete(context.Background(), owner, job.ID), registrar.ErrJobActive)
	close(h.adapter.block)
	require.NoError(t, <-done)

	final, err := h.orch.Get(context.Background(), owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, registrar.CrawlCancelled, final.Status)
	assert.Equal(t, 1, final.CrawledItems)
	h.adapter.mu.Lock()
	assert.Equal(t, 1, h.adapter.parsed)
	h.adapter.mu.Unlock()
}

func TestDeleteRemovesProducts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	job := h.create(t, true)
	h.runQueued(t)

	require.NoError(t, h.orch.Delete(context.Background(), owner, job.ID))
	_, err := h.orch.Get(context.Background(), owner, job.ID)
	require.ErrorIs(t, err, registrar.ErrNotFound)
	products, _, err := h.crawls.ListProducts(context.Background(), registrar.ProductFilter{Owner: owner})
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestQuickCrawlUsesPresetOrGeneric(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	res, err := h.orch.QuickCrawl(context.Background(), owner, "https://www.11st.co.kr/category/123", false)
	require.NoError(t, err)
	assert.True(t, res.UsedPreset)
	assert.Equal(t, "11번가", res.DetectedSite)
	assert.Equal(t, adapters.TypeStatic, res.Job.TargetType)

	res, err = h.orch.QuickCrawl(context.Background(), owner, "https://unknown-shop.example.org/", false)
	require.NoError(t, err)
	assert.False(t, res.UsedPreset)
	assert.Equal(t, adapters.GenericPresetName, res.DetectedSite)
	assert.Equal(t, adapters.GenericConfig, res.Job.Config)

	_, err = h.orch.QuickCrawl(context.Background(), owner, "not a url", false)
	require.ErrorIs(t, err, registrar.ErrInvalidArgument)
}

func TestListIsScopedToOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.create(t, false)
	h.create(t, false)

	jobs, total, err := h.orch.List(context.Background(), owner, registrar.Page{Number: 1, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 1)

	_, total, err = h.orch.List(context.Background(), "someone-else", registrar.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}
