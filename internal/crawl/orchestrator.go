// Package crawl runs crawl jobs: admission against the crawl quotas, listing
// through a site adapter, and per-item parsing on a bounded pool.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/crawl/adapters"
	"github.com/JakeFAU/bulk-registrar/internal/executor"
	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/progress"
	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/worker"
)

// Paging bounds for listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NoResultsMessage is recorded on a crawl whose listing was empty.
const NoResultsMessage = "no crawl results"

const admissionTTL = 30 * time.Second

// Meter is the slice of the quota meter a crawl needs.
type Meter interface {
	CheckAndReserve(ctx context.Context, userID string, feature registrar.Feature, amount int) (quota.Reservation, error)
	Release(ctx context.Context, userID string, feature registrar.Feature, amount int) error
	CheckConcurrent(ctx context.Context, userID string, feature registrar.Feature, inUse int) error
	Limit(ctx context.Context, userID string, feature registrar.Feature) (int, error)
}

// Locker serializes admission per owner.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// AdapterLookup resolves a target type.
type AdapterLookup interface {
	Lookup(targetType string) (adapters.Adapter, error)
}

// PriceObserver receives every product a crawl stores.
type PriceObserver interface {
	Observe(ctx context.Context, product registrar.CrawledProduct) ([]registrar.PriceAlert, error)
}

// Deps bundles the collaborators of an Orchestrator.
type Deps struct {
	Crawls   registrar.CrawlStore
	Products registrar.ProductStore
	Adapters AdapterLookup
	Meter    Meter
	Locker   Locker
	Queue    registrar.Queue
	Pool     *worker.Pool
	Policy   registrar.RetryPolicy
	Clock    registrar.Clock
	IDs      registrar.IDGenerator
	Events   progress.Emitter
	// Blocked rejects crawl targets on matching hosts. Nil allows every host.
	Blocked *Blocklist
	// Prices, when set, tracks the price of every stored product.
	Prices PriceObserver
}

// Orchestrator owns every crawl job state change.
type Orchestrator struct {
	crawls   registrar.CrawlStore
	products registrar.ProductStore
	adapters AdapterLookup
	meter    Meter
	locker   Locker
	queue    registrar.Queue
	pool     *worker.Pool
	policy   registrar.RetryPolicy
	clock    registrar.Clock
	ids      registrar.IDGenerator
	events   progress.Emitter
	blocked  *Blocklist
	prices   PriceObserver
	logger   *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cancelled atomic.Bool
}

// New builds an Orchestrator.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Nop{}
	}
	pool := deps.Pool
	if pool == nil {
		pool = worker.New("crawl-items", 1, logger)
	}
	policy := deps.Policy
	if policy == nil {
		policy = registrar.NewExponentialRetryPolicy()
	}
	return &Orchestrator{
		crawls:   deps.Crawls,
		products: deps.Products,
		adapters: deps.Adapters,
		meter:    deps.Meter,
		locker:   deps.Locker,
		queue:    deps.Queue,
		pool:     pool,
		policy:   policy,
		clock:    deps.Clock,
		ids:      deps.IDs,
		events:   events,
		blocked:  deps.Blocked,
		prices:   deps.Prices,
		logger:   logger.Named("crawl"),
		runs:     make(map[string]*run),
	}
}

// CreateInput describes a crawl request.
type CreateInput struct {
	Owner      string
	URL        string
	TargetType string
	Config     registrar.CrawlConfig
	AutoStart  bool
}

// Create persists a PENDING crawl job and optionally starts it. When the
// start is refused the PENDING job is returned with the error.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (registrar.CrawlJob, error) {
	if in.Owner == "" {
		return registrar.CrawlJob{}, fmt.Errorf("%w: owner is required", registrar.ErrInvalidArgument)
	}
	target, err := o.checkTarget(in.URL)
	if err != nil {
		return registrar.CrawlJob{}, err
	}
	if in.Config.MaxItems < 0 {
		return registrar.CrawlJob{}, fmt.Errorf("%w: max_items must be >= 0", registrar.ErrInvalidArgument)
	}
	if _, err := o.adapters.Lookup(in.TargetType); err != nil {
		return registrar.CrawlJob{}, err
	}
	id, err := o.ids.NewID()
	if err != nil {
		return registrar.CrawlJob{}, fmt.Errorf("crawl id: %w", err)
	}
	job := registrar.CrawlJob{
		ID:         id,
		Owner:      in.Owner,
		Status:     registrar.CrawlPending,
		TargetURL:  target,
		TargetType: in.TargetType,
		Config:     in.Config,
		CreatedAt:  o.clock.Now(),
	}
	if err := o.crawls.CreateCrawlJob(ctx, job); err != nil {
		return registrar.CrawlJob{}, fmt.Errorf("create crawl job: %w", err)
	}
	o.logger.Info("crawl job created",
		zap.String("crawl_id", job.ID),
		zap.String("owner", job.Owner),
		zap.String("target_type", job.TargetType),
		zap.String("site", metrics.SanitizeSite(job.TargetURL)),
	)
	if !in.AutoStart {
		return job, nil
	}
	started, err := o.Start(ctx, in.Owner, job.ID)
	if err != nil {
		return job, err
	}
	return started, nil
}

// QuickResult is the outcome of a quick crawl.
type QuickResult struct {
	Job          registrar.CrawlJob `json:"job"`
	DetectedSite string             `json:"detected_site"`
	UsedPreset   bool               `json:"used_preset"`
}

// QuickCrawl creates a crawl with the preset matching rawURL, or the generic
// static config when none matches.
func (o *Orchestrator) QuickCrawl(ctx context.Context, owner, rawURL string, autoStart bool) (QuickResult, error) {
	target, err := o.checkTarget(rawURL)
	if err != nil {
		return QuickResult{}, err
	}
	in := CreateInput{
		Owner:      owner,
		URL:        target,
		TargetType: adapters.TypeStatic,
		Config:     adapters.GenericConfig,
		AutoStart:  autoStart,
	}
	res := QuickResult{DetectedSite: adapters.GenericPresetName}
	if preset, ok := adapters.DetectPreset(target); ok {
		in.TargetType = preset.TargetType
		in.Config = preset.Config
		res.DetectedSite = preset.Name
		res.UsedPreset = true
	}
	job, err := o.Create(ctx, in)
	res.Job = job
	return res, err
}

// Start admits a PENDING crawl: it must fit under concurrent_crawls and
// reserve one crawl_jobs_per_month. Admission is serialized per owner so the
// running count cannot race.
func (o *Orchestrator) Start(ctx context.Context, owner, jobID string) (registrar.CrawlJob, error) {
	job, err := o.Get(ctx, owner, jobID)
	if err != nil {
		return registrar.CrawlJob{}, err
	}
	if job.Status != registrar.CrawlPending {
		return job, &registrar.TransitionError{Kind: "crawl job", From: string(job.Status), To: string(registrar.CrawlRunning)}
	}

	unlock, err := o.locker.Lock(ctx, "crawl-admission:"+owner, admissionTTL)
	if err != nil {
		return job, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("release admission lock failed", zap.String("owner", owner), zap.Error(err))
		}
	}()

	running, err := o.crawls.CountRunningCrawls(ctx, owner)
	if err != nil {
		return job, fmt.Errorf("count running crawls: %w", err)
	}
	if err := o.meter.CheckConcurrent(ctx, owner, registrar.FeatureConcurrentCrawls, running); err != nil {
		return job, err
	}
	if _, err := o.meter.CheckAndReserve(ctx, owner, registrar.FeatureCrawlJobs, 1); err != nil {
		return job, err
	}
	job, err = o.transition(ctx, jobID, registrar.CrawlRunning, nil)
	if err != nil {
		o.release(ctx, owner)
		return job, err
	}

	item := registrar.QueueItem{
		Kind:      registrar.KindCrawl,
		JobID:     jobID,
		Owner:     owner,
		Submitted: o.clock.Now().UnixNano(),
	}
	if err := o.queue.Enqueue(ctx, item); err != nil {
		failed, ferr := o.transition(ctx, jobID, registrar.CrawlFailed, func(j *registrar.CrawlJob) {
			j.ErrorMessage = "could not queue crawl"
		})
		o.release(ctx, owner)
		if ferr != nil {
			return job, errors.Join(err, ferr)
		}
		return failed, fmt.Errorf("enqueue crawl %s: %w", jobID, err)
	}
	o.logger.Info("crawl job started", zap.String("crawl_id", jobID), zap.Int("running_before", running))
	return job, nil
}

// Handle runs a started crawl to a terminal state.
func (o *Orchestrator) Handle(ctx context.Context, item registrar.QueueItem) error {
	r := &run{}
	o.mu.Lock()
	o.runs[item.JobID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, item.JobID)
		o.mu.Unlock()
	}()

	job, err := o.crawls.GetCrawlJob(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, registrar.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load crawl %s: %w", item.JobID, err)
	}
	if job.Status != registrar.CrawlRunning {
		o.logger.Info("skipping crawl that is not running",
			zap.String("crawl_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}
	if job.CancelRequested {
		return o.finish(ctx, job.ID, registrar.CrawlCancelled, "")
	}

	adapter, err := o.adapters.Lookup(job.TargetType)
	if err != nil {
		return o.finish(ctx, job.ID, registrar.CrawlFailed, err.Error())
	}
	var refs []adapters.ItemRef
	_, err = executor.Retry(ctx, o.policy, func(ctx context.Context, _ int) error {
		var ferr error
		refs, ferr = adapter.FetchList(ctx, job.TargetURL, job.Config)
		return ferr
	})
	if err != nil {
		return o.finish(ctx, job.ID, registrar.CrawlFailed, fmt.Sprintf("fetch list: %v", err))
	}
	limit, err := o.meter.Limit(ctx, job.Owner, registrar.FeatureProductsPerCrawl)
	if err != nil {
		return o.finish(ctx, job.ID, registrar.CrawlFailed, fmt.Sprintf("products_per_crawl: %v", err))
	}
	if limit != registrar.Unlimited && len(refs) > limit {
		o.logger.Info("capping crawl items",
			zap.String("crawl_id", job.ID), zap.Int("found", len(refs)), zap.Int("limit", limit))
		refs = refs[:limit]
	}
	if len(refs) == 0 {
		return o.finish(ctx, job.ID, registrar.CrawlCompleted, NoResultsMessage)
	}
	if _, err := o.crawls.UpdateCrawlJob(ctx, job.ID, func(j *registrar.CrawlJob) error {
		j.TotalItems = len(refs)
		return nil
	}); err != nil {
		return fmt.Errorf("set crawl total: %w", err)
	}

	group := o.pool.Group(func() bool { return !r.cancelled.Load() && ctx.Err() == nil })
	for _, ref := range refs {
		if r.cancelled.Load() || ctx.Err() != nil {
			break
		}
		err := group.Go(ctx, func(ctx context.Context) {
			o.crawlItem(ctx, job, adapter, ref)
		})
		if err != nil {
			break
		}
	}
	group.Wait()

	switch {
	case r.cancelled.Load():
		return o.finish(ctx, job.ID, registrar.CrawlCancelled, "")
	case ctx.Err() != nil:
		return o.finish(ctx, job.ID, registrar.CrawlFailed, "interrupted by shutdown")
	default:
		return o.finish(ctx, job.ID, registrar.CrawlCompleted, "")
	}
}

// crawlItem parses one item with retry and records it together with the
// counters.
func (o *Orchestrator) crawlItem(
	ctx context.Context,
	job registrar.CrawlJob,
	adapter adapters.Adapter,
	ref adapters.ItemRef,
) {
	var item adapters.Item
	_, err := executor.Retry(ctx, o.policy, func(ctx context.Context, _ int) error {
		var perr error
		item, perr = adapter.ParseItem(ctx, ref, job.Config)
		return perr
	})
	var product *registrar.CrawledProduct
	if err != nil {
		metrics.ObserveCrawlItem(ref.URL, "failure")
		o.logger.Info("crawl item failed",
			zap.String("crawl_id", job.ID), zap.String("url", ref.URL), zap.Error(err))
	} else {
		product, err = o.newProduct(job, item)
		if err != nil {
			o.logger.Error("build crawled product failed", zap.String("crawl_id", job.ID), zap.Error(err))
			product = nil
		}
		if product != nil {
			metrics.ObserveCrawlItem(ref.URL, "success")
		}
	}
	if _, err := o.crawls.RecordCrawlItem(ctx, job.ID, product); err != nil {
		o.logger.Error("record crawl item failed",
			zap.String("crawl_id", job.ID), zap.String("url", ref.URL), zap.Error(err))
		return
	}
	if product != nil && o.prices != nil {
		if _, err := o.prices.Observe(ctx, *product); err != nil {
			o.logger.Warn("price tracking failed",
				zap.String("crawl_id", job.ID), zap.String("product_id", product.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) newProduct(job registrar.CrawlJob, item adapters.Item) (*registrar.CrawledProduct, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("product id: %w", err)
	}
	now := o.clock.Now()
	sourceURL := item.URL
	if sourceURL == "" {
		sourceURL = job.TargetURL
	}
	return &registrar.CrawledProduct{
		ID:               id,
		CrawlJobID:       job.ID,
		Owner:            job.Owner,
		OriginalTitle:    item.Title,
		OriginalPrice:    item.Price,
		OriginalCurrency: item.Currency,
		OriginalImages:   item.Images,
		OriginalURL:      sourceURL,
		ProductName:      item.Title,
		SalePrice:        item.Price,
		CrawledAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Cancel stops a crawl. A PENDING crawl is cancelled at once; a RUNNING one
// is flagged and its runner stops dispatching items.
func (o *Orchestrator) Cancel(ctx context.Context, owner, jobID string) (registrar.CrawlJob, error) {
	job, err := o.Get(ctx, owner, jobID)
	if err != nil {
		return registrar.CrawlJob{}, err
	}
	switch job.Status {
	case registrar.CrawlPending:
		return o.transition(ctx, jobID, registrar.CrawlCancelled, func(j *registrar.CrawlJob) {
			j.CancelRequested = true
		})
	case registrar.CrawlRunning:
		o.mu.Lock()
		if r, ok := o.runs[jobID]; ok {
			r.cancelled.Store(true)
		}
		o.mu.Unlock()
		job, err = o.crawls.UpdateCrawlJob(ctx, jobID, func(j *registrar.CrawlJob) error {
			j.CancelRequested = true
			return nil
		})
		if err != nil {
			return job, fmt.Errorf("flag crawl %s cancelled: %w", jobID, err)
		}
		o.logger.Info("crawl cancel requested", zap.String("crawl_id", jobID))
		return job, nil
	default:
		return job, &registrar.TransitionError{Kind: "crawl job", From: string(job.Status), To: string(registrar.CrawlCancelled)}
	}
}

// Delete removes a crawl that is not running, together with its products.
func (o *Orchestrator) Delete(ctx context.Context, owner, jobID string) error {
	job, err := o.Get(ctx, owner, jobID)
	if err != nil {
		return err
	}
	if job.Status == registrar.CrawlRunning {
		return fmt.Errorf("crawl %s is running: %w", jobID, registrar.ErrJobActive)
	}
	if err := o.crawls.DeleteCrawlJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete crawl: %w", err)
	}
	o.logger.Info("crawl job deleted", zap.String("crawl_id", jobID))
	return nil
}

// Get returns the owner's crawl job.
func (o *Orchestrator) Get(ctx context.Context, owner, jobID string) (registrar.CrawlJob, error) {
	job, err := o.crawls.GetCrawlJob(ctx, jobID)
	if err != nil {
		return registrar.CrawlJob{}, fmt.Errorf("get crawl: %w", err)
	}
	if job.Owner != owner {
		return registrar.CrawlJob{}, fmt.Errorf("crawl %s: %w", jobID, registrar.ErrNotFound)
	}
	return job, nil
}

// List returns one page of the owner's crawl jobs plus the total.
func (o *Orchestrator) List(ctx context.Context, owner string, page registrar.Page) ([]registrar.CrawlJob, int, error) {
	jobs, total, err := o.crawls.ListCrawlJobs(ctx, owner, page.Normalize(DefaultPageSize, MaxPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list crawls: %w", err)
	}
	return jobs, total, nil
}

// Products returns one page of the products a crawl produced.
func (o *Orchestrator) Products(
	ctx context.Context,
	owner string,
	jobID string,
	page registrar.Page,
) ([]registrar.CrawledProduct, int, error) {
	if _, err := o.Get(ctx, owner, jobID); err != nil {
		return nil, 0, err
	}
	products, total, err := o.products.ListProducts(ctx, registrar.ProductFilter{
		Owner:      owner,
		CrawlJobID: jobID,
		Page:       page.Normalize(DefaultPageSize, MaxPageSize),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list crawl products: %w", err)
	}
	return products, total, nil
}

func (o *Orchestrator) finish(ctx context.Context, jobID string, to registrar.CrawlStatus, message string) error {
	job, err := o.transition(context.WithoutCancel(ctx), jobID, to, func(j *registrar.CrawlJob) {
		if message != "" {
			j.ErrorMessage = message
		}
	})
	if err != nil {
		return err
	}
	o.logger.Info("crawl job finished",
		zap.String("crawl_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("total", job.TotalItems),
		zap.Int("success", job.SuccessCount),
		zap.Int("failure", job.FailureCount),
		zap.String("message", job.ErrorMessage),
	)
	return nil
}

func (o *Orchestrator) transition(
	ctx context.Context,
	jobID string,
	to registrar.CrawlStatus,
	mutate func(*registrar.CrawlJob),
) (registrar.CrawlJob, error) {
	now := o.clock.Now()
	var from registrar.CrawlStatus
	job, err := o.crawls.UpdateCrawlJob(ctx, jobID, func(j *registrar.CrawlJob) error {
		from = j.Status
		if err := registrar.TransitionCrawl(j, to, now); err != nil {
			return err
		}
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("crawl %s to %s: %w", jobID, to, err)
	}
	metrics.ObserveJob(string(registrar.KindCrawl), string(to))
	evt := progress.Event{
		Stage:     progress.StageCrawlTransition,
		TS:        now,
		Owner:     job.Owner,
		SubjectID: job.ID,
		From:      string(from),
		To:        string(to),
		Counters: progress.Counters{
			Total:     job.TotalItems,
			Processed: job.CrawledItems,
			Success:   job.SuccessCount,
			Failure:   job.FailureCount,
		},
		Note: job.ErrorMessage,
	}
	if to.Terminal() && job.StartedAt != nil {
		evt.Dur = now.Sub(*job.StartedAt)
	}
	o.events.Emit(evt)
	return job, nil
}

func (o *Orchestrator) release(ctx context.Context, owner string) {
	if err := o.meter.Release(context.WithoutCancel(ctx), owner, registrar.FeatureCrawlJobs, 1); err != nil {
		o.logger.Error("release crawl quota failed", zap.String("owner", owner), zap.Error(err))
	}
}
