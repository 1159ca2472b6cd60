// Package jobs runs bulk spreadsheet registration jobs: upload, validation,
// quota admission, image staging, row dispatch and result export.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/executor"
	"github.com/JakeFAU/bulk-registrar/internal/hash/sha256"
	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/progress"
	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/sheet"
	"github.com/JakeFAU/bulk-registrar/internal/validation"
	"github.com/JakeFAU/bulk-registrar/internal/worker"
)

// productsSource is the source name of jobs built from crawled products.
const productsSource = "crawled-products"

// Executor runs one row.
type Executor interface {
	Execute(ctx context.Context, unit executor.Unit) (registrar.ProductResult, error)
}

// ImageUploader stages a local image with the registration API.
type ImageUploader interface {
	UploadImage(ctx context.Context, cred registrar.Credential, name string, image []byte) (string, error)
}

// Meter admits and releases registration quota.
type Meter interface {
	CheckAndReserve(ctx context.Context, userID string, feature registrar.Feature, amount int) (quota.Reservation, error)
	Release(ctx context.Context, userID string, feature registrar.Feature, amount int) error
}

// Deps bundles the collaborators of a Manager.
type Deps struct {
	Jobs        registrar.JobStore
	Products    registrar.ProductStore
	Credentials registrar.CredentialStore
	Blobs       registrar.BlobStore
	Hasher      registrar.Hasher
	Meter       Meter
	Executor    Executor
	Images      ImageUploader
	Queue       registrar.Queue
	Pool        *worker.Pool
	Clock       registrar.Clock
	IDs         registrar.IDGenerator
	Events      progress.Emitter
}

// Manager owns every job state change.
type Manager struct {
	jobs        registrar.JobStore
	products    registrar.ProductStore
	credentials registrar.CredentialStore
	blobs       registrar.BlobStore
	hasher      registrar.Hasher
	meter       Meter
	exec        Executor
	images      ImageUploader
	queue       registrar.Queue
	pool        *worker.Pool
	clock       registrar.Clock
	ids         registrar.IDGenerator
	events      progress.Emitter
	schema      validation.Schema
	logger      *zap.Logger

	mu     sync.Mutex
	queued map[string]struct{}
	runs   map[string]*run
}

// New builds a Manager.
func New(deps Deps, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Nop{}
	}
	pool := deps.Pool
	if pool == nil {
		pool = worker.New("rows", 1, logger)
	}
	return &Manager{
		jobs:        deps.Jobs,
		products:    deps.Products,
		credentials: deps.Credentials,
		blobs:       deps.Blobs,
		hasher:      deps.Hasher,
		meter:       deps.Meter,
		exec:        deps.Executor,
		images:      deps.Images,
		queue:       deps.Queue,
		pool:        pool,
		clock:       deps.Clock,
		ids:         deps.IDs,
		events:      events,
		schema:      validation.DefaultSchema(),
		logger:      logger.Named("jobs"),
		queued:      make(map[string]struct{}),
		runs:        make(map[string]*run),
	}
}

// CreateInput describes an uploaded spreadsheet.
type CreateInput struct {
	Owner        string
	CredentialID string
	FileName     string
	Data         []byte
	DryRun       bool
}

// Create stores the upload, validates it and reserves registration quota.
// A job with blocking validation errors is returned with a nil error and
// stays PENDING. A quota denial returns the FAILED job together with the
// *registrar.QuotaError.
func (m *Manager) Create(ctx context.Context, in CreateInput) (registrar.Job, error) {
	if in.Owner == "" {
		return registrar.Job{}, fmt.Errorf("%w: owner is required", registrar.ErrInvalidArgument)
	}
	if !sheet.Formats(in.FileName) {
		return registrar.Job{}, fmt.Errorf("%w: %s", registrar.ErrUnsupportedFormat, path.Ext(in.FileName))
	}
	if len(in.Data) == 0 {
		return registrar.Job{}, fmt.Errorf("%w: file is empty", registrar.ErrInvalidArgument)
	}
	if err := m.checkCredential(ctx, in.Owner, in.CredentialID, in.DryRun); err != nil {
		return registrar.Job{}, err
	}

	digest, err := m.hasher.Hash(in.Data)
	if err != nil {
		return registrar.Job{}, fmt.Errorf("hash upload: %w", err)
	}
	key := sha256.UploadKey(in.Owner, in.FileName, digest)
	if _, err := m.blobs.PutObject(ctx, key, uploadContentType(in.FileName), in.Data); err != nil {
		return registrar.Job{}, fmt.Errorf("store upload: %w", err)
	}

	job, err := m.newJob(in.Owner, in.CredentialID, in.DryRun)
	if err != nil {
		return registrar.Job{}, err
	}
	job.SourceFile = key
	job.SourceName = path.Base(in.FileName)
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return registrar.Job{}, fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("owner", job.Owner),
		zap.String("source", job.SourceName),
		zap.Bool("dry_run", job.DryRun),
	)

	job, err = m.transition(ctx, job.ID, registrar.JobValidating, nil)
	if err != nil {
		return job, err
	}
	rows, err := sheet.Read(in.FileName, bytes.NewReader(in.Data))
	if err != nil {
		failed, ferr := m.fail(ctx, job.ID, fmt.Sprintf("parse upload: %v", err))
		if ferr != nil {
			return failed, ferr
		}
		return failed, nil
	}
	return m.admit(ctx, job, rows)
}

// CreateFromProducts builds a job whose rows come from crawled products. Each
// registered row marks its product registered.
func (m *Manager) CreateFromProducts(
	ctx context.Context,
	owner string,
	credentialID string,
	productIDs []string,
	dryRun bool,
) (registrar.Job, error) {
	if owner == "" {
		return registrar.Job{}, fmt.Errorf("%w: owner is required", registrar.ErrInvalidArgument)
	}
	if len(productIDs) == 0 {
		return registrar.Job{}, fmt.Errorf("%w: product ids are required", registrar.ErrInvalidArgument)
	}
	if err := m.checkCredential(ctx, owner, credentialID, dryRun); err != nil {
		return registrar.Job{}, err
	}
	products, err := m.loadProducts(ctx, owner, productIDs)
	if err != nil {
		return registrar.Job{}, err
	}

	job, err := m.newJob(owner, credentialID, dryRun)
	if err != nil {
		return registrar.Job{}, err
	}
	job.SourceName = productsSource
	job.ProductIDs = append([]string(nil), productIDs...)
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return registrar.Job{}, fmt.Errorf("create job: %w", err)
	}
	job, err = m.transition(ctx, job.ID, registrar.JobValidating, nil)
	if err != nil {
		return job, err
	}
	return m.admit(ctx, job, productRows(products))
}

// StoreImage keeps an image that spreadsheet rows may reference by name.
func (m *Manager) StoreImage(ctx context.Context, owner, name string, data []byte) (string, error) {
	name = path.Base(strings.TrimSpace(name))
	if owner == "" || name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: owner and image name are required", registrar.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: image is empty", registrar.ErrInvalidArgument)
	}
	uri, err := m.blobs.PutObject(ctx, imageKey(owner, name), "application/octet-stream", data)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return uri, nil
}

// admit validates rows and reserves quota for a VALIDATING job.
func (m *Manager) admit(ctx context.Context, job registrar.Job, rows []registrar.Row) (registrar.Job, error) {
	report := validation.Validate(rows, m.schema)
	if report.Blocking() {
		m.logger.Info("job failed validation",
			zap.String("job_id", job.ID),
			zap.Int("errors", len(report.Errors)),
		)
		return m.transition(ctx, job.ID, registrar.JobPending, func(j *registrar.Job) {
			j.TotalRows = len(rows)
			j.ValidationErrors = report.Errors
			j.ValidationWarnings = report.Warnings
			j.Validated = false
		})
	}

	reserved := 0
	if !job.DryRun {
		if _, err := m.meter.CheckAndReserve(ctx, job.Owner, registrar.FeatureRegistrations, len(rows)); err != nil {
			failed, ferr := m.fail(ctx, job.ID, err.Error())
			if ferr != nil {
				return failed, errors.Join(err, ferr)
			}
			return failed, err
		}
		reserved = len(rows)
	}

	admitted, err := m.transition(ctx, job.ID, registrar.JobPending, func(j *registrar.Job) {
		j.TotalRows = len(rows)
		j.ValidationErrors = nil
		j.ValidationWarnings = report.Warnings
		j.Validated = true
		j.ReservedQuota = reserved
	})
	if err != nil {
		m.release(ctx, job.Owner, reserved)
		return admitted, err
	}
	return admitted, nil
}

func (m *Manager) newJob(owner, credentialID string, dryRun bool) (registrar.Job, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return registrar.Job{}, fmt.Errorf("job id: %w", err)
	}
	return registrar.Job{
		ID:           id,
		Owner:        owner,
		Status:       registrar.JobPending,
		CredentialID: credentialID,
		DryRun:       dryRun,
		CreatedAt:    m.clock.Now(),
	}, nil
}

func (m *Manager) checkCredential(ctx context.Context, owner, credentialID string, dryRun bool) error {
	if credentialID == "" {
		if dryRun {
			return nil
		}
		return fmt.Errorf("%w: credential_id is required unless dry_run is set", registrar.ErrInvalidArgument)
	}
	_, err := m.credential(ctx, owner, credentialID)
	return err
}

func (m *Manager) credential(ctx context.Context, owner, credentialID string) (registrar.Credential, error) {
	cred, err := m.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return registrar.Credential{}, fmt.Errorf("credential %s: %w", credentialID, err)
	}
	if cred.Owner != owner {
		return registrar.Credential{}, fmt.Errorf("credential %s: %w", credentialID, registrar.ErrNotFound)
	}
	return cred, nil
}

// loadProducts returns the owner's products in the order of ids.
func (m *Manager) loadProducts(ctx context.Context, owner string, ids []string) ([]registrar.CrawledProduct, error) {
	found, _, err := m.products.ListProducts(ctx, registrar.ProductFilter{Owner: owner, IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	byID := make(map[string]registrar.CrawledProduct, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]registrar.CrawledProduct, 0, len(ids))
	var missing []string
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, p)
	}
	if len(missing) > 0 {
		return nil, &registrar.MissingIDsError{IDs: missing}
	}
	return out, nil
}

// productRows maps crawled products onto the spreadsheet columns.
func productRows(products []registrar.CrawledProduct) []registrar.Row {
	rows := make([]registrar.Row, 0, len(products))
	for _, p := range products {
		row := registrar.Row{
			"product_name":   p.ProductName,
			"sale_price":     strconv.FormatInt(p.SalePrice, 10),
			"category_id":    p.CategoryID,
			"stock_quantity": strconv.Itoa(p.StockQuantity),
		}
		if len(p.OriginalImages) > 0 {
			row["representative_image"] = p.OriginalImages[0]
		}
		if len(p.OriginalImages) > 1 {
			extra := p.OriginalImages[1:]
			if len(extra) > 9 {
				extra = extra[:9]
			}
			row["optional_images"] = strings.Join(extra, ",")
		}
		rows = append(rows, row)
	}
	return rows
}

func uploadContentType(name string) string {
	if strings.EqualFold(path.Ext(name), ".csv") {
		return "text/csv"
	}
	return sheet.ContentType
}

func imageKey(owner, name string) string {
	return path.Join("images", owner, path.Base(name))
}

// transition applies a status change plus optional field edits and announces
// it.
func (m *Manager) transition(
	ctx context.Context,
	jobID string,
	to registrar.JobStatus,
	mutate func(*registrar.Job),
) (registrar.Job, error) {
	now := m.clock.Now()
	var from registrar.JobStatus
	job, err := m.jobs.UpdateJob(ctx, jobID, func(j *registrar.Job) error {
		from = j.Status
		if err := registrar.TransitionJob(j, to, now); err != nil {
			return err
		}
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("job %s to %s: %w", jobID, to, err)
	}
	metrics.ObserveJob(string(registrar.KindJob), string(to))
	m.announce(job, from, now)
	return job, nil
}

func (m *Manager) announce(job registrar.Job, from registrar.JobStatus, now time.Time) {
	evt := progress.Event{
		Stage:     progress.StageJobTransition,
		TS:        now,
		Owner:     job.Owner,
		SubjectID: job.ID,
		From:      string(from),
		To:        string(job.Status),
		Counters: progress.Counters{
			Total:     job.TotalRows,
			Processed: job.ProcessedRows,
			Success:   job.SuccessCount,
			Failure:   job.FailureCount,
		},
		Note: job.ErrorMessage,
	}
	if job.Status.Terminal() && job.StartedAt != nil {
		evt.Dur = now.Sub(*job.StartedAt)
	}
	m.events.Emit(evt)
}

// fail moves a job to FAILED and releases whatever it still holds.
func (m *Manager) fail(ctx context.Context, jobID, message string) (registrar.Job, error) {
	job, err := m.transition(ctx, jobID, registrar.JobFailed, func(j *registrar.Job) {
		j.ErrorMessage = message
	})
	if err != nil {
		return job, err
	}
	m.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("reason", message))
	m.release(ctx, job.Owner, job.ReservedQuota-job.SuccessCount)
	return job, nil
}

func (m *Manager) release(ctx context.Context, owner string, amount int) {
	if amount <= 0 || m.meter == nil {
		return
	}
	if err := m.meter.Release(context.WithoutCancel(ctx), owner, registrar.FeatureRegistrations, amount); err != nil {
		m.logger.Error("release registration quota failed",
			zap.String("owner", owner),
			zap.Int("amount", amount),
			zap.Error(err),
		)
	}
}
