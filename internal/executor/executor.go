package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/registration"
)

// DryRunProductID is the external id recorded for dry-run rows.
const DryRunProductID = "DRY_RUN"

// API registers one product with the marketplace.
type API interface {
	RegisterProduct(ctx context.Context, cred registrar.Credential, payload registration.Payload) (string, error)
}

// ResultSink persists a row outcome together with the job counters.
type ResultSink interface {
	RecordResult(ctx context.Context, result registrar.ProductResult) (registrar.Job, error)
}

// ProductMarker flags crawled products once they are registered.
type ProductMarker interface {
	UpdateProduct(
		ctx context.Context,
		productID string,
		fn func(*registrar.CrawledProduct) error,
	) (registrar.CrawledProduct, error)
}

// Unit is one row of work.
type Unit struct {
	JobID      string
	RowIndex   int
	Row        registrar.Row
	Credential registrar.Credential
	DryRun     bool
	// Images maps local image references to URLs staged during upload.
	Images map[string]string
	// CrawledProductID is set when the row was built from a crawled product.
	CrawledProductID string
}

// Registrar executes units against the registration API.
type Registrar struct {
	api      API
	sink     ResultSink
	products ProductMarker
	policy   registrar.RetryPolicy
	clock    registrar.Clock
	ids      registrar.IDGenerator
	logger   *zap.Logger
}

// New wires a Registrar. products may be nil when no unit carries a crawled
// product id.
func New(
	api API,
	sink ResultSink,
	products ProductMarker,
	policy registrar.RetryPolicy,
	clock registrar.Clock,
	ids registrar.IDGenerator,
	logger *zap.Logger,
) *Registrar {
	if policy == nil {
		policy = registrar.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		api:      api,
		sink:     sink,
		products: products,
		policy:   policy,
		clock:    clock,
		ids:      ids,
		logger:   logger.Named("executor"),
	}
}

// Execute runs unit and persists its result. A row failure is reported in the
// result, not as an error; the error is non-nil only when the result could
// not be persisted.
func (r *Registrar) Execute(ctx context.Context, unit Unit) (registrar.ProductResult, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return registrar.ProductResult{}, fmt.Errorf("result id: %w", err)
	}
	result := registrar.ProductResult{
		ID:          id,
		JobID:       unit.JobID,
		RowIndex:    unit.RowIndex,
		ProductName: strings.TrimSpace(unit.Row["product_name"]),
	}

	externalID, attempts, execErr := r.register(ctx, unit)
	result.Attempts = attempts
	if execErr != nil {
		result.ErrorMessage = execErr.Error()
	} else {
		result.Success = true
		result.ExternalProductID = externalID
		r.markRegistered(ctx, unit, externalID)
	}
	result.CreatedAt = r.clock.Now()

	if _, err := r.sink.RecordResult(ctx, result); err != nil {
		return result, fmt.Errorf("record row %d of job %s: %w", unit.RowIndex, unit.JobID, err)
	}
	if result.Success {
		metrics.ObserveRow("success")
	} else {
		metrics.ObserveRow("failure")
		r.logger.Info("row failed",
			zap.String("job_id", unit.JobID),
			zap.Int("row", unit.RowIndex),
			zap.Int("attempts", attempts),
			zap.String("error", result.ErrorMessage),
		)
	}
	return result, nil
}

func (r *Registrar) register(ctx context.Context, unit Unit) (string, int, error) {
	if unit.DryRun {
		return DryRunProductID, 0, nil
	}
	payload, err := registration.BuildPayload(unit.Row, unit.Images)
	if err != nil {
		metrics.ObserveRowAttempt("permanent")
		return "", 0, err
	}
	var externalID string
	attempts, err := Retry(ctx, r.policy, func(ctx context.Context, attempt int) error {
		id, err := r.api.RegisterProduct(ctx, unit.Credential, payload)
		if err != nil {
			metrics.ObserveRowAttempt(outcome(err))
			r.logger.Debug("register attempt failed",
				zap.String("job_id", unit.JobID),
				zap.Int("row", unit.RowIndex),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		metrics.ObserveRowAttempt("ok")
		externalID = id
		return nil
	})
	if err != nil {
		return "", attempts, err
	}
	return externalID, attempts, nil
}

func (r *Registrar) markRegistered(ctx context.Context, unit Unit, externalID string) {
	if unit.CrawledProductID == "" || r.products == nil || unit.DryRun {
		return
	}
	now := r.clock.Now()
	_, err := r.products.UpdateProduct(ctx, unit.CrawledProductID, func(p *registrar.CrawledProduct) error {
		return p.MarkRegistered(externalID, now)
	})
	if err != nil {
		r.logger.Warn("mark crawled product registered failed",
			zap.String("product_id", unit.CrawledProductID),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
	}
}

func outcome(err error) string {
	switch {
	case registrar.IsTransient(err):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "permanent"
	}
}
