// Package pricing keeps the price history of crawled listings and fires
// one-shot price alerts when a new observation meets their condition.
//
// A listing is identified by owner and source URL, so repeated crawls of the
// same page (scheduled or manual) extend one history even though every crawl
// stores fresh product records.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/progress"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Paging bounds for listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

const admissionTTL = 30 * time.Second

var errAlreadyFired = errors.New("alert already fired")

// Meter is the slice of the quota meter alert creation needs.
type Meter interface {
	CheckHeld(ctx context.Context, userID string, feature registrar.Feature, held int) error
}

// Locker serializes alert admission per owner.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Deps bundles the collaborators of a Monitor.
type Deps struct {
	Prices   registrar.PriceStore
	Products registrar.ProductStore
	Meter    Meter
	Locker   Locker
	Clock    registrar.Clock
	IDs      registrar.IDGenerator
	Events   progress.Emitter
}

// Monitor records observed prices and manages price alerts.
type Monitor struct {
	prices   registrar.PriceStore
	products registrar.ProductStore
	meter    Meter
	locker   Locker
	clock    registrar.Clock
	ids      registrar.IDGenerator
	events   progress.Emitter
	logger   *zap.Logger
}

// New builds a Monitor.
func New(deps Deps, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Nop{}
	}
	return &Monitor{
		prices:   deps.Prices,
		products: deps.Products,
		meter:    deps.Meter,
		locker:   deps.Locker,
		clock:    deps.Clock,
		ids:      deps.IDs,
		events:   events,
		logger:   logger.Named("pricing"),
	}
}

// Observe records the scraped price of product and fires every active alert
// on its listing that the new point satisfies. Products without a source URL
// or a positive price are ignored.
func (m *Monitor) Observe(ctx context.Context, product registrar.CrawledProduct) ([]registrar.PriceAlert, error) {
	if product.OriginalURL == "" || product.OriginalPrice <= 0 {
		return nil, nil
	}
	id, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("price point id: %w", err)
	}
	point, err := m.prices.RecordPrice(ctx, registrar.PricePoint{
		ID:        id,
		Owner:     product.Owner,
		SourceURL: product.OriginalURL,
		ProductID: product.ID,
		Price:     product.OriginalPrice,
		Currency:  product.OriginalCurrency,
		CheckedAt: m.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record price: %w", err)
	}
	alerts, err := m.prices.ListActiveAlerts(ctx, product.Owner, product.OriginalURL)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	var fired []registrar.PriceAlert
	for _, alert := range alerts {
		if !alert.Matches(point) {
			continue
		}
		got, err := m.fire(ctx, alert.ID, point)
		if errors.Is(err, errAlreadyFired) {
			continue
		}
		if err != nil {
			return fired, err
		}
		fired = append(fired, got)
	}
	return fired, nil
}

func (m *Monitor) fire(ctx context.Context, alertID string, point registrar.PricePoint) (registrar.PriceAlert, error) {
	now := m.clock.Now()
	alert, err := m.prices.UpdateAlert(ctx, alertID, func(a *registrar.PriceAlert) error {
		if !a.Active {
			return errAlreadyFired
		}
		a.Active = false
		a.TriggeredAt = &now
		a.TriggeredPrice = point.Price
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyFired) || errors.Is(err, registrar.ErrNotFound) {
			return registrar.PriceAlert{}, errAlreadyFired
		}
		return registrar.PriceAlert{}, fmt.Errorf("fire alert %s: %w", alertID, err)
	}
	metrics.ObservePriceAlert(string(alert.Type))
	m.events.Emit(progress.Event{
		Stage:     progress.StagePriceAlert,
		TS:        now,
		Owner:     alert.Owner,
		SubjectID: alert.ID,
		Amount:    point.Price,
		Percent:   point.ChangePercent,
		Note:      string(alert.Type),
	})
	m.logger.Info("price alert fired",
		zap.String("alert_id", alert.ID),
		zap.String("owner", alert.Owner),
		zap.String("type", string(alert.Type)),
		zap.Int64("price", point.Price),
		zap.String("site", metrics.SanitizeSite(alert.SourceURL)),
	)
	return alert, nil
}

// AlertInput describes a new price alert.
type AlertInput struct {
	Owner           string
	ProductID       string
	Type            registrar.PriceAlertType
	TargetPrice     int64
	ChangeThreshold float64
}

func (in AlertInput) validate() error {
	switch in.Type {
	case registrar.AlertBelow, registrar.AlertAbove:
		if in.TargetPrice <= 0 {
			return fmt.Errorf("%w: target_price must be > 0 for %s alerts", registrar.ErrInvalidArgument, in.Type)
		}
	case registrar.AlertChange:
		if in.ChangeThreshold <= 0 {
			return fmt.Errorf("%w: change_threshold must be > 0", registrar.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: alert_type must be below, above or change", registrar.ErrInvalidArgument)
	}
	return nil
}

// CreateAlert watches the listing product came from. Active alerts per
// owner are capped by the price_alerts plan limit.
func (m *Monitor) CreateAlert(ctx context.Context, in AlertInput) (registrar.PriceAlert, error) {
	if err := in.validate(); err != nil {
		return registrar.PriceAlert{}, err
	}
	product, err := m.ownedProduct(ctx, in.Owner, in.ProductID)
	if err != nil {
		return registrar.PriceAlert{}, err
	}
	if product.OriginalURL == "" {
		return registrar.PriceAlert{}, fmt.Errorf("%w: product %s has no source url", registrar.ErrInvalidArgument, product.ID)
	}

	unlock, err := m.locker.Lock(ctx, "price-alerts:"+in.Owner, admissionTTL)
	if err != nil {
		return registrar.PriceAlert{}, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("release alert lock failed", zap.String("owner", in.Owner), zap.Error(err))
		}
	}()

	held, err := m.prices.CountActiveAlerts(ctx, in.Owner)
	if err != nil {
		return registrar.PriceAlert{}, fmt.Errorf("count alerts: %w", err)
	}
	if err := m.meter.CheckHeld(ctx, in.Owner, registrar.FeaturePriceAlerts, held); err != nil {
		return registrar.PriceAlert{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return registrar.PriceAlert{}, fmt.Errorf("alert id: %w", err)
	}
	alert := registrar.PriceAlert{
		ID:              id,
		Owner:           in.Owner,
		ProductID:       product.ID,
		SourceURL:       product.OriginalURL,
		Type:            in.Type,
		TargetPrice:     in.TargetPrice,
		ChangeThreshold: in.ChangeThreshold,
		Active:          true,
		CreatedAt:       m.clock.Now(),
	}
	if err := m.prices.CreateAlert(ctx, alert); err != nil {
		return registrar.PriceAlert{}, fmt.Errorf("create alert: %w", err)
	}
	m.logger.Info("price alert created",
		zap.String("alert_id", alert.ID), zap.String("owner", alert.Owner), zap.String("type", string(alert.Type)))
	return alert, nil
}

// GetAlert returns an alert owned by owner.
func (m *Monitor) GetAlert(ctx context.Context, owner, alertID string) (registrar.PriceAlert, error) {
	alert, err := m.prices.GetAlert(ctx, alertID)
	if err != nil {
		return registrar.PriceAlert{}, err
	}
	if alert.Owner != owner {
		return registrar.PriceAlert{}, fmt.Errorf("price alert %s: %w", alertID, registrar.ErrNotFound)
	}
	return alert, nil
}

// ListAlerts returns one page of the owner's alerts plus the total.
func (m *Monitor) ListAlerts(ctx context.Context, owner string, page registrar.Page) ([]registrar.PriceAlert, int, error) {
	alerts, total, err := m.prices.ListAlerts(ctx, owner, page.Normalize(DefaultPageSize, MaxPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, total, nil
}

// DeleteAlert removes an alert owned by owner.
func (m *Monitor) DeleteAlert(ctx context.Context, owner, alertID string) error {
	if _, err := m.GetAlert(ctx, owner, alertID); err != nil {
		return err
	}
	return m.prices.DeleteAlert(ctx, alertID)
}

// History returns the price history of the listing product came from,
// newest first.
func (m *Monitor) History(
	ctx context.Context,
	owner, productID string,
	page registrar.Page,
) ([]registrar.PricePoint, int, error) {
	product, err := m.ownedProduct(ctx, owner, productID)
	if err != nil {
		return nil, 0, err
	}
	points, total, err := m.prices.ListPrices(ctx, owner, product.OriginalURL, page.Normalize(DefaultPageSize, MaxPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list prices: %w", err)
	}
	return points, total, nil
}

func (m *Monitor) ownedProduct(ctx context.Context, owner, productID string) (registrar.CrawledProduct, error) {
	product, err := m.products.GetProduct(ctx, productID)
	if err != nil {
		return registrar.CrawledProduct{}, err
	}
	if product.Owner != owner {
		return registrar.CrawledProduct{}, fmt.Errorf("product %s: %w", productID, registrar.ErrNotFound)
	}
	return product, nil
}
