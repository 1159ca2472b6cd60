package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/progress"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const (
	// DefaultPeriod is the length of one usage window.
	DefaultPeriod = 30 * 24 * time.Hour
	// DefaultWarnPercent is the usage share that triggers a warning event.
	DefaultWarnPercent = 80
)

// Config tunes a Meter.
type Config struct {
	Period      time.Duration
	WarnPercent int
}

// Reservation describes a granted reservation.
type Reservation struct {
	Feature   registrar.Feature `json:"feature"`
	Amount    int               `json:"amount"`
	Limit     int               `json:"limit"`
	Current   int               `json:"current"`
	Remaining int               `json:"remaining"`
}

// Usage is one feature's position in the current window.
type Usage struct {
	Limit     int     `json:"limit"`
	Current   int     `json:"current"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
}

// Snapshot is a read of every metered feature for one user.
type Snapshot struct {
	PlanName string                      `json:"plan_name"`
	ResetAt  time.Time                   `json:"usage_reset_at"`
	Features map[registrar.Feature]Usage `json:"features"`
}

// Meter admits and releases metered work.
type Meter struct {
	store       registrar.SubscriptionStore
	plans       *Catalog
	clock       registrar.Clock
	ids         registrar.IDGenerator
	events      progress.Emitter
	logger      *zap.Logger
	period      time.Duration
	warnPercent int
}

// NewMeter wires a Meter. A nil events emitter discards alerts.
func NewMeter(
	cfg Config,
	store registrar.SubscriptionStore,
	plans *Catalog,
	clock registrar.Clock,
	ids registrar.IDGenerator,
	events progress.Emitter,
	logger *zap.Logger,
) *Meter {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.WarnPercent <= 0 || cfg.WarnPercent >= 100 {
		cfg.WarnPercent = DefaultWarnPercent
	}
	if plans == nil {
		plans = DefaultCatalog()
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meter{
		store:       store,
		plans:       plans,
		clock:       clock,
		ids:         ids,
		events:      events,
		logger:      logger.Named("quota"),
		period:      cfg.Period,
		warnPercent: cfg.WarnPercent,
	}
}

// Plans exposes the catalog the meter enforces.
func (m *Meter) Plans() *Catalog {
	return m.plans
}

// Period returns the usage window length.
func (m *Meter) Period() time.Duration {
	return m.period
}

// Update runs fn against the user's subscription after creating it on the
// free plan if needed and applying any due usage reset. fn receives the plan
// currently in force.
func (m *Meter) Update(
	ctx context.Context,
	userID string,
	fn func(sub *registrar.Subscription, plan registrar.Plan) error,
) (registrar.Subscription, error) {
	if userID == "" {
		return registrar.Subscription{}, fmt.Errorf("%w: user id is required", registrar.ErrInvalidArgument)
	}
	now := m.clock.Now()
	sub, err := m.store.UpdateSubscription(ctx, userID, func(sub *registrar.Subscription) error {
		if sub.ID == "" {
			if err := m.initFree(sub, now); err != nil {
				return err
			}
		}
		m.resetIfDue(sub, now)
		if fn == nil {
			return nil
		}
		return fn(sub, m.planFor(sub))
	})
	if err != nil {
		return sub, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

// CheckAndReserve grants amount units of feature when the plan allows it.
// Unlimited features always grant.
func (m *Meter) CheckAndReserve(
	ctx context.Context,
	userID string,
	feature registrar.Feature,
	amount int,
) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: reservation amount must be > 0", registrar.ErrInvalidArgument)
	}
	var (
		res   Reservation
		alert *progress.Event
	)
	_, err := m.Update(ctx, userID, func(sub *registrar.Subscription, plan registrar.Plan) error {
		limit := plan.Limit(feature)
		current := sub.Usage[feature]
		if limit != registrar.Unlimited && current+amount > limit {
			return &registrar.QuotaError{Feature: feature, Limit: limit, Current: current, Requested: amount}
		}
		sub.Usage[feature] = current + amount
		res = Reservation{
			Feature:   feature,
			Amount:    amount,
			Limit:     limit,
			Current:   current + amount,
			Remaining: remaining(limit, current+amount),
		}
		alert = m.alertFor(sub, feature, limit)
		return nil
	})
	if err != nil {
		var qe *registrar.QuotaError
		if errors.As(err, &qe) {
			metrics.ObserveQuotaDenial(string(feature))
			m.logger.Info("quota denied",
				zap.String("user_id", userID),
				zap.String("feature", string(feature)),
				zap.Int("limit", qe.Limit),
				zap.Int("current", qe.Current),
				zap.Int("requested", amount),
			)
		}
		return Reservation{}, err
	}
	if alert != nil {
		m.events.Emit(*alert)
	}
	return res, nil
}

// Release returns amount units of feature. Usage never drops below zero.
func (m *Meter) Release(ctx context.Context, userID string, feature registrar.Feature, amount int) error {
	if amount <= 0 {
		return nil
	}
	_, err := m.Update(ctx, userID, func(sub *registrar.Subscription, _ registrar.Plan) error {
		next := sub.Usage[feature] - amount
		if next < 0 {
			next = 0
		}
		sub.Usage[feature] = next
		return nil
	})
	return err
}

// CheckConcurrent fails with a concurrency QuotaError when inUse already
// meets the plan limit for feature.
func (m *Meter) CheckConcurrent(ctx context.Context, userID string, feature registrar.Feature, inUse int) error {
	limit, err := m.Limit(ctx, userID, feature)
	if err != nil {
		return err
	}
	if limit != registrar.Unlimited && inUse >= limit {
		metrics.ObserveQuotaDenial(string(feature))
		return &registrar.QuotaError{Feature: feature, Limit: limit, Current: inUse, Requested: 1, Concurrency: true}
	}
	return nil
}

// CheckHeld fails with a QuotaError when held already meets the plan limit.
// It serves features that cap standing records, such as schedules and price
// alerts, rather than monthly usage.
func (m *Meter) CheckHeld(ctx context.Context, userID string, feature registrar.Feature, held int) error {
	limit, err := m.Limit(ctx, userID, feature)
	if err != nil {
		return err
	}
	if limit != registrar.Unlimited && held >= limit {
		metrics.ObserveQuotaDenial(string(feature))
		return &registrar.QuotaError{Feature: feature, Limit: limit, Current: held, Requested: 1}
	}
	return nil
}

// Limit returns the user's current limit for feature.
func (m *Meter) Limit(ctx context.Context, userID string, feature registrar.Feature) (int, error) {
	var limit int
	_, err := m.Update(ctx, userID, func(_ *registrar.Subscription, plan registrar.Plan) error {
		limit = plan.Limit(feature)
		return nil
	})
	return limit, err
}

// UsageSnapshot reports every feature of the user's plan.
func (m *Meter) UsageSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	_, err := m.Update(ctx, userID, func(sub *registrar.Subscription, plan registrar.Plan) error {
		snap = Snapshot{
			PlanName: plan.Name,
			ResetAt:  sub.UsageResetAt,
			Features: make(map[registrar.Feature]Usage, len(plan.Limits)),
		}
		for feature, limit := range plan.Limits {
			current := sub.Usage[feature]
			snap.Features[feature] = Usage{
				Limit:     limit,
				Current:   current,
				Remaining: remaining(limit, current),
				Percent:   percent(limit, current),
			}
		}
		return nil
	})
	return snap, err
}

// ResetDue applies the usage reset to every subscription whose window has
// closed and returns how many were reset.
func (m *Meter) ResetDue(ctx context.Context) (int, error) {
	users, err := m.store.ListUsersDue(ctx, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list users due: %w", err)
	}
	reset := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		if _, err := m.Update(ctx, userID, nil); err != nil {
			m.logger.Warn("usage reset failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		reset++
	}
	if reset > 0 {
		m.logger.Info("usage windows reset", zap.Int("count", reset))
	}
	return reset, nil
}

func (m *Meter) initFree(sub *registrar.Subscription, now time.Time) error {
	id, err := m.ids.NewID()
	if err != nil {
		return fmt.Errorf("subscription id: %w", err)
	}
	sub.ID = id
	sub.PlanName = FreePlan
	sub.Status = registrar.SubscriptionActive
	sub.BillingCycle = registrar.BillingMonthly
	sub.StartedAt = now
	sub.UsageResetAt = now.Add(m.period)
	sub.Usage = make(map[registrar.Feature]int)
	sub.Notified = make(map[registrar.Feature]int)
	m.logger.Info("free subscription created", zap.String("user_id", sub.UserID))
	return nil
}

// resetIfDue zeroes usage once the window has closed and advances the reset
// time by whole periods until it lies in the future.
func (m *Meter) resetIfDue(sub *registrar.Subscription, now time.Time) {
	if sub.Usage == nil {
		sub.Usage = make(map[registrar.Feature]int)
	}
	if sub.Notified == nil {
		sub.Notified = make(map[registrar.Feature]int)
	}
	if sub.UsageResetAt.IsZero() {
		sub.UsageResetAt = now.Add(m.period)
		return
	}
	if sub.UsageResetAt.After(now) {
		return
	}
	for !sub.UsageResetAt.After(now) {
		sub.UsageResetAt = sub.UsageResetAt.Add(m.period)
	}
	clear(sub.Usage)
	clear(sub.Notified)
}

func (m *Meter) planFor(sub *registrar.Subscription) registrar.Plan {
	if plan, ok := m.plans.Get(sub.PlanName); ok {
		return plan
	}
	m.logger.Warn("unknown plan, enforcing free limits",
		zap.String("user_id", sub.UserID),
		zap.String("plan", sub.PlanName),
	)
	plan, _ := m.plans.Get(FreePlan)
	return plan
}

// alertFor records and returns the next unannounced threshold crossed by the
// feature's usage, if any.
func (m *Meter) alertFor(sub *registrar.Subscription, feature registrar.Feature, limit int) *progress.Event {
	if limit <= 0 {
		return nil
	}
	current := sub.Usage[feature]
	pct := percent(limit, current)
	announced := sub.Notified[feature]
	var stage progress.Stage
	switch {
	case pct >= 100 && announced < 100:
		stage = progress.StageUsageLimit
		sub.Notified[feature] = 100
	case pct >= float64(m.warnPercent) && announced < m.warnPercent:
		stage = progress.StageUsageWarning
		sub.Notified[feature] = m.warnPercent
	default:
		return nil
	}
	return &progress.Event{
		Stage:   stage,
		TS:      m.clock.Now(),
		Owner:   sub.UserID,
		Feature: string(feature),
		Limit:   limit,
		Current: current,
		Percent: pct,
	}
}

func remaining(limit, current int) int {
	if limit == registrar.Unlimited {
		return registrar.Unlimited
	}
	if current >= limit {
		return 0
	}
	return limit - current
}

func percent(limit, current int) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(current)/float64(limit)*10000) / 100
}
