// Package subscription manages plan changes on top of the quota meter.
package subscription

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Service exposes plan browsing, upgrades, activation and expiry.
type Service struct {
	meter  *quota.Meter
	store  registrar.SubscriptionStore
	clock  registrar.Clock
	logger *zap.Logger
}

// UsageView is the response for a usage query.
type UsageView struct {
	PlanName     string                            `json:"plan_name"`
	UsageResetAt time.Time                         `json:"usage_reset_at"`
	Usage        map[registrar.Feature]quota.Usage `json:"usage"`
}

// PaymentRequiredError carries the amount due for a paid upgrade.
type PaymentRequiredError struct {
	Plan   string
	Cycle  registrar.BillingCycle
	Amount int64
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("plan %s (%s) requires payment of %d KRW", e.Plan, e.Cycle, e.Amount)
}

// Is matches registrar.ErrPaymentRequired.
func (e *PaymentRequiredError) Is(target error) bool {
	return target == registrar.ErrPaymentRequired
}

// New builds a Service.
func New(meter *quota.Meter, store registrar.SubscriptionStore, clock registrar.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meter: meter, store: store, clock: clock, logger: logger.Named("subscription")}
}

// Plans returns the catalog in display order.
func (s *Service) Plans() []registrar.Plan {
	return s.meter.Plans().All()
}

// My returns the user's subscription, creating a free one if needed.
func (s *Service) My(ctx context.Context, userID string) (registrar.Subscription, error) {
	return s.meter.Update(ctx, userID, nil)
}

// Usage returns the plan name and per-feature usage.
func (s *Service) Usage(ctx context.Context, userID string) (UsageView, error) {
	snap, err := s.meter.UsageSnapshot(ctx, userID)
	if err != nil {
		return UsageView{}, err
	}
	return UsageView{PlanName: snap.PlanName, UsageResetAt: snap.ResetAt, Usage: snap.Features}, nil
}

// Upgrade switches to the free plan directly. Paid plans return a
// *PaymentRequiredError naming the amount to pay through payments.
func (s *Service) Upgrade(
	ctx context.Context,
	userID, planName string,
	cycle registrar.BillingCycle,
) (registrar.Subscription, error) {
	plan, err := s.lookup(planName, cycle)
	if err != nil {
		return registrar.Subscription{}, err
	}
	if plan.Price(cycle) > 0 {
		return registrar.Subscription{}, &PaymentRequiredError{Plan: plan.Name, Cycle: cycle, Amount: plan.Price(cycle)}
	}
	sub, err := s.meter.Update(ctx, userID, func(sub *registrar.Subscription, _ registrar.Plan) error {
		sub.PlanName = plan.Name
		sub.BillingCycle = cycle
		sub.Status = registrar.SubscriptionActive
		sub.EndsAt = nil
		sub.AutoRenew = false
		return nil
	})
	if err != nil {
		return sub, err
	}
	s.logger.Info("plan changed", zap.String("user_id", userID), zap.String("plan", plan.Name))
	return sub, nil
}

// Activate applies a paid plan after a verified payment. A renewal of the
// same active plan extends from the current end date. paymentID makes the
// call idempotent: activating the payment that funded the current period
// again changes nothing.
func (s *Service) Activate(
	ctx context.Context,
	userID, planName string,
	cycle registrar.BillingCycle,
	paymentID string,
	now time.Time,
) (registrar.Subscription, error) {
	plan, err := s.lookup(planName, cycle)
	if err != nil {
		return registrar.Subscription{}, err
	}
	replayed := false
	sub, err := s.meter.Update(ctx, userID, func(sub *registrar.Subscription, _ registrar.Plan) error {
		if paymentID != "" && sub.LastPaymentID == paymentID {
			replayed = true
			return nil
		}
		from := now
		if sub.Status == registrar.SubscriptionActive && sub.PlanName == plan.Name &&
			sub.EndsAt != nil && sub.EndsAt.After(now) {
			from = *sub.EndsAt
		}
		ends := from.Add(cycle.Period())
		paid := now
		sub.PlanName = plan.Name
		sub.BillingCycle = cycle
		sub.Status = registrar.SubscriptionActive
		sub.AutoRenew = true
		sub.EndsAt = &ends
		sub.LastPaymentAt = &paid
		sub.LastPaymentID = paymentID
		sub.UsageResetAt = now.Add(s.meter.Period())
		clear(sub.Usage)
		clear(sub.Notified)
		return nil
	})
	if err != nil {
		return sub, err
	}
	if replayed {
		s.logger.Info("subscription already activated by payment",
			zap.String("user_id", userID),
			zap.String("payment_id", paymentID),
		)
		return sub, nil
	}
	if err != nil {
		return sub, err
	}
	s.logger.Info("subscription activated",
		zap.String("user_id", userID),
		zap.String("plan", plan.Name),
		zap.String("cycle", string(cycle)),
		zap.Timep("ends_at", sub.EndsAt),
	)
	return sub, nil
}

// Cancel stops renewal. The plan stays usable until its end date.
func (s *Service) Cancel(ctx context.Context, userID string) (registrar.Subscription, error) {
	return s.meter.Update(ctx, userID, func(sub *registrar.Subscription, _ registrar.Plan) error {
		if sub.PlanName == quota.FreePlan {
			return fmt.Errorf("%w: the free plan cannot be cancelled", registrar.ErrInvalidArgument)
		}
		if sub.Status == registrar.SubscriptionCancelled {
			return nil
		}
		sub.AutoRenew = false
		sub.Status = registrar.SubscriptionCancelled
		return nil
	})
}

// ExpireDue moves lapsed, non-renewing subscriptions back to the free plan
// and returns how many changed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	users, err := s.store.ListUsersExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired subscriptions: %w", err)
	}
	expired := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, err := s.meter.Update(ctx, userID, func(sub *registrar.Subscription, _ registrar.Plan) error {
			if sub.EndsAt == nil || !sub.EndsAt.Before(now) || sub.AutoRenew {
				return nil
			}
			sub.PlanName = quota.FreePlan
			sub.BillingCycle = registrar.BillingMonthly
			sub.Status = registrar.SubscriptionExpired
			sub.EndsAt = nil
			return nil
		})
		if err != nil {
			s.logger.Warn("subscription expiry failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("subscriptions expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) lookup(planName string, cycle registrar.BillingCycle) (registrar.Plan, error) {
	if !cycle.Valid() {
		return registrar.Plan{}, fmt.Errorf("%w: unknown billing cycle %q", registrar.ErrInvalidArgument, cycle)
	}
	plan, ok := s.meter.Plans().Get(planName)
	if !ok {
		return registrar.Plan{}, fmt.Errorf("%w: unknown plan %q", registrar.ErrInvalidArgument, planName)
	}
	return plan, nil
}
