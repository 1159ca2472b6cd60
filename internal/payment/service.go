// Package payment prepares, verifies and refunds plan payments against an
// external gateway.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/progress"
	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Currency is the only currency plans are sold in.
const Currency = "KRW"

// Paging bounds for the payment history.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

const defaultLockTTL = 30 * time.Second

// Failure codes recorded on payments that failed verification. Other codes
// are gateway statuses.
const (
	FailureGateway        = "GATEWAY_ERROR"
	FailureAmountMismatch = "AMOUNT_MISMATCH"
)

// Subscriptions is the slice of the subscription service payments need.
type Subscriptions interface {
	My(ctx context.Context, userID string) (registrar.Subscription, error)
	Activate(
		ctx context.Context,
		userID, planName string,
		cycle registrar.BillingCycle,
		paymentID string,
		now time.Time,
	) (registrar.Subscription, error)
}

// Locker serializes verification of one payment.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// OrderIDs mints merchant order ids.
type OrderIDs interface {
	NewID() (string, error)
	NewOrderID() (string, error)
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Payments      registrar.PaymentStore
	Subscriptions Subscriptions
	Plans         *quota.Catalog
	Gateway       Gateway
	Locker        Locker
	LockTTL       time.Duration
	Clock         registrar.Clock
	IDs           OrderIDs
	Events        progress.Emitter
}

// Prepared is handed to the client to open the gateway checkout.
type Prepared struct {
	PaymentID    string                 `json:"payment_id"`
	OrderID      string                 `json:"order_id"`
	Amount       int64                  `json:"amount"`
	Currency     string                 `json:"currency"`
	PlanName     string                 `json:"plan_name"`
	DisplayName  string                 `json:"plan_display_name"`
	BillingCycle registrar.BillingCycle `json:"billing_cycle"`
}

// VerifyResult reports the outcome of a verification.
type VerifyResult struct {
	Success bool              `json:"success"`
	Status  string            `json:"status"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Payment registrar.Payment `json:"payment"`
}

// Service owns every payment state change.
type Service struct {
	payments registrar.PaymentStore
	subs     Subscriptions
	plans    *quota.Catalog
	gateway  Gateway
	locker   Locker
	lockTTL  time.Duration
	clock    registrar.Clock
	ids      OrderIDs
	events   progress.Emitter
	logger   *zap.Logger
}

// New builds a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Nop{}
	}
	ttl := deps.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Service{
		payments: deps.Payments,
		subs:     deps.Subscriptions,
		plans:    deps.Plans,
		gateway:  deps.Gateway,
		locker:   deps.Locker,
		lockTTL:  ttl,
		clock:    deps.Clock,
		ids:      deps.IDs,
		events:   events,
		logger:   logger.Named("payment"),
	}
}

// Prepare records a pending payment for a paid plan.
func (s *Service) Prepare(
	ctx context.Context,
	userID, planName string,
	cycle registrar.BillingCycle,
) (Prepared, error) {
	if !cycle.Valid() {
		return Prepared{}, fmt.Errorf("%w: unknown billing cycle %q", registrar.ErrInvalidArgument, cycle)
	}
	plan, ok := s.plans.Get(planName)
	if !ok {
		return Prepared{}, fmt.Errorf("%w: unknown plan %q", registrar.ErrInvalidArgument, planName)
	}
	amount := plan.Price(cycle)
	if amount <= 0 {
		return Prepared{}, fmt.Errorf("%w: plan %q needs no payment", registrar.ErrInvalidArgument, planName)
	}
	sub, err := s.subs.My(ctx, userID)
	if err != nil {
		return Prepared{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Prepared{}, fmt.Errorf("payment id: %w", err)
	}
	orderID, err := s.ids.NewOrderID()
	if err != nil {
		return Prepared{}, fmt.Errorf("order id: %w", err)
	}
	now := s.clock.Now()
	p := registrar.Payment{
		ID:             id,
		UserID:         userID,
		SubscriptionID: sub.ID,
		OrderID:        orderID,
		Amount:         amount,
		Currency:       Currency,
		Status:         registrar.PaymentPending,
		PlanName:       plan.Name,
		BillingCycle:   cycle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.CreatePayment(ctx, p); err != nil {
		return Prepared{}, fmt.Errorf("create payment: %w", err)
	}
	metrics.ObservePayment(string(p.Status))
	s.logger.Info("payment prepared",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("user_id", userID),
		zap.String("plan", plan.Name),
		zap.Int64("amount", amount),
	)
	return Prepared{
		PaymentID:    p.ID,
		OrderID:      p.OrderID,
		Amount:       amount,
		Currency:     Currency,
		PlanName:     plan.Name,
		DisplayName:  plan.DisplayName,
		BillingCycle: cycle,
	}, nil
}

// Verify settles a pending payment from the gateway's record. The gateway
// charge must belong to the payment's order. Verifying a settled payment
// replays the first outcome, error included, without calling the gateway.
func (s *Service) Verify(ctx context.Context, userID, paymentID, gatewayPaymentID string) (VerifyResult, error) {
	if strings.TrimSpace(gatewayPaymentID) == "" {
		return VerifyResult{}, fmt.Errorf("%w: gateway payment id is required", registrar.ErrInvalidArgument)
	}
	unlock, err := s.locker.Lock(ctx, "payment:"+paymentID, s.lockTTL)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("lock payment: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release payment lock failed", zap.String("payment_id", paymentID), zap.Error(err))
		}
	}()

	p, err := s.Get(ctx, userID, paymentID)
	if err != nil {
		return VerifyResult{}, err
	}
	if p.Status.Settled() {
		return settledResult(p), failureError(p)
	}

	remote, err := s.gateway.GetPayment(ctx, gatewayPaymentID)
	if err != nil {
		failed, ferr := s.fail(ctx, p, gatewayPaymentID, nil, FailureGateway, err.Error())
		if ferr != nil {
			return VerifyResult{}, errors.Join(err, ferr)
		}
		return settledResult(failed), failureError(failed)
	}
	if remote.OrderID != p.OrderID {
		s.logger.Warn("gateway payment belongs to another order",
			zap.String("payment_id", p.ID),
			zap.String("order_id", p.OrderID),
			zap.String("gateway_payment_id", gatewayPaymentID),
			zap.String("gateway_order_id", remote.OrderID),
		)
		return VerifyResult{}, fmt.Errorf("verify payment %s: %w: gateway payment %s was not made for order %s",
			paymentID, registrar.ErrConflict, gatewayPaymentID, p.OrderID)
	}
	if remote.Amount != p.Amount || !strings.EqualFold(defaultCurrency(remote.Currency), p.Currency) {
		msg := fmt.Sprintf("gateway charged %d %s, expected %d %s",
			remote.Amount, defaultCurrency(remote.Currency), p.Amount, p.Currency)
		failed, err := s.fail(ctx, p, gatewayPaymentID, remote.Raw, FailureAmountMismatch, msg)
		if err != nil {
			return VerifyResult{}, err
		}
		return settledResult(failed), failureError(failed)
	}
	if remote.Status != GatewayStatusPaid {
		reason := remote.FailReason
		if reason == "" {
			reason = "gateway status " + remote.Status
		}
		failed, err := s.fail(ctx, p, gatewayPaymentID, remote.Raw, remote.Status, reason)
		if err != nil {
			return VerifyResult{}, err
		}
		return settledResult(failed), nil
	}

	// Activation runs inside the pending to paid update, so a payment is
	// only marked paid once its plan is applied. Activate is idempotent per
	// payment, which covers a retry after the payment write itself failed.
	now := s.clock.Now()
	paid, err := s.payments.UpdatePayment(ctx, p.ID, func(p *registrar.Payment) error {
		if err := registrar.TransitionPayment(p, registrar.PaymentPaid, now); err != nil {
			return err
		}
		p.GatewayPaymentID = gatewayPaymentID
		p.Method = remote.Method
		p.GatewayResponse = remote.Raw
		p.ResultMessage = "payment completed"
		if _, err := s.subs.Activate(ctx, p.UserID, p.PlanName, p.BillingCycle, p.ID, now); err != nil {
			return fmt.Errorf("activate subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("mark payment paid: %w", err)
	}
	s.settled(paid, progress.StagePaymentPaid)
	return settledResult(paid), nil
}

// Cancel withdraws a pending payment, or refunds a paid one through the
// gateway.
func (s *Service) Cancel(ctx context.Context, userID, paymentID, reason string) (registrar.Payment, error) {
	unlock, err := s.locker.Lock(ctx, "payment:"+paymentID, s.lockTTL)
	if err != nil {
		return registrar.Payment{}, fmt.Errorf("lock payment: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release payment lock failed", zap.String("payment_id", paymentID), zap.Error(err))
		}
	}()

	p, err := s.Get(ctx, userID, paymentID)
	if err != nil {
		return registrar.Payment{}, err
	}
	now := s.clock.Now()
	switch p.Status {
	case registrar.PaymentPending:
		cancelled, err := s.payments.UpdatePayment(ctx, p.ID, func(p *registrar.Payment) error {
			if err := registrar.TransitionPayment(p, registrar.PaymentCancelled, now); err != nil {
				return err
			}
			p.ResultMessage = reason
			return nil
		})
		if err != nil {
			return cancelled, fmt.Errorf("cancel payment: %w", err)
		}
		metrics.ObservePayment(string(cancelled.Status))
		s.logger.Info("payment cancelled", zap.String("payment_id", p.ID))
		return cancelled, nil
	case registrar.PaymentPaid:
		if err := s.gateway.CancelPayment(ctx, p.GatewayPaymentID, reason); err != nil {
			return p, fmt.Errorf("refund payment %s: %w", p.ID, err)
		}
		refunded, err := s.payments.UpdatePayment(ctx, p.ID, func(p *registrar.Payment) error {
			if err := registrar.TransitionPayment(p, registrar.PaymentRefunded, now); err != nil {
				return err
			}
			p.RefundReason = reason
			return nil
		})
		if err != nil {
			return refunded, fmt.Errorf("mark payment refunded: %w", err)
		}
		s.settled(refunded, progress.StagePaymentRefunded)
		return refunded, nil
	default:
		return p, &registrar.TransitionError{Kind: "payment", From: string(p.Status), To: string(registrar.PaymentRefunded)}
	}
}

// History returns one page of the user's payments, newest first.
func (s *Service) History(ctx context.Context, userID string, page registrar.Page) ([]registrar.Payment, int, error) {
	payments, total, err := s.payments.ListPayments(ctx, userID, page.Normalize(DefaultPageSize, MaxPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	return payments, total, nil
}

// Get returns the user's payment. Another user's payment is not found.
func (s *Service) Get(ctx context.Context, userID, paymentID string) (registrar.Payment, error) {
	p, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return registrar.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	if p.UserID != userID {
		return registrar.Payment{}, fmt.Errorf("payment %s: %w", paymentID, registrar.ErrNotFound)
	}
	return p, nil
}

func (s *Service) fail(
	ctx context.Context,
	p registrar.Payment,
	gatewayPaymentID string,
	raw []byte,
	code, message string,
) (registrar.Payment, error) {
	now := s.clock.Now()
	failed, err := s.payments.UpdatePayment(context.WithoutCancel(ctx), p.ID, func(p *registrar.Payment) error {
		if err := registrar.TransitionPayment(p, registrar.PaymentFailed, now); err != nil {
			return err
		}
		p.GatewayPaymentID = gatewayPaymentID
		p.GatewayResponse = raw
		p.FailureCode = code
		p.ResultMessage = message
		return nil
	})
	if err != nil {
		return failed, fmt.Errorf("mark payment failed: %w", err)
	}
	s.settled(failed, progress.StagePaymentFailed)
	return failed, nil
}

func (s *Service) settled(p registrar.Payment, stage progress.Stage) {
	metrics.ObservePayment(string(p.Status))
	s.events.Emit(progress.Event{
		Stage:     stage,
		TS:        p.UpdatedAt,
		Owner:     p.UserID,
		SubjectID: p.ID,
		To:        string(p.Status),
		Amount:    p.Amount,
		Note:      p.ResultMessage,
	})
	s.logger.Info("payment settled",
		zap.String("payment_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("status", string(p.Status)),
		zap.String("failure_code", p.FailureCode),
	)
}

func settledResult(p registrar.Payment) VerifyResult {
	res := VerifyResult{Status: string(p.Status), Code: p.FailureCode, Message: p.ResultMessage, Payment: p}
	switch p.Status {
	case registrar.PaymentPaid:
		res.Success = true
		if res.Message == "" {
			res.Message = "payment completed"
		}
	case registrar.PaymentRefunded:
		res.Success = true
	}
	return res
}

// failureError rebuilds the error a failed verification reported, so a
// replay answers the same way as the first call.
func failureError(p registrar.Payment) error {
	if p.Status != registrar.PaymentFailed {
		return nil
	}
	switch p.FailureCode {
	case FailureGateway:
		return fmt.Errorf("verify payment %s: %w: %s", p.ID, registrar.ErrGateway, p.ResultMessage)
	case FailureAmountMismatch:
		return fmt.Errorf("verify payment %s: %w: %s", p.ID, registrar.ErrAmountMismatch, p.ResultMessage)
	default:
		return nil
	}
}

func defaultCurrency(c string) string {
	if c == "" {
		return Currency
	}
	return c
}
