package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// PaymentStore keeps payments in memory.
type PaymentStore struct {
	mu       sync.RWMutex
	payments map[string]registrar.Payment
}

// NewPaymentStore constructs a PaymentStore.
func NewPaymentStore() *PaymentStore {
	return &PaymentStore{payments: make(map[string]registrar.Payment)}
}

// CreatePayment stores a payment. A live payment with the same order id is a conflict.
func (s *PaymentStore) CreatePayment(_ context.Context, payment registrar.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[payment.ID]; exists {
		return fmt.Errorf("payment %s: %w", payment.ID, registrar.ErrConflict)
	}
	for _, p := range s.payments {
		if p.OrderID == payment.OrderID && p.Status != registrar.PaymentCancelled {
			return fmt.Errorf("order %s: %w", payment.OrderID, registrar.ErrConflict)
		}
	}
	s.payments[payment.ID] = clonePayment(payment)
	return nil
}

// GetPayment fetches a payment by ID.
func (s *PaymentStore) GetPayment(_ context.Context, paymentID string) (registrar.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return registrar.Payment{}, fmt.Errorf("payment %s: %w", paymentID, registrar.ErrNotFound)
	}
	return clonePayment(p), nil
}

// UpdatePayment applies fn to a copy and stores it only when fn succeeds. A
// gateway payment may settle at most one paid or refunded payment.
func (s *PaymentStore) UpdatePayment(
	_ context.Context,
	paymentID string,
	fn func(*registrar.Payment) error,
) (registrar.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return registrar.Payment{}, fmt.Errorf("payment %s: %w", paymentID, registrar.ErrNotFound)
	}
	next := clonePayment(p)
	if err := fn(&next); err != nil {
		return clonePayment(p), err
	}
	if settlesCharge(next) {
		for id, other := range s.payments {
			if id != paymentID && settlesCharge(other) && other.GatewayPaymentID == next.GatewayPaymentID {
				return clonePayment(p), fmt.Errorf("gateway payment %s already settles payment %s: %w",
					next.GatewayPaymentID, id, registrar.ErrConflict)
			}
		}
	}
	s.payments[paymentID] = next
	return clonePayment(next), nil
}

// ListPayments returns the user's payments, newest first.
func (s *PaymentStore) ListPayments(
	_ context.Context,
	userID string,
	page registrar.Page,
) ([]registrar.Payment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page), len(out), nil
}

func settlesCharge(p registrar.Payment) bool {
	return p.GatewayPaymentID != "" &&
		(p.Status == registrar.PaymentPaid || p.Status == registrar.PaymentRefunded)
}

func clonePayment(p registrar.Payment) registrar.Payment {
	cp := p
	cp.GatewayResponse = append([]byte(nil), p.GatewayResponse...)
	if p.PaidAt != nil {
		t := *p.PaidAt
		cp.PaidAt = &t
	}
	if p.RefundedAt != nil {
		t := *p.RefundedAt
		cp.RefundedAt = &t
	}
	return cp
}
