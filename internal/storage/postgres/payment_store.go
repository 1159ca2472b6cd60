package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const paymentColumns = `id, user_id, subscription_id, gateway_payment_id, order_id, amount, currency,
	status, plan_name, billing_cycle, method, failure_code, result_message, gateway_response,
	refund_reason, refunded_at, paid_at, created_at, updated_at`

func scanPayment(row scanner) (registrar.Payment, error) {
	var (
		p      registrar.Payment
		status string
		cycle  string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.SubscriptionID, &p.GatewayPaymentID, &p.OrderID, &p.Amount, &p.Currency,
		&status, &p.PlanName, &cycle, &p.Method, &p.FailureCode, &p.ResultMessage, &p.GatewayResponse,
		&p.RefundReason, &p.RefundedAt, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return registrar.Payment{}, err
	}
	p.Status = registrar.PaymentStatus(status)
	p.BillingCycle = registrar.BillingCycle(cycle)
	return p, nil
}

func paymentArgs(p registrar.Payment) []any {
	var response any
	if len(p.GatewayResponse) > 0 {
		response = p.GatewayResponse
	}
	return []any{
		p.ID, p.UserID, p.SubscriptionID, p.GatewayPaymentID, p.OrderID, p.Amount, p.Currency,
		string(p.Status), p.PlanName, string(p.BillingCycle), p.Method, p.FailureCode, p.ResultMessage, response,
		p.RefundReason, p.RefundedAt, p.PaidAt, p.CreatedAt, p.UpdatedAt,
	}
}

// CreatePayment inserts a payment. A live payment with the same order id is a conflict.
func (s *Store) CreatePayment(ctx context.Context, payment registrar.Payment) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		paymentArgs(payment)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", payment.OrderID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment fetches a payment by ID.
func (s *Store) GetPayment(ctx context.Context, paymentID string) (registrar.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
	if err != nil {
		return registrar.Payment{}, notFound("payment", paymentID, err)
	}
	return p, nil
}

// UpdatePayment locks the row, applies fn and writes the result back.
func (s *Store) UpdatePayment(
	ctx context.Context,
	paymentID string,
	fn func(*registrar.Payment) error,
) (registrar.Payment, error) {
	var out registrar.Payment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPayment(tx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
		if err != nil {
			return notFound("payment", paymentID, err)
		}
		out = p
		if err := fn(&p); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE payments SET
			user_id = $2, subscription_id = $3, gateway_payment_id = $4, order_id = $5, amount = $6,
			currency = $7, status = $8, plan_name = $9, billing_cycle = $10, method = $11,
			failure_code = $12, result_message = $13, gateway_response = $14, refund_reason = $15,
			refunded_at = $16, paid_at = $17, created_at = $18, updated_at = $19
			WHERE id = $1`, paymentArgs(p)...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("gateway payment %s already settles another payment: %w",
					p.GatewayPaymentID, registrar.ErrConflict)
			}
			return fmt.Errorf("update payment: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// ListPayments returns the user's payments, newest first.
func (s *Store) ListPayments(
	ctx context.Context,
	userID string,
	page registrar.Page,
) ([]registrar.Payment, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	limit, offset := limitArgs(page)
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []registrar.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan payment row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate payments: %w", err)
	}
	return out, total, nil
}
