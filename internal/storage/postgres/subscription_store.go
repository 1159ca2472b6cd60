package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const subscriptionColumns = `id, user_id, plan_name, status, billing_cycle, started_at, ends_at,
	auto_renew, last_payment_at, last_payment_id, usage_reset_at, usage, notified`

func scanSubscription(row scanner) (registrar.Subscription, error) {
	var (
		sub          registrar.Subscription
		status       string
		cycle        string
		usageJSON    []byte
		notifiedJSON []byte
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanName, &status, &cycle, &sub.StartedAt, &sub.EndsAt,
		&sub.AutoRenew, &sub.LastPaymentAt, &sub.LastPaymentID, &sub.UsageResetAt, &usageJSON, &notifiedJSON,
	)
	if err != nil {
		return registrar.Subscription{}, err
	}
	sub.Status = registrar.SubscriptionStatus(status)
	sub.BillingCycle = registrar.BillingCycle(cycle)
	sub.Usage = map[registrar.Feature]int{}
	sub.Notified = map[registrar.Feature]int{}
	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &sub.Usage); err != nil {
			return registrar.Subscription{}, fmt.Errorf("decode usage: %w", err)
		}
	}
	if len(notifiedJSON) > 0 {
		if err := json.Unmarshal(notifiedJSON, &sub.Notified); err != nil {
			return registrar.Subscription{}, fmt.Errorf("decode notified: %w", err)
		}
	}
	return sub, nil
}

func subscriptionArgs(sub registrar.Subscription) ([]any, error) {
	usage := sub.Usage
	if usage == nil {
		usage = map[registrar.Feature]int{}
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("encode usage: %w", err)
	}
	notified := sub.Notified
	if notified == nil {
		notified = map[registrar.Feature]int{}
	}
	notifiedJSON, err := json.Marshal(notified)
	if err != nil {
		return nil, fmt.Errorf("encode notified: %w", err)
	}
	return []any{
		sub.ID, sub.UserID, sub.PlanName, string(sub.Status), string(sub.BillingCycle), sub.StartedAt, sub.EndsAt,
		sub.AutoRenew, sub.LastPaymentAt, sub.LastPaymentID, sub.UsageResetAt, usageJSON, notifiedJSON,
	}, nil
}

// GetSubscription returns the user's subscription.
func (s *Store) GetSubscription(ctx context.Context, userID string) (registrar.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if err != nil {
		return registrar.Subscription{}, notFound("subscription for", userID, err)
	}
	return sub, nil
}

// UpdateSubscription serializes writers per user with a transaction-scoped
// advisory lock, so a missing row can be created without racing.
func (s *Store) UpdateSubscription(
	ctx context.Context,
	userID string,
	fn func(*registrar.Subscription) error,
) (registrar.Subscription, error) {
	var out registrar.Subscription
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return fmt.Errorf("lock subscription: %w", err)
		}
		current, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
		exists := true
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			exists = false
			current = registrar.Subscription{UserID: userID}
		case err != nil:
			return fmt.Errorf("get subscription: %w", err)
		}
		out = current.Clone()
		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		next.UserID = userID
		if !exists && next.ID == "" {
			out = next
			return nil
		}
		args, err := subscriptionArgs(next)
		if err != nil {
			return err
		}
		if exists {
			_, err = tx.Exec(ctx, `UPDATE subscriptions SET
				plan_name = $3, status = $4, billing_cycle = $5, started_at = $6, ends_at = $7,
				auto_renew = $8, last_payment_at = $9, last_payment_id = $10, usage_reset_at = $11, usage = $12,
				notified = $13
				WHERE id = $1 AND user_id = $2`, args...)
		} else {
			_, err = tx.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, args...)
		}
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("subscription for %s: %w", userID, registrar.ErrConflict)
			}
			return fmt.Errorf("save subscription: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Store) listUserIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// ListUsersDue returns users whose usage window closed at or before now.
func (s *Store) ListUsersDue(ctx context.Context, now time.Time) ([]string, error) {
	return s.listUserIDs(ctx,
		`SELECT user_id FROM subscriptions WHERE usage_reset_at <= $1 ORDER BY user_id`, now)
}

// ListUsersExpired returns users whose paid period ended and is not renewing.
func (s *Store) ListUsersExpired(ctx context.Context, now time.Time) ([]string, error) {
	return s.listUserIDs(ctx,
		`SELECT user_id FROM subscriptions WHERE ends_at IS NOT NULL AND ends_at < $1 AND NOT auto_renew
		ORDER BY user_id`, now)
}
