package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const pricePointColumns = `id, owner, source_url, product_id, price, currency, price_change,
	price_change_percent, checked_at`

const alertColumns = `id, owner, product_id, source_url, alert_type, target_price, change_threshold,
	is_active, triggered_at, triggered_price, created_at`

func scanPricePoint(row scanner) (registrar.PricePoint, error) {
	var p registrar.PricePoint
	err := row.Scan(
		&p.ID, &p.Owner, &p.SourceURL, &p.ProductID, &p.Price, &p.Currency, &p.Change,
		&p.ChangePercent, &p.CheckedAt,
	)
	return p, err
}

func scanAlert(row scanner) (registrar.PriceAlert, error) {
	var (
		a         registrar.PriceAlert
		alertType string
	)
	err := row.Scan(
		&a.ID, &a.Owner, &a.ProductID, &a.SourceURL, &alertType, &a.TargetPrice, &a.ChangeThreshold,
		&a.Active, &a.TriggeredAt, &a.TriggeredPrice, &a.CreatedAt,
	)
	a.Type = registrar.PriceAlertType(alertType)
	return a, err
}

// RecordPrice inserts point under a transaction-scoped advisory lock on the
// listing, so concurrent observations of one listing chain their changes.
func (s *Store) RecordPrice(ctx context.Context, point registrar.PricePoint) (registrar.PricePoint, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ' ' || $2))`,
			point.Owner, point.SourceURL); err != nil {
			return fmt.Errorf("lock listing: %w", err)
		}
		prev, err := scanPricePoint(tx.QueryRow(ctx, `SELECT `+pricePointColumns+` FROM price_history
			WHERE owner = $1 AND source_url = $2 ORDER BY checked_at DESC, id DESC LIMIT 1`,
			point.Owner, point.SourceURL))
		switch {
		case err == nil:
			point.Follow(prev)
		case !isNoRows(err):
			return fmt.Errorf("latest price: %w", err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO price_history (`+pricePointColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			point.ID, point.Owner, point.SourceURL, point.ProductID, point.Price, point.Currency, point.Change,
			point.ChangePercent, point.CheckedAt)
		if err != nil {
			return fmt.Errorf("insert price point: %w", err)
		}
		return nil
	})
	if err != nil {
		return registrar.PricePoint{}, err
	}
	return point, nil
}

// ListPrices returns a listing's history, newest first.
func (s *Store) ListPrices(
	ctx context.Context,
	owner, sourceURL string,
	page registrar.Page,
) ([]registrar.PricePoint, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM price_history WHERE owner = $1 AND source_url = $2`,
		owner, sourceURL).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count price history: %w", err)
	}
	limit, offset := limitArgs(page)
	rows, err := s.pool.Query(ctx, `SELECT `+pricePointColumns+` FROM price_history
		WHERE owner = $1 AND source_url = $2
		ORDER BY checked_at DESC, id DESC LIMIT $3 OFFSET $4`, owner, sourceURL, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list price history: %w", err)
	}
	defer rows.Close()
	var out []registrar.PricePoint
	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan price row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate price history: %w", err)
	}
	return out, total, nil
}

// CreateAlert inserts an alert row.
func (s *Store) CreateAlert(ctx context.Context, alert registrar.PriceAlert) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO price_alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		alert.ID, alert.Owner, alert.ProductID, alert.SourceURL, string(alert.Type), alert.TargetPrice,
		alert.ChangeThreshold, alert.Active, alert.TriggeredAt, alert.TriggeredPrice, alert.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("price alert %s: %w", alert.ID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert price alert: %w", err)
	}
	return nil
}

// GetAlert fetches an alert by ID.
func (s *Store) GetAlert(ctx context.Context, alertID string) (registrar.PriceAlert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM price_alerts WHERE id = $1`, alertID))
	if err != nil {
		return registrar.PriceAlert{}, notFound("price alert", alertID, err)
	}
	return a, nil
}

// UpdateAlert locks the row, applies fn and writes the mutable fields back.
func (s *Store) UpdateAlert(
	ctx context.Context,
	alertID string,
	fn func(*registrar.PriceAlert) error,
) (registrar.PriceAlert, error) {
	var out registrar.PriceAlert
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAlert(tx.QueryRow(ctx,
			`SELECT `+alertColumns+` FROM price_alerts WHERE id = $1 FOR UPDATE`, alertID))
		if err != nil {
			return notFound("price alert", alertID, err)
		}
		out = a
		if err := fn(&a); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE price_alerts SET
			target_price = $2, change_threshold = $3, is_active = $4, triggered_at = $5, triggered_price = $6
			WHERE id = $1`,
			a.ID, a.TargetPrice, a.ChangeThreshold, a.Active, a.TriggeredAt, a.TriggeredPrice)
		if err != nil {
			return fmt.Errorf("update price alert: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}

func (s *Store) queryAlerts(ctx context.Context, sql string, args ...any) ([]registrar.PriceAlert, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list price alerts: %w", err)
	}
	defer rows.Close()
	var out []registrar.PriceAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price alert row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price alerts: %w", err)
	}
	return out, nil
}

// ListAlerts returns the owner's alerts, newest first.
func (s *Store) ListAlerts(
	ctx context.Context,
	owner string,
	page registrar.Page,
) ([]registrar.PriceAlert, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM price_alerts WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count price alerts: %w", err)
	}
	limit, offset := limitArgs(page)
	out, err := s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM price_alerts WHERE owner = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// DeleteAlert removes an alert.
func (s *Store) DeleteAlert(ctx context.Context, alertID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_alerts WHERE id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("delete price alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("price alert %s: %w", alertID, registrar.ErrNotFound)
	}
	return nil
}

// CountActiveAlerts counts the owner's active alerts.
func (s *Store) CountActiveAlerts(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM price_alerts WHERE owner = $1 AND is_active`, owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active price alerts: %w", err)
	}
	return n, nil
}

// ListActiveAlerts returns the owner's active alerts on sourceURL.
func (s *Store) ListActiveAlerts(ctx context.Context, owner, sourceURL string) ([]registrar.PriceAlert, error) {
	return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM price_alerts
		WHERE owner = $1 AND source_url = $2 AND is_active
		ORDER BY created_at DESC, id DESC`, owner, sourceURL)
}
