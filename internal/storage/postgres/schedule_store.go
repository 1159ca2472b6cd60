package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const scheduleColumns = `id, owner, name, target_url, target_type, crawl_config, frequency, is_active,
	total_runs, last_crawl_id, last_error, last_run_at, next_run_at, created_at, updated_at`

func scanSchedule(row scanner) (registrar.CrawlSchedule, error) {
	var (
		s          registrar.CrawlSchedule
		frequency  string
		configJSON []byte
	)
	err := row.Scan(
		&s.ID, &s.Owner, &s.Name, &s.TargetURL, &s.TargetType, &configJSON, &frequency, &s.Active,
		&s.TotalRuns, &s.LastCrawlID, &s.LastError, &s.LastRunAt, &s.NextRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}
	s.Frequency = registrar.ScheduleFrequency(frequency)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &s.Config); err != nil {
			return registrar.CrawlSchedule{}, fmt.Errorf("decode schedule config: %w", err)
		}
	}
	return s, nil
}

// CreateSchedule inserts a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, schedule registrar.CrawlSchedule) error {
	configJSON, err := json.Marshal(schedule.Config)
	if err != nil {
		return fmt.Errorf("encode schedule config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO crawl_schedules (`+scheduleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		schedule.ID, schedule.Owner, schedule.Name, schedule.TargetURL, schedule.TargetType, configJSON,
		string(schedule.Frequency), schedule.Active, schedule.TotalRuns, schedule.LastCrawlID, schedule.LastError,
		schedule.LastRunAt, schedule.NextRunAt, schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %s: %w", schedule.ID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (registrar.CrawlSchedule, error) {
	schedule, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM crawl_schedules WHERE id = $1`, scheduleID))
	if err != nil {
		return registrar.CrawlSchedule{}, notFound("schedule", scheduleID, err)
	}
	return schedule, nil
}

// UpdateSchedule locks the row, applies fn and writes the result back.
func (s *Store) UpdateSchedule(
	ctx context.Context,
	scheduleID string,
	fn func(*registrar.CrawlSchedule) error,
) (registrar.CrawlSchedule, error) {
	var out registrar.CrawlSchedule
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		schedule, err := scanSchedule(tx.QueryRow(ctx,
			`SELECT `+scheduleColumns+` FROM crawl_schedules WHERE id = $1 FOR UPDATE`, scheduleID))
		if err != nil {
			return notFound("schedule", scheduleID, err)
		}
		out = schedule
		if err := fn(&schedule); err != nil {
			return err
		}
		configJSON, err := json.Marshal(schedule.Config)
		if err != nil {
			return fmt.Errorf("encode schedule config: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE crawl_schedules SET
			name = $2, target_url = $3, target_type = $4, crawl_config = $5, frequency = $6,
			is_active = $7, total_runs = $8, last_crawl_id = $9, last_error = $10,
			last_run_at = $11, next_run_at = $12, updated_at = $13
			WHERE id = $1`,
			schedule.ID, schedule.Name, schedule.TargetURL, schedule.TargetType, configJSON,
			string(schedule.Frequency), schedule.Active, schedule.TotalRuns, schedule.LastCrawlID,
			schedule.LastError, schedule.LastRunAt, schedule.NextRunAt, schedule.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		out = schedule
		return nil
	})
	return out, err
}

// ListSchedules returns the owner's schedules, newest first.
func (s *Store) ListSchedules(
	ctx context.Context,
	owner string,
	page registrar.Page,
) ([]registrar.CrawlSchedule, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_schedules WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count schedules: %w", err)
	}
	limit, offset := limitArgs(page)
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM crawl_schedules WHERE owner = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []registrar.CrawlSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan schedule row: %w", err)
		}
		out = append(out, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, total, nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", scheduleID, registrar.ErrNotFound)
	}
	return nil
}

// CountActiveSchedules counts the owner's active schedules.
func (s *Store) CountActiveSchedules(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM crawl_schedules WHERE owner = $1 AND is_active`, owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active schedules: %w", err)
	}
	return n, nil
}

// ListDueSchedules returns active schedules due at now, oldest due first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM crawl_schedules
		WHERE is_active AND next_run_at <= $1 ORDER BY next_run_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due schedules: %w", err)
	}
	return ids, nil
}
