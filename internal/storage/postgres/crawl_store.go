package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const crawlColumns = `id, owner, status, target_url, target_type, crawl_config, total_items,
	crawled_items, success_count, failure_count, error_message, cancel_requested,
	created_at, started_at, finished_at`

const productColumns = `id, crawl_job_id, owner, original_title, original_price, original_currency,
	original_images, original_url, product_name, sale_price, category_id, stock_quantity,
	is_registered, registered_product_id, crawled_at, updated_at`

func scanCrawl(row scanner) (registrar.CrawlJob, error) {
	var (
		job        registrar.CrawlJob
		status     string
		configJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.Owner, &status, &job.TargetURL, &job.TargetType, &configJSON, &job.TotalItems,
		&job.CrawledItems, &job.SuccessCount, &job.FailureCount, &job.ErrorMessage, &job.CancelRequested,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return registrar.CrawlJob{}, err
	}
	job.Status = registrar.CrawlStatus(status)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return registrar.CrawlJob{}, fmt.Errorf("decode crawl config: %w", err)
		}
	}
	return job, nil
}

func scanProduct(row scanner) (registrar.CrawledProduct, error) {
	var p registrar.CrawledProduct
	err := row.Scan(
		&p.ID, &p.CrawlJobID, &p.Owner, &p.OriginalTitle, &p.OriginalPrice, &p.OriginalCurrency,
		&p.OriginalImages, &p.OriginalURL, &p.ProductName, &p.SalePrice, &p.CategoryID, &p.StockQuantity,
		&p.IsRegistered, &p.RegisteredProductID, &p.CrawledAt, &p.UpdatedAt,
	)
	return p, err
}

// CreateCrawlJob inserts a crawl job row.
func (s *Store) CreateCrawlJob(ctx context.Context, job registrar.CrawlJob) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode crawl config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO crawl_jobs (`+crawlColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		job.ID, job.Owner, string(job.Status), job.TargetURL, job.TargetType, configJSON, job.TotalItems,
		job.CrawledItems, job.SuccessCount, job.FailureCount, job.ErrorMessage, job.CancelRequested,
		job.CreatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("crawl job %s: %w", job.ID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

// GetCrawlJob fetches a crawl job by ID.
func (s *Store) GetCrawlJob(ctx context.Context, jobID string) (registrar.CrawlJob, error) {
	job, err := scanCrawl(s.pool.QueryRow(ctx, `SELECT `+crawlColumns+` FROM crawl_jobs WHERE id = $1`, jobID))
	if err != nil {
		return registrar.CrawlJob{}, notFound("crawl job", jobID, err)
	}
	return job, nil
}

func lockCrawl(ctx context.Context, q querier, jobID string) (registrar.CrawlJob, error) {
	job, err := scanCrawl(q.QueryRow(ctx, `SELECT `+crawlColumns+` FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return registrar.CrawlJob{}, notFound("crawl job", jobID, err)
	}
	return job, nil
}

// UpdateCrawlJob locks the row, applies fn and writes the result back.
func (s *Store) UpdateCrawlJob(
	ctx context.Context,
	jobID string,
	fn func(*registrar.CrawlJob) error,
) (registrar.CrawlJob, error) {
	var out registrar.CrawlJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockCrawl(ctx, tx, jobID)
		if err != nil {
			return err
		}
		out = job
		if err := fn(&job); err != nil {
			return err
		}
		configJSON, err := json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("encode crawl config: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE crawl_jobs SET
			status = $2, target_url = $3, target_type = $4, crawl_config = $5, total_items = $6,
			crawled_items = $7, success_count = $8, failure_count = $9, error_message = $10,
			cancel_requested = $11, started_at = $12, finished_at = $13
			WHERE id = $1`,
			job.ID, string(job.Status), job.TargetURL, job.TargetType, configJSON, job.TotalItems,
			job.CrawledItems, job.SuccessCount, job.FailureCount, job.ErrorMessage,
			job.CancelRequested, job.StartedAt, job.FinishedAt)
		if err != nil {
			return fmt.Errorf("update crawl job: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

// ListCrawlJobs returns the owner's crawl jobs, newest first.
func (s *Store) ListCrawlJobs(
	ctx context.Context,
	owner string,
	page registrar.Page,
) ([]registrar.CrawlJob, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_jobs WHERE owner = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count crawl jobs: %w", err)
	}
	limit, offset := limitArgs(page)
	rows, err := s.pool.Query(ctx, `SELECT `+crawlColumns+` FROM crawl_jobs WHERE owner = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list crawl jobs: %w", err)
	}
	defer rows.Close()
	var out []registrar.CrawlJob
	for rows.Next() {
		job, err := scanCrawl(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan crawl job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate crawl jobs: %w", err)
	}
	return out, total, nil
}

// DeleteCrawlJob removes the job; products cascade.
func (s *Store) DeleteCrawlJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete crawl job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crawl job %s: %w", jobID, registrar.ErrNotFound)
	}
	return nil
}

// CountRunningCrawls counts the owner's RUNNING crawl jobs.
func (s *Store) CountRunningCrawls(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_jobs WHERE owner = $1 AND status = $2`,
		owner, string(registrar.CrawlRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running crawls: %w", err)
	}
	return n, nil
}

// RecordCrawlItem inserts the product (if any) and bumps counters in one transaction.
func (s *Store) RecordCrawlItem(
	ctx context.Context,
	jobID string,
	product *registrar.CrawledProduct,
) (registrar.CrawlJob, error) {
	var out registrar.CrawlJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockCrawl(ctx, tx, jobID)
		if err != nil {
			return err
		}
		out = job
		if job.Status != registrar.CrawlRunning {
			return fmt.Errorf("record item for %s crawl: %w", job.Status, registrar.ErrInvalidTransition)
		}
		if job.CrawledItems >= job.TotalItems {
			return fmt.Errorf("crawl %s already has %d items: %w", jobID, job.CrawledItems, registrar.ErrConflict)
		}
		if product != nil {
			if err := insertProduct(ctx, tx, *product); err != nil {
				return err
			}
			job.SuccessCount++
		} else {
			job.FailureCount++
		}
		job.CrawledItems++
		_, err = tx.Exec(ctx, `UPDATE crawl_jobs SET crawled_items = $2, success_count = $3, failure_count = $4
			WHERE id = $1`, job.ID, job.CrawledItems, job.SuccessCount, job.FailureCount)
		if err != nil {
			return fmt.Errorf("update crawl counters: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

func insertProduct(ctx context.Context, q querier, p registrar.CrawledProduct) error {
	images := p.OriginalImages
	if images == nil {
		images = []string{}
	}
	_, err := q.Exec(ctx, `INSERT INTO crawled_products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		p.ID, p.CrawlJobID, p.Owner, p.OriginalTitle, p.OriginalPrice, p.OriginalCurrency,
		images, p.OriginalURL, p.ProductName, p.SalePrice, p.CategoryID, p.StockQuantity,
		p.IsRegistered, p.RegisteredProductID, p.CrawledAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("product %s: %w", p.ID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func saveProduct(ctx context.Context, q querier, p registrar.CrawledProduct) error {
	_, err := q.Exec(ctx, `UPDATE crawled_products SET
		product_name = $2, sale_price = $3, category_id = $4, stock_quantity = $5,
		is_registered = $6, registered_product_id = $7, updated_at = $8
		WHERE id = $1`,
		p.ID, p.ProductName, p.SalePrice, p.CategoryID, p.StockQuantity,
		p.IsRegistered, p.RegisteredProductID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

// GetProduct fetches a crawled product by ID.
func (s *Store) GetProduct(ctx context.Context, productID string) (registrar.CrawledProduct, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM crawled_products WHERE id = $1`, productID))
	if err != nil {
		return registrar.CrawledProduct{}, notFound("product", productID, err)
	}
	return p, nil
}

func productWhere(filter registrar.ProductFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.Owner != "" {
		add("owner = ?", filter.Owner)
	}
	if filter.CrawlJobID != "" {
		add("crawl_job_id = ?", filter.CrawlJobID)
	}
	if filter.Registered != nil {
		add("is_registered = ?", *filter.Registered)
	}
	if len(filter.IDs) > 0 {
		add("id = ANY(?)", filter.IDs)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListProducts returns matching products, newest first.
func (s *Store) ListProducts(
	ctx context.Context,
	filter registrar.ProductFilter,
) ([]registrar.CrawledProduct, int, error) {
	where, args := productWhere(filter)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawled_products`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}
	limit, offset := limitArgs(filter.Page)
	n := len(args)
	query := `SELECT ` + productColumns + ` FROM crawled_products` + where +
		` ORDER BY crawled_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	var out []registrar.CrawledProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan product row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate products: %w", err)
	}
	return out, total, nil
}

// UpdateProduct locks the row, applies fn and writes the mutable fields back.
func (s *Store) UpdateProduct(
	ctx context.Context,
	productID string,
	fn func(*registrar.CrawledProduct) error,
) (registrar.CrawledProduct, error) {
	var out registrar.CrawledProduct
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanProduct(tx.QueryRow(ctx,
			`SELECT `+productColumns+` FROM crawled_products WHERE id = $1 FOR UPDATE`, productID))
		if err != nil {
			return notFound("product", productID, err)
		}
		out = p
		if err := fn(&p); err != nil {
			return err
		}
		if err := saveProduct(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// DeleteProduct removes a product.
func (s *Store) DeleteProduct(ctx context.Context, productID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawled_products WHERE id = $1`, productID)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", productID, registrar.ErrNotFound)
	}
	return nil
}

// UpdateProducts locks every requested row and applies fn, all or nothing.
func (s *Store) UpdateProducts(
	ctx context.Context,
	owner string,
	ids []string,
	fn func(*registrar.CrawledProduct) error,
) ([]registrar.CrawledProduct, error) {
	var out []registrar.CrawledProduct
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+productColumns+` FROM crawled_products
			WHERE id = ANY($1) AND owner = $2 ORDER BY id FOR UPDATE`, ids, owner)
		if err != nil {
			return fmt.Errorf("lock products: %w", err)
		}
		found := make(map[string]registrar.CrawledProduct, len(ids))
		for rows.Next() {
			p, err := scanProduct(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan product row: %w", err)
			}
			found[p.ID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate products: %w", err)
		}
		var missing []string
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return &registrar.MissingIDsError{IDs: missing}
		}
		out = make([]registrar.CrawledProduct, 0, len(ids))
		for _, id := range ids {
			p := found[id]
			if err := fn(&p); err != nil {
				return err
			}
			if err := saveProduct(ctx, tx, p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
