package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// CrawlStore keeps crawl jobs and the products they produced. It implements
// both registrar.CrawlStore and registrar.ProductStore so that a crawl item
// and its counters change under one lock.
type CrawlStore struct {
	mu       sync.RWMutex
	jobs     map[string]registrar.CrawlJob
	products map[string]registrar.CrawledProduct
}

// NewCrawlStore constructs a CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		jobs:     make(map[string]registrar.CrawlJob),
		products: make(map[string]registrar.CrawledProduct),
	}
}

// CreateCrawlJob stores a new crawl job.
func (s *CrawlStore) CreateCrawlJob(_ context.Context, job registrar.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("crawl job %s: %w", job.ID, registrar.ErrConflict)
	}
	s.jobs[job.ID] = cloneCrawl(job)
	return nil
}

// GetCrawlJob fetches a crawl job by ID.
func (s *CrawlStore) GetCrawlJob(_ context.Context, jobID string) (registrar.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return registrar.CrawlJob{}, fmt.Errorf("crawl job %s: %w", jobID, registrar.ErrNotFound)
	}
	return cloneCrawl(job), nil
}

// UpdateCrawlJob applies fn to a copy and stores it only when fn succeeds.
func (s *CrawlStore) UpdateCrawlJob(
	_ context.Context,
	jobID string,
	fn func(*registrar.CrawlJob) error,
) (registrar.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return registrar.CrawlJob{}, fmt.Errorf("crawl job %s: %w", jobID, registrar.ErrNotFound)
	}
	next := cloneCrawl(job)
	if err := fn(&next); err != nil {
		return cloneCrawl(job), err
	}
	s.jobs[jobID] = next
	return cloneCrawl(next), nil
}

// ListCrawlJobs returns the owner's crawl jobs, newest first.
func (s *CrawlStore) ListCrawlJobs(
	_ context.Context,
	owner string,
	page registrar.Page,
) ([]registrar.CrawlJob, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.CrawlJob
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, cloneCrawl(job))
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

// DeleteCrawlJob removes the job and its products.
func (s *CrawlStore) DeleteCrawlJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("crawl job %s: %w", jobID, registrar.ErrNotFound)
	}
	delete(s.jobs, jobID)
	for id, p := range s.products {
		if p.CrawlJobID == jobID {
			delete(s.products, id)
		}
	}
	return nil
}

// CountRunningCrawls counts the owner's RUNNING crawl jobs.
func (s *CrawlStore) CountRunningCrawls(_ context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.Owner == owner && job.Status == registrar.CrawlRunning {
			n++
		}
	}
	return n, nil
}

// RecordCrawlItem stores product (nil for a failed item) and bumps counters.
func (s *CrawlStore) RecordCrawlItem(
	_ context.Context,
	jobID string,
	product *registrar.CrawledProduct,
) (registrar.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return registrar.CrawlJob{}, fmt.Errorf("crawl job %s: %w", jobID, registrar.ErrNotFound)
	}
	if job.Status != registrar.CrawlRunning {
		return cloneCrawl(job), fmt.Errorf("record item for %s crawl: %w", job.Status, registrar.ErrInvalidTransition)
	}
	if job.CrawledItems >= job.TotalItems {
		return cloneCrawl(job), fmt.Errorf("crawl %s already has %d items: %w", jobID, job.CrawledItems, registrar.ErrConflict)
	}
	if product != nil {
		if _, exists := s.products[product.ID]; exists {
			return cloneCrawl(job), fmt.Errorf("product %s: %w", product.ID, registrar.ErrConflict)
		}
		s.products[product.ID] = cloneProduct(*product)
		job.SuccessCount++
	} else {
		job.FailureCount++
	}
	job.CrawledItems++
	s.jobs[jobID] = job
	return cloneCrawl(job), nil
}

// GetProduct fetches a crawled product by ID.
func (s *CrawlStore) GetProduct(_ context.Context, productID string) (registrar.CrawledProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return registrar.CrawledProduct{}, fmt.Errorf("product %s: %w", productID, registrar.ErrNotFound)
	}
	return cloneProduct(p), nil
}

// ListProducts returns matching products, newest first.
func (s *CrawlStore) ListProducts(
	_ context.Context,
	filter registrar.ProductFilter,
) ([]registrar.CrawledProduct, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids map[string]struct{}
	if len(filter.IDs) > 0 {
		ids = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = struct{}{}
		}
	}
	var out []registrar.CrawledProduct
	for _, p := range s.products {
		if filter.Owner != "" && p.Owner != filter.Owner {
			continue
		}
		if filter.CrawlJobID != "" && p.CrawlJobID != filter.CrawlJobID {
			continue
		}
		if filter.Registered != nil && p.IsRegistered != *filter.Registered {
			continue
		}
		if ids != nil {
			if _, ok := ids[p.ID]; !ok {
				continue
			}
		}
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CrawledAt.Equal(out[j].CrawledAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CrawledAt.After(out[j].CrawledAt)
	})
	return paginate(out, filter.Page), len(out), nil
}

// UpdateProduct applies fn to a copy and stores it only when fn succeeds.
func (s *CrawlStore) UpdateProduct(
	_ context.Context,
	productID string,
	fn func(*registrar.CrawledProduct) error,
) (registrar.CrawledProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return registrar.CrawledProduct{}, fmt.Errorf("product %s: %w", productID, registrar.ErrNotFound)
	}
	next := cloneProduct(p)
	if err := fn(&next); err != nil {
		return cloneProduct(p), err
	}
	s.products[productID] = next
	return cloneProduct(next), nil
}

// DeleteProduct removes a product.
func (s *CrawlStore) DeleteProduct(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; !ok {
		return fmt.Errorf("product %s: %w", productID, registrar.ErrNotFound)
	}
	delete(s.products, productID)
	return nil
}

// UpdateProducts applies fn to every id, all or nothing.
func (s *CrawlStore) UpdateProducts(
	_ context.Context,
	owner string,
	ids []string,
	fn func(*registrar.CrawledProduct) error,
) ([]registrar.CrawledProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []string
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok || p.Owner != owner {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &registrar.MissingIDsError{IDs: missing}
	}
	staged := make([]registrar.CrawledProduct, 0, len(ids))
	for _, id := range ids {
		next := cloneProduct(s.products[id])
		if err := fn(&next); err != nil {
			return nil, err
		}
		staged = append(staged, next)
	}
	out := make([]registrar.CrawledProduct, 0, len(staged))
	for _, p := range staged {
		s.products[p.ID] = p
		out = append(out, cloneProduct(p))
	}
	return out, nil
}

func cloneCrawl(job registrar.CrawlJob) registrar.CrawlJob {
	cp := job
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

func cloneProduct(p registrar.CrawledProduct) registrar.CrawledProduct {
	cp := p
	cp.OriginalImages = append([]string(nil), p.OriginalImages...)
	return cp
}
