// Package catalog edits the products a crawl produced before they are
// registered.
package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/sheet"
)

// Paging bounds for listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxAdjustIDs bounds one price adjustment request.
	MaxAdjustIDs = 1000
)

// AdjustType selects how AdjustPrice derives the new sale price.
type AdjustType string

// Supported adjustments.
const (
	AdjustPercentage AdjustType = "percentage"
	AdjustFixed      AdjustType = "fixed"
)

// Filter narrows a product listing.
type Filter struct {
	CrawlJobID string
	Registered *bool
}

// Patch carries the mutable product fields. Nil leaves a field unchanged.
type Patch struct {
	ProductName   *string `json:"product_name"`
	SalePrice     *int64  `json:"sale_price"`
	CategoryID    *string `json:"category_id"`
	StockQuantity *int    `json:"stock_quantity"`
}

// Service manages crawled products.
type Service struct {
	products registrar.ProductStore
	clock    registrar.Clock
	logger   *zap.Logger
}

// New builds a Service.
func New(products registrar.ProductStore, clock registrar.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{products: products, clock: clock, logger: logger.Named("catalog")}
}

// List returns one page of the owner's products plus the total.
func (s *Service) List(
	ctx context.Context,
	owner string,
	filter Filter,
	page registrar.Page,
) ([]registrar.CrawledProduct, int, error) {
	products, total, err := s.products.ListProducts(ctx, registrar.ProductFilter{
		Owner:      owner,
		CrawlJobID: filter.CrawlJobID,
		Registered: filter.Registered,
		Page:       page.Normalize(DefaultPageSize, MaxPageSize),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	return products, total, nil
}

// Get returns the owner's product. Another owner's product is not found.
func (s *Service) Get(ctx context.Context, owner, id string) (registrar.CrawledProduct, error) {
	p, err := s.products.GetProduct(ctx, id)
	if err != nil {
		return registrar.CrawledProduct{}, fmt.Errorf("get product: %w", err)
	}
	if p.Owner != owner {
		return registrar.CrawledProduct{}, fmt.Errorf("product %s: %w", id, registrar.ErrNotFound)
	}
	return p, nil
}

// Update applies patch to the owner's product. The Original* fields are
// never touched.
func (s *Service) Update(ctx context.Context, owner, id string, patch Patch) (registrar.CrawledProduct, error) {
	if err := patch.validate(); err != nil {
		return registrar.CrawledProduct{}, err
	}
	now := s.clock.Now()
	p, err := s.products.UpdateProduct(ctx, id, func(p *registrar.CrawledProduct) error {
		if p.Owner != owner {
			return fmt.Errorf("product %s: %w", id, registrar.ErrNotFound)
		}
		if patch.ProductName != nil {
			p.ProductName = strings.TrimSpace(*patch.ProductName)
		}
		if patch.SalePrice != nil {
			p.SalePrice = *patch.SalePrice
		}
		if patch.CategoryID != nil {
			p.CategoryID = strings.TrimSpace(*patch.CategoryID)
		}
		if patch.StockQuantity != nil {
			p.StockQuantity = *patch.StockQuantity
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return registrar.CrawledProduct{}, fmt.Errorf("update product: %w", err)
	}
	return p, nil
}

func (p Patch) validate() error {
	if p.ProductName != nil && strings.TrimSpace(*p.ProductName) == "" {
		return fmt.Errorf("%w: product_name must not be empty", registrar.ErrInvalidArgument)
	}
	if p.SalePrice != nil && *p.SalePrice < 0 {
		return fmt.Errorf("%w: sale_price must be >= 0", registrar.ErrInvalidArgument)
	}
	if p.StockQuantity != nil && *p.StockQuantity < 0 {
		return fmt.Errorf("%w: stock_quantity must be >= 0", registrar.ErrInvalidArgument)
	}
	return nil
}

// Delete removes the owner's product.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	if err := s.products.DeleteProduct(ctx, id); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

// AdjustPrice recomputes the sale price of every id from its original
// price. Either all ids are updated or none is.
func (s *Service) AdjustPrice(
	ctx context.Context,
	owner string,
	ids []string,
	kind AdjustType,
	value float64,
) ([]registrar.CrawledProduct, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: product_ids must not be empty", registrar.ErrInvalidArgument)
	}
	if len(ids) > MaxAdjustIDs {
		return nil, fmt.Errorf("%w: at most %d products per adjustment", registrar.ErrInvalidArgument, MaxAdjustIDs)
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: adjustment value must be > 0", registrar.ErrInvalidArgument)
	}
	var price func(original int64) int64
	switch kind {
	case AdjustPercentage:
		price = func(original int64) int64 {
			return int64(math.Round(float64(original) * (1 + value/100)))
		}
	case AdjustFixed:
		delta := int64(math.Round(value))
		price = func(original int64) int64 {
			return max(original+delta, 0)
		}
	default:
		return nil, fmt.Errorf("%w: adjustment type %q", registrar.ErrInvalidArgument, kind)
	}

	now := s.clock.Now()
	updated, err := s.products.UpdateProducts(ctx, owner, dedupe(ids), func(p *registrar.CrawledProduct) error {
		p.SalePrice = price(p.OriginalPrice)
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adjust prices: %w", err)
	}
	s.logger.Info("prices adjusted",
		zap.String("owner", owner),
		zap.String("type", string(kind)),
		zap.Float64("value", value),
		zap.Int("count", len(updated)),
	)
	return updated, nil
}

// Export renders every matching product as an XLSX workbook.
func (s *Service) Export(ctx context.Context, owner string, filter Filter) ([]byte, error) {
	products, _, err := s.products.ListProducts(ctx, registrar.ProductFilter{
		Owner:      owner,
		CrawlJobID: filter.CrawlJobID,
		Registered: filter.Registered,
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return sheet.WriteProducts(products)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
