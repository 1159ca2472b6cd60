// Package adapters turns listing pages into crawled items. The set of
// adapters is closed: static (colly + goquery), dynamic (chromedp + goquery)
// and auto (static probe, promoted to headless when the page looks
// client-rendered).
package adapters

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Target types.
const (
	TypeStatic  = "static"
	TypeDynamic = "dynamic"
	TypeAuto    = "auto"
)

// Selector defaults used when a crawl config leaves a field empty.
const (
	DefaultItemSelector  = ".product-item"
	DefaultTitleSelector = ".title"
	DefaultPriceSelector = ".price"
	DefaultImageSelector = "img"
	DefaultLinkSelector  = "a"
)

// Item is one scraped product.
type Item struct {
	Title    string   `json:"title"`
	Price    int64    `json:"price"`
	Currency string   `json:"currency"`
	Images   []string `json:"images"`
	URL      string   `json:"url"`
}

// ItemRef points at one item found on a listing page. Snippet carries what
// the listing itself showed, if anything.
type ItemRef struct {
	URL     string
	Snippet *Item
}

// Adapter lists items on a page and parses each of them.
type Adapter interface {
	FetchList(ctx context.Context, pageURL string, cfg registrar.CrawlConfig) ([]ItemRef, error)
	ParseItem(ctx context.Context, ref ItemRef, cfg registrar.CrawlConfig) (Item, error)
}

// Fetchers are the page sources the adapters render through.
type Fetchers struct {
	Static   registrar.Fetcher
	Headless registrar.Fetcher
	Detector registrar.HeadlessDetector
	// RespectRobots is passed through to static fetches.
	RespectRobots bool
}

// Registry is the lookup table from target type to adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the static, dynamic and auto adapters.
func NewRegistry(f Fetchers) *Registry {
	return &Registry{adapters: map[string]Adapter{
		TypeStatic:  &selectorAdapter{mode: modeStatic, fetchers: f},
		TypeDynamic: &selectorAdapter{mode: modeDynamic, fetchers: f},
		TypeAuto:    &selectorAdapter{mode: modeAuto, fetchers: f},
	}}
}

// Lookup returns the adapter for targetType or registrar.ErrUnsupportedSite.
func (r *Registry) Lookup(targetType string) (Adapter, error) {
	a, ok := r.adapters[targetType]
	if !ok {
		return nil, fmt.Errorf("%w: target type %q", registrar.ErrUnsupportedSite, targetType)
	}
	return a, nil
}

// Types lists the registered target types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// WithDefaults fills empty selectors.
func WithDefaults(cfg registrar.CrawlConfig) registrar.CrawlConfig {
	if cfg.ItemSelector == "" {
		cfg.ItemSelector = DefaultItemSelector
	}
	if cfg.TitleSelector == "" {
		cfg.TitleSelector = DefaultTitleSelector
	}
	if cfg.PriceSelector == "" {
		cfg.PriceSelector = DefaultPriceSelector
	}
	if cfg.ImageSelector == "" {
		cfg.ImageSelector = DefaultImageSelector
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = DefaultLinkSelector
	}
	return cfg
}
