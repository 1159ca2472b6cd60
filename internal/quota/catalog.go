package quota

import (
	"sort"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// FreePlan is the plan every new user starts on.
const FreePlan = "free"

// Catalog is an immutable set of plans keyed by name.
type Catalog struct {
	plans map[string]registrar.Plan
}

// NewCatalog builds a catalog from plans. Later duplicates win.
func NewCatalog(plans ...registrar.Plan) *Catalog {
	c := &Catalog{plans: make(map[string]registrar.Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.Name] = p
	}
	return c
}

// DefaultCatalog returns the four standard plans priced in KRW.
func DefaultCatalog() *Catalog {
	u := registrar.Unlimited
	return NewCatalog(
		registrar.Plan{
			Name:        FreePlan,
			DisplayName: "Free",
			SortOrder:   0,
			Limits:      limits(10, 50, 100, 1, 1, 5, 500),
		},
		registrar.Plan{
			Name:         "basic",
			DisplayName:  "Basic",
			PriceMonthly: 29000,
			PriceYearly:  290000,
			SortOrder:    1,
			Limits:       limits(100, 200, 1000, 3, 5, 20, 5000),
		},
		registrar.Plan{
			Name:         "pro",
			DisplayName:  "Pro",
			PriceMonthly: 79000,
			PriceYearly:  790000,
			Popular:      true,
			SortOrder:    2,
			Limits:       limits(500, 1000, 5000, 10, 20, 100, 50000),
		},
		registrar.Plan{
			Name:         "enterprise",
			DisplayName:  "Enterprise",
			PriceMonthly: 199000,
			PriceYearly:  1990000,
			SortOrder:    3,
			Limits:       limits(u, u, u, 50, u, u, u),
		},
	)
}

func limits(crawls, perCrawl, registrations, concurrent, schedules, alerts, stored int) map[registrar.Feature]int {
	return map[registrar.Feature]int{
		registrar.FeatureCrawlJobs:        crawls,
		registrar.FeatureProductsPerCrawl: perCrawl,
		registrar.FeatureRegistrations:    registrations,
		registrar.FeatureConcurrentCrawls: concurrent,
		registrar.FeatureSchedules:        schedules,
		registrar.FeaturePriceAlerts:      alerts,
		registrar.FeatureStoredProducts:   stored,
	}
}

// Get returns the named plan.
func (c *Catalog) Get(name string) (registrar.Plan, bool) {
	p, ok := c.plans[name]
	return p, ok
}

// All returns every plan in display order.
func (c *Catalog) All() []registrar.Plan {
	out := make([]registrar.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}
