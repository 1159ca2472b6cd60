package registrar

import (
	"time"
)

// Row is one parsed spreadsheet row keyed by normalized column name.
type Row map[string]string

// Issue is a row-scoped validation finding.
type Issue struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Job is one bulk spreadsheet-driven registration request.
type Job struct {
	ID                 string     `json:"id"`
	Owner              string     `json:"owner"`
	Status             JobStatus  `json:"status"`
	SourceFile         string     `json:"source_file"`
	SourceName         string     `json:"source_name"`
	CredentialID       string     `json:"credential_id"`
	DryRun             bool       `json:"dry_run"`
	Validated          bool       `json:"validated"`
	TotalRows          int        `json:"total_rows"`
	ProcessedRows      int        `json:"processed_rows"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	ReservedQuota      int        `json:"reserved_quota"`
	ValidationErrors   []Issue    `json:"validation_errors"`
	ValidationWarnings []Issue    `json:"validation_warnings"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CancelRequested    bool       `json:"cancel_requested"`
	ProductIDs         []string   `json:"product_ids,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// ProductResult records the outcome of one source row.
type ProductResult struct {
	ID                string    `json:"id"`
	JobID             string    `json:"job_id"`
	RowIndex          int       `json:"row_index"`
	ProductName       string    `json:"product_name"`
	Success           bool      `json:"success"`
	ExternalProductID string    `json:"external_product_id,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Attempts          int       `json:"attempts"`
	CreatedAt         time.Time `json:"created_at"`
}

// CrawlConfig holds the selector parameters handed to a site adapter.
type CrawlConfig struct {
	ItemSelector  string `json:"item_selector,omitempty"`
	TitleSelector string `json:"title_selector,omitempty"`
	PriceSelector string `json:"price_selector,omitempty"`
	ImageSelector string `json:"image_selector,omitempty"`
	LinkSelector  string `json:"link_selector,omitempty"`
	FollowLinks   bool   `json:"follow_links,omitempty"`
	MaxItems      int    `json:"max_items,omitempty"`
}

// CrawlJob is one request to scrape product data from an external site.
type CrawlJob struct {
	ID              string      `json:"id"`
	Owner           string      `json:"owner"`
	Status          CrawlStatus `json:"status"`
	TargetURL       string      `json:"target_url"`
	TargetType      string      `json:"target_type"`
	Config          CrawlConfig `json:"crawl_config"`
	TotalItems      int         `json:"total_items"`
	CrawledItems    int         `json:"crawled_items"`
	SuccessCount    int         `json:"success_count"`
	FailureCount    int         `json:"failure_count"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// CrawledProduct is a scraped item. Original* fields never change after creation.
type CrawledProduct struct {
	ID                  string    `json:"id"`
	CrawlJobID          string    `json:"crawl_job_id"`
	Owner               string    `json:"owner"`
	OriginalTitle       string    `json:"original_title"`
	OriginalPrice       int64     `json:"original_price"`
	OriginalCurrency    string    `json:"original_currency"`
	OriginalImages      []string  `json:"original_images"`
	OriginalURL         string    `json:"original_url"`
	ProductName         string    `json:"product_name"`
	SalePrice           int64     `json:"sale_price"`
	CategoryID          string    `json:"category_id,omitempty"`
	StockQuantity       int       `json:"stock_quantity"`
	IsRegistered        bool      `json:"is_registered"`
	RegisteredProductID string    `json:"registered_product_id,omitempty"`
	CrawledAt           time.Time `json:"crawled_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// MarkRegistered records a successful registration keeping the invariant
// IsRegistered => RegisteredProductID != "".
func (p *CrawledProduct) MarkRegistered(productID string, now time.Time) error {
	if productID == "" {
		return ErrInvalidArgument
	}
	p.IsRegistered = true
	p.RegisteredProductID = productID
	p.UpdatedAt = now
	return nil
}

// Feature names a metered plan capability.
type Feature string

// Metered features.
const (
	FeatureCrawlJobs        Feature = "crawl_jobs_per_month"
	FeatureProductsPerCrawl Feature = "products_per_crawl"
	FeatureRegistrations    Feature = "product_registrations_per_month"
	FeatureConcurrentCrawls Feature = "concurrent_crawls"
	FeatureSchedules        Feature = "crawl_schedules"
	FeaturePriceAlerts      Feature = "price_alerts"
	FeatureStoredProducts   Feature = "stored_products"
)

// Unlimited marks a limit that always grants.
const Unlimited = -1

// BillingCycle is the payment period for a paid plan.
type BillingCycle string

// Billing cycles.
const (
	BillingMonthly BillingCycle = "monthly"
	BillingYearly  BillingCycle = "yearly"
)

// Valid reports whether the cycle is known.
func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingYearly
}

// Period returns the subscription length bought by one payment.
func (c BillingCycle) Period() time.Duration {
	if c == BillingYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Plan defines per-feature limits and prices.
type Plan struct {
	Name         string          `json:"name"`
	DisplayName  string          `json:"display_name"`
	PriceMonthly int64           `json:"price_monthly"`
	PriceYearly  int64           `json:"price_yearly"`
	Limits       map[Feature]int `json:"limits"`
	Popular      bool            `json:"is_popular"`
	SortOrder    int             `json:"sort_order"`
}

// Limit returns the limit for a feature; missing features are denied.
func (p Plan) Limit(f Feature) int {
	limit, ok := p.Limits[f]
	if !ok {
		return 0
	}
	return limit
}

// Price returns the amount charged for the cycle.
func (p Plan) Price(cycle BillingCycle) int64 {
	if cycle == BillingYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// SubscriptionStatus is the lifecycle of a user subscription.
type SubscriptionStatus string

// Subscription statuses.
const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription binds one plan to a user and carries the usage window.
type Subscription struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	PlanName      string             `json:"plan_name"`
	Status        SubscriptionStatus `json:"status"`
	BillingCycle  BillingCycle       `json:"billing_cycle"`
	StartedAt     time.Time          `json:"started_at"`
	EndsAt        *time.Time         `json:"ends_at,omitempty"`
	AutoRenew     bool               `json:"auto_renew"`
	LastPaymentAt *time.Time         `json:"last_payment_at,omitempty"`
	LastPaymentID string             `json:"last_payment_id,omitempty"`
	UsageResetAt  time.Time          `json:"usage_reset_at"`
	Usage         map[Feature]int    `json:"usage"`
	// Notified remembers which alert thresholds were already announced in
	// the current usage window.
	Notified map[Feature]int `json:"-"`
}

// Clone returns a deep copy.
func (s Subscription) Clone() Subscription {
	cp := s
	cp.Usage = make(map[Feature]int, len(s.Usage))
	for k, v := range s.Usage {
		cp.Usage[k] = v
	}
	cp.Notified = make(map[Feature]int, len(s.Notified))
	for k, v := range s.Notified {
		cp.Notified[k] = v
	}
	if s.EndsAt != nil {
		t := *s.EndsAt
		cp.EndsAt = &t
	}
	if s.LastPaymentAt != nil {
		t := *s.LastPaymentAt
		cp.LastPaymentAt = &t
	}
	return cp
}

// Payment is one gateway transaction for a plan purchase.
type Payment struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	SubscriptionID   string        `json:"subscription_id"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	OrderID          string        `json:"order_id"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"status"`
	PlanName         string        `json:"plan_name"`
	BillingCycle     BillingCycle  `json:"billing_cycle"`
	Method           string        `json:"method,omitempty"`
	FailureCode      string        `json:"failure_code,omitempty"`
	ResultMessage    string        `json:"result_message,omitempty"`
	GatewayResponse  []byte        `json:"-"`
	RefundReason     string        `json:"refund_reason,omitempty"`
	RefundedAt       *time.Time    `json:"refunded_at,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Credential holds client credentials for the registration API.
type Credential struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScheduleFrequency is how often a crawl schedule fires.
type ScheduleFrequency string

// Schedule frequencies.
const (
	FrequencyHourly  ScheduleFrequency = "HOURLY"
	FrequencyDaily   ScheduleFrequency = "DAILY"
	FrequencyWeekly  ScheduleFrequency = "WEEKLY"
	FrequencyMonthly ScheduleFrequency = "MONTHLY"
)

// Interval returns the gap between runs. A month is thirty days.
func (f ScheduleFrequency) Interval() (time.Duration, bool) {
	switch f {
	case FrequencyHourly:
		return time.Hour, true
	case FrequencyDaily:
		return 24 * time.Hour, true
	case FrequencyWeekly:
		return 7 * 24 * time.Hour, true
	case FrequencyMonthly:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

// CrawlSchedule re-runs a crawl of one target on a fixed frequency.
type CrawlSchedule struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Name        string            `json:"name"`
	TargetURL   string            `json:"target_url"`
	TargetType  string            `json:"target_type"`
	Config      CrawlConfig       `json:"crawl_config"`
	Frequency   ScheduleFrequency `json:"frequency"`
	Active      bool              `json:"is_active"`
	TotalRuns   int               `json:"total_runs"`
	LastCrawlID string            `json:"last_crawl_id,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt   time.Time         `json:"next_run_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PricePoint is one observed price of a source listing.
type PricePoint struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	SourceURL string `json:"source_url"`
	ProductID string `json:"product_id"`
	Price     int64  `json:"price"`
	Currency  string `json:"currency"`
	// Change and ChangePercent compare against the previous point of the
	// same listing; both are zero for the first point.
	Change        int64     `json:"price_change"`
	ChangePercent float64   `json:"price_change_percent"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Follow fills Change and ChangePercent from prev.
func (p *PricePoint) Follow(prev PricePoint) {
	p.Change = p.Price - prev.Price
	p.ChangePercent = 0
	if prev.Price > 0 {
		p.ChangePercent = float64(p.Change) / float64(prev.Price) * 100
	}
}

// PriceAlertType names an alert condition.
type PriceAlertType string

// Alert conditions.
const (
	AlertBelow  PriceAlertType = "below"
	AlertAbove  PriceAlertType = "above"
	AlertChange PriceAlertType = "change"
)

// PriceAlert fires once when a watched listing meets its condition.
type PriceAlert struct {
	ID              string         `json:"id"`
	Owner           string         `json:"owner"`
	ProductID       string         `json:"product_id"`
	SourceURL       string         `json:"source_url"`
	Type            PriceAlertType `json:"alert_type"`
	TargetPrice     int64          `json:"target_price,omitempty"`
	ChangeThreshold float64        `json:"change_threshold,omitempty"`
	Active          bool           `json:"is_active"`
	TriggeredAt     *time.Time     `json:"triggered_at,omitempty"`
	TriggeredPrice  int64          `json:"triggered_price,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Matches reports whether point meets the alert condition.
func (a PriceAlert) Matches(point PricePoint) bool {
	switch a.Type {
	case AlertBelow:
		return a.TargetPrice > 0 && point.Price <= a.TargetPrice
	case AlertAbove:
		return a.TargetPrice > 0 && point.Price >= a.TargetPrice
	case AlertChange:
		if a.ChangeThreshold <= 0 || point.Change == 0 {
			return false
		}
		pct := point.ChangePercent
		if pct < 0 {
			pct = -pct
		}
		return pct >= a.ChangeThreshold
	}
	return false
}

// QueueKind separates the bulk-upload and crawl work queues.
type QueueKind string

// Queue kinds.
const (
	KindJob   QueueKind = "job"
	KindCrawl QueueKind = "crawl"
)

// QueueItem wraps a job ready to run.
type QueueItem struct {
	Kind      QueueKind
	JobID     string
	Owner     string
	Submitted int64
}

// Page is a slice window over a listing.
type Page struct {
	Number int
	Size   int
}

// Offset returns the zero-based offset of the page.
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Normalize applies defaults and caps.
func (p Page) Normalize(def, limit int) Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = def
	}
	if p.Size > limit {
		p.Size = limit
	}
	return p
}
