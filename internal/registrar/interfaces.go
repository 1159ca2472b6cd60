package registrar

import (
	"context"
	"net/http"
	"time"
)

// ResultFilter narrows a result listing. A zero Page returns everything.
type ResultFilter struct {
	Success *bool
	Page    Page
}

// JobStore persists bulk-upload jobs and their per-row results.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJob applies fn atomically to the stored job and returns the result.
	UpdateJob(ctx context.Context, jobID string, fn func(*Job) error) (Job, error)
	ListJobs(ctx context.Context, owner string, page Page) ([]Job, int, error)
	DeleteJob(ctx context.Context, jobID string) error
	// RecordResult appends one result and bumps the job counters in a single
	// atomic step. A duplicate row index is rejected with ErrConflict.
	RecordResult(ctx context.Context, result ProductResult) (Job, error)
	ListResults(ctx context.Context, jobID string, filter ResultFilter) ([]ProductResult, int, error)
}

// CrawlStore persists crawl jobs.
type CrawlStore interface {
	CreateCrawlJob(ctx context.Context, job CrawlJob) error
	GetCrawlJob(ctx context.Context, jobID string) (CrawlJob, error)
	UpdateCrawlJob(ctx context.Context, jobID string, fn func(*CrawlJob) error) (CrawlJob, error)
	ListCrawlJobs(ctx context.Context, owner string, page Page) ([]CrawlJob, int, error)
	// DeleteCrawlJob removes the job and every product it produced.
	DeleteCrawlJob(ctx context.Context, jobID string) error
	CountRunningCrawls(ctx context.Context, owner string) (int, error)
	// RecordCrawlItem stores product (nil for a failed item) and bumps the
	// crawl counters atomically.
	RecordCrawlItem(ctx context.Context, jobID string, product *CrawledProduct) (CrawlJob, error)
}

// ProductFilter narrows a crawled product listing.
type ProductFilter struct {
	Owner      string
	CrawlJobID string
	Registered *bool
	IDs        []string
	Page       Page
}

// ProductStore persists crawled products.
type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (CrawledProduct, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]CrawledProduct, int, error)
	UpdateProduct(ctx context.Context, productID string, fn func(*CrawledProduct) error) (CrawledProduct, error)
	DeleteProduct(ctx context.Context, productID string) error
	// UpdateProducts applies fn to every id owned by owner, all or nothing.
	// Unknown or foreign ids yield a *MissingIDsError and no mutation.
	UpdateProducts(
		ctx context.Context,
		owner string,
		ids []string,
		fn func(*CrawledProduct) error,
	) ([]CrawledProduct, error)
}

// SubscriptionStore is the single authoritative writer for subscriptions
// and their usage counters.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (Subscription, error)
	// UpdateSubscription runs fn under a per-user lock or transaction. When no
	// subscription exists fn receives one with only UserID set; the store
	// inserts it if fn assigns an ID.
	UpdateSubscription(ctx context.Context, userID string, fn func(*Subscription) error) (Subscription, error)
	// ListUsersDue returns users whose usage window closed at or before now.
	ListUsersDue(ctx context.Context, now time.Time) ([]string, error)
	// ListUsersExpired returns users whose paid period ended before now and
	// that are not renewing.
	ListUsersExpired(ctx context.Context, now time.Time) ([]string, error)
}

// PaymentStore persists payments. Order ids are unique.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	UpdatePayment(ctx context.Context, paymentID string, fn func(*Payment) error) (Payment, error)
	ListPayments(ctx context.Context, userID string, page Page) ([]Payment, int, error)
}

// CredentialStore persists registration API credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentials(ctx context.Context, owner string) ([]Credential, error)
}

// ScheduleStore persists crawl schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule CrawlSchedule) error
	GetSchedule(ctx context.Context, scheduleID string) (CrawlSchedule, error)
	UpdateSchedule(ctx context.Context, scheduleID string, fn func(*CrawlSchedule) error) (CrawlSchedule, error)
	ListSchedules(ctx context.Context, owner string, page Page) ([]CrawlSchedule, int, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
	CountActiveSchedules(ctx context.Context, owner string) (int, error)
	// ListDueSchedules returns the ids of active schedules whose next run is
	// at or before now, oldest first.
	ListDueSchedules(ctx context.Context, now time.Time) ([]string, error)
}

// PriceStore persists listing price history and price alerts.
type PriceStore interface {
	// RecordPrice stores point after filling its change against the latest
	// point of the same owner and source URL. The read and the insert are
	// atomic per listing.
	RecordPrice(ctx context.Context, point PricePoint) (PricePoint, error)
	// ListPrices returns a listing's history, newest first.
	ListPrices(ctx context.Context, owner, sourceURL string, page Page) ([]PricePoint, int, error)
	CreateAlert(ctx context.Context, alert PriceAlert) error
	GetAlert(ctx context.Context, alertID string) (PriceAlert, error)
	UpdateAlert(ctx context.Context, alertID string, fn func(*PriceAlert) error) (PriceAlert, error)
	ListAlerts(ctx context.Context, owner string, page Page) ([]PriceAlert, int, error)
	DeleteAlert(ctx context.Context, alertID string) error
	CountActiveAlerts(ctx context.Context, owner string) (int, error)
	// ListActiveAlerts returns the owner's active alerts on sourceURL.
	ListActiveAlerts(ctx context.Context, owner, sourceURL string) ([]PriceAlert, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FetchRequest describes one page fetch.
type FetchRequest struct {
	JobID         string
	URL           string
	UseHeadless   bool
	Headers       http.Header
	RespectRobots bool
	// WaitSelector, when set, makes headless fetchers wait for a matching
	// element instead of just the body.
	WaitSelector string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Queue provides enqueue/dequeue semantics for runnable jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record ids.
type IDGenerator interface {
	NewID() (string, error)
}
