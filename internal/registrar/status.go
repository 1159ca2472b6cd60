package registrar

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a bulk-upload job.
type JobStatus string

// Job statuses.
const (
	JobPending    JobStatus = "PENDING"
	JobValidating JobStatus = "VALIDATING"
	JobUploading  JobStatus = "UPLOADING"
	JobRunning    JobStatus = "RUNNING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobValidating, JobUploading, JobFailed, JobCancelled},
	JobValidating: {JobPending, JobUploading, JobFailed, JobCancelled},
	JobUploading:  {JobRunning, JobFailed, JobCancelled},
	JobRunning:    {JobCompleted, JobFailed, JobCancelled},
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether work may be in flight.
func (s JobStatus) Active() bool {
	return s == JobValidating || s == JobUploading || s == JobRunning
}

// CanTransition reports whether s -> to is legal.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseJobStatus validates a status string.
func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	switch s {
	case JobPending, JobValidating, JobUploading, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown job status %q", ErrInvalidArgument, raw)
	}
}

// TransitionJob moves job to the next status, stamping timestamps. It is the
// only place job statuses change.
func TransitionJob(job *Job, to JobStatus, now time.Time) error {
	if !job.Status.CanTransition(to) {
		return &TransitionError{Kind: "job", From: string(job.Status), To: string(to)}
	}
	job.Status = to
	if to == JobRunning && job.StartedAt == nil {
		job.StartedAt = timePtr(now)
	}
	if to.Terminal() {
		job.FinishedAt = timePtr(now)
	}
	return nil
}

// CrawlStatus is the lifecycle state of a crawl job.
type CrawlStatus string

// Crawl statuses.
const (
	CrawlPending   CrawlStatus = "PENDING"
	CrawlRunning   CrawlStatus = "RUNNING"
	CrawlCompleted CrawlStatus = "COMPLETED"
	CrawlFailed    CrawlStatus = "FAILED"
	CrawlCancelled CrawlStatus = "CANCELLED"
)

var crawlTransitions = map[CrawlStatus][]CrawlStatus{
	CrawlPending: {CrawlRunning, CrawlFailed, CrawlCancelled},
	CrawlRunning: {CrawlCompleted, CrawlFailed, CrawlCancelled},
}

// Terminal reports whether no further transitions are possible.
func (s CrawlStatus) Terminal() bool {
	return s == CrawlCompleted || s == CrawlFailed || s == CrawlCancelled
}

// CanTransition reports whether s -> to is legal.
func (s CrawlStatus) CanTransition(to CrawlStatus) bool {
	for _, next := range crawlTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionCrawl moves a crawl job to the next status.
func TransitionCrawl(job *CrawlJob, to CrawlStatus, now time.Time) error {
	if !job.Status.CanTransition(to) {
		return &TransitionError{Kind: "crawl job", From: string(job.Status), To: string(to)}
	}
	job.Status = to
	if to == CrawlRunning && job.StartedAt == nil {
		job.StartedAt = timePtr(now)
	}
	if to.Terminal() {
		job.FinishedAt = timePtr(now)
	}
	return nil
}

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

// Payment statuses.
const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed, PaymentCancelled},
	PaymentPaid:    {PaymentRefunded},
}

// CanTransition reports whether s -> to is legal.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Settled reports whether verification already produced a final answer.
func (s PaymentStatus) Settled() bool {
	return s != PaymentPending
}

// TransitionPayment moves a payment to the next status.
func TransitionPayment(p *Payment, to PaymentStatus, now time.Time) error {
	if !p.Status.CanTransition(to) {
		return &TransitionError{Kind: "payment", From: string(p.Status), To: string(to)}
	}
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case PaymentPaid:
		p.PaidAt = timePtr(now)
	case PaymentRefunded:
		p.RefundedAt = timePtr(now)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
