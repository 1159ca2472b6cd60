package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the kind of lifecycle milestone an Event records.
type Stage string

// Supported stages.
const (
	StageJobTransition   Stage = "JOB_TRANSITION"
	StageCrawlTransition Stage = "CRAWL_TRANSITION"
	StageUsageWarning    Stage = "USAGE_WARNING"
	StageUsageLimit      Stage = "USAGE_LIMIT"
	StagePaymentPaid     Stage = "PAYMENT_PAID"
	StagePaymentFailed   Stage = "PAYMENT_FAILED"
	StagePaymentRefunded Stage = "PAYMENT_REFUNDED"
	StagePriceAlert      Stage = "PRICE_ALERT"
)

// Counters snapshots a job's row or item accounting.
type Counters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failure   int `json:"failure"`
}

// Event is one lifecycle milestone.
type Event struct {
	Stage Stage     `json:"stage"`
	TS    time.Time `json:"ts"`
	Owner string    `json:"owner"`
	// SubjectID is the job, crawl job, payment or price alert id.
	SubjectID string   `json:"subject_id,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Counters  Counters `json:"counters"`
	// Feature, Limit, Current and Percent describe usage alerts.
	Feature string  `json:"feature,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Current int     `json:"current,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Amount  int64   `json:"amount,omitempty"`
	// Dur is the wall time of a job that just reached a terminal state.
	Dur  time.Duration `json:"duration_ns,omitempty"`
	Note string        `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Owner == "" {
		return errors.New("owner is required")
	}
	switch e.Stage {
	case StageJobTransition, StageCrawlTransition:
		if e.SubjectID == "" || e.To == "" {
			return fmt.Errorf("%s requires subject and target status", e.Stage)
		}
	case StageUsageWarning, StageUsageLimit:
		if e.Feature == "" {
			return fmt.Errorf("%s requires feature", e.Stage)
		}
	case StagePaymentPaid, StagePaymentFailed, StagePaymentRefunded:
		if e.SubjectID == "" {
			return fmt.Errorf("%s requires payment id", e.Stage)
		}
	case StagePriceAlert:
		if e.SubjectID == "" {
			return fmt.Errorf("%s requires alert id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Kind returns the coarse family of the stage.
func (e Event) Kind() string {
	switch e.Stage {
	case StageJobTransition:
		return "job"
	case StageCrawlTransition:
		return "crawl"
	case StageUsageWarning, StageUsageLimit:
		return "usage"
	case StagePriceAlert:
		return "price"
	default:
		return "payment"
	}
}
