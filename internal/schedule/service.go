// Package schedule manages recurring crawls. A sweep started by the server's
// scheduler turns every due schedule into an ordinary crawl job through the
// crawl orchestrator, so scheduled runs are metered like manual ones.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/crawl"
	"github.com/JakeFAU/bulk-registrar/internal/crawl/adapters"
	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Paging bounds for listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

const (
	admissionTTL  = 30 * time.Second
	maxNameLength = 200
)

// Run outcomes reported to metrics.
const (
	resultStarted     = "started"
	resultRefused     = "refused"
	resultDeactivated = "deactivated"
)

var errNotDue = errors.New("schedule not due")

// Crawler is the slice of the crawl orchestrator schedules need.
type Crawler interface {
	CheckTarget(raw, targetType string) (string, error)
	Create(ctx context.Context, in crawl.CreateInput) (registrar.CrawlJob, error)
	Cancel(ctx context.Context, owner, jobID string) (registrar.CrawlJob, error)
}

// Meter is the slice of the quota meter schedules need.
type Meter interface {
	CheckHeld(ctx context.Context, userID string, feature registrar.Feature, held int) error
	Limit(ctx context.Context, userID string, feature registrar.Feature) (int, error)
}

// Locker serializes schedule admission per owner.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Schedules registrar.ScheduleStore
	Crawler   Crawler
	Meter     Meter
	Locker    Locker
	Clock     registrar.Clock
	IDs       registrar.IDGenerator
}

// Service owns the crawl schedule lifecycle.
type Service struct {
	schedules registrar.ScheduleStore
	crawler   Crawler
	meter     Meter
	locker    Locker
	clock     registrar.Clock
	ids       registrar.IDGenerator
	logger    *zap.Logger
}

// New builds a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		schedules: deps.Schedules,
		crawler:   deps.Crawler,
		meter:     deps.Meter,
		locker:    deps.Locker,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger.Named("schedule"),
	}
}

// nextRun is the first run of frequency strictly after from.
func nextRun(frequency registrar.ScheduleFrequency, from time.Time) time.Time {
	interval, _ := frequency.Interval()
	return cron.Every(interval).Next(from)
}

func validFrequency(f registrar.ScheduleFrequency) error {
	if _, ok := f.Interval(); !ok {
		return fmt.Errorf("%w: frequency must be HOURLY, DAILY, WEEKLY or MONTHLY", registrar.ErrInvalidArgument)
	}
	return nil
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", registrar.ErrInvalidArgument)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", registrar.ErrInvalidArgument, maxNameLength)
	}
	return name, nil
}

// CreateInput describes a new schedule.
type CreateInput struct {
	Owner      string
	Name       string
	URL        string
	TargetType string
	Config     registrar.CrawlConfig
	Frequency  registrar.ScheduleFrequency
}

// Create stores an active schedule whose first run happens on the next
// sweep. Active schedules per owner are capped by the crawl_schedules plan
// limit.
func (s *Service) Create(ctx context.Context, in CreateInput) (registrar.CrawlSchedule, error) {
	if in.Owner == "" {
		return registrar.CrawlSchedule{}, fmt.Errorf("%w: owner is required", registrar.ErrInvalidArgument)
	}
	name, err := validName(in.Name)
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}
	if in.Frequency == "" {
		in.Frequency = registrar.FrequencyDaily
	}
	if err := validFrequency(in.Frequency); err != nil {
		return registrar.CrawlSchedule{}, err
	}
	if in.TargetType == "" {
		in.TargetType = adapters.TypeStatic
	}
	if in.Config.MaxItems < 0 {
		return registrar.CrawlSchedule{}, fmt.Errorf("%w: max_items must be >= 0", registrar.ErrInvalidArgument)
	}
	target, err := s.crawler.CheckTarget(in.URL, in.TargetType)
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}

	unlock, err := s.admit(ctx, in.Owner)
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}
	defer unlock()

	id, err := s.ids.NewID()
	if err != nil {
		return registrar.CrawlSchedule{}, fmt.Errorf("schedule id: %w", err)
	}
	now := s.clock.Now()
	schedule := registrar.CrawlSchedule{
		ID:         id,
		Owner:      in.Owner,
		Name:       name,
		TargetURL:  target,
		TargetType: in.TargetType,
		Config:     in.Config,
		Frequency:  in.Frequency,
		Active:     true,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.schedules.CreateSchedule(ctx, schedule); err != nil {
		return registrar.CrawlSchedule{}, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("crawl schedule created",
		zap.String("schedule_id", schedule.ID),
		zap.String("owner", schedule.Owner),
		zap.String("frequency", string(schedule.Frequency)),
		zap.String("site", metrics.SanitizeSite(schedule.TargetURL)),
	)
	return schedule, nil
}

// admit takes the owner's admission lock and checks that one more active
// schedule fits the plan. The returned func releases the lock.
func (s *Service) admit(ctx context.Context, owner string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "crawl-schedules:"+owner, admissionTTL)
	if err != nil {
		return nil, err
	}
	release := func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release schedule lock failed", zap.String("owner", owner), zap.Error(err))
		}
	}
	held, err := s.schedules.CountActiveSchedules(ctx, owner)
	if err != nil {
		release()
		return nil, fmt.Errorf("count schedules: %w", err)
	}
	if err := s.meter.CheckHeld(ctx, owner, registrar.FeatureSchedules, held); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// Get returns a schedule owned by owner.
func (s *Service) Get(ctx context.Context, owner, scheduleID string) (registrar.CrawlSchedule, error) {
	schedule, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}
	if schedule.Owner != owner {
		return registrar.CrawlSchedule{}, fmt.Errorf("crawl schedule %s: %w", scheduleID, registrar.ErrNotFound)
	}
	return schedule, nil
}

// List returns one page of the owner's schedules plus the total.
func (s *Service) List(ctx context.Context, owner string, page registrar.Page) ([]registrar.CrawlSchedule, int, error) {
	schedules, total, err := s.schedules.ListSchedules(ctx, owner, page.Normalize(DefaultPageSize, MaxPageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, total, nil
}

// UpdateInput carries the mutable fields of a schedule; nil leaves a field
// unchanged.
type UpdateInput struct {
	Name      *string
	Frequency *registrar.ScheduleFrequency
	Active    *bool
	Config    *registrar.CrawlConfig
}

// Update edits a schedule. Reactivating one counts against the plan limit
// and makes it due on the next sweep.
func (s *Service) Update(ctx context.Context, owner, scheduleID string, in UpdateInput) (registrar.CrawlSchedule, error) {
	current, err := s.Get(ctx, owner, scheduleID)
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}
	var name string
	if in.Name != nil {
		if name, err = validName(*in.Name); err != nil {
			return registrar.CrawlSchedule{}, err
		}
	}
	if in.Frequency != nil {
		if err := validFrequency(*in.Frequency); err != nil {
			return registrar.CrawlSchedule{}, err
		}
	}
	if in.Config != nil && in.Config.MaxItems < 0 {
		return registrar.CrawlSchedule{}, fmt.Errorf("%w: max_items must be >= 0", registrar.ErrInvalidArgument)
	}
	activating := in.Active != nil && *in.Active && !current.Active
	if activating {
		unlock, err := s.admit(ctx, owner)
		if err != nil {
			return registrar.CrawlSchedule{}, err
		}
		defer unlock()
	}

	now := s.clock.Now()
	updated, err := s.schedules.UpdateSchedule(ctx, scheduleID, func(sc *registrar.CrawlSchedule) error {
		if in.Name != nil {
			sc.Name = name
		}
		if in.Config != nil {
			sc.Config = *in.Config
		}
		if in.Frequency != nil && *in.Frequency != sc.Frequency {
			sc.Frequency = *in.Frequency
			if sc.LastRunAt != nil {
				sc.NextRunAt = nextRun(sc.Frequency, *sc.LastRunAt)
			}
		}
		if in.Active != nil {
			if *in.Active && !sc.Active {
				sc.NextRunAt = now
				sc.LastError = ""
			}
			sc.Active = *in.Active
		}
		sc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return registrar.CrawlSchedule{}, err
	}
	s.logger.Info("crawl schedule updated",
		zap.String("schedule_id", updated.ID),
		zap.Bool("active", updated.Active),
		zap.String("frequency", string(updated.Frequency)),
	)
	return updated, nil
}

// Delete removes a schedule owned by owner. Crawls it already started are
// kept.
func (s *Service) Delete(ctx context.Context, owner, scheduleID string) error {
	if _, err := s.Get(ctx, owner, scheduleID); err != nil {
		return err
	}
	return s.schedules.DeleteSchedule(ctx, scheduleID)
}

// RunDue starts a crawl for every schedule due at the current time and
// returns how many started. Each run is claimed before its crawl is
// created, so a schedule never runs twice for one due time. A crawl the
// quota refuses is recorded on the schedule and does not fail the sweep.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ids, err := s.schedules.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	started := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.runOne(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", id, err))
			continue
		}
		if ok {
			started++
		}
	}
	return started, errors.Join(errs...)
}

func (s *Service) runOne(ctx context.Context, id string, now time.Time) (bool, error) {
	current, err := s.schedules.GetSchedule(ctx, id)
	if errors.Is(err, registrar.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	limit, err := s.meter.Limit(ctx, current.Owner, registrar.FeatureSchedules)
	if err != nil {
		return false, err
	}
	if limit == 0 {
		return false, s.deactivate(ctx, id, now, "plan does not include crawl schedules")
	}

	claimed, err := s.schedules.UpdateSchedule(ctx, id, func(sc *registrar.CrawlSchedule) error {
		if !sc.Active || sc.NextRunAt.After(now) {
			return errNotDue
		}
		sc.TotalRuns++
		sc.LastRunAt = &now
		sc.NextRunAt = nextRun(sc.Frequency, now)
		sc.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNotDue) || errors.Is(err, registrar.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job, runErr := s.crawler.Create(ctx, crawl.CreateInput{
		Owner:      claimed.Owner,
		URL:        claimed.TargetURL,
		TargetType: claimed.TargetType,
		Config:     claimed.Config,
		AutoStart:  true,
	})
	if runErr != nil && job.ID != "" && job.Status == registrar.CrawlPending {
		// The job was stored but could not start; a schedule never leaves
		// PENDING jobs behind.
		if _, err := s.crawler.Cancel(ctx, claimed.Owner, job.ID); err != nil {
			s.logger.Warn("cancel refused scheduled crawl failed",
				zap.String("schedule_id", id), zap.String("crawl_id", job.ID), zap.Error(err))
		}
	}
	_, err = s.schedules.UpdateSchedule(ctx, id, func(sc *registrar.CrawlSchedule) error {
		sc.LastCrawlID = job.ID
		sc.LastError = ""
		if runErr != nil {
			sc.LastError = runErr.Error()
		}
		return nil
	})
	if err != nil && !errors.Is(err, registrar.ErrNotFound) {
		return false, err
	}
	if runErr != nil {
		metrics.ObserveScheduledCrawl(resultRefused)
		s.logger.Warn("scheduled crawl refused",
			zap.String("schedule_id", id), zap.String("owner", claimed.Owner), zap.Error(runErr))
		return false, nil
	}
	metrics.ObserveScheduledCrawl(resultStarted)
	s.logger.Info("scheduled crawl started",
		zap.String("schedule_id", id),
		zap.String("crawl_id", job.ID),
		zap.Time("next_run_at", claimed.NextRunAt),
	)
	return true, nil
}

func (s *Service) deactivate(ctx context.Context, id string, now time.Time, reason string) error {
	_, err := s.schedules.UpdateSchedule(ctx, id, func(sc *registrar.CrawlSchedule) error {
		sc.Active = false
		sc.LastError = reason
		sc.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, registrar.ErrNotFound) {
		return err
	}
	metrics.ObserveScheduledCrawl(resultDeactivated)
	s.logger.Info("crawl schedule deactivated", zap.String("schedule_id", id), zap.String("reason", reason))
	return nil
}
