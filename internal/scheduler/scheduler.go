package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/presence"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultParallelism    = 4
	reasonDeliveryFailed  = "delivery_failed"
	reasonPanic           = "panic"
	reasonSessionCheck    = "session_check_failed"
	reasonStatusReadError = "status_read_failed"
)

var (
	errMissingPresence = errors.New("presence controller is required")
	errMissingStatuses = errors.New("status reader is required")
	errMissingUsers    = errors.New("preference user lister is required")
)

// Presence is the subset of the controller used by the jobs.
type Presence interface {
	CheckStatus(ctx context.Context, request presence.Request) (presence.Result, error)
	Reset(ctx context.Context, request presence.Request, baseline ledger.State) (presence.Result, error)
}

// StatusLedger is the subset of the ledger used by the jobs.
type StatusLedger interface {
	ReadCurrentStatus(ctx context.Context, userID string) (ledger.CurrentStatus, error)
	KnownUsers(ctx context.Context) ([]string, error)
	AppendEvent(ctx context.Context, event ledger.StatusEvent) (int64, error)
}

// UserLister lists users with a saved lab preference.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Config describes the scheduler.
type Config struct {
	Presence    Presence
	Statuses    StatusLedger
	Preferences UserLister
	Sessions    presence.SessionChecker
	Notifier    Notifier

	Location      *time.Location
	ResetAt       ClockTime
	ReminderAt    ClockTime
	AutoStatusAt  ClockTime
	ResetBaseline ledger.State
	Parallelism   int

	Clock  func() time.Time
	Logger *zap.Logger
}

// Scheduler runs the three daily sweeps over every known user.
type Scheduler struct {
	presence    Presence
	statuses    StatusLedger
	preferences UserLister
	sessions    presence.SessionChecker
	notifier    Notifier

	location    *time.Location
	triggers    map[Job]ClockTime
	baseline    ledger.State
	parallelism int

	clock  func() time.Time
	logger *zap.Logger
}

// Failure names a user whose part of a sweep failed.
type Failure struct {
	UserID string
	Reason string
}

// JobReport summarises one sweep.
type JobReport struct {
	Job        Job
	Total      int
	Succeeded  int
	Failed     int
	Skipped    int
	Failures   []Failure
	StartedAt  time.Time
	FinishedAt time.Time
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Statuses == nil {
		return nil, errMissingStatuses
	}
	if cfg.Preferences == nil {
		return nil, errMissingUsers
	}
	baseline := cfg.ResetBaseline
	if baseline == "" {
		baseline = ledger.StateOutside
	}
	if baseline != ledger.StateOutside && baseline != ledger.StateUnknown {
		return nil, fmt.Errorf("%w: reset baseline %q", ledger.ErrInvalidState, baseline)
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Scheduler{
		presence:    cfg.Presence,
		statuses:    cfg.Statuses,
		preferences: cfg.Preferences,
		sessions:    cfg.Sessions,
		notifier:    notifier,
		location:    location,
		triggers: map[Job]ClockTime{
			JobReset:      cfg.ResetAt,
			JobReminder:   cfg.ReminderAt,
			JobAutoStatus: cfg.AutoStatusAt,
		},
		baseline:    baseline,
		parallelism: parallelism,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Run fires every job at its local trigger time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range Jobs() {
		group.Go(func() error {
			s.loop(groupCtx, job)
			return nil
		})
	}
	return group.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	at := s.triggers[job]
	for {
		next := NextRun(s.clock(), at, s.location)
		s.logger.Info("job scheduled", zap.String("job", string(job)), zap.Time("next_run", next))
		timer := time.NewTimer(next.Sub(s.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.TriggerJob(ctx, string(job)); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", string(job)), zap.Error(err))
		}
	}
}

// TriggerJob runs the named job immediately and returns its report.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (JobReport, error) {
	job, err := ParseJob(name)
	if err != nil {
		return JobReport{}, err
	}
	users, err := s.knownUsers(ctx)
	if err != nil {
		return JobReport{Job: job}, err
	}

	var perUser func(context.Context, string) (sweepOutcome, string)
	switch job {
	case JobReset:
		perUser = s.resetUser
	case JobReminder:
		perUser = s.remindUser
	case JobAutoStatus:
		perUser = s.autoStatusUser
	}
	report := s.sweep(ctx, job, users, perUser)
	s.logger.Info("job finished",
		zap.String("job", string(job)),
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, ctx.Err()
}

// knownUsers is the union of users with a preference and users with a status row.
func (s *Scheduler) knownUsers(ctx context.Context) ([]string, error) {
	withPreference, err := s.preferences.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	withStatus, err := s.statuses.KnownUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := append(slices.Clone(withPreference), withStatus...)
	slices.Sort(users)
	return slices.Compact(users), nil
}

type sweepOutcome int

const (
	outcomeSucceeded sweepOutcome = iota
	outcomeFailed
	outcomeSkipped
)

func (s *Scheduler) sweep(ctx context.Context, job Job, users []string, perUser func(context.Context, string) (sweepOutcome, string)) JobReport {
	report := JobReport{Job: job, Total: len(users), StartedAt: s.clock()}
	var succeeded, failed, skipped atomic.Int64
	var failuresMu sync.Mutex

	group := new(errgroup.Group)
	group.SetLimit(s.parallelism)
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			outcome, reason := s.guard(ctx, job, userID, perUser)
			switch outcome {
			case outcomeSucceeded:
				succeeded.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
				failuresMu.Lock()
				report.Failures = append(report.Failures, Failure{UserID: userID, Reason: reason})
				failuresMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	report.Succeeded = int(succeeded.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())
	slices.SortFunc(report.Failures, func(a, b Failure) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	report.FinishedAt = s.clock()
	return report
}

// guard isolates one user's work so a panic cannot abort the sweep.
func (s *Scheduler) guard(ctx context.Context, job Job, userID string, perUser func(context.Context, string) (sweepOutcome, string)) (outcome sweepOutcome, reason string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("job panicked for user",
				zap.String("job", string(job)),
				zap.String("user_id", userID),
				zap.Any("panic", recovered),
			)
			outcome, reason = outcomeFailed, reasonPanic
			s.recordFailure(ctx, job, userID, "", reasonPanic, nil)
		}
	}()
	return perUser(ctx, userID)
}

func (s *Scheduler) resetUser(ctx context.Context, userID string) (sweepOutcome, string) {
	request := presence.Request{UserID: userID, Source: ledger.SourceScheduledJob}
	if result, err := s.presence.Reset(ctx, request, s.baseline); err != nil {
		s.logUserFailure(JobReset, userID, err)
		reason := presence.ReasonFor(err)
		if result.EventID == 0 {
			s.recordFailure(ctx, JobReset, userID, "", reason, err)
		}
		return outcomeFailed, reason
	}
	return outcomeSucceeded, ""
}

func (s *Scheduler) remindUser(ctx context.Context, userID string) (sweepOutcome, string) {
	status, err := s.statuses.ReadCurrentStatus(ctx, userID)
	if err != nil {
		s.logUserFailure(JobReminder, userID, err)
		s.recordFailure(ctx, JobReminder, userID, "", reasonStatusReadError, err)
		return outcomeFailed, reasonStatusReadError
	}
	if status.State == ledger.StateInside {
		return outcomeSkipped, ""
	}

	reminder := Reminder{UserID: userID, Username: status.Username, State: status.State, At: s.clock()}
	if err := s.notifier.Remind(ctx, reminder); err != nil {
		s.logUserFailure(JobReminder, userID, err)
		s.recordFailure(ctx, JobReminder, userID, status.Username, reasonDeliveryFailed, err)
		return outcomeFailed, reasonDeliveryFailed
	}
	return outcomeSucceeded, ""
}

func (s *Scheduler) autoStatusUser(ctx context.Context, userID string) (sweepOutcome, string) {
	if s.sessions != nil {
		ok, err := s.sessions.HasSession(ctx, userID)
		if err != nil {
			s.logUserFailure(JobAutoStatus, userID, err)
			s.recordFailure(ctx, JobAutoStatus, userID, "", reasonSessionCheck, err)
			return outcomeFailed, reasonSessionCheck
		}
		if !ok {
			return outcomeSkipped, ""
		}
	}
	request := presence.Request{UserID: userID, Source: ledger.SourceScheduledJob}
	if result, err := s.presence.CheckStatus(ctx, request); err != nil {
		s.logUserFailure(JobAutoStatus, userID, err)
		reason := presence.ReasonFor(err)
		if result.EventID == 0 {
			s.recordFailure(ctx, JobAutoStatus, userID, "", reason, err)
		}
		return outcomeFailed, reason
	}
	return outcomeSucceeded, ""
}

// recordFailure appends a scheduled_job failure event for a sweep step the controller did not record.
// Storage faults are only logged since the ledger cannot take the event either.
func (s *Scheduler) recordFailure(ctx context.Context, job Job, userID, username, reason string, cause error) {
	if errors.Is(cause, ledger.ErrStorageFault) {
		return
	}
	event := ledger.StatusEvent{
		UserID:   userID,
		Username: username,
		Kind:     jobEventKind(job),
		Outcome:  ledger.OutcomeFailure,
		Reason:   reason,
		Source:   ledger.SourceScheduledJob,
	}
	if _, err := s.statuses.AppendEvent(ctx, event); err != nil {
		s.logUserFailure(job, userID, err)
	}
}

func jobEventKind(job Job) ledger.EventKind {
	switch job {
	case JobReset:
		return ledger.EventKindReset
	case JobReminder:
		return ledger.EventKindReminder
	default:
		return ledger.EventKindStatusCheck
	}
}

func (s *Scheduler) logUserFailure(job Job, userID string, err error) {
	s.logger.Warn("job failed for user",
		zap.String("job", string(job)),
		zap.String("user_id", userID),
		zap.Error(err),
	)
}
