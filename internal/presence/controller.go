package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/identity"
	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/preferences"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultGatewayTimeout       = 60 * time.Second
	defaultMaxConcurrentGateway = 4
	defaultRetryBackoff         = 2 * time.Second
)

var (
	errMissingLedger      = errors.New("status ledger is required")
	errMissingPreferences = errors.New("preference store is required")
	errMissingGateway     = errors.New("presence gateway is required")
)

// ControllerConfig describes the dependencies and gateway policy of the controller.
type ControllerConfig struct {
	Ledger      *ledger.Ledger
	Preferences *preferences.Store
	Sessions    SessionChecker
	Gateway     Gateway
	Observer    Observer
	Clock       func() time.Time
	Logger      *zap.Logger

	GatewayTimeout       time.Duration
	MaxConcurrentGateway int64
	RetryAttempts        int
	RetryBackoff         time.Duration
}

// Controller is the per-user presence state machine.
type Controller struct {
	ledger      *ledger.Ledger
	preferences *preferences.Store
	sessions    SessionChecker
	gateway     Gateway
	observer    Observer
	clock       func() time.Time
	logger      *zap.Logger

	locks          *userLocks
	gatewaySlots   *semaphore.Weighted
	gatewayTimeout time.Duration
	retryAttempts  int
	retryBackoff   time.Duration
}

// NewController constructs a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Preferences == nil {
		return nil, errMissingPreferences
	}
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	slots := cfg.MaxConcurrentGateway
	if slots <= 0 {
		slots = defaultMaxConcurrentGateway
	}
	attempts := cfg.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	backoff := cfg.RetryBackoff
	if backoff < 0 {
		backoff = defaultRetryBackoff
	}
	return &Controller{
		ledger:         cfg.Ledger,
		preferences:    cfg.Preferences,
		sessions:       cfg.Sessions,
		gateway:        cfg.Gateway,
		observer:       cfg.Observer,
		clock:          clock,
		logger:         logger,
		locks:          newUserLocks(),
		gatewaySlots:   semaphore.NewWeighted(slots),
		gatewayTimeout: timeout,
		retryAttempts:  attempts,
		retryBackoff:   backoff,
	}, nil
}

// invocation is the locked per-user context shared by every operation.
type invocation struct {
	request Request
	kind    ledger.EventKind
	current ledger.CurrentStatus
}

// CheckStatus reads the remote presence and overwrites the cached status with it.
func (c *Controller) CheckStatus(ctx context.Context, request Request) (Result, error) {
	return c.invoke(ctx, ledger.EventKindStatusCheck, request, func(ctx context.Context, inv *invocation) (Result, error) {
		if err := c.requireSession(ctx, inv.request.UserID); err != nil {
			return c.fail(ctx, inv, inv.request.Lab, err)
		}
		lab, err := c.preferences.ResolveLab(ctx, inv.request.UserID, inv.request.Lab)
		if err != nil {
			return c.fail(ctx, inv, inv.request.Lab, err)
		}

		var observed ledger.State
		err = c.callGateway(ctx, inv, func(ctx context.Context) error {
			state, readErr := c.gateway.ReadState(ctx, inv.request.UserID, lab)
			observed = state
			return readErr
		})
		if err != nil {
			return c.fail(ctx, inv, lab, err)
		}
		if _, parseErr := ledger.ParseState(string(observed)); parseErr != nil {
			return c.fail(ctx, inv, lab, fmt.Errorf("%w: unexpected remote state %q", ErrGatewayRejected, observed))
		}

		statusLab := ""
		if observed == ledger.StateInside {
			statusLab = lab
		}
		if observed != inv.current.State {
			c.logger.Info("remote presence differs from cached status",
				zap.String("user_id", inv.request.UserID),
				zap.String("cached_state", string(inv.current.State)),
				zap.String("observed_state", string(observed)),
			)
		}
		next := ledger.Advance(inv.current, inv.request.Username, observed, statusLab, c.now())
		return c.commit(ctx, inv, lab, observed, ledger.OutcomeSuccess, next)
	})
}

// Punch marks the user inside the resolved lab. A user already inside that lab is not sent to the gateway again.
func (c *Controller) Punch(ctx context.Context, request Request) (Result, error) {
	return c.invoke(ctx, ledger.EventKindPunch, request, func(ctx context.Context, inv *invocation) (Result, error) {
		lab, err := c.preferences.ResolveLab(ctx, inv.request.UserID, inv.request.Lab)
		if err != nil {
			return c.fail(ctx, inv, inv.request.Lab, err)
		}
		if inv.current.State == ledger.StateInside && inv.current.Lab() == lab {
			return c.alreadyInState(ctx, inv, lab)
		}
		if err := c.requireSession(ctx, inv.request.UserID); err != nil {
			return c.fail(ctx, inv, lab, err)
		}
		if err := c.callGateway(ctx, inv, func(ctx context.Context) error {
			return c.gateway.Enter(ctx, inv.request.UserID, lab)
		}); err != nil {
			return c.fail(ctx, inv, lab, err)
		}
		now := c.now()
		next := ledger.NewStatus(inv.request.UserID, c.username(inv), ledger.StateInside, lab, now, now)
		return c.commit(ctx, inv, lab, "", ledger.OutcomeSuccess, next)
	})
}

// Exit marks the user outside. A user already outside is not sent to the gateway again.
func (c *Controller) Exit(ctx context.Context, request Request) (Result, error) {
	return c.invoke(ctx, ledger.EventKindExit, request, func(ctx context.Context, inv *invocation) (Result, error) {
		if inv.current.State == ledger.StateOutside {
			return c.alreadyInState(ctx, inv, inv.current.Lab())
		}
		lab, err := c.exitLab(ctx, inv)
		if err != nil {
			return c.fail(ctx, inv, inv.request.Lab, err)
		}
		if err := c.requireSession(ctx, inv.request.UserID); err != nil {
			return c.fail(ctx, inv, lab, err)
		}
		if err := c.callGateway(ctx, inv, func(ctx context.Context) error {
			return c.gateway.Leave(ctx, inv.request.UserID, lab)
		}); err != nil {
			return c.fail(ctx, inv, lab, err)
		}
		now := c.now()
		next := ledger.NewStatus(inv.request.UserID, c.username(inv), ledger.StateOutside, "", now, now)
		return c.commit(ctx, inv, lab, "", ledger.OutcomeSuccess, next)
	})
}

// Reset forces the user to baseline without contacting the gateway and clears lab and entered_at.
func (c *Controller) Reset(ctx context.Context, request Request, baseline ledger.State) (Result, error) {
	if baseline == ledger.StateInside {
		return Result{}, fmt.Errorf("%w: reset baseline cannot be %s", ledger.ErrInvalidState, baseline)
	}
	if _, err := ledger.ParseState(string(baseline)); err != nil {
		return Result{}, err
	}
	return c.invoke(ctx, ledger.EventKindReset, request, func(ctx context.Context, inv *invocation) (Result, error) {
		next := ledger.Advance(inv.current, inv.request.Username, baseline, "", c.now())
		return c.commit(ctx, inv, inv.current.Lab(), "", ledger.OutcomeSuccess, next)
	})
}

// SetLab stores the user's default lab. It never touches the ledger.
func (c *Controller) SetLab(ctx context.Context, userID, lab string) error {
	return c.preferences.SetLab(ctx, userID, lab)
}

// Current returns the cached status of a user without contacting the gateway.
func (c *Controller) Current(ctx context.Context, userID string) (ledger.CurrentStatus, error) {
	return c.ledger.ReadCurrentStatus(ctx, userID)
}

func (c *Controller) invoke(ctx context.Context, kind ledger.EventKind, request Request, operation func(context.Context, *invocation) (Result, error)) (Result, error) {
	userID, err := identity.NewUserID(request.UserID)
	if err != nil {
		return Result{Kind: kind, Outcome: ledger.OutcomeFailure, Reason: ReasonFor(err)}, err
	}
	request.UserID = userID
	if request.Source == "" {
		request.Source = ledger.SourceUserCommand
	}

	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return Result{UserID: userID, Kind: kind, Outcome: ledger.OutcomeFailure, Reason: ReasonFor(err)}, err
	}
	defer unlock()

	current, err := c.ledger.ReadCurrentStatus(ctx, userID)
	if err != nil {
		return Result{UserID: userID, Kind: kind, Outcome: ledger.OutcomeFailure, Reason: ReasonFor(err)}, err
	}
	return operation(ctx, &invocation{request: request, kind: kind, current: current})
}

func (c *Controller) requireSession(ctx context.Context, userID string) error {
	if c.sessions == nil {
		return nil
	}
	ok, err := c.sessions.HasSession(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSession
	}
	return nil
}

func (c *Controller) exitLab(ctx context.Context, inv *invocation) (string, error) {
	if inv.request.Lab != "" {
		return c.preferences.Catalog().Validate(inv.request.Lab)
	}
	if lab := inv.current.Lab(); lab != "" {
		return lab, nil
	}
	lab, err := c.preferences.ResolveLab(ctx, inv.request.UserID, "")
	if errors.Is(err, ErrNoLabConfigured) {
		return "", nil
	}
	return lab, err
}

// callGateway runs call with the per-attempt timeout, retrying network failures with a fixed backoff.
func (c *Controller) callGateway(ctx context.Context, inv *invocation, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.retryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
		err = c.attempt(ctx, call)
		if err == nil || !IsRetryable(err) {
			return err
		}
		c.logger.Warn("gateway attempt failed",
			zap.String("user_id", inv.request.UserID),
			zap.String("event_kind", string(inv.kind)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.retryAttempts+1),
			zap.Error(err),
		)
	}
	return err
}

// attempt holds one gateway slot for as long as the call runs, even past its deadline.
func (c *Controller) attempt(ctx context.Context, call func(context.Context) error) error {
	if err := c.gatewaySlots.Acquire(ctx, 1); err != nil {
		return err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer c.gatewaySlots.Release(1)
		done <- c.recoverCall(attemptCtx, call)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrGatewayTimeout
	}
}

// recoverCall turns a gateway panic into a rejection so it cannot escape the attempt goroutine.
func (c *Controller) recoverCall(ctx context.Context, call func(context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("gateway call panicked", zap.Any("panic", recovered), zap.Stack("stack"))
			err = fmt.Errorf("%w: gateway panic: %v", ErrGatewayRejected, recovered)
		}
	}()
	return call(ctx)
}

func (c *Controller) alreadyInState(ctx context.Context, inv *invocation, lab string) (Result, error) {
	event := c.newEvent(inv, lab, ledger.OutcomeAlreadyInState, "")
	event.ResultingState = inv.current.State
	eventID, err := c.ledger.AppendEvent(ctx, event)
	if err != nil {
		return Result{UserID: inv.request.UserID, Kind: inv.kind, Outcome: ledger.OutcomeFailure, Reason: ReasonFor(err)}, err
	}
	result := resultFromStatus(inv.kind, ledger.OutcomeAlreadyInState, inv.current)
	result.EventID = eventID
	return result, nil
}

// fail records the failed attempt and returns cause unchanged, joined with any storage fault.
func (c *Controller) fail(ctx context.Context, inv *invocation, lab string, cause error) (Result, error) {
	reason := ReasonFor(cause)
	c.logger.Warn("presence operation failed",
		zap.String("user_id", inv.request.UserID),
		zap.String("event_kind", string(inv.kind)),
		zap.String("source", string(inv.request.Source)),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	result := resultFromStatus(inv.kind, ledger.OutcomeFailure, inv.current)
	result.UserID = inv.request.UserID
	result.Reason = reason

	event := c.newEvent(inv, lab, ledger.OutcomeFailure, reason)
	eventID, err := c.ledger.AppendEvent(ctx, event)
	if err != nil {
		return result, errors.Join(cause, err)
	}
	result.EventID = eventID
	return result, cause
}

func (c *Controller) commit(ctx context.Context, inv *invocation, lab string, observed ledger.State, outcome ledger.Outcome, next ledger.CurrentStatus) (Result, error) {
	event := c.newEvent(inv, lab, outcome, "")
	event.ObservedState = observed
	event.CreatedAt = next.UpdatedAt
	eventID, err := c.ledger.RecordTransition(ctx, event, &next)
	if err != nil {
		c.logger.Error("presence transition not recorded",
			zap.String("user_id", inv.request.UserID),
			zap.String("event_kind", string(inv.kind)),
			zap.Error(err),
		)
		return Result{UserID: inv.request.UserID, Kind: inv.kind, Outcome: ledger.OutcomeFailure, Reason: ReasonFor(err)}, err
	}
	if c.observer != nil {
		c.observer.StatusChanged(next)
	}

	result := resultFromStatus(inv.kind, outcome, next)
	result.ObservedState = observed
	result.EventID = eventID
	return result, nil
}

func (c *Controller) newEvent(inv *invocation, lab string, outcome ledger.Outcome, reason string) ledger.StatusEvent {
	return ledger.StatusEvent{
		UserID:   inv.request.UserID,
		Username: c.username(inv),
		Kind:     inv.kind,
		LabName:  lab,
		Outcome:  outcome,
		Reason:   reason,
		Source:   inv.request.Source,
	}
}

func (c *Controller) username(inv *invocation) string {
	if inv.request.Username != "" {
		return inv.request.Username
	}
	return inv.current.Username
}

func (c *Controller) now() time.Time {
	return c.clock().UTC()
}
