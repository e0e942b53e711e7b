package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"go.uber.org/zap"
)

// Reminder is the intent to nudge a user who has not punched in yet.
type Reminder struct {
	UserID   string
	Username string
	State    ledger.State
	At       time.Time
}

// Notifier delivers reminders through an external transport.
type Notifier interface {
	Remind(ctx context.Context, reminder Reminder) error
}

// LogNotifier records reminders in the structured log.
type LogNotifier struct {
	Logger *zap.Logger
}

// Remind implements Notifier.
func (n LogNotifier) Remind(_ context.Context, reminder Reminder) error {
	logger := n.Logger
	if logger == nil {
		return nil
	}
	logger.Info("reminder raised",
		zap.String("user_id", reminder.UserID),
		zap.String("username", reminder.Username),
		zap.String("state", string(reminder.State)),
		zap.Time("at", reminder.At),
	)
	return nil
}

// MultiNotifier fans a reminder out to every notifier and joins their errors.
type MultiNotifier []Notifier

// Remind implements Notifier.
func (m MultiNotifier) Remind(ctx context.Context, reminder Reminder) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Remind(ctx, reminder); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
