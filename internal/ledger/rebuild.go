package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Advance returns the status that follows previous after a transition to state in lab at time at.
// entered_at survives only when the user stays inside the same lab.
func Advance(previous CurrentStatus, username string, state State, lab string, at time.Time) CurrentStatus {
	if username == "" {
		username = previous.Username
	}
	enteredAt := at
	if state == StateInside && previous.State == StateInside && previous.EnteredAt != nil && previous.Lab() == lab {
		enteredAt = *previous.EnteredAt
	}
	return NewStatus(previous.UserID, username, state, lab, enteredAt, at)
}

// Rebuild recomputes every CurrentStatus row from the event history and returns the number of rows written.
func (l *Ledger) Rebuild(ctx context.Context) (int, error) {
	statuses := make(map[string]CurrentStatus)
	order := make([]string, 0)

	var batch []StatusEvent
	err := l.db.WithContext(ctx).FindInBatches(&batch, rebuildBatchSize, func(_ *gorm.DB, _ int) error {
		for _, event := range batch {
			previous, seen := statuses[event.UserID]
			if !seen {
				previous = CurrentStatus{UserID: event.UserID, State: StateUnknown}
				order = append(order, event.UserID)
			}
			statuses[event.UserID] = foldEvent(previous, event)
		}
		return nil
	}).Error
	if err != nil {
		l.logError(opRebuild, "event_scan_failed", err)
		return 0, newStorageError(opRebuild, "event_scan_failed", err)
	}

	written := 0
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, userID := range order {
			status := statuses[userID]
			if status.UpdatedAt.IsZero() {
				// only failed or informational events were recorded for this user
				continue
			}
			if err := upsertStatus(tx, status); err != nil {
				l.logError(opRebuild, "status_upsert_failed", err, zap.String("user_id", userID))
				return newStorageError(opRebuild, "status_upsert_failed", err)
			}
			written++
		}
		return nil
	})
	if txErr != nil {
		return 0, asStorageError(opRebuild, "transaction_failed", txErr)
	}
	l.logger.Info("current status rebuilt from ledger", zap.Int("users", written))
	return written, nil
}

// foldEvent applies one event the way the controller applied it to CurrentStatus.
// Only successful transitions write a status; outside and unknown rows never carry a lab.
func foldEvent(previous CurrentStatus, event StatusEvent) CurrentStatus {
	if event.Outcome != OutcomeSuccess || event.ResultingState == "" {
		return previous
	}
	lab := ""
	if event.ResultingState == StateInside {
		lab = event.LabName
	}
	return Advance(previous, event.Username, event.ResultingState, lab, event.CreatedAt.UTC())
}
