package presence

import (
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
)

// Request identifies the user and context of one controller invocation.
type Request struct {
	UserID   string
	Username string
	// Lab overrides the saved preference when non-empty.
	Lab    string
	Source ledger.Source
}

// Result is the structured outcome of a controller invocation. It carries no user-facing text.
type Result struct {
	UserID        string
	Kind          ledger.EventKind
	Success       bool
	Outcome       ledger.Outcome
	Reason        string
	State         ledger.State
	ObservedState ledger.State
	LabName       string
	EnteredAt     *time.Time
	EventID       int64
}

func resultFromStatus(kind ledger.EventKind, outcome ledger.Outcome, status ledger.CurrentStatus) Result {
	return Result{
		UserID:    status.UserID,
		Kind:      kind,
		Success:   outcome != ledger.OutcomeFailure,
		Outcome:   outcome,
		State:     status.State,
		LabName:   status.Lab(),
		EnteredAt: status.EnteredAt,
	}
}
