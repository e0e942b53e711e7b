package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the presence state of a user with respect to a laboratory.
type State string

const (
	// StateUnknown is the initial state of a user that was never observed.
	StateUnknown State = "unknown"
	// StateInside marks a user as present in a laboratory.
	StateInside State = "inside"
	// StateOutside marks a user as not present in any laboratory.
	StateOutside State = "outside"
)

// EventKind enumerates the operations recorded in the ledger.
type EventKind string

const (
	EventKindStatusCheck EventKind = "status_check"
	EventKindPunch       EventKind = "punch"
	EventKindExit        EventKind = "exit"
	EventKindReset       EventKind = "reset"
	EventKindReminder    EventKind = "reminder"
)

// Outcome enumerates the result of a recorded operation.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFailure        Outcome = "failure"
	OutcomeAlreadyInState Outcome = "already_in_state"
)

// Source identifies what triggered an operation.
type Source string

const (
	SourceUserCommand  Source = "user_command"
	SourceScheduledJob Source = "scheduled_job"
	SourceAdminAction  Source = "admin_action"
)

var (
	// ErrInvalidState indicates an unrecognised state value.
	ErrInvalidState = errors.New("ledger: invalid state")
	// ErrInvalidEvent indicates an event with missing or unrecognised fields.
	ErrInvalidEvent = errors.New("ledger: invalid event")
	// ErrInvariantViolation indicates a CurrentStatus whose entered_at disagrees with its state.
	ErrInvariantViolation = errors.New("ledger: entered_at must be set if and only if state is inside")
)

// ParseState validates raw input as a State.
func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StateUnknown:
		return StateUnknown, nil
	case StateInside:
		return StateInside, nil
	case StateOutside:
		return StateOutside, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
}

func (k EventKind) valid() bool {
	switch k {
	case EventKindStatusCheck, EventKindPunch, EventKindExit, EventKindReset, EventKindReminder:
		return true
	}
	return false
}

func (o Outcome) valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeAlreadyInState:
		return true
	}
	return false
}

func (s Source) valid() bool {
	switch s {
	case SourceUserCommand, SourceScheduledJob, SourceAdminAction:
		return true
	}
	return false
}

// StatusEvent is an immutable, append-only audit record of one controller invocation.
type StatusEvent struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventUID       string    `gorm:"column:event_uid;size:64;not null;uniqueIndex"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_status_events_user_time,priority:1"`
	Username       string    `gorm:"column:username;size:190;not null;default:''"`
	Kind           EventKind `gorm:"column:event_kind;size:32;not null"`
	LabName        string    `gorm:"column:lab_name;size:190;not null;default:''"`
	Outcome        Outcome   `gorm:"column:outcome;size:32;not null"`
	Reason         string    `gorm:"column:reason;size:64;not null;default:''"`
	ObservedState  State     `gorm:"column:observed_state;size:16;not null;default:''"`
	ResultingState State     `gorm:"column:resulting_state;size:16;not null;default:''"`
	Source         Source    `gorm:"column:source;size:32;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_status_events_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (StatusEvent) TableName() string {
	return "status_events"
}

func (e StatusEvent) validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	if !e.Kind.valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, e.Kind)
	}
	if !e.Outcome.valid() {
		return fmt.Errorf("%w: outcome %q", ErrInvalidEvent, e.Outcome)
	}
	if !e.Source.valid() {
		return fmt.Errorf("%w: source %q", ErrInvalidEvent, e.Source)
	}
	return nil
}

// CurrentStatus is the derived, per-user presence row. It is rebuildable from StatusEvent history.
type CurrentStatus struct {
	UserID    string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username  string     `gorm:"column:username;size:190;not null;default:''"`
	State     State      `gorm:"column:state;size:16;not null;index"`
	LabName   *string    `gorm:"column:lab_name;size:190"`
	EnteredAt *time.Time `gorm:"column:entered_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CurrentStatus) TableName() string {
	return "current_status"
}

// Lab returns the lab name or "" when unset.
func (s CurrentStatus) Lab() string {
	if s.LabName == nil {
		return ""
	}
	return *s.LabName
}

// CheckInvariant verifies that EnteredAt is set if and only if the state is inside.
func (s CurrentStatus) CheckInvariant() error {
	if _, err := ParseState(string(s.State)); err != nil {
		return err
	}
	if (s.State == StateInside) != (s.EnteredAt != nil) {
		return fmt.Errorf("%w: user %s state=%s", ErrInvariantViolation, s.UserID, s.State)
	}
	return nil
}

// SessionUpload records that a session-refresh file was received for a user.
type SessionUpload struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index"`
	Username   string    `gorm:"column:username;size:190;not null;default:''"`
	StoredPath string    `gorm:"column:stored_path;size:512;not null"`
	SizeBytes  int64     `gorm:"column:size_bytes;not null"`
	SHA256     string    `gorm:"column:sha256;size:64;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SessionUpload) TableName() string {
	return "session_uploads"
}

// NewStatus builds a CurrentStatus. An empty lab is stored as NULL; enteredAt is kept only for StateInside.
func NewStatus(userID, username string, state State, lab string, enteredAt time.Time, updatedAt time.Time) CurrentStatus {
	status := CurrentStatus{
		UserID:    userID,
		Username:  username,
		State:     state,
		LabName:   stringPointer(lab),
		UpdatedAt: updatedAt,
	}
	if state == StateInside {
		status.EnteredAt = timePointer(enteredAt)
	}
	return status
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}

func timePointer(value time.Time) *time.Time {
	v := value
	return &v
}
