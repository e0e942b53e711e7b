package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStorageFault marks a persistence failure. It is fatal for the calling operation.
var ErrStorageFault = errors.New("ledger: storage fault")

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opRecordTransition    = "ledger.record_transition"
	opUpsertCurrentStatus = "ledger.upsert_current_status"
	opReadCurrentStatus   = "ledger.read_current_status"
	opListCurrentStatus   = "ledger.list_current_status"
	opListEvents          = "ledger.list_events"
	opKnownUsers          = "ledger.known_users"
	opRebuild             = "ledger.rebuild"
	opRecordSessionUpload = "ledger.record_session_upload"
	opLatestSessionUpload = "ledger.latest_session_upload"

	defaultPageLimit = 50
	maxPageLimit     = 500
	rebuildBatchSize = 500
)

// StorageError carries an operation.reason code and unwraps to both ErrStorageFault and its cause.
type StorageError struct {
	code string
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StorageError) Unwrap() []error {
	if e.err == nil {
		return []error{ErrStorageFault}
	}
	return []error{ErrStorageFault, e.err}
}

// Code returns the operation.reason identifier.
func (e *StorageError) Code() string {
	return e.code
}

func newStorageError(operation, reason string, cause error) error {
	return &StorageError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the dependencies of the ledger.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Ledger owns the append-only status event log, the derived current-status table and the session upload audit.
type Ledger struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// New constructs a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Filter narrows ListCurrentStatus results. Zero values match everything.
type Filter struct {
	State State
	Lab   string
}

// Page selects a keyset page ordered by user id.
type Page struct {
	After string
	Limit int
}

// StatusPage is one page of CurrentStatus rows. NextCursor is empty on the last page.
type StatusPage struct {
	Items      []CurrentStatus
	NextCursor string
}

// AppendEvent durably appends an event without touching CurrentStatus.
func (l *Ledger) AppendEvent(ctx context.Context, event StatusEvent) (int64, error) {
	return l.RecordTransition(ctx, event, nil)
}

// RecordTransition appends event and, when status is non-nil, overwrites the user's CurrentStatus
// in the same transaction. The event's ResultingState mirrors the written status.
func (l *Ledger) RecordTransition(ctx context.Context, event StatusEvent, status *CurrentStatus) (int64, error) {
	if err := event.validate(); err != nil {
		return 0, err
	}
	if status != nil {
		if status.UserID != event.UserID {
			return 0, fmt.Errorf("%w: status user %q does not match event user %q", ErrInvalidEvent, status.UserID, event.UserID)
		}
		if err := status.CheckInvariant(); err != nil {
			return 0, err
		}
		event.ResultingState = status.State
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.clock()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	if event.EventUID == "" {
		eventUID, err := l.idProvider.NewID()
		if err != nil {
			l.logError(opRecordTransition, "id_generation_failed", err, zap.String("user_id", event.UserID))
			return 0, newStorageError(opRecordTransition, "id_generation_failed", err)
		}
		event.EventUID = eventUID
	}

	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			l.logError(opRecordTransition, "event_insert_failed", err, zap.String("user_id", event.UserID))
			return newStorageError(opRecordTransition, "event_insert_failed", err)
		}
		if status == nil {
			return nil
		}
		row := *status
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = event.CreatedAt
		}
		if err := upsertStatus(tx, row); err != nil {
			l.logError(opRecordTransition, "status_upsert_failed", err, zap.String("user_id", event.UserID))
			return newStorageError(opRecordTransition, "status_upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, asStorageError(opRecordTransition, "transaction_failed", txErr)
	}
	return event.ID, nil
}

// UpsertCurrentStatus overwrites the single CurrentStatus row of a user.
func (l *Ledger) UpsertCurrentStatus(ctx context.Context, status CurrentStatus) error {
	if _, err := identity.NewUserID(status.UserID); err != nil {
		return err
	}
	if err := status.CheckInvariant(); err != nil {
		return err
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = l.clock().UTC()
	}
	if err := upsertStatus(l.db.WithContext(ctx), status); err != nil {
		l.logError(opUpsertCurrentStatus, "upsert_failed", err, zap.String("user_id", status.UserID))
		return newStorageError(opUpsertCurrentStatus, "upsert_failed", err)
	}
	return nil
}

func upsertStatus(db *gorm.DB, status CurrentStatus) error {
	if status.EnteredAt != nil {
		status.EnteredAt = timePointer(status.EnteredAt.UTC())
	}
	status.UpdatedAt = status.UpdatedAt.UTC()
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&status).Error
}

// ReadCurrentStatus returns the user's row, or an unknown status when the user was never recorded.
func (l *Ledger) ReadCurrentStatus(ctx context.Context, rawUserID string) (CurrentStatus, error) {
	userID, err := identity.NewUserID(rawUserID)
	if err != nil {
		return CurrentStatus{}, err
	}
	var status CurrentStatus
	err = l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CurrentStatus{UserID: userID, State: StateUnknown}, nil
	}
	if err != nil {
		l.logError(opReadCurrentStatus, "query_failed", err, zap.String("user_id", userID))
		return CurrentStatus{}, newStorageError(opReadCurrentStatus, "query_failed", err)
	}
	return status, nil
}

// ListCurrentStatus returns one keyset page of CurrentStatus rows ordered by user id.
func (l *Ledger) ListCurrentStatus(ctx context.Context, filter Filter, page Page) (StatusPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	query := l.db.WithContext(ctx).Model(&CurrentStatus{})
	if filter.State != "" {
		state, err := ParseState(string(filter.State))
		if err != nil {
			return StatusPage{}, err
		}
		query = query.Where("state = ?", state)
	}
	if filter.Lab != "" {
		query = query.Where("lab_name = ?", filter.Lab)
	}
	if page.After != "" {
		query = query.Where("user_id > ?", page.After)
	}

	var rows []CurrentStatus
	if err := query.Order("user_id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		l.logError(opListCurrentStatus, "query_failed", err)
		return StatusPage{}, newStorageError(opListCurrentStatus, "query_failed", err)
	}

	result := StatusPage{Items: rows}
	if len(rows) > limit {
		result.Items = rows[:limit]
		result.NextCursor = rows[limit-1].UserID
	}
	return result, nil
}

// AllCurrentStatus lazily walks every matching row page by page. Each range restarts from the first page.
func (l *Ledger) AllCurrentStatus(ctx context.Context, filter Filter, pageSize int) iter.Seq2[CurrentStatus, error] {
	return func(yield func(CurrentStatus, error) bool) {
		page := Page{Limit: pageSize}
		for {
			result, err := l.ListCurrentStatus(ctx, filter, page)
			if err != nil {
				yield(CurrentStatus{}, err)
				return
			}
			for _, item := range result.Items {
				if !yield(item, nil) {
					return
				}
			}
			if result.NextCursor == "" {
				return
			}
			page.After = result.NextCursor
		}
	}
}

// ListEvents returns up to limit events of a user, newest first.
func (l *Ledger) ListEvents(ctx context.Context, rawUserID string, limit int) ([]StatusEvent, error) {
	userID, err := identity.NewUserID(rawUserID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	var events []StatusEvent
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		l.logError(opListEvents, "query_failed", err, zap.String("user_id", userID))
		return nil, newStorageError(opListEvents, "query_failed", err)
	}
	return events, nil
}

// KnownUsers returns every user with a CurrentStatus row ordered by user id.
func (l *Ledger) KnownUsers(ctx context.Context) ([]string, error) {
	var userIDs []string
	if err := l.db.WithContext(ctx).
		Model(&CurrentStatus{}).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		l.logError(opKnownUsers, "query_failed", err)
		return nil, newStorageError(opKnownUsers, "query_failed", err)
	}
	return userIDs, nil
}

// RecordSessionUpload appends a session upload audit row.
func (l *Ledger) RecordSessionUpload(ctx context.Context, upload SessionUpload) (int64, error) {
	if _, err := identity.NewUserID(upload.UserID); err != nil {
		return 0, err
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = l.clock()
	}
	upload.CreatedAt = upload.CreatedAt.UTC()
	if err := l.db.WithContext(ctx).Create(&upload).Error; err != nil {
		l.logError(opRecordSessionUpload, "insert_failed", err, zap.String("user_id", upload.UserID))
		return 0, newStorageError(opRecordSessionUpload, "insert_failed", err)
	}
	return upload.ID, nil
}

// LatestSessionUpload returns the most recent upload of a user, if any.
func (l *Ledger) LatestSessionUpload(ctx context.Context, rawUserID string) (SessionUpload, bool, error) {
	userID, err := identity.NewUserID(rawUserID)
	if err != nil {
		return SessionUpload{}, false, err
	}
	var upload SessionUpload
	err = l.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Take(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionUpload{}, false, nil
	}
	if err != nil {
		l.logError(opLatestSessionUpload, "query_failed", err, zap.String("user_id", userID))
		return SessionUpload{}, false, newStorageError(opLatestSessionUpload, "query_failed", err)
	}
	return upload, true, nil
}

// asStorageError keeps an existing StorageError and wraps anything else, such as a failed BEGIN.
func asStorageError(operation, reason string, err error) error {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return newStorageError(operation, reason, err)
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("ledger error", attrs...)
}
