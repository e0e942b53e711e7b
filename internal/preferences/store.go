package preferences

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/identity"
	"github.com/MarcoPoloResearchLab/labpresence/internal/labs"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoLabConfigured indicates that neither an explicit lab, a saved preference nor a default lab exists.
var ErrNoLabConfigured = errors.New("preferences: no lab configured")

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCatalog  = errors.New("lab catalog is required")
)

const (
	opGetLab    = "preferences.get_lab"
	opSetLab    = "preferences.set_lab"
	opListUsers = "preferences.list_users"
)

// StoreError carries an operation.reason code for persistence failures.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// StoreConfig describes the dependencies of the preference store.
type StoreConfig struct {
	Database *gorm.DB
	Catalog  *labs.Catalog
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists the user → default lab mapping.
type Store struct {
	db      *gorm.DB
	catalog *labs.Catalog
	clock   func() time.Time
	logger  *zap.Logger
}

// NewStore constructs a preference store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, catalog: cfg.Catalog, clock: clock, logger: logger}, nil
}

// Catalog exposes the lab catalog used for validation.
func (s *Store) Catalog() *labs.Catalog {
	return s.catalog
}

// GetLab returns the saved lab for userID. found is false when the user never ran setlab.
func (s *Store) GetLab(ctx context.Context, rawUserID string) (string, bool, error) {
	userID, err := identity.NewUserID(rawUserID)
	if err != nil {
		return "", false, err
	}
	var preference Preference
	err = s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&preference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Error("preference lookup failed", zap.String("user_id", userID), zap.Error(err))
		return "", false, newStoreError(opGetLab, "query_failed", err)
	}
	return preference.LabName, true, nil
}

// SetLab validates labName against the catalog and overwrites the user's preference.
func (s *Store) SetLab(ctx context.Context, rawUserID, labName string) error {
	userID, err := identity.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	lab, err := s.catalog.Validate(labName)
	if err != nil {
		return err
	}

	preference := Preference{UserID: userID, LabName: lab, UpdatedAt: s.clock().UTC()}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"lab_name", "updated_at"}),
		}).
		Create(&preference).Error
	if err != nil {
		s.logger.Error("preference upsert failed", zap.String("user_id", userID), zap.Error(err))
		return newStoreError(opSetLab, "upsert_failed", err)
	}
	s.logger.Info("default lab updated", zap.String("user_id", userID), zap.String("lab_name", lab))
	return nil
}

// ResolveLab picks the effective lab: explicit override, then saved preference, then the catalog default.
func (s *Store) ResolveLab(ctx context.Context, userID, override string) (string, error) {
	if override != "" {
		return s.catalog.Validate(override)
	}
	saved, found, err := s.GetLab(ctx, userID)
	if err != nil {
		return "", err
	}
	if found {
		return saved, nil
	}
	if fallback := s.catalog.DefaultLab(); fallback != "" {
		return fallback, nil
	}
	return "", ErrNoLabConfigured
}

// ListUsers returns every user with a saved preference ordered by user id.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&Preference{}).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, newStoreError(opListUsers, "query_failed", err)
	}
	return userIDs, nil
}
