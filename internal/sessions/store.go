package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/identity"
	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"go.uber.org/zap"
)

// ErrSessionNotFound indicates that no session file exists for the user.
var ErrSessionNotFound = errors.New("sessions: no stored session")

var (
	errMissingDirectory = errors.New("sessions directory is required")
	plainFileName       = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

const (
	opSave = "sessions.save"
	opLoad = "sessions.load"

	filePrefix       = "auth_"
	digestFilePrefix = "auth-sha256_"
	fileSuffix       = ".json"
)

// UploadRecorder persists the audit trail of session uploads.
type UploadRecorder interface {
	RecordSessionUpload(ctx context.Context, upload ledger.SessionUpload) (int64, error)
}

// StoreConfig describes the dependencies of the session store.
type StoreConfig struct {
	Directory string
	Domain    string
	Recorder  UploadRecorder
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store keeps one browser storage-state file per user.
type Store struct {
	directory string
	domain    string
	recorder  UploadRecorder
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore constructs a Store and creates its directory.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Directory == "" {
		return nil, errMissingDirectory
	}
	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		directory: cfg.Directory,
		domain:    cfg.Domain,
		recorder:  cfg.Recorder,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Domain returns the platform domain cookies are validated against.
func (s *Store) Domain() string {
	return s.domain
}

// Path returns the storage-state file location of a user.
// IDs made of file-safe characters map to auth_<id>.json; any other ID maps to the
// hex SHA-256 of the ID under a prefix plain names cannot produce.
func (s *Store) Path(rawUserID string) (string, error) {
	userID, err := identity.NewUserID(rawUserID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.directory, fileName(userID)), nil
}

func fileName(userID string) string {
	if plainFileName.MatchString(userID) {
		return filePrefix + userID + fileSuffix
	}
	digest := sha256.Sum256([]byte(userID))
	return digestFilePrefix + hex.EncodeToString(digest[:]) + fileSuffix
}

// HasSession reports whether a valid session file exists. Corrupt files count as absent.
func (s *Store) HasSession(ctx context.Context, userID string) (bool, error) {
	_, err := s.Load(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionNotFound):
		return false, nil
	case errors.Is(err, ErrInvalidSession):
		s.logger.Warn("stored session is invalid", zap.String("user_id", userID), zap.Error(err))
		return false, nil
	default:
		return false, err
	}
}

// Load reads and validates the stored session of a user.
func (s *Store) Load(ctx context.Context, userID string) (StorageState, error) {
	if err := ctx.Err(); err != nil {
		return StorageState{}, err
	}
	path, err := s.Path(userID)
	if err != nil {
		return StorageState{}, err
	}
	payload, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return StorageState{}, ErrSessionNotFound
	}
	if err != nil {
		s.logError(opLoad, "read_failed", err, zap.String("user_id", userID))
		return StorageState{}, fmt.Errorf("%s: %w", opLoad, err)
	}
	return Parse(payload, s.domain)
}

// Save validates payload, atomically replaces the user's session file and records the upload.
func (s *Store) Save(ctx context.Context, userID, username string, payload []byte) (ledger.SessionUpload, error) {
	if err := ctx.Err(); err != nil {
		return ledger.SessionUpload{}, err
	}
	path, err := s.Path(userID)
	if err != nil {
		return ledger.SessionUpload{}, err
	}
	if _, err := Parse(payload, s.domain); err != nil {
		return ledger.SessionUpload{}, err
	}
	if err := writeFileAtomic(path, payload); err != nil {
		s.logError(opSave, "write_failed", err, zap.String("user_id", userID))
		return ledger.SessionUpload{}, fmt.Errorf("%s: %w", opSave, err)
	}

	digest := sha256.Sum256(payload)
	upload := ledger.SessionUpload{
		UserID:     userID,
		Username:   username,
		StoredPath: path,
		SizeBytes:  int64(len(payload)),
		SHA256:     hex.EncodeToString(digest[:]),
		CreatedAt:  s.clock().UTC(),
	}
	if s.recorder != nil {
		id, err := s.recorder.RecordSessionUpload(ctx, upload)
		if err != nil {
			return ledger.SessionUpload{}, err
		}
		upload.ID = id
	}
	s.logger.Info("session stored",
		zap.String("user_id", userID),
		zap.Int64("size_bytes", upload.SizeBytes),
		zap.String("sha256", upload.SHA256),
	)
	return upload, nil
}

func writeFileAtomic(path string, payload []byte) error {
	temp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tempName := temp.Name()
	cleanup := func() { _ = os.Remove(tempName) }

	if _, err := temp.Write(payload); err != nil {
		_ = temp.Close()
		cleanup()
		return err
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		cleanup()
		return err
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tempName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session store error", attrs...)
}
