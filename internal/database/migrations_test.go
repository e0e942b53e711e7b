package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsEnteredAtInvariant(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&ledger.CurrentStatus{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	updatedAt := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	emptyLab := ""
	rows := []ledger.CurrentStatus{
		{UserID: "inside-without-time", State: ledger.StateInside, UpdatedAt: updatedAt},
		{UserID: "outside-with-time", State: ledger.StateOutside, EnteredAt: &updatedAt, LabName: &emptyLab, UpdatedAt: updatedAt},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert rows: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var repaired []ledger.CurrentStatus
	if err := database.Order("user_id ASC").Find(&repaired).Error; err != nil {
		testContext.Fatalf("failed to reload rows: %v", err)
	}
	for _, status := range repaired {
		if err := status.CheckInvariant(); err != nil {
			testContext.Fatalf("expected invariant to hold after migration: %v", err)
		}
		if !status.UpdatedAt.Equal(updatedAt) {
			testContext.Fatalf("expected updated_at to be preserved for %s, got %v", status.UserID, status.UpdatedAt)
		}
	}
	if repaired[0].EnteredAt == nil || !repaired[0].EnteredAt.Equal(updatedAt) {
		testContext.Fatalf("expected entered_at backfilled from updated_at, got %v", repaired[0].EnteredAt)
	}
	if repaired[1].LabName != nil {
		testContext.Fatalf("expected empty lab name to become NULL, got %q", *repaired[1].LabName)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("expected migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", len(records))
	}
	for _, record := range records {
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", record.Name)
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&ledger.CurrentStatus{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("first run: %v", err)
	}

	updatedAt := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	if err := database.Create(&ledger.CurrentStatus{UserID: "late", State: ledger.StateInside, UpdatedAt: updatedAt}).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("second run: %v", err)
	}

	var status ledger.CurrentStatus
	if err := database.Where("user_id = ?", "late").Take(&status).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if status.EnteredAt != nil {
		testContext.Fatalf("expected applied migrations to be skipped on the second run")
	}
}
