package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairEnteredAtInvariant = "2024-03-01_repair_entered_at_invariant"
	migrationNullEmptyLabNames        = "2024-03-01_null_empty_lab_names"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairEnteredAtInvariant, apply: repairEnteredAtInvariant},
		{name: migrationNullEmptyLabNames, apply: nullEmptyLabNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairEnteredAtInvariant makes entered_at non-null exactly for inside rows.
func repairEnteredAtInvariant(db *gorm.DB) error {
	if err := db.Model(&ledger.CurrentStatus{}).
		Where("state = ? AND entered_at IS NULL", ledger.StateInside).
		UpdateColumn("entered_at", gorm.Expr("updated_at")).Error; err != nil {
		return err
	}
	return db.Model(&ledger.CurrentStatus{}).
		Where("state <> ? AND entered_at IS NOT NULL", ledger.StateInside).
		UpdateColumn("entered_at", nil).Error
}

func nullEmptyLabNames(db *gorm.DB) error {
	return db.Model(&ledger.CurrentStatus{}).
		Where("lab_name = ?", "").
		UpdateColumn("lab_name", nil).Error
}
