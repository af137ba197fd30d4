package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/vcs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeConflictTypes = "2026-07-18_normalize_conflict_type_values"

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
		{name: migrationNormalizeConflictTypes, apply: normalizeConflictTypes},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeConflictTypes rewrites underscore-separated conflict type values
// written by early builds into the hyphenated wire form.
func normalizeConflictTypes(db *gorm.DB) error {
	replacements := map[string]vcs.ConflictType{
		"modify_modify": vcs.ConflictTypeModifyModify,
		"modify_delete": vcs.ConflictTypeModifyDelete,
		"add_add":       vcs.ConflictTypeAddAdd,
	}
	for legacy, canonical := range replacements {
		if err := db.Model(&vcs.MergeConflict{}).
			Where("conflict_type = ?", legacy).
			Update("conflict_type", canonical).Error; err != nil {
			return err
		}
	}
	return nil
}
