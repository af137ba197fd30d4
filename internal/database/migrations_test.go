package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/vcs"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesConflictTypes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&vcs.MergeConflict{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := vcs.MergeConflict{
		ConflictID:     "conflict-1",
		RoomID:         "room-1",
		SourceBranchID: "branch-a",
		TargetBranchID: "branch-b",
		BlockID:        "block-1",
		ConflictType:   "modify_modify",
		CreatedAtSecs:  1700000000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy conflict: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored vcs.MergeConflict
	if err := database.Where("conflict_id = ?", legacy.ConflictID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload conflict: %v", err)
	}
	if stored.ConflictType != vcs.ConflictTypeModifyModify {
		testContext.Fatalf("expected normalized conflict type, got %q", stored.ConflictType)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeConflictTypes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// A second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations must be idempotent: %v", err)
	}
}
