package database

import (
	"errors"
	"time"

	"github.com/forgeide/collab/backend/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSessionActivity = "2026-04-02_backfill_session_last_activity"

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
		{name: migrationBackfillSessionActivity, apply: backfillSessionActivity},
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

// backfillSessionActivity seeds the last-activity column for rows written
// before the column existed, so the reaper never sees a zero timestamp.
func backfillSessionActivity(db *gorm.DB) error {
	return db.Model(&session.Record{}).
		Where("last_activity_at IS NULL OR last_activity_at < joined_at").
		Update("last_activity_at", gorm.Expr("joined_at")).Error
}
