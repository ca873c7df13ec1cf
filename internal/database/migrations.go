package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heliograph-labs/flarecast/internal/scheduler"
)

const migrationResetStuckDispatchingTasks = "2026-07-14_reset_stuck_dispatching_tasks"

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
		{name: migrationResetStuckDispatchingTasks, apply: resetStuckDispatchingTasks},
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

// Tasks claimed by a dispatcher that died before completing stay in the
// dispatching state forever; return them to pending so the loop retries them.
func resetStuckDispatchingTasks(db *gorm.DB) error {
	return db.Model(&scheduler.TaskRecord{}).
		Where("state = ?", scheduler.TaskStateDispatching).
		Update("state", scheduler.TaskStatePending).Error
}
