package main

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/prguard/engine/internal/models"
)

// runMigrations creates the tables and applies the constraints AutoMigrate
// cannot express.
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return runCustomMigrations(db)
}

func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addExecutionStatusCheck,
		addInFlightDeploymentIndex,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

// addExecutionStatusCheck rejects status values outside the lifecycle.
func addExecutionStatusCheck(db *gorm.DB) error {
	statuses := []models.ExecutionStatus{
		models.StatusPending,
		models.StatusAnalyzing,
		models.StatusCompleted,
		models.StatusDeploying,
		models.StatusDeployed,
		models.StatusFailed,
	}
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_executions_status') THEN
				ALTER TABLE executions ADD CONSTRAINT chk_executions_status
				CHECK (status IN (` + strings.Join(quoted, ", ") + `));
			END IF;
		END $$;
	`).Error
}

// addInFlightDeploymentIndex speeds up dashboards listing running deployments.
func addInFlightDeploymentIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_deploying
		ON executions(updated_at)
		WHERE status = 'deploying'
	`).Error
}
