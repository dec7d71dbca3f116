package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Indexes backing the retry scanner and the retention pruner.
func addWebhookLogsRecoveryIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_webhook_logs_recovery_indexes",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_webhook_logs_open ON webhook_logs (status, next_retry_at) WHERE status IN ('PENDING', 'RETRYING')`,
				`CREATE INDEX IF NOT EXISTS idx_webhook_logs_resolved ON webhook_logs (resolved_at) WHERE resolved_at IS NOT NULL`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_webhook_logs_resolved`,
				`DROP INDEX IF EXISTS idx_webhook_logs_open`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
