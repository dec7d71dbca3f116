package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Payloads are signed as stored, so the column keeps the exact JSON text
// instead of jsonb's normalized form. recovered_at keeps scanner bookkeeping
// out of next_retry_at.
func preserveWebhookLogPayloads() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_preserve_webhook_log_payloads",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`ALTER TABLE webhook_logs ALTER COLUMN payload TYPE json USING payload::text::json`,
				`ALTER TABLE webhook_logs ADD COLUMN IF NOT EXISTS recovered_at timestamptz`,
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
				`ALTER TABLE webhook_logs DROP COLUMN IF EXISTS recovered_at`,
				`ALTER TABLE webhook_logs ALTER COLUMN payload TYPE jsonb USING payload::jsonb`,
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
