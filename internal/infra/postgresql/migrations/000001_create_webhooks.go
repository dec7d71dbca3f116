package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"gorm.io/gorm"
)

func createWebhooksTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_webhooks",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WebhookModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_webhooks_owner_created ON webhooks (owner_id, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_webhooks_events ON webhooks USING GIN (events jsonb_path_ops) WHERE active`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WebhookModel{})
		},
	}
}
