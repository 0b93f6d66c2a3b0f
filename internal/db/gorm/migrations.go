package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension.
		{
			ID: "001_vector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP EXTENSION IF EXISTS vector").Error
			},
		},

		// Migration 002: Core tables (messages, issue_groups, memberships, thread_links).
		// AutoMigrate creates tables with all indexes and checks from struct tags.
		{
			ID: "002_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Message{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&IssueGroup{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&Membership{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ThreadLink{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("thread_links", "memberships", "issue_groups", "messages")
			},
		},

		// Migration 003: Referential integrity for memberships and thread links.
		// Group deletion never cascades silently: split/merge delete memberships
		// first, so RESTRICT here turns an invariant violation into an error.
		{
			ID: "003_foreign_keys",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`ALTER TABLE memberships
						ADD CONSTRAINT fk_memberships_message
						FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE`,
					`ALTER TABLE memberships
						ADD CONSTRAINT fk_memberships_group
						FOREIGN KEY (group_id) REFERENCES issue_groups(id) ON DELETE RESTRICT`,
					`ALTER TABLE thread_links
						ADD CONSTRAINT fk_thread_links_group
						FOREIGN KEY (group_id) REFERENCES issue_groups(id) ON DELETE CASCADE`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				sqls := []string{
					"ALTER TABLE thread_links DROP CONSTRAINT IF EXISTS fk_thread_links_group",
					"ALTER TABLE memberships DROP CONSTRAINT IF EXISTS fk_memberships_group",
					"ALTER TABLE memberships DROP CONSTRAINT IF EXISTS fk_memberships_message",
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
		},

		// Migration 004: HNSW index for cosine nearest-neighbor search.
		{
			ID: "004_embedding_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(
					`CREATE INDEX IF NOT EXISTS idx_messages_embedding
						ON messages USING hnsw (embedding vector_cosine_ops)`,
				).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_messages_embedding").Error
			},
		},
	})

	return m.Migrate()
}
