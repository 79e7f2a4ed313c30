package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/labflow-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(domain.Models()...)
}

// EnsureJobIndexes adds the composite indexes the worker sweeps and health
// reads depend on. Plain CREATE INDEX so it runs on postgres and sqlite.
func EnsureJobIndexes(db *gorm.DB) error {
	stmts := []struct{ name, sql string }{
		{"idx_processing_job_queue_status", `CREATE INDEX IF NOT EXISTS idx_processing_job_queue_status ON processing_job (queue_name, status)`},
		{"idx_processing_job_status_updated", `CREATE INDEX IF NOT EXISTS idx_processing_job_status_updated ON processing_job (status, updated_at)`},
		{"idx_processing_job_document", `CREATE INDEX IF NOT EXISTS idx_processing_job_document ON processing_job (document_id, stage)`},
		{"idx_document_status_updated", `CREATE INDEX IF NOT EXISTS idx_document_status_updated ON document (status, updated_at)`},
	}
	for _, s := range stmts {
		if err := db.Exec(s.sql).Error; err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureJobIndexes(s.db); err != nil {
		s.log.Error("Job index migration failed", "error", err)
		return err
	}
	return nil
}
