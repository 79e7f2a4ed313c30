// Package repos collects the persistence layer behind one constructor.
package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type DocumentRepo = documents.DocumentRepo
type ResultsRepo = documents.ResultsRepo
type AuditLogRepo = documents.AuditLogRepo

type JobRecordRepo = jobs.JobRecordRepo

type Set struct {
	Documents  DocumentRepo
	Results    ResultsRepo
	Audit      AuditLogRepo
	JobRecords JobRecordRepo
}

func New(db *gorm.DB, baseLog *logger.Logger) Set {
	return Set{
		Documents:  documents.NewDocumentRepo(db, baseLog),
		Results:    documents.NewResultsRepo(db, baseLog),
		Audit:      documents.NewAuditLogRepo(db, baseLog),
		JobRecords: jobs.NewJobRecordRepo(db, baseLog),
	}
}
