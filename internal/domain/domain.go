package domain

import (
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

type (
	Job       = jobs.Job
	JobRecord = jobs.JobRecord
	Stage     = jobs.Stage
	QueueName = jobs.QueueName

	Document    = documents.Document
	LabValueSet = documents.LabValueSet
	Analysis    = documents.Analysis
	Report      = documents.Report
	AuditLog    = documents.AuditLog
)

// Models lists every table the service migrates.
func Models() []any {
	return []any{
		&jobs.JobRecord{},
		&documents.Document{},
		&documents.LabValueSet{},
		&documents.Analysis{},
		&documents.Report{},
		&documents.AuditLog{},
	}
}
