package processors

import (
	"context"
	"fmt"
	"time"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	jobrepo "github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

const defaultCleanupBatch = 100

type CleanupProcessor struct {
	log     *logger.Logger
	docs    docrepo.DocumentRepo
	audit   docrepo.AuditLogRepo
	records jobrepo.JobRecordRepo
	storage Storage
	now     func() time.Time
}

func NewCleanupProcessor(log *logger.Logger, docs docrepo.DocumentRepo, audit docrepo.AuditLogRepo, records jobrepo.JobRecordRepo, storage Storage) (*CleanupProcessor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if docs == nil || audit == nil || records == nil {
		return nil, fmt.Errorf("document, audit log and job record repos required")
	}
	return &CleanupProcessor{
		log:     log.With("processor", "Cleanup"),
		docs:    docs,
		audit:   audit,
		records: records,
		storage: storage,
		now:     time.Now,
	}, nil
}

func (p *CleanupProcessor) HandleCleanup(ctx context.Context, job jobs.Job, pl jobs.CleanupPayload) (*jobs.CleanupResult, error) {
	meta := map[string]any{"target": string(pl.Target)}
	if pl.OlderThan.IsZero() || !pl.OlderThan.Before(p.now()) {
		return nil, classify(job, fmt.Errorf("%w: older_than must be in the past", ErrInvalidInput), meta)
	}
	batch := pl.BatchSize
	if batch <= 0 {
		batch = defaultCleanupBatch
	}
	dbc := dbctx.Context{Ctx: ctx}

	var (
		n   int64
		err error
	)
	switch pl.Target {
	case jobs.CleanupFiles:
		n, err = p.cleanFiles(dbc, pl.OlderThan, batch)
	case jobs.CleanupAuditLogs:
		n, err = p.audit.DeleteBefore(dbc, pl.OlderThan, batch)
	case jobs.CleanupTempData:
		n, err = p.records.DeleteTerminalBefore(dbc, pl.OlderThan, batch)
	default:
		err = fmt.Errorf("%w: cleanup target %q", ErrInvalidInput, pl.Target)
	}
	if err != nil {
		return nil, classify(job, err, meta)
	}
	p.log.Info("Cleanup complete", "job_id", job.ID, "target", pl.Target, "cleaned", n, "older_than", pl.OlderThan)
	return &jobs.CleanupResult{Target: pl.Target, CleanedCount: n}, nil
}

// cleanFiles removes archived documents and their stored files. A document
// whose file could not be deleted is kept for the next run.
func (p *CleanupProcessor) cleanFiles(dbc dbctx.Context, cutoff time.Time, batch int) (int64, error) {
	docs, err := p.docs.ListByStatusBefore(dbc, documents.StatusArchived, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("list archived documents: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.StorageKey != "" {
			if p.storage == nil {
				return 0, fmt.Errorf("%w: storage", ErrNotConfigured)
			}
			if err := p.storage.Delete(dbc.Ctx, d.StorageKey); err != nil {
				if dbc.Ctx.Err() != nil {
					return 0, dbc.Ctx.Err()
				}
				p.log.Warn("Delete stored file failed", "document_id", d.ID, "key", d.StorageKey, "error", err)
				continue
			}
		}
		ids = append(ids, d.ID)
	}
	return p.docs.DeleteByIDs(dbc, ids)
}
