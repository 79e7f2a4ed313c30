package documents

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

// ResultsRepo stores stage outputs. Every write is an upsert on the natural
// key so a redelivered job replaces its earlier output.
type ResultsRepo interface {
	UpsertLabValues(dbc dbctx.Context, set *types.LabValueSet) error
	ListLabValues(dbc dbctx.Context, documentID string) ([]*types.LabValueSet, error)
	UpsertAnalysis(dbc dbctx.Context, a *types.Analysis) error
	ListAnalyses(dbc dbctx.Context, documentID string) ([]*types.Analysis, error)
	ListAnalysesForClient(dbc dbctx.Context, clientID, analysisType string, before time.Time, limit int) ([]*types.Analysis, error)
	UpsertReport(dbc dbctx.Context, rep *types.Report) error
	GetReport(dbc dbctx.Context, documentID string) (*types.Report, error)
}

type resultsRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewResultsRepo(db *gorm.DB, baseLog *logger.Logger) ResultsRepo {
	return &resultsRepo{db: db, log: baseLog.With("repo", "ResultsRepo")}
}

func (r *resultsRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *resultsRepo) UpsertLabValues(dbc dbctx.Context, set *types.LabValueSet) error {
	if set == nil {
		return nil
	}
	set.UpdatedAt = time.Now()
	return r.tx(dbc).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "stage"}},
			UpdateAll: true,
		}).
		Create(set).Error
}

func (r *resultsRepo) ListLabValues(dbc dbctx.Context, documentID string) ([]*types.LabValueSet, error) {
	var out []*types.LabValueSet
	if documentID == "" {
		return out, nil
	}
	if err := r.tx(dbc).Where("document_id = ?", documentID).Order("stage ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *resultsRepo) UpsertAnalysis(dbc dbctx.Context, a *types.Analysis) error {
	if a == nil {
		return nil
	}
	if a.CompletedAt.IsZero() {
		a.CompletedAt = time.Now()
	}
	return r.tx(dbc).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "analysis_type"}},
			UpdateAll: true,
		}).
		Create(a).Error
}

func (r *resultsRepo) ListAnalyses(dbc dbctx.Context, documentID string) ([]*types.Analysis, error) {
	var out []*types.Analysis
	if documentID == "" {
		return out, nil
	}
	if err := r.tx(dbc).Where("document_id = ?", documentID).Order("analysis_type ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListAnalysesForClient returns the client's earlier analyses of one type,
// newest first. Trend analysis compares against these.
func (r *resultsRepo) ListAnalysesForClient(dbc dbctx.Context, clientID, analysisType string, before time.Time, limit int) ([]*types.Analysis, error) {
	var out []*types.Analysis
	if clientID == "" {
		return out, nil
	}
	if limit <= 0 {
		limit = 10
	}
	q := r.tx(dbc).Where("client_id = ?", clientID)
	if analysisType != "" {
		q = q.Where("analysis_type = ?", analysisType)
	}
	if !before.IsZero() {
		q = q.Where("completed_at < ?", before)
	}
	if err := q.Order("completed_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *resultsRepo) UpsertReport(dbc dbctx.Context, rep *types.Report) error {
	if rep == nil {
		return nil
	}
	now := time.Now()
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = now
	}
	rep.UpdatedAt = now
	return r.tx(dbc).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"job_id", "title", "format", "body", "updated_at"}),
		}).
		Create(rep).Error
}

func (r *resultsRepo) GetReport(dbc dbctx.Context, documentID string) (*types.Report, error) {
	if documentID == "" {
		return nil, nil
	}
	var rep types.Report
	if err := r.tx(dbc).Where("document_id = ?", documentID).Limit(1).Find(&rep).Error; err != nil {
		return nil, err
	}
	if rep.DocumentID == "" {
		return nil, nil
	}
	return &rep, nil
}
