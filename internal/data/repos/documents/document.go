package documents

import (
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *types.Document) error
	GetByID(dbc dbctx.Context, id string) (*types.Document, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) (bool, error)
	ListByStatusBefore(dbc dbctx.Context, status types.Status, cutoff time.Time, limit int) ([]*types.Document, error)
	DeleteByIDs(dbc dbctx.Context, ids []string) (int64, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: baseLog.With("repo", "DocumentRepo")}
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *types.Document) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if doc == nil {
		return nil
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	if doc.Status == "" {
		doc.Status = types.StatusUploaded
	}
	return transaction.WithContext(dbc.Ctx).Create(doc).Error
}

func (r *documentRepo) GetByID(dbc dbctx.Context, id string) (*types.Document, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, nil
	}
	var doc types.Document
	if err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).Limit(1).Find(&doc).Error; err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, nil
	}
	return &doc, nil
}

// UpdateFields reports false when no document has id.
func (r *documentRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *documentRepo) ListByStatusBefore(dbc dbctx.Context, status types.Status, cutoff time.Time, limit int) ([]*types.Document, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Document
	if err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND uploaded_at < ?", status, cutoff).
		Order("uploaded_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) DeleteByIDs(dbc dbctx.Context, ids []string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).Where("id IN ?", ids).Delete(&types.Document{})
	return res.RowsAffected, res.Error
}
