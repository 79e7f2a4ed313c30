package documents

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type AuditLogRepo interface {
	Create(dbc dbctx.Context, entry *types.AuditLog) error
	DeleteBefore(dbc dbctx.Context, cutoff time.Time, limit int) (int64, error)
}

type auditLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditLogRepo(db *gorm.DB, baseLog *logger.Logger) AuditLogRepo {
	return &auditLogRepo{db: db, log: baseLog.With("repo", "AuditLogRepo")}
}

func (r *auditLogRepo) Create(dbc dbctx.Context, entry *types.AuditLog) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if entry == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	q := transaction.WithContext(dbc.Ctx)
	if entry.EventKey != nil {
		q = q.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_key"}}, DoNothing: true})
	}
	return q.Create(entry).Error
}

// DeleteBefore removes up to limit entries older than cutoff, oldest first.
func (r *auditLogRepo) DeleteBefore(dbc dbctx.Context, cutoff time.Time, limit int) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 1000
	}
	q := transaction.WithContext(dbc.Ctx)
	sub := q.Model(&types.AuditLog{}).
		Select("id").
		Where("logged_at < ?", cutoff).
		Order("logged_at ASC").
		Limit(limit)
	res := q.Where("id IN (?)", sub).Delete(&types.AuditLog{})
	return res.RowsAffected, res.Error
}
