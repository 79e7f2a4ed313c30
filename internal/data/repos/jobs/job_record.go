package jobs

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type JobRecordRepo interface {
	Create(dbc dbctx.Context, rec *types.JobRecord) (bool, error)
	GetByJobID(dbc dbctx.Context, jobID string) (*types.JobRecord, error)
	ListByDocument(dbc dbctx.Context, documentID string) ([]*types.JobRecord, error)
	MarkActive(dbc dbctx.Context, jobID string, attempts int, at time.Time) error
	MarkCompleted(dbc dbctx.Context, jobID string, result []byte, at time.Time, actualMs int64) error
	MarkRetrying(dbc dbctx.Context, jobID string, detail types.ErrorDetail) error
	MarkFailed(dbc dbctx.Context, jobID string, detail types.ErrorDetail, at time.Time) error
	MarkPending(dbc dbctx.Context, jobID string) error
	RequeueStalled(dbc dbctx.Context, jobID string, attempts int) (bool, error)
	ResetForRetry(dbc dbctx.Context, jobID string, at time.Time) (bool, error)
	Delete(dbc dbctx.Context, jobID string) (bool, error)
	DeleteMany(dbc dbctx.Context, jobIDs []string) (int64, error)
	ListStuckActive(dbc dbctx.Context, queue types.QueueName, updatedBefore time.Time, limit int) ([]*types.JobRecord, error)
	AverageActualTime(dbc dbctx.Context, queue types.QueueName) (float64, bool, error)
	DeleteTerminalBefore(dbc dbctx.Context, cutoff time.Time, limit int) (int64, error)
	UpdateFieldsUnlessStatus(dbc dbctx.Context, jobID string, disallowedStatuses []types.Status, updates map[string]interface{}) (bool, error)
}

type jobRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRecordRepo(db *gorm.DB, baseLog *logger.Logger) JobRecordRepo {
	return &jobRecordRepo{
		db:  db,
		log: baseLog.With("repo", "JobRecordRepo"),
	}
}

// Create inserts rec unless a record with the same job id exists. The bool
// reports whether a row was written.
func (r *jobRecordRepo) Create(dbc dbctx.Context, rec *types.JobRecord) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil || rec.JobID == "" {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRecordRepo) GetByJobID(dbc dbctx.Context, jobID string) (*types.JobRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil, nil
	}
	var rec types.JobRecord
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.JobID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (r *jobRecordRepo) ListByDocument(dbc dbctx.Context, documentID string) ([]*types.JobRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.JobRecord
	if documentID == "" {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkActive keeps the first started_at across attempts.
func (r *jobRecordRepo) MarkActive(dbc dbctx.Context, jobID string, attempts int, at time.Time) error {
	_, err := r.UpdateFieldsUnlessStatus(dbc, jobID, []types.Status{types.StatusCompleted}, map[string]interface{}{
		"status":     types.StatusActive,
		"attempts":   attempts,
		"started_at": gorm.Expr("COALESCE(started_at, ?)", at),
	})
	return err
}

func (r *jobRecordRepo) MarkCompleted(dbc dbctx.Context, jobID string, result []byte, at time.Time, actualMs int64) error {
	if len(result) == 0 {
		result = []byte("{}")
	}
	return r.updateFields(dbc, jobID, map[string]interface{}{
		"status":       types.StatusCompleted,
		"result":       datatypes.JSON(result),
		"completed_at": at,
		"actual_time":  actualMs,
	})
}

func (r *jobRecordRepo) MarkRetrying(dbc dbctx.Context, jobID string, detail types.ErrorDetail) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = r.UpdateFieldsUnlessStatus(dbc, jobID, []types.Status{types.StatusCompleted}, map[string]interface{}{
		"status": types.StatusPending,
		"error":  datatypes.JSON(raw),
	})
	return err
}

func (r *jobRecordRepo) MarkFailed(dbc dbctx.Context, jobID string, detail types.ErrorDetail, at time.Time) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = r.UpdateFieldsUnlessStatus(dbc, jobID, []types.Status{types.StatusCompleted}, map[string]interface{}{
		"status":    types.StatusFailed,
		"error":     datatypes.JSON(raw),
		"failed_at": at,
	})
	return err
}

func (r *jobRecordRepo) MarkPending(dbc dbctx.Context, jobID string) error {
	_, err := r.UpdateFieldsUnlessStatus(dbc, jobID, []types.Status{types.StatusCompleted, types.StatusFailed}, map[string]interface{}{
		"status": types.StatusPending,
	})
	return err
}

// RequeueStalled moves a record back to PENDING after its lease expired on
// the given attempt. A record already claimed again, on a later attempt, or
// settled is left alone.
func (r *jobRecordRepo) RequeueStalled(dbc dbctx.Context, jobID string, attempts int) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.JobRecord{}).
		Where("job_id = ? AND attempts <= ?", jobID, attempts).
		Where("status NOT IN ?", []types.Status{types.StatusCompleted, types.StatusFailed}).
		Updates(map[string]interface{}{
			"status":     types.StatusPending,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResetForRetry moves a FAILED record back to PENDING with a fresh attempt
// budget. It reports false when the record is missing or not FAILED.
func (r *jobRecordRepo) ResetForRetry(dbc dbctx.Context, jobID string, at time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.JobRecord{}).
		Where("job_id = ? AND status = ?", jobID, types.StatusFailed).
		Updates(map[string]interface{}{
			"status":       types.StatusPending,
			"attempts":     0,
			"error":        nil,
			"failed_at":    nil,
			"completed_at": nil,
			"scheduled_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRecordRepo) Delete(dbc dbctx.Context, jobID string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Delete(&types.JobRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRecordRepo) DeleteMany(dbc dbctx.Context, jobIDs []string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobIDs) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("job_id IN ?", jobIDs).
		Delete(&types.JobRecord{})
	return res.RowsAffected, res.Error
}

// ListStuckActive returns ACTIVE records of queue not touched since
// updatedBefore, oldest first.
func (r *jobRecordRepo) ListStuckActive(dbc dbctx.Context, queue types.QueueName, updatedBefore time.Time, limit int) ([]*types.JobRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*types.JobRecord
	if err := transaction.WithContext(dbc.Ctx).
		Where("queue_name = ? AND status = ? AND updated_at < ?", queue, types.StatusActive, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AverageActualTime is the mean wall time in ms of completed jobs on queue.
func (r *jobRecordRepo) AverageActualTime(dbc dbctx.Context, queue types.QueueName) (float64, bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row struct {
		Avg   *float64
		Count int64
	}
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.JobRecord{}).
		Select("AVG(actual_time) AS avg, COUNT(*) AS count").
		Where("queue_name = ? AND status = ? AND actual_time > 0", queue, types.StatusCompleted).
		Scan(&row).Error
	if err != nil {
		return 0, false, err
	}
	if row.Count == 0 || row.Avg == nil {
		return 0, false, nil
	}
	return *row.Avg, true, nil
}

// DeleteTerminalBefore removes up to limit COMPLETED or FAILED records last
// updated before cutoff.
func (r *jobRecordRepo) DeleteTerminalBefore(dbc dbctx.Context, cutoff time.Time, limit int) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 1000
	}
	q := transaction.WithContext(dbc.Ctx)
	sub := q.Model(&types.JobRecord{}).
		Select("job_id").
		Where("status IN ? AND updated_at < ?", []types.Status{types.StatusCompleted, types.StatusFailed}, cutoff).
		Order("updated_at ASC").
		Limit(limit)
	res := q.Where("job_id IN (?)", sub).Delete(&types.JobRecord{})
	return res.RowsAffected, res.Error
}

func (r *jobRecordRepo) updateFields(dbc dbctx.Context, jobID string, updates map[string]interface{}) error {
	_, err := r.UpdateFieldsUnlessStatus(dbc, jobID, nil, updates)
	return err
}

func (r *jobRecordRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, jobID string, disallowedStatuses []types.Status, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.JobRecord{}).
		Where("job_id = ?", jobID)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
