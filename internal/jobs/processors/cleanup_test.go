package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobrepo "github.com/yungbote/labflow-backend/internal/data/repos/jobs"
	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
)

func newCleanup(t *testing.T, e *env, store Storage) *CleanupProcessor {
	t.Helper()
	p, err := NewCleanupProcessor(testutil.Logger(t), e.docs, e.audit, jobrepo.NewJobRecordRepo(e.db, testutil.Logger(t)), store)
	require.NoError(t, err)
	return p
}

func TestCleanupFiles(t *testing.T) {
	e := newEnv(t)
	old := time.Now().Add(-90 * 24 * time.Hour)
	e.seedDoc(t, documents.Document{ID: "a", Status: documents.StatusArchived, StorageKey: "labs/a.pdf", UploadedAt: old})
	e.seedDoc(t, documents.Document{ID: "b", Status: documents.StatusArchived, StorageKey: "labs/b.pdf", UploadedAt: old})
	e.seedDoc(t, documents.Document{ID: "c", Status: documents.StatusArchived, UploadedAt: old})
	e.seedDoc(t, documents.Document{ID: "fresh", Status: documents.StatusArchived, StorageKey: "labs/f.pdf"})
	e.seedDoc(t, documents.Document{ID: "live", Status: documents.StatusParsed, StorageKey: "labs/l.pdf", UploadedAt: old})

	store := newMemStorage()
	store.failOn["labs/b.pdf"] = errors.New("permission denied")
	p := newCleanup(t, e, store)

	res, err := p.HandleCleanup(context.Background(), testJob(jobs.StageCleanupFiles, ""), jobs.CleanupPayload{
		Target: jobs.CleanupFiles, OlderThan: time.Now().Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.CleanedCount)
	assert.Equal(t, []string{"labs/a.pdf"}, store.deleted)

	for id, kept := range map[string]bool{"a": false, "b": true, "c": false, "fresh": true, "live": true} {
		d, err := e.docs.GetByID(e.dbc, id)
		require.NoError(t, err)
		assert.Equal(t, kept, d != nil, id)
	}
}

func TestCleanupFilesWithoutStorage(t *testing.T) {
	e := newEnv(t)
	e.seedDoc(t, documents.Document{ID: "a", Status: documents.StatusArchived, StorageKey: "labs/a.pdf", UploadedAt: time.Now().Add(-time.Hour * 48)})
	p := newCleanup(t, e, nil)
	_, err := p.HandleCleanup(context.Background(), testJob(jobs.StageCleanupFiles, ""), jobs.CleanupPayload{
		Target: jobs.CleanupFiles, OlderThan: time.Now().Add(-time.Hour),
	})
	requireProcessing(t, err, false)
}

func TestCleanupAuditLogsAndValidation(t *testing.T) {
	e := newEnv(t)
	old := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.audit.Create(e.dbc, &documents.AuditLog{Action: "view", Timestamp: old}))
	}
	p := newCleanup(t, e, nil)
	job := testJob(jobs.StageAuditLogCleanup, "")

	res, err := p.HandleCleanup(context.Background(), job, jobs.CleanupPayload{
		Target: jobs.CleanupAuditLogs, OlderThan: time.Now().Add(-24 * time.Hour), BatchSize: 2,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.CleanedCount)
	assert.Equal(t, jobs.CleanupAuditLogs, res.Target)

	_, err = p.HandleCleanup(context.Background(), job, jobs.CleanupPayload{Target: jobs.CleanupAuditLogs, OlderThan: time.Now().Add(time.Hour)})
	requireProcessing(t, err, false)
	_, err = p.HandleCleanup(context.Background(), job, jobs.CleanupPayload{Target: jobs.CleanupAuditLogs})
	requireProcessing(t, err, false)
	_, err = p.HandleCleanup(context.Background(), job, jobs.CleanupPayload{Target: "EVERYTHING", OlderThan: old})
	requireProcessing(t, err, false)
}

func TestCleanupTempData(t *testing.T) {
	e := newEnv(t)
	records := jobrepo.NewJobRecordRepo(e.db, testutil.Logger(t))
	done := time.Now().Add(-72 * time.Hour)
	for i, st := range []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusActive} {
		rec := &jobs.JobRecord{
			JobID:       "r" + string(rune('0'+i)),
			QueueName:   jobs.QueueCleanup,
			Stage:       jobs.StageCleanupFiles,
			Priority:    jobs.PriorityLow,
			Status:      st,
			MaxAttempts: 3,
			ScheduledAt: done,
			CompletedAt: &done,
			FailedAt:    &done,
			CreatedAt:   done,
			UpdatedAt:   done,
		}
		_, err := records.Create(e.dbc, rec)
		require.NoError(t, err)
	}
	p := newCleanup(t, e, nil)
	res, err := p.HandleCleanup(context.Background(), testJob(jobs.StageCleanupFiles, ""), jobs.CleanupPayload{
		Target: jobs.CleanupTempData, OlderThan: time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.CleanedCount)
}
