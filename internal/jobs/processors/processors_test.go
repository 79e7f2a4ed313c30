package processors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	docrepo "github.com/yungbote/labflow-backend/internal/data/repos/documents"
	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/domain/documents"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
	"github.com/yungbote/labflow-backend/internal/pkg/dbctx"
)

type env struct {
	db      *gorm.DB
	docs    docrepo.DocumentRepo
	results docrepo.ResultsRepo
	audit   docrepo.AuditLogRepo
	dbc     dbctx.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	return &env{
		db:      db,
		docs:    docrepo.NewDocumentRepo(db, log),
		results: docrepo.NewResultsRepo(db, log),
		audit:   docrepo.NewAuditLogRepo(db, log),
		dbc:     dbctx.Context{Ctx: context.Background()},
	}
}

func (e *env) seedDoc(t *testing.T, doc documents.Document) {
	t.Helper()
	require.NoError(t, e.docs.Create(e.dbc, &doc))
}

func (e *env) doc(t *testing.T, id string) *documents.Document {
	t.Helper()
	d, err := e.docs.GetByID(e.dbc, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func testJob(stage jobs.Stage, docID string) jobs.Job {
	return jobs.Job{
		ID:         "job-" + docID + "-" + string(stage),
		Stage:      stage,
		Priority:   jobs.PriorityNormal,
		DocumentID: docID,
		ClientID:   "client-1",
		UserID:     "user-1",
		CreatedAt:  time.Now(),
	}
}

// requireProcessing asserts err is a ProcessingError with the given
// retryability.
func requireProcessing(t *testing.T, err error, retryable bool) *joberr.ProcessingError {
	t.Helper()
	require.Error(t, err)
	pe := joberr.AsProcessing(err)
	require.NotNil(t, pe, "expected ProcessingError, got %T: %v", err, err)
	require.Equal(t, retryable, pe.Retryable, "retryable mismatch for %v", err)
	return pe
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failOn  map[string]error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, failOn: map[string]error{}}
}

func (s *memStorage) Fetch(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[ref]; err != nil {
		return nil, err
	}
	b, ok := s.objects[ref]
	if !ok {
		return nil, errors.New("object not found: " + ref)
	}
	return b, nil
}

func (s *memStorage) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[ref]; err != nil {
		return err
	}
	delete(s.objects, ref)
	s.deleted = append(s.deleted, ref)
	return nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "http error" }
func (e statusErr) HTTPStatusCode() int { return e.code }
