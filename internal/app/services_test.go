package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/data/repos"
	"github.com/yungbote/labflow-backend/internal/data/repos/testutil"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/queue"
)

func TestWireServicesWithoutProviders(t *testing.T) {
	t.Setenv("QUEUE_CONFIG_FILE", "")
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := testutil.Logger(t)
	db := testutil.DB(t)
	cfg := Config{
		RunMode:       RunAll,
		EventsChannel: "test:events",
		WorkerQueues:  []jobs.QueueName{jobs.QueueOCRExtraction, jobs.QueueNotifications},
	}
	s, err := wireServices(db, log, cfg, repos.New(db, log), &Clients{Redis: rdb})
	require.NoError(t, err)
	require.NotNil(t, s.Pool)
	assert.Equal(t, cfg.WorkerQueues, s.Pool.Queues())

	h, err := s.Manager.EnqueueOCR(context.Background(), "doc-1", "client-1", jobs.OCRPayload{
		FileLocation: "gs://labs/doc-1.pdf", FileName: "doc-1.pdf", FileType: "application/pdf",
	}, queue.Options{})
	require.NoError(t, err)
	assert.Equal(t, jobs.QueueOCRExtraction, h.Queue)

	health, err := s.Manager.GetQueueHealth(context.Background(), jobs.QueueOCRExtraction)
	require.NoError(t, err)
	assert.EqualValues(t, 1, health.Waiting)

	// Server-only processes do not build a pool.
	cfg.RunMode = RunServer
	s, err = wireServices(db, log, cfg, repos.New(db, log), &Clients{Redis: rdb})
	require.NoError(t, err)
	assert.Nil(t, s.Pool)
}

func TestHealthChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	checks := healthChecks(testutil.DB(t), rdb)
	require.Len(t, checks, 2)
	for name, check := range checks {
		assert.NoError(t, check(context.Background()), name)
	}
	mr.Close()
	assert.Error(t, checks["redis"](context.Background()))
}
