package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Open(context.Background(), logger.NewNop(), Config{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), logger.NewNop(), Config{
		URL:         "redis://" + addr + "/0",
		DialTimeout: 200 * time.Millisecond,
		PingTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), logger.NewNop(), Config{URL: "not a url"})
	require.Error(t, err)
}

func TestOpenRequiresLogger(t *testing.T) {
	_, err := Open(context.Background(), nil, Config{URL: "redis://localhost:6379"})
	require.Error(t, err)
}
