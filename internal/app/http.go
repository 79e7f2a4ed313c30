package app

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/labflow-backend/internal/http"
	httpH "github.com/yungbote/labflow-backend/internal/http/handlers"
	httpMW "github.com/yungbote/labflow-backend/internal/http/middleware"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

func healthChecks(db *gorm.DB, rdb *goredis.Client) map[string]httpH.Check {
	return map[string]httpH.Check{
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

func wireServer(log *logger.Logger, cfg Config, db *gorm.DB, clients *Clients, s Services) *http.Server {
	log.Info("Wiring HTTP server...")
	return http.NewServer(http.RouterConfig{
		Log:           log,
		ServiceName:   cfg.ServiceName,
		CORSOrigins:   cfg.CORSOrigins,
		Auth:          httpMW.NewAdminAuth(log, cfg.AdminToken),
		Metrics:       s.Metrics,
		HealthHandler: httpH.NewHealthHandler(healthChecks(db, clients.Redis)),
		QueueHandler:  httpH.NewQueueHandler(s.Manager),
		JobHandler:    httpH.NewJobHandler(s.Manager),
		EventHandler:  httpH.NewEventHandler(log, s.Bus),
	})
}
