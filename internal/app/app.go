package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/labflow-backend/internal/data/db"
	"github.com/yungbote/labflow-backend/internal/data/repos"
	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/http"
	"github.com/yungbote/labflow-backend/internal/observability"
	"github.com/yungbote/labflow-backend/internal/platform/envutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

const queueMetricsInterval = 15 * time.Second

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *db.Service
	Clients  *Clients
	Repos    repos.Set
	Services Services
	Server   *http.Server

	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)
	a := &App{Log: log, Cfg: cfg}

	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
		Component:   string(cfg.RunMode),
		Queues:      queueNames(cfg.WorkerQueues),
	})

	a.DB, err = db.NewService(log, db.ConfigFromEnv())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := a.DB.AutoMigrateAll(); err != nil {
		a.Close()
		return nil, fmt.Errorf("database automigrate: %w", err)
	}

	a.Clients, err = wireClients(ctx, log, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repos = wireRepos(a.DB.DB(), log)

	a.Services, err = wireServices(a.DB.DB(), log, cfg, a.Repos, a.Clients)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.RunMode.Serves() {
		a.Server = wireServer(log, cfg, a.DB.DB(), a.Clients, a.Services)
	}
	return a, nil
}

// Run blocks until ctx ends or the HTTP server fails. Workers finish their
// in-flight jobs before Run returns.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("Starting", "run_mode", a.Cfg.RunMode)

	g, ctx := errgroup.WithContext(ctx)
	a.Services.Metrics.StartQueueCollector(ctx, a.Log, a.Services.Manager, queueMetricsInterval)

	if a.Server != nil {
		g.Go(func() error { return a.Server.Run(ctx, a.Cfg.HTTPAddr) })
	}
	if pool := a.Services.Pool; pool != nil {
		if a.Server == nil {
			a.Services.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		}
		pool.Start(ctx)
		g.Go(func() error {
			pool.Wait()
			return nil
		})
	}

	err := g.Wait()
	a.Log.Info("Stopped")
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
		cancel()
	}
	a.Clients.Close(a.Log)
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("Database close failed", "error", err)
		}
	}
	a.Log.Sync()
}

func queueNames(qs []jobs.QueueName) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, string(q))
	}
	return out
}
