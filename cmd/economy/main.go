package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-economy/internal/collab"
	"smallbiznis-economy/internal/httpapi"
	"smallbiznis-economy/pkg/access"
	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/db"
	"smallbiznis-economy/pkg/featureflags"
	"smallbiznis-economy/pkg/gen"
	"smallbiznis-economy/pkg/hashistack/secretmanager"
	"smallbiznis-economy/pkg/health"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/pkg/lock"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/pkg/minio"
	"smallbiznis-economy/pkg/otelcol"
	"smallbiznis-economy/pkg/profiling"
	"smallbiznis-economy/pkg/redis"
	"smallbiznis-economy/pkg/server"
	pkgtask "smallbiznis-economy/pkg/task"
	"smallbiznis-economy/services/bootstrap"
	"smallbiznis-economy/services/delivery"
	"smallbiznis-economy/services/economy"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"
	"smallbiznis-economy/services/task"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		gen.Module,
		db.Module,
		redis.Module,
		pkgtask.Client,
		pkgtask.Server,
		lock.Module,
		identity.Module,
		access.Module,
		featureflags.Module,
		minio.Client,

		ledger.Module,
		streak.Module,
		reward.Module,
		shop.Module,
		delivery.Module,
		economy.Module,
		collab.Module,
		fx.Provide(
			func(s *shop.Service) reward.ContentGranter { return s },
			func(d *delivery.Service) shop.Deliverer { return d },
		),
		bootstrap.Module,

		task.Module,
		task.Handlers,
		task.Scheduling,

		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})
