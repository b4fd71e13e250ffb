package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-economy/pkg/access"
	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/db"
	"smallbiznis-economy/pkg/gen"
	"smallbiznis-economy/pkg/hashistack/secretmanager"
	"smallbiznis-economy/pkg/identity"
	"smallbiznis-economy/pkg/logger"
	"smallbiznis-economy/services/bootstrap"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"
)

// seed migrates the schema and loads the demo catalog. Roles are not needed
// to create catalog rows, so identity resolves everyone as standard.
func main() {
	var svc *bootstrap.Service

	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		gen.Module,
		db.Module,
		access.Module,
		ledger.Module,
		streak.Module,
		reward.Module,
		shop.Module,
		bootstrap.Module,
		fx.Provide(func() identity.Resolver { return identity.Static{} }),
		fx.Invoke(func(*zap.Logger) {}),
		fx.Populate(&svc),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("seed: start: %v", err)
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			zap.L().Warn("seed: stop", zap.Error(err))
		}
	}()

	report, err := svc.Seed(ctx, bootstrap.DemoCatalog())
	if err != nil {
		zap.L().Error("seed failed", zap.Error(err))
		return
	}
	zap.L().Info("seed finished",
		zap.Int("bundles", report.Bundles),
		zap.Int("listings", report.Listings),
		zap.Int("rewards", report.Rewards),
		zap.Int("skipped", report.Skipped),
	)
}
