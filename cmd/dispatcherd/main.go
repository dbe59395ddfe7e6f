// Command dispatcherd runs the download-task dispatcher and document
// registration service: the HTTP API surface, the two background sweeps,
// and their shared Postgres pool and optional Redis cache.
package main

import (
	"context"
	"os"

	"github.com/labstack/echo/v4"

	"dispatcherd.io/auth"
	"dispatcherd.io/cache"
	"dispatcherd.io/common"
	"dispatcherd.io/config"
	"dispatcherd.io/dispatch"
	"dispatcherd.io/documents"
	dhttp "dispatcherd.io/http"
	"dispatcherd.io/registry"
	"dispatcherd.io/stats"
	"dispatcherd.io/store"
	"dispatcherd.io/sweeper"
	"dispatcherd.io/version"
)

const (
	exitOK               = 0
	exitConfigError      = 1
	exitStoreUnreachable = 2
	exitCacheUnreachable = 3
)

const envPrefix = "DISPATCH"

func main() {
	os.Exit(run())
}

func run() int {
	logger := common.ServiceLogger("dispatcherd", version.GetModuleVersion())

	cfg, err := config.Load(envPrefix)
	if err != nil {
		logger.WithError(err).Error("configuration invalid")
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := store.NewGateway(ctx, cfg.Store)
	if err != nil {
		logger.WithError(err).Error("store unreachable")
		return exitStoreUnreachable
	}
	defer gateway.Close()

	cacheLayer, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		logger.WithError(err).Error("cache unreachable and required")
		return exitCacheUnreachable
	}

	workerRegistry := registry.New(gateway)
	dispatcher := dispatch.New(gateway, cacheLayer)
	registrar := documents.New(gateway, cacheLayer)
	statistics := stats.New(gateway, cacheLayer)
	gate := auth.New(cfg.Auth.AdminKey, workerRegistry, cfg.Auth.Enabled)
	logger.WithField("enabled", cfg.Auth.Enabled).
		WithField("admin_key", common.MaskSecret(cfg.Auth.AdminKey)).
		Info("credential gate configured")

	sweeps := sweeper.New(gateway.Pool(), workerRegistry, dispatcher, sweeper.Config{
		LivenessInterval:  cfg.Liveness.HeartbeatExpected / 2,
		InactiveThreshold: cfg.Liveness.InactiveThreshold,
		ReclaimInterval:   cfg.Liveness.ReclaimInterval,
		ReclaimThreshold:  cfg.Liveness.InactiveThreshold,
	}, logger)
	sweeps.Start(ctx)
	defer sweeps.Stop()

	api := dhttp.NewAPI(gate, dispatcher, workerRegistry, registrar, statistics, cfg.Server)
	err = dhttp.RunServer(cfg.Server, logger, func(e *echo.Echo) error {
		api.RegisterRoutes(e)
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("server exited with error")
		return exitConfigError
	}
	return exitOK
}
