package http

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"

	"dispatcherd.io/common"
	"dispatcherd.io/config"
)

// SetupFunc attaches routes and handlers to an Echo instance before the
// server starts accepting connections.
type SetupFunc func(*echo.Echo) error

// RunServer builds the Echo server, runs setup, serves until SIGINT or
// SIGTERM, then drains in-flight requests within the configured shutdown
// timeout. It returns only after the listener has fully stopped.
func RunServer(cfg config.ServerConfig, logger *common.ContextLogger, setup SetupFunc) error {
	e := NewEchoServer(cfg)

	if setup != nil {
		if err := setup(e); err != nil {
			return fmt.Errorf("route setup failed: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		logger.Infof("listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
		return err
	}

	logger.Info("server stopped")
	return nil
}
