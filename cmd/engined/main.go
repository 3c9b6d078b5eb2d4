// Command engined runs the workflow execution engine: the bus
// consumers, the timer scheduler and an operational HTTP endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flowmata/flowmata/common/bootstrap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.New(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			components.Logger.Error("shutdown cleanup failed", "error", err)
		}
	}()
	log := components.Logger

	if err := components.DB.InitSchema(ctx); err != nil {
		return err
	}

	if err := components.Dispatcher.Register(ctx); err != nil {
		return err
	}

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- components.Scheduler.Run(ctx)
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if err := components.DB.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/statusz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"tasks": components.Registry.List(),
		})
	})

	addr := fmt.Sprintf("%s:%d", components.Config.Server.Host, components.Config.Server.Port)
	serverDone := make(chan error, 1)
	go func() {
		err := e.Start(addr)
		if !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()
	log.Info("engine started", "addr", addr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverDone:
		return err
	case err := <-schedulerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	return nil
}
