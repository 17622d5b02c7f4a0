package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkdeploy/ark/internal/app/bootstrap"
	"github.com/arkdeploy/ark/internal/app/migrate"
	httpx "github.com/arkdeploy/ark/internal/http"
	"github.com/arkdeploy/ark/internal/service/reconcile"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 2 * time.Minute
)

func main() {
	dotErr := config.LoadDotEnv(".env")
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel)
	if dotErr != nil {
		log.Warn("failed to load .env", "error", dotErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if cfg.DefaultPlanSlug != "" {
		if _, err := app.Plans.Get(ctx, cfg.DefaultPlanSlug); err != nil {
			log.Warn("default plan not found; limits for users without a subscription are not enforced", "plan", cfg.DefaultPlanSlug, "error", err)
		}
	}

	reconcile.InitMetrics()
	controller := reconcile.NewController(app.Repo, app.Reconcile, log, cfg)
	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		controller.Run(ctx)
	}()

	router := httpx.NewRouter(log, app.Services(), app.RateLimiter(), app.Pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "ingress", cfg.IngressMode)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-controllerDone
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		if err := app.Deploys.Wait(drainCtx); err != nil {
			log.Warn("background deploys still running at exit", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
