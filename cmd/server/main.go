package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailhook/mailhook/internal/api"
	"github.com/mailhook/mailhook/internal/auth"
	"github.com/mailhook/mailhook/internal/config"
	"github.com/mailhook/mailhook/internal/db"
	"github.com/mailhook/mailhook/internal/dispatch"
	"github.com/mailhook/mailhook/internal/health"
	"github.com/mailhook/mailhook/internal/logging"
	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/registry"
	"github.com/mailhook/mailhook/internal/scheduler"
	"github.com/mailhook/mailhook/internal/store"
	"github.com/mailhook/mailhook/internal/tracing"
	"github.com/mailhook/mailhook/internal/trigger"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("mailhook-server")

	shutdownTracing, err := tracing.InitTracing(ctx, "mailhook-server")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	st := store.NewPostgres(pool)
	reg := registry.New(st)
	dispatcher := dispatch.New(st, cfg.Delivery, logger)
	dispatcher.Start(ctx)

	sched := scheduler.New(st, dispatcher, cfg.Scheduler, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("scheduler start failed")
	}

	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator init failed")
		}
	}

	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	srv := api.NewServer(reg, dispatcher, trigger.New(dispatcher, logger), st, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPPort,
		Handler: srv.Router(validator, promReg, health.Handler(pool)),
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	logger.Plain().Info("mailhook server started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down mailhook server")
	sched.Stop()
	_ = httpSrv.Shutdown(context.Background())
	cancel()
	dispatcher.Stop()
	logger.Plain().Info("mailhook server stopped")
}
