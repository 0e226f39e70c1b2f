package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/bootstrap"
	"github.com/kirillkom/doctor-video-intake/internal/config"
	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()
	logger := app.Logger

	if app.Queue == nil {
		log.Fatalf("worker requires NATS_URL")
	}
	if _, err := app.ReclaimStale(ctx); err != nil {
		logger.Error("stale_reclaim_failed", "error", err)
	}

	if cfg.WorkerMetricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", app.FinalizeMetrics.Handler())
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("worker_metrics_server_failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker_subscribed", "subject", cfg.NATSFinalizeSubject, "queue_group", cfg.NATSQueueGroup)
	err = app.Queue.SubscribeFinalize(ctx, func(handlerCtx context.Context, job domain.FinalizeJob) error {
		jobCtx, cancel := context.WithTimeout(handlerCtx, cfg.WorkerFinalizeTimeout)
		defer cancel()
		return app.FinalizeUC.HandleFinalizeJob(jobCtx, job)
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
