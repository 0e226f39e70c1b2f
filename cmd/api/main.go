package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/doctor-video-intake/internal/adapters/http"
	"github.com/kirillkom/doctor-video-intake/internal/bootstrap"
	"github.com/kirillkom/doctor-video-intake/internal/config"
	"github.com/kirillkom/doctor-video-intake/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "api")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()
	logger := app.Logger

	if _, err := app.ReclaimStale(ctx); err != nil {
		logger.Error("stale_reclaim_failed", "error", err)
	}

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	router, err := httpadapter.NewRouter(cfg, httpadapter.Services{
		Intake:      app.IntakeUC,
		Finalizer:   app.FinalizeUC,
		Cleaner:     app.CleanupUC,
		Submissions: app.SubmissionsUC,
		Outputs:     app.Storage,
	}, logger)
	if err != nil {
		log.Fatalf("router error: %v", err)
	}
	router.WithMetrics(httpMetrics, metrics.Handler(httpMetrics.Registry(), app.FinalizeMetrics.Registry()))

	// Synchronous finalize holds the connection for up to the merge timeout.
	writeTimeout := cfg.APIRequestTimeout
	if floor := 2*cfg.MergeTimeout + 30*time.Second; writeTimeout < floor {
		writeTimeout = floor
	}
	server := &http.Server{
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.APIRequestTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("api listen error: %v", err)
	}
	if cfg.APIMaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.APIMaxConnections)
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "record_store", cfg.RecordStore)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.APIShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
