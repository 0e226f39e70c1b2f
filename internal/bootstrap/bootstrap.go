package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/config"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
	"github.com/kirillkom/doctor-video-intake/internal/core/usecase"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/lock"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/mergeengine/ffmpeg"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/queue/nats"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/resilience"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/doctor-video-intake/internal/observability/logging"
	"github.com/kirillkom/doctor-video-intake/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Repo    ports.SubmissionRepository
	Storage *localfs.Storage
	// Queue is nil when NATS_URL is empty.
	Queue *nats.Queue

	IntakeUC      *usecase.IntakeUseCase
	FinalizeUC    *usecase.FinalizeUseCase
	CleanupUC     *usecase.CleanupUseCase
	SubmissionsUC *usecase.SubmissionsUseCase

	FinalizeMetrics *metrics.FinalizeMetrics

	closeFn []func()
}

type options struct {
	logOutput io.Writer
}

// Option adjusts how New builds the App.
type Option func(*options)

// WithLogOutput sends the JSON log stream to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// New wires every component for one binary. service names the process in
// logs and metrics.
func New(ctx context.Context, cfg config.Config, service string, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.NewJSONLoggerTo(o.logOutput, service, cfg.LogLevel)
	slog.SetDefault(logger)

	app := &App{
		Config:          cfg,
		Logger:          logger,
		FinalizeMetrics: metrics.NewFinalizeMetrics(service),
	}
	if err := app.init(ctx, service); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context, service string) error {
	cfg := a.Config

	repo, err := a.openRecordStore(ctx)
	if err != nil {
		return err
	}
	a.Repo = repo

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("init chunk store: %w", err)
	}
	a.Storage = storage

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = filepath.Join(storage.BasePath(), ".locks")
	}
	locker, err := lock.NewFileLocker(lockDir)
	if err != nil {
		return fmt.Errorf("init submission locker: %w", err)
	}
	gate := lock.NewKeyed()

	var (
		notifier ports.Notifier
		queue    ports.FinalizeQueue
	)
	if cfg.NATSURL != "" {
		executor := resilience.NewExecutor(resilience.Config{
			RetryMaxAttempts:    cfg.ResilienceMaxAttempts,
			RetryInitialBackoff: cfg.ResilienceInitialBackoff,
			RetryMaxBackoff:     cfg.ResilienceMaxBackoff,
			BreakerEnabled:      true,
			BreakerFailureRatio: cfg.ResilienceBreakerFailRatio,
			BreakerOpenTimeout:  cfg.ResilienceBreakerTimeout,
			OnStateChange:       a.FinalizeMetrics.ObserveBreakerState,
		}, a.Logger)
		retry := cfg.NATSRetryOnFailConnect
		q, err := nats.New(cfg.NATSURL, nats.Subjects{
			Finalize:   cfg.NATSFinalizeSubject,
			Completed:  cfg.NATSCompletedSubject,
			Link:       cfg.NATSLinkSubject,
			QueueGroup: cfg.NATSQueueGroup,
		}, nats.Options{
			Name:                 "doctor-video-intake-" + service,
			ConnectTimeout:       cfg.NATSConnectTimeout,
			ReconnectWait:        cfg.NATSReconnectWait,
			MaxReconnects:        cfg.NATSMaxReconnects,
			RetryOnFailedConnect: &retry,
			ResilienceExecutor:   executor,
			Logger:               a.Logger,
		})
		if err != nil {
			return fmt.Errorf("init message queue: %w", err)
		}
		a.Queue = q
		a.closeFn = append(a.closeFn, q.Close)
		notifier, queue = q, q
	} else {
		a.Logger.Warn("nats_disabled", "reason", "NATS_URL is empty; notifications and async finalize are off")
	}

	engine := ffmpeg.New(ffmpeg.Config{
		Binary:    cfg.MergeBinary,
		Timeout:   cfg.MergeTimeout,
		KillGrace: cfg.MergeKillGrace,
		FontFile:  cfg.OverlayFontFile,
	}, a.Logger)

	a.CleanupUC = usecase.NewCleanupUseCase(repo, storage, gate, locker, a.Logger)
	a.IntakeUC = usecase.NewIntakeUseCase(repo, storage, locker, a.Logger, cfg.MaxChunkBytes)
	a.FinalizeUC = usecase.NewFinalizeUseCase(
		repo, storage, engine, notifier, queue, gate, locker, a.CleanupUC, a.FinalizeMetrics, a.Logger,
		usecase.FinalizeConfig{
			PublicBaseURL:      cfg.PublicBaseURL,
			OverlayEnabled:     cfg.OverlayEnabled,
			DefaultAccentColor: cfg.OverlayAccentColor,
		},
	)
	a.SubmissionsUC = usecase.NewSubmissionsUseCase(repo, storage, locker, notifier, a.Logger, cfg.FrontendURL)
	return nil
}

func (a *App) openRecordStore(ctx context.Context) (ports.SubmissionRepository, error) {
	switch a.Config.RecordStore {
	case "sqlite":
		store, err := sqlite.Open(ctx, a.Config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closeFn = append(a.closeFn, func() { _ = store.Close() })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		db, err := postgres.OpenDB(ctx, a.Config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closeFn = append(a.closeFn, func() { _ = db.Close() })
		repo := postgres.NewSubmissionRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, nil
	}
}

// ReclaimStale clears processing flags left behind by a process that died
// mid-finalize.
func (a *App) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.Config.StaleProcessingAfter())
	n, err := a.Repo.ResetStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	a.FinalizeMetrics.RecordStaleReset(n)
	if n > 0 {
		a.Logger.Warn("stale_processing_reset", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (a *App) Close() {
	for i := len(a.closeFn) - 1; i >= 0; i-- {
		a.closeFn[i]()
	}
	a.closeFn = nil
}
