package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
)

type FinalizeConfig struct {
	PublicBaseURL      string
	OverlayEnabled     bool
	DefaultAccentColor string
}

// FinalizeUseCase merges a submission's pending chunks into one normalized
// MP4. At most one finalize runs per submission: an in-process gate guards
// the fast path and the record store's compare-and-set guards the rest.
type FinalizeUseCase struct {
	repo     ports.SubmissionRepository
	store    ports.ChunkStore
	engine   ports.MergeEngine
	notifier ports.Notifier
	queue    ports.FinalizeQueue
	gate     ports.FinalizeGate
	locker   ports.SubmissionLocker
	cleanup  *CleanupUseCase
	observer ports.FinalizeObserver
	logger   *slog.Logger
	cfg      FinalizeConfig
	now      func() time.Time
}

func NewFinalizeUseCase(
	repo ports.SubmissionRepository,
	store ports.ChunkStore,
	engine ports.MergeEngine,
	notifier ports.Notifier,
	queue ports.FinalizeQueue,
	gate ports.FinalizeGate,
	locker ports.SubmissionLocker,
	cleanup *CleanupUseCase,
	observer ports.FinalizeObserver,
	logger *slog.Logger,
	cfg FinalizeConfig,
) *FinalizeUseCase {
	if observer == nil {
		observer = ports.NopFinalizeObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultAccentColor == "" {
		cfg.DefaultAccentColor = "orange"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &FinalizeUseCase{
		repo:     repo,
		store:    store,
		engine:   engine,
		notifier: notifier,
		queue:    queue,
		gate:     gate,
		locker:   locker,
		cleanup:  cleanup,
		observer: observer,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type finalizeParams struct {
	orientation domain.Orientation
	accent      string
}

func (uc *FinalizeUseCase) parseRequest(ref string, req domain.FinalizeRequest) (finalizeParams, error) {
	if err := domain.ValidateRef(ref); err != nil {
		return finalizeParams{}, err
	}
	orientation, err := domain.ParseOrientation(req.Orientation)
	if err != nil {
		return finalizeParams{}, err
	}
	color := req.Color
	if strings.TrimSpace(color) == "" {
		color = uc.cfg.DefaultAccentColor
	}
	accent, err := domain.NormalizeColor(color)
	if err != nil {
		return finalizeParams{}, err
	}
	return finalizeParams{orientation: orientation, accent: accent}, nil
}

func (uc *FinalizeUseCase) Finalize(ctx context.Context, ref string, req domain.FinalizeRequest) (*domain.FinalizeResult, error) {
	params, err := uc.parseRequest(ref, req)
	if err != nil {
		return nil, err
	}

	unlock, ok := uc.gate.TryLock(ref)
	if !ok {
		return nil, domain.WrapError(domain.ErrFinalizeInProgress, "finalize", errRefBusy(ref))
	}
	defer unlock()

	if err := uc.repo.BeginProcessing(ctx, ref); err != nil {
		return nil, err
	}

	uc.observer.StartFinalize()
	started := time.Now()
	chunks := 0
	result, err := uc.finalizeLocked(ctx, ref, params, &chunks)
	uc.observer.FinishFinalize(outcomeOf(err), chunks, time.Since(started))
	return result, err
}

// finalizeLocked runs with the processing flag set. Every return path either
// commits the output or clears the flag again.
func (uc *FinalizeUseCase) finalizeLocked(ctx context.Context, ref string, params finalizeParams, chunks *int) (*domain.FinalizeResult, error) {
	sub, err := uc.repo.GetByRef(ctx, ref)
	if err != nil {
		_ = uc.abandon(ctx, ref, "")
		return nil, err
	}

	if len(sub.PendingChunks) == 0 {
		if err := uc.endProcessing(ctx, ref); err != nil {
			return nil, err
		}
		uc.cleanup.resetQuietly(context.WithoutCancel(ctx), ref)
		return nil, domain.WrapError(domain.ErrEmptySubmission, "finalize", fmt.Errorf("ref=%s", ref))
	}

	names := uc.presentChunks(sub)
	*chunks = len(names)
	if len(names) == 0 {
		if err := uc.endProcessing(ctx, ref); err != nil {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrNoValidChunks, "finalize",
			fmt.Errorf("ref=%s pending=%d", ref, len(sub.PendingChunks)))
	}

	inputs := make([]string, 0, len(names))
	for _, name := range names {
		inputs = append(inputs, uc.store.ChunkPath(ref, name))
	}

	merged := uc.store.ScratchPath(ref, "merged"+path.Ext(names[0]))
	if err := uc.engine.Concat(ctx, inputs, merged); err != nil {
		if goneErr := uc.abandon(ctx, ref, ""); goneErr != nil {
			return nil, goneErr
		}
		return nil, err
	}

	completedAt := uc.now()
	output := fmt.Sprintf("%s-%d.mp4", ref, completedAt.UnixMilli())
	opts := domain.TranscodeOptions{Orientation: params.orientation}
	if uc.cfg.OverlayEnabled {
		opts.Overlay = domain.OverlayFor(sub, params.accent)
	}
	if err := uc.engine.Transcode(ctx, merged, uc.store.OutputPath(ref, output), opts); err != nil {
		if goneErr := uc.abandon(ctx, ref, output); goneErr != nil {
			return nil, goneErr
		}
		return nil, err
	}

	if err := uc.commit(ctx, ref, output, completedAt); err != nil {
		return nil, err
	}

	link := uc.outputLink(ref, output)
	uc.notifyCompleted(ctx, sub, output, link, completedAt)

	uc.logger.Info("finalize_completed",
		"external_ref", ref,
		"output", output,
		"chunks", len(names),
		"orientation", string(params.orientation),
	)
	return &domain.FinalizeResult{
		ExternalRef: ref,
		Output:      output,
		Link:        link,
		Orientation: params.orientation,
		Chunks:      len(names),
		CompletedAt: completedAt,
	}, nil
}

// presentChunks returns pending chunk names that still exist on disk, sorted
// by name so concatenation order does not depend on list order.
func (uc *FinalizeUseCase) presentChunks(sub *domain.Submission) []string {
	names := make([]string, 0, len(sub.PendingChunks))
	for _, name := range sub.PendingChunks {
		if !domain.IsPlainName(name) {
			uc.logger.Warn("finalize_skip_unsafe_chunk", "external_ref", sub.ExternalRef, "chunk", name)
			continue
		}
		if !uc.store.Exists(sub.ExternalRef, name) {
			uc.logger.Warn("finalize_missing_chunk", "external_ref", sub.ExternalRef, "chunk", name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commit records the output and purges the scratch area while holding the
// submission lock, so no chunk upload can slip in between.
func (uc *FinalizeUseCase) commit(ctx context.Context, ref, output string, completedAt time.Time) error {
	unlockSub, err := uc.locker.Lock(ctx, ref)
	if err != nil {
		if goneErr := uc.abandon(ctx, ref, output); goneErr != nil {
			return goneErr
		}
		return err
	}
	defer unlockSub()

	if err := uc.repo.CompleteFinalize(ctx, ref, output, completedAt); err != nil {
		_ = uc.abandon(ctx, ref, output)
		return err
	}
	if err := uc.store.Purge(ctx, ref); err != nil {
		uc.logger.Warn("finalize_purge_failed", "external_ref", ref, "error", err)
	}
	return nil
}

func (uc *FinalizeUseCase) notifyCompleted(ctx context.Context, sub *domain.Submission, output, link string, completedAt time.Time) {
	if uc.notifier == nil {
		return
	}
	event := domain.CompletionEvent{
		ExternalRef: sub.ExternalRef,
		Name:        sub.Name,
		Email:       sub.Email,
		Topic:       sub.Topic,
		Output:      output,
		Link:        link,
		CompletedAt: completedAt,
	}
	if err := uc.notifier.NotifyCompleted(context.WithoutCancel(ctx), event); err != nil {
		uc.observer.NotificationFailed("completed")
		uc.logger.Warn("finalize_notify_failed", "external_ref", sub.ExternalRef, "error", err)
	}
}

// abandon undoes a failed attempt: the flag is cleared, the partial output
// and intermediates are removed, pending chunks stay for a retry. It returns
// ErrSubmissionNotFound when the record was deleted meanwhile; that error
// takes precedence over whatever made the attempt fail.
func (uc *FinalizeUseCase) abandon(ctx context.Context, ref, output string) error {
	ctx = context.WithoutCancel(ctx)
	goneErr := uc.endProcessing(ctx, ref)
	if output != "" {
		if err := uc.store.RemoveOutput(ctx, ref, output); err != nil {
			uc.logger.Warn("finalize_remove_output_failed", "external_ref", ref, "output", output, "error", err)
		}
	}
	if err := uc.store.PurgeIntermediates(ctx, ref); err != nil {
		uc.logger.Warn("finalize_purge_intermediates_failed", "external_ref", ref, "error", err)
	}
	return goneErr
}

// endProcessing clears the flag. Only ErrSubmissionNotFound is returned;
// other failures are logged and left to the stale-flag reset.
func (uc *FinalizeUseCase) endProcessing(ctx context.Context, ref string) error {
	err := uc.repo.EndProcessing(context.WithoutCancel(ctx), ref)
	switch {
	case err == nil:
		return nil
	case domain.IsKind(err, domain.ErrSubmissionNotFound):
		return err
	default:
		uc.logger.Error("finalize_end_processing_failed", "external_ref", ref, "error", err)
		return nil
	}
}

func (uc *FinalizeUseCase) outputLink(ref, output string) string {
	return uc.cfg.PublicBaseURL + "/uploads/" + url.PathEscape(ref) + "/" + url.PathEscape(output)
}

// RequestFinalize validates a finalize request and hands it to a worker.
func (uc *FinalizeUseCase) RequestFinalize(ctx context.Context, ref string, req domain.FinalizeRequest) (*domain.FinalizeJob, error) {
	if _, err := uc.parseRequest(ref, req); err != nil {
		return nil, err
	}
	if uc.queue == nil {
		return nil, domain.WrapError(domain.ErrTemporary, "request finalize", fmt.Errorf("finalize queue is not configured"))
	}

	sub, err := uc.repo.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sub.Processing {
		return nil, domain.WrapError(domain.ErrFinalizeInProgress, "request finalize", errRefBusy(ref))
	}
	if len(sub.PendingChunks) == 0 {
		return nil, domain.WrapError(domain.ErrEmptySubmission, "request finalize", fmt.Errorf("ref=%s", ref))
	}

	job := domain.FinalizeJob{
		JobID:       uuid.NewString(),
		ExternalRef: ref,
		Request:     req,
		RequestedAt: uc.now(),
	}
	if err := uc.queue.PublishFinalize(ctx, job); err != nil {
		return nil, err
	}
	return &job, nil
}

// HandleFinalizeJob is the worker entry point. Outcomes that a retry cannot
// change are logged and swallowed.
func (uc *FinalizeUseCase) HandleFinalizeJob(ctx context.Context, job domain.FinalizeJob) error {
	result, err := uc.Finalize(ctx, job.ExternalRef, job.Request)
	switch {
	case err == nil:
		uc.logger.Info("finalize_job_done", "job_id", job.JobID, "external_ref", job.ExternalRef, "output", result.Output)
		return nil
	case domain.IsKind(err, domain.ErrEmptySubmission),
		domain.IsKind(err, domain.ErrFinalizeInProgress),
		domain.IsKind(err, domain.ErrSubmissionNotFound),
		domain.IsKind(err, domain.ErrInvalidInput):
		uc.logger.Info("finalize_job_skipped", "job_id", job.JobID, "external_ref", job.ExternalRef, "reason", err.Error())
		return nil
	default:
		return fmt.Errorf("finalize job %s: %w", job.JobID, err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsKind(err, domain.ErrEmptySubmission):
		return "empty"
	case domain.IsKind(err, domain.ErrNoValidChunks):
		return "no_valid_chunks"
	case domain.IsKind(err, domain.ErrMergeFailed):
		return "merge_failed"
	case domain.IsKind(err, domain.ErrSubmissionNotFound):
		return "deleted"
	default:
		return "error"
	}
}
