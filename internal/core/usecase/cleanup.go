package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
)

// CleanupUseCase returns a submission's scratch area and pending list to the
// empty baseline. Finalized outputs are never touched.
type CleanupUseCase struct {
	repo   ports.SubmissionRepository
	store  ports.ChunkStore
	gate   ports.FinalizeGate
	locker ports.SubmissionLocker
	logger *slog.Logger
}

func NewCleanupUseCase(
	repo ports.SubmissionRepository,
	store ports.ChunkStore,
	gate ports.FinalizeGate,
	locker ports.SubmissionLocker,
	logger *slog.Logger,
) *CleanupUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupUseCase{
		repo:   repo,
		store:  store,
		gate:   gate,
		locker: locker,
		logger: logger,
	}
}

// Cleanup is the administrative entry point. It refuses to run while a
// finalize holds the submission and reports every failure.
func (uc *CleanupUseCase) Cleanup(ctx context.Context, ref string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	unlock, ok := uc.gate.TryLock(ref)
	if !ok {
		return domain.WrapError(domain.ErrFinalizeInProgress, "cleanup", errRefBusy(ref))
	}
	defer unlock()

	return uc.reset(ctx, ref)
}

// reset expects the caller to hold the finalize gate for ref.
func (uc *CleanupUseCase) reset(ctx context.Context, ref string) error {
	unlockSub, err := uc.locker.Lock(ctx, ref)
	if err != nil {
		return err
	}
	defer unlockSub()

	sub, err := uc.repo.GetByRef(ctx, ref)
	if err != nil {
		if domain.IsKind(err, domain.ErrSubmissionNotFound) {
			// Orphaned scratch data of a deleted record.
			if purgeErr := uc.store.Purge(ctx, ref); purgeErr != nil {
				uc.logger.Warn("cleanup_purge_failed", "external_ref", ref, "error", purgeErr)
			}
		}
		return err
	}
	if sub.Processing {
		return domain.WrapError(domain.ErrFinalizeInProgress, "cleanup", errRefBusy(ref))
	}

	if err := uc.store.Purge(ctx, ref); err != nil {
		return err
	}
	if len(sub.PendingChunks) == 0 {
		return nil
	}
	return uc.repo.ClearPending(ctx, ref)
}

// resetQuietly runs reset on a best-effort path and only logs failures.
func (uc *CleanupUseCase) resetQuietly(ctx context.Context, ref string) {
	if err := uc.reset(ctx, ref); err != nil {
		uc.logger.Warn("cleanup_failed", "external_ref", ref, "error", err)
	}
}

func errRefBusy(ref string) error {
	return fmt.Errorf("submission %s is being finalized", ref)
}
