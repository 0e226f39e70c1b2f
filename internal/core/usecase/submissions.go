package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
)

const (
	defaultLatestLimit = 10
	maxLatestLimit     = 100
)

type SubmissionsUseCase struct {
	repo        ports.SubmissionRepository
	store       ports.ChunkStore
	locker      ports.SubmissionLocker
	notifier    ports.Notifier
	logger      *slog.Logger
	frontendURL string
	now         func() time.Time
}

func NewSubmissionsUseCase(
	repo ports.SubmissionRepository,
	store ports.ChunkStore,
	locker ports.SubmissionLocker,
	notifier ports.Notifier,
	logger *slog.Logger,
	frontendURL string,
) *SubmissionsUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmissionsUseCase{
		repo:        repo,
		store:       store,
		locker:      locker,
		notifier:    notifier,
		logger:      logger,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (uc *SubmissionsUseCase) Register(ctx context.Context, req domain.RegisterRequest) (*domain.Submission, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := uc.now()
	sub := &domain.Submission{
		ExternalRef:      uuid.NewString(),
		Name:             req.Name,
		Degree:           req.Degree,
		Topic:            req.Topic,
		Email:            req.Email,
		Mobile:           req.Mobile,
		PendingChunks:    []string{},
		FinalizedOutputs: []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := uc.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	return sub, nil
}

func (uc *SubmissionsUseCase) Get(ctx context.Context, ref string) (*domain.Submission, error) {
	if err := domain.ValidateRef(ref); err != nil {
		return nil, err
	}
	return uc.repo.GetByRef(ctx, ref)
}

func (uc *SubmissionsUseCase) GetByID(ctx context.Context, id int64) (*domain.Submission, error) {
	if id <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get submission", fmt.Errorf("id must be positive"))
	}
	return uc.repo.GetByID(ctx, id)
}

func (uc *SubmissionsUseCase) ListLatest(ctx context.Context, limit int) ([]domain.Submission, error) {
	switch {
	case limit <= 0:
		limit = defaultLatestLimit
	case limit > maxLatestLimit:
		limit = maxLatestLimit
	}
	return uc.repo.ListCompleted(ctx, limit)
}

// DeleteSubmission removes the record and every file of the submission. A
// finalize in flight is not waited for; its next record write fails with
// not-found and it removes what it created.
func (uc *SubmissionsUseCase) DeleteSubmission(ctx context.Context, ref string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	unlock, err := uc.locker.Lock(ctx, ref)
	if err != nil {
		return err
	}

	deleteErr := uc.repo.Delete(ctx, ref)
	if deleteErr != nil && !domain.IsKind(deleteErr, domain.ErrSubmissionNotFound) {
		unlock()
		return deleteErr
	}
	// Files go even when the record was already missing.
	removeErr := uc.store.RemoveAll(context.WithoutCancel(ctx), ref)
	unlock()

	if deleteErr != nil {
		return deleteErr
	}
	if removeErr != nil {
		return fmt.Errorf("record deleted, files left behind: %w", removeErr)
	}
	uc.logger.Info("submission_deleted", "external_ref", ref)
	return nil
}

func (uc *SubmissionsUseCase) DeleteOutput(ctx context.Context, ref, name string) error {
	if err := domain.ValidateRef(ref); err != nil {
		return err
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if !domain.IsPlainName(base) {
		return domain.WrapError(domain.ErrInvalidInput, "delete output", fmt.Errorf("unsafe name %q", name))
	}

	unlock, err := uc.locker.Lock(ctx, ref)
	if err != nil {
		return err
	}
	defer unlock()

	if err := uc.repo.RemoveFinalizedOutput(ctx, ref, base); err != nil {
		return err
	}
	if err := uc.store.RemoveOutput(ctx, ref, base); err != nil {
		uc.logger.Warn("delete_output_file_failed", "external_ref", ref, "output", base, "error", err)
	}
	return nil
}

// SendLink asks the notifier to (re)send the recording page link.
func (uc *SubmissionsUseCase) SendLink(ctx context.Context, id int64) (*domain.LinkEvent, error) {
	sub, err := uc.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if uc.notifier == nil {
		return nil, domain.WrapError(domain.ErrTemporary, "send link", fmt.Errorf("notifier is not configured"))
	}

	event := domain.LinkEvent{
		ExternalRef: sub.ExternalRef,
		Name:        sub.Name,
		Email:       sub.Email,
		Topic:       sub.Topic,
		Link:        uc.frontendURL + "/doctors/record/" + url.PathEscape(sub.ExternalRef),
		RequestedAt: uc.now(),
	}
	if err := uc.notifier.NotifyRecordingLink(ctx, event); err != nil {
		return nil, err
	}
	return &event, nil
}
