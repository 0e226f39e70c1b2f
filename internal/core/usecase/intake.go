package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
)

const defaultMaxChunkBytes int64 = 50 << 20

var errChunkTooLarge = errors.New("chunk exceeds size limit")

// IntakeUseCase stores uploaded chunks and records them as pending.
type IntakeUseCase struct {
	repo     ports.SubmissionRepository
	store    ports.ChunkStore
	locker   ports.SubmissionLocker
	logger   *slog.Logger
	maxBytes int64
	now      func() time.Time
}

func NewIntakeUseCase(
	repo ports.SubmissionRepository,
	store ports.ChunkStore,
	locker ports.SubmissionLocker,
	logger *slog.Logger,
	maxChunkBytes int64,
) *IntakeUseCase {
	if maxChunkBytes <= 0 {
		maxChunkBytes = defaultMaxChunkBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeUseCase{
		repo:     repo,
		store:    store,
		locker:   locker,
		logger:   logger,
		maxBytes: maxChunkBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (uc *IntakeUseCase) AppendChunk(ctx context.Context, ref string, upload domain.ChunkUpload) (*domain.ChunkReceipt, error) {
	if err := domain.ValidateRef(ref); err != nil {
		return nil, err
	}
	if upload.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "append chunk", fmt.Errorf("no video file uploaded"))
	}
	ext, ok := domain.VideoExtension(upload.MimeType)
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "append chunk",
			fmt.Errorf("unsupported media type %q", upload.MimeType))
	}

	name := domain.NewChunkName(uc.now(), ext)
	if strings.TrimSpace(upload.Filename) != "" {
		sanitized, err := domain.SanitizeChunkName(upload.Filename, ext)
		if err != nil {
			return nil, err
		}
		name = sanitized
	}

	sub, err := uc.repo.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sub.Processing {
		return nil, domain.WrapError(domain.ErrFinalizeInProgress, "append chunk", errRefBusy(ref))
	}

	unlock, err := uc.locker.Lock(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer unlock()

	alreadyPending := sub.HasPending(name)
	written, err := uc.store.Append(ctx, ref, name, &limitedReader{r: upload.Body, remaining: uc.maxBytes})
	if err != nil {
		uc.discardFailedUpload(ctx, ref)
		if errors.Is(err, errChunkTooLarge) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "append chunk",
				fmt.Errorf("chunk exceeds %d bytes", uc.maxBytes))
		}
		return nil, err
	}
	if written == 0 {
		uc.dropChunk(ctx, ref, name, alreadyPending)
		return nil, domain.WrapError(domain.ErrInvalidInput, "append chunk", fmt.Errorf("empty chunk"))
	}

	if err := uc.repo.AppendPendingChunk(ctx, ref, name); err != nil {
		uc.dropChunk(ctx, ref, name, alreadyPending)
		return nil, err
	}

	pending := len(sub.PendingChunks)
	if !alreadyPending {
		pending++
	}
	uc.logger.Debug("chunk_appended", "external_ref", ref, "chunk", name, "bytes", written)
	return &domain.ChunkReceipt{
		ExternalRef: ref,
		Chunk:       name,
		Bytes:       written,
		Pending:     pending,
	}, nil
}

// discardFailedUpload removes leftovers of a partial upload; chunks already
// pending are kept.
func (uc *IntakeUseCase) discardFailedUpload(ctx context.Context, ref string) {
	if err := uc.store.PurgeIntermediates(context.WithoutCancel(ctx), ref); err != nil {
		uc.logger.Warn("intake_discard_failed", "external_ref", ref, "error", err)
	}
}

func (uc *IntakeUseCase) dropChunk(ctx context.Context, ref, name string, pending bool) {
	if pending {
		return
	}
	if err := uc.store.RemoveChunk(context.WithoutCancel(ctx), ref, name); err != nil {
		uc.logger.Warn("intake_remove_chunk_failed", "external_ref", ref, "chunk", name, "error", err)
	}
}

// limitedReader fails once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, errChunkTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errChunkTooLarge
	}
	return n, err
}
