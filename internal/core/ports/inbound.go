package ports

import (
	"context"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

// ChunkIngestor is the inbound contract for chunk uploads.
type ChunkIngestor interface {
	AppendChunk(ctx context.Context, ref string, upload domain.ChunkUpload) (*domain.ChunkReceipt, error)
}

// Finalizer merges pending chunks into a finalized output, either inline or
// by handing a job to a worker.
type Finalizer interface {
	Finalize(ctx context.Context, ref string, req domain.FinalizeRequest) (*domain.FinalizeResult, error)
	RequestFinalize(ctx context.Context, ref string, req domain.FinalizeRequest) (*domain.FinalizeJob, error)
}

// SubmissionCleaner restores a submission's scratch state to baseline.
type SubmissionCleaner interface {
	Cleanup(ctx context.Context, ref string) error
}

// SubmissionService covers registration, reads and deletion.
type SubmissionService interface {
	Register(ctx context.Context, req domain.RegisterRequest) (*domain.Submission, error)
	Get(ctx context.Context, ref string) (*domain.Submission, error)
	GetByID(ctx context.Context, id int64) (*domain.Submission, error)
	ListLatest(ctx context.Context, limit int) ([]domain.Submission, error)
	DeleteSubmission(ctx context.Context, ref string) error
	DeleteOutput(ctx context.Context, ref, name string) error
	SendLink(ctx context.Context, id int64) (*domain.LinkEvent, error)
}
