package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

// SubmissionRepository persists submission records. Every ref-keyed method
// returns domain.ErrSubmissionNotFound for unknown refs.
type SubmissionRepository interface {
	Create(ctx context.Context, sub *domain.Submission) error
	GetByID(ctx context.Context, id int64) (*domain.Submission, error)
	GetByRef(ctx context.Context, ref string) (*domain.Submission, error)
	ListCompleted(ctx context.Context, limit int) ([]domain.Submission, error)

	// AppendPendingChunk is rejected with domain.ErrFinalizeInProgress while
	// the processing flag is set.
	AppendPendingChunk(ctx context.Context, ref, name string) error
	ClearPending(ctx context.Context, ref string) error

	// BeginProcessing atomically flips processing false -> true and returns
	// domain.ErrFinalizeInProgress when it was already set.
	BeginProcessing(ctx context.Context, ref string) error
	EndProcessing(ctx context.Context, ref string) error
	// CompleteFinalize appends output, stamps completedAt, clears pending and
	// resets processing in one write.
	CompleteFinalize(ctx context.Context, ref, output string, completedAt time.Time) error
	RemoveFinalizedOutput(ctx context.Context, ref, name string) error
	ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error)
	Delete(ctx context.Context, ref string) error
}

// ChunkStore is the per-submission scratch area plus finalized output files.
type ChunkStore interface {
	Append(ctx context.Context, ref, name string, body io.Reader) (int64, error)
	List(ctx context.Context, ref string) ([]string, error)
	Exists(ref, name string) bool
	ChunkPath(ref, name string) string
	ScratchPath(ref, name string) string
	OutputPath(ref, name string) string
	RemoveChunk(ctx context.Context, ref, name string) error
	RemoveOutput(ctx context.Context, ref, name string) error
	Purge(ctx context.Context, ref string) error
	PurgeIntermediates(ctx context.Context, ref string) error
	RemoveAll(ctx context.Context, ref string) error
}

// MergeEngine is the external transcoding tool. Both calls block until the
// tool exits and return a *domain.MergeError on failure.
type MergeEngine interface {
	Concat(ctx context.Context, inputs []string, output string) error
	Transcode(ctx context.Context, input, output string, opts domain.TranscodeOptions) error
}

// Notifier delivers doctor-facing messages. Delivery is best-effort.
type Notifier interface {
	NotifyCompleted(ctx context.Context, event domain.CompletionEvent) error
	NotifyRecordingLink(ctx context.Context, event domain.LinkEvent) error
}

// FinalizeQueue carries asynchronous finalize jobs to workers.
type FinalizeQueue interface {
	PublishFinalize(ctx context.Context, job domain.FinalizeJob) error
	SubscribeFinalize(ctx context.Context, handler func(context.Context, domain.FinalizeJob) error) error
}

// FinalizeGate is a non-blocking in-process mutual exclusion keyed by ref.
type FinalizeGate interface {
	TryLock(key string) (unlock func(), ok bool)
}

// SubmissionLocker serializes mutations of one submission directory across
// goroutines and processes.
type SubmissionLocker interface {
	Lock(ctx context.Context, ref string) (unlock func(), err error)
}

// FinalizeObserver records finalize outcomes.
type FinalizeObserver interface {
	StartFinalize()
	FinishFinalize(outcome string, chunks int, duration time.Duration)
	NotificationFailed(kind string)
}

type NopFinalizeObserver struct{}

func (NopFinalizeObserver) StartFinalize() {}
func (NopFinalizeObserver) FinishFinalize(string, int, time.Duration) {}
func (NopFinalizeObserver) NotificationFailed(string) {}
