package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

type finalizeHarness struct {
	repo     *memRepo
	store    *memStore
	engine   *fakeEngine
	notifier *fakeNotifier
	queue    *fakeQueue
	locker   *keyedGate
	observer *recordingObserver
	uc       *FinalizeUseCase
}

func newFinalizeHarness(t *testing.T) *finalizeHarness {
	t.Helper()
	h := &finalizeHarness{
		repo:     newMemRepo(),
		store:    newMemStore(),
		notifier: &fakeNotifier{},
		queue:    &fakeQueue{},
		locker:   newKeyedGate(),
		observer: &recordingObserver{},
	}
	h.engine = &fakeEngine{store: h.store}
	h.uc = h.build(newKeyedGate())
	return h
}

// build returns another use case over the same state, as a second process
// would see it.
func (h *finalizeHarness) build(gate *keyedGate) *FinalizeUseCase {
	cleanup := NewCleanupUseCase(h.repo, h.store, gate, h.locker, nil)
	uc := NewFinalizeUseCase(h.repo, h.store, h.engine, h.notifier, h.queue, gate, h.locker, cleanup, h.observer, nil,
		FinalizeConfig{PublicBaseURL: "https://cdn.example.test/", OverlayEnabled: true})
	uc.now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return uc
}

// seed registers a submission with the given pending chunks present on disk.
func (h *finalizeHarness) seed(pending ...string) *domain.Submission {
	sub := h.repo.add(domain.Submission{
		Name:          "Ana Petrova",
		Degree:        "MD",
		Topic:         "Hypertension",
		Email:         "ana@example.test",
		PendingChunks: pending,
	})
	for _, name := range pending {
		h.store.put(sub.ExternalRef, name, []byte(name))
	}
	return sub
}

func TestFinalizeMergesPendingChunksInNameOrder(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("c.webm", "a.webm", "b.webm")
	ref := sub.ExternalRef

	result, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{Orientation: "portrait"})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	want := []string{h.store.ChunkPath(ref, "a.webm"), h.store.ChunkPath(ref, "b.webm"), h.store.ChunkPath(ref, "c.webm")}
	if got := h.engine.concatInputs[0]; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("concat inputs = %v, want %v", got, want)
	}
	opts := h.engine.transcodes[0]
	if opts.Orientation != domain.OrientationPortrait {
		t.Fatalf("orientation = %q", opts.Orientation)
	}
	if opts.Overlay == nil || opts.Overlay.Title != "Dr. Ana Petrova, MD" || opts.Overlay.AccentColor != "orange" {
		t.Fatalf("unexpected overlay: %+v", opts.Overlay)
	}

	after := h.repo.snapshot(ref)
	if len(after.FinalizedOutputs) != 1 || after.FinalizedOutputs[0] != result.Output {
		t.Fatalf("finalized outputs = %v, result output %q", after.FinalizedOutputs, result.Output)
	}
	if len(after.PendingChunks) != 0 || after.Processing || after.CompletedAt == nil {
		t.Fatalf("unexpected record state: %+v", after)
	}
	if h.store.hasScratch(ref) {
		t.Fatalf("scratch area still present: %v", h.store.scratchNames(ref))
	}
	if !h.store.hasOutput(ref, result.Output) {
		t.Fatalf("output %q missing", result.Output)
	}
	if !strings.HasPrefix(result.Output, ref+"-") || !strings.HasSuffix(result.Output, ".mp4") {
		t.Fatalf("unexpected output name %q", result.Output)
	}
	wantLink := "https://cdn.example.test/uploads/" + ref + "/" + result.Output
	if result.Link != wantLink {
		t.Fatalf("link = %q, want %q", result.Link, wantLink)
	}
	if result.Chunks != 3 {
		t.Fatalf("chunks = %d, want 3", result.Chunks)
	}
	if len(h.notifier.completed) != 1 || h.notifier.completed[0].Link != wantLink {
		t.Fatalf("completion events = %+v", h.notifier.completed)
	}
	if len(h.observer.outcomes) != 1 || h.observer.outcomes[0] != "success" {
		t.Fatalf("outcomes = %v", h.observer.outcomes)
	}

	// Finalizing again has nothing to merge and must not repeat the output.
	_, err = h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{Orientation: "portrait"})
	if !errors.Is(err, domain.ErrEmptySubmission) {
		t.Fatalf("second Finalize() expected ErrEmptySubmission, got %v", err)
	}
	again := h.repo.snapshot(ref)
	if len(again.FinalizedOutputs) != 1 || again.FinalizedOutputs[0] != result.Output || again.Processing {
		t.Fatalf("record changed by second finalize: %+v", again)
	}
	if len(h.engine.concatInputs) != 1 {
		t.Fatalf("engine ran again: %d concat calls", len(h.engine.concatInputs))
	}
}

func TestFinalizeEmptySubmission(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed()

	_, err := h.uc.Finalize(context.Background(), sub.ExternalRef, domain.FinalizeRequest{})
	if !errors.Is(err, domain.ErrEmptySubmission) {
		t.Fatalf("expected ErrEmptySubmission, got %v", err)
	}
	if len(h.engine.concatInputs) != 0 {
		t.Fatalf("engine must not run")
	}
	after := h.repo.snapshot(sub.ExternalRef)
	if after.Processing || len(after.FinalizedOutputs) != 0 || after.CompletedAt != nil {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestFinalizeAllChunksMissing(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.repo.add(domain.Submission{Name: "Ana", Topic: "T", Email: "a@example.test", PendingChunks: []string{"a.webm", "b.webm"}})

	_, err := h.uc.Finalize(context.Background(), sub.ExternalRef, domain.FinalizeRequest{})
	if !errors.Is(err, domain.ErrNoValidChunks) {
		t.Fatalf("expected ErrNoValidChunks, got %v", err)
	}
	after := h.repo.snapshot(sub.ExternalRef)
	if after.Processing || len(after.PendingChunks) != 2 {
		t.Fatalf("unexpected state: %+v", after)
	}
	if h.observer.outcomes[0] != "no_valid_chunks" {
		t.Fatalf("outcome = %q", h.observer.outcomes[0])
	}
}

func TestFinalizeSkipsMissingChunks(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm", "b.webm", "c.webm")
	ref := sub.ExternalRef
	if err := h.store.RemoveChunk(context.Background(), ref, "b.webm"); err != nil {
		t.Fatalf("RemoveChunk() error = %v", err)
	}

	result, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if result.Chunks != 2 || len(h.engine.concatInputs[0]) != 2 {
		t.Fatalf("expected two inputs, got %v", h.engine.concatInputs[0])
	}
}

func TestFinalizeMergeFailureKeepsPendingChunks(t *testing.T) {
	cases := []struct {
		stage string
		fail  func(e *fakeEngine, err error)
	}{
		{stage: "concat", fail: func(e *fakeEngine, err error) { e.concatErr = err }},
		{stage: "transcode", fail: func(e *fakeEngine, err error) { e.transcodeErr = err }},
	}
	for _, tc := range cases {
		t.Run(tc.stage, func(t *testing.T) {
			h := newFinalizeHarness(t)
			sub := h.seed("a.webm", "b.webm")
			ref := sub.ExternalRef
			tc.fail(h.engine, &domain.MergeError{Stage: tc.stage, Reason: "Invalid data found when processing input"})

			_, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{Orientation: "landscape"})
			if !errors.Is(err, domain.ErrMergeFailed) {
				t.Fatalf("expected ErrMergeFailed, got %v", err)
			}
			if reason := domain.MergeReason(err); reason != "Invalid data found when processing input" {
				t.Fatalf("reason = %q", reason)
			}

			after := h.repo.snapshot(ref)
			if after.Processing || len(after.PendingChunks) != 2 || len(after.FinalizedOutputs) != 0 {
				t.Fatalf("unexpected state: %+v", after)
			}
			if names := h.store.scratchNames(ref); strings.Join(names, ",") != "a.webm,b.webm" {
				t.Fatalf("scratch after failure = %v", names)
			}
			h.store.mu.Lock()
			outputs := len(h.store.outputs[ref])
			h.store.mu.Unlock()
			if outputs != 0 {
				t.Fatalf("partial output left behind")
			}
			if h.observer.outcomes[0] != "merge_failed" {
				t.Fatalf("outcome = %q", h.observer.outcomes[0])
			}

			// A retry with a working engine succeeds from the same pending list.
			h.engine.concatErr, h.engine.transcodeErr = nil, nil
			if _, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{}); err != nil {
				t.Fatalf("retry error = %v", err)
			}
		})
	}
}

func TestFinalizeConcurrentCallsHaveOneWinner(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")
	ref := sub.ExternalRef
	h.engine.entered = make(chan struct{})
	h.engine.release = make(chan struct{})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{})
	}()
	<-h.engine.entered

	_, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{})
	if !errors.Is(err, domain.ErrFinalizeInProgress) {
		t.Fatalf("same-process caller: expected ErrFinalizeInProgress, got %v", err)
	}
	// A caller with its own gate is stopped by the record flag.
	_, err = h.build(newKeyedGate()).Finalize(context.Background(), ref, domain.FinalizeRequest{})
	if !errors.Is(err, domain.ErrFinalizeInProgress) {
		t.Fatalf("other-process caller: expected ErrFinalizeInProgress, got %v", err)
	}
	// Cleanup refuses while the finalize runs.
	if err := NewCleanupUseCase(h.repo, h.store, newKeyedGate(), h.locker, nil).Cleanup(context.Background(), ref); !errors.Is(err, domain.ErrFinalizeInProgress) {
		t.Fatalf("cleanup: expected ErrFinalizeInProgress, got %v", err)
	}

	close(h.engine.release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("winner error = %v", firstErr)
	}
	if outputs := h.repo.snapshot(ref).FinalizedOutputs; len(outputs) != 1 {
		t.Fatalf("expected one output, got %v", outputs)
	}
}

func TestFinalizeRacingDeleteRemovesArtifacts(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")
	ref := sub.ExternalRef
	subs := NewSubmissionsUseCase(h.repo, h.store, h.locker, nil, nil, "")
	h.engine.onTranscode = func() {
		if err := subs.DeleteSubmission(context.Background(), ref); err != nil {
			t.Errorf("DeleteSubmission() error = %v", err)
		}
	}

	_, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{})
	if !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	h.store.mu.Lock()
	outputs := len(h.store.outputs[ref])
	h.store.mu.Unlock()
	if outputs != 0 {
		t.Fatalf("output left behind after delete")
	}
	if h.observer.outcomes[0] != "deleted" {
		t.Fatalf("outcome = %q", h.observer.outcomes[0])
	}
}

func TestFinalizeDeleteDuringConcatReportsNotFound(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")
	ref := sub.ExternalRef
	subs := NewSubmissionsUseCase(h.repo, h.store, h.locker, nil, nil, "")
	h.engine.entered = make(chan struct{})
	h.engine.release = make(chan struct{})
	// The chunks vanish under the engine, so it fails the way ffmpeg would.
	h.engine.concatErr = &domain.MergeError{Stage: "concat", Reason: "a.webm: No such file or directory"}

	done := make(chan error, 1)
	go func() {
		_, err := h.uc.Finalize(context.Background(), ref, domain.FinalizeRequest{})
		done <- err
	}()
	<-h.engine.entered
	if err := subs.DeleteSubmission(context.Background(), ref); err != nil {
		t.Fatalf("DeleteSubmission() error = %v", err)
	}
	close(h.engine.release)

	err := <-done
	if !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	if names := h.store.scratchNames(ref); len(names) != 0 {
		t.Fatalf("intermediates left behind: %v", names)
	}
	if h.observer.outcomes[0] != "deleted" {
		t.Fatalf("outcome = %q", h.observer.outcomes[0])
	}
}

func TestFinalizeNotificationFailureKeepsResult(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")
	h.notifier.err = domain.WrapError(domain.ErrTemporary, "notify", errors.New("nats down"))

	if _, err := h.uc.Finalize(context.Background(), sub.ExternalRef, domain.FinalizeRequest{}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if got := h.repo.snapshot(sub.ExternalRef).FinalizedOutputs; len(got) != 1 {
		t.Fatalf("outputs = %v", got)
	}
	if h.observer.notificationFailures != 1 {
		t.Fatalf("notification failures = %d", h.observer.notificationFailures)
	}
}

func TestFinalizeRejectsInvalidRequest(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")

	cases := []struct {
		name string
		ref  string
		req  domain.FinalizeRequest
	}{
		{name: "orientation", ref: sub.ExternalRef, req: domain.FinalizeRequest{Orientation: "square"}},
		{name: "color", ref: sub.ExternalRef, req: domain.FinalizeRequest{Color: "red:1"}},
		{name: "ref", ref: "../etc", req: domain.FinalizeRequest{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.uc.Finalize(context.Background(), tc.ref, tc.req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if h.repo.snapshot(sub.ExternalRef).Processing {
		t.Fatalf("invalid request must not set processing")
	}
}

func TestRequestFinalizePublishesJob(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")

	job, err := h.uc.RequestFinalize(context.Background(), sub.ExternalRef, domain.FinalizeRequest{Orientation: "landscape"})
	if err != nil {
		t.Fatalf("RequestFinalize() error = %v", err)
	}
	if len(h.queue.jobs) != 1 || h.queue.jobs[0].JobID != job.JobID || job.JobID == "" {
		t.Fatalf("published jobs = %+v", h.queue.jobs)
	}
	if h.queue.jobs[0].Request.Orientation != "landscape" {
		t.Fatalf("request not carried: %+v", h.queue.jobs[0].Request)
	}

	empty := h.seed()
	if _, err := h.uc.RequestFinalize(context.Background(), empty.ExternalRef, domain.FinalizeRequest{}); !errors.Is(err, domain.ErrEmptySubmission) {
		t.Fatalf("expected ErrEmptySubmission, got %v", err)
	}

	h.uc.queue = nil
	if _, err := h.uc.RequestFinalize(context.Background(), sub.ExternalRef, domain.FinalizeRequest{}); !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary without a queue, got %v", err)
	}
}

func TestHandleFinalizeJob(t *testing.T) {
	h := newFinalizeHarness(t)
	sub := h.seed("a.webm")

	if err := h.uc.HandleFinalizeJob(context.Background(), domain.FinalizeJob{JobID: "j1", ExternalRef: sub.ExternalRef}); err != nil {
		t.Fatalf("HandleFinalizeJob() error = %v", err)
	}
	// Nothing left to merge: the redelivered job is dropped.
	if err := h.uc.HandleFinalizeJob(context.Background(), domain.FinalizeJob{JobID: "j1", ExternalRef: sub.ExternalRef}); err != nil {
		t.Fatalf("redelivered job error = %v", err)
	}

	failing := h.seed("b.webm")
	h.engine.concatErr = &domain.MergeError{Stage: "concat", Reason: "boom"}
	err := h.uc.HandleFinalizeJob(context.Background(), domain.FinalizeJob{JobID: "j2", ExternalRef: failing.ExternalRef})
	if !errors.Is(err, domain.ErrMergeFailed) {
		t.Fatalf("expected merge failure to surface, got %v", err)
	}
}
