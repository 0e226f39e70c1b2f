package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

func TestRegisterValidatesAndNormalizes(t *testing.T) {
	repo := newMemRepo()
	uc := NewSubmissionsUseCase(repo, newMemStore(), newKeyedGate(), nil, nil, "")

	sub, err := uc.Register(context.Background(), domain.RegisterRequest{
		Name:  "  Ana Petrova ",
		Topic: "Sleep",
		Email: " Ana@Example.TEST ",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if sub.ID == 0 || domain.ValidateRef(sub.ExternalRef) != nil {
		t.Fatalf("unexpected identity: id=%d ref=%q", sub.ID, sub.ExternalRef)
	}
	if sub.Name != "Ana Petrova" || sub.Email != "ana@example.test" {
		t.Fatalf("not normalized: %+v", sub)
	}
	if sub.PendingChunks == nil || sub.FinalizedOutputs == nil {
		t.Fatalf("lists must be empty, not nil")
	}

	invalid := []domain.RegisterRequest{
		{Topic: "Sleep", Email: "a@example.test"},
		{Name: "Ana", Email: "a@example.test"},
		{Name: "Ana", Topic: "Sleep", Email: "not-an-email"},
	}
	for _, req := range invalid {
		if _, err := uc.Register(context.Background(), req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("Register(%+v): expected ErrInvalidInput, got %v", req, err)
		}
	}
}

func TestDeleteSubmissionRemovesRecordAndFiles(t *testing.T) {
	repo := newMemRepo()
	store := newMemStore()
	sub := repo.add(domain.Submission{Name: "Ana", PendingChunks: []string{"a.webm"}, FinalizedOutputs: []string{"o.mp4"}})
	ref := sub.ExternalRef
	store.put(ref, "a.webm", []byte("a"))
	if err := store.writePath(store.OutputPath(ref, "o.mp4"), []byte("v")); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	uc := NewSubmissionsUseCase(repo, store, newKeyedGate(), nil, nil, "")
	if err := uc.DeleteSubmission(context.Background(), ref); err != nil {
		t.Fatalf("DeleteSubmission() error = %v", err)
	}
	if _, err := uc.Get(context.Background(), ref); !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound after delete, got %v", err)
	}
	if store.hasScratch(ref) || store.hasOutput(ref, "o.mp4") {
		t.Fatalf("files left after delete")
	}
	if err := uc.DeleteSubmission(context.Background(), ref); !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("second delete: expected ErrSubmissionNotFound, got %v", err)
	}
}

func TestDeleteOutput(t *testing.T) {
	repo := newMemRepo()
	store := newMemStore()
	completed := time.Now().UTC()
	sub := repo.add(domain.Submission{Name: "Ana", FinalizedOutputs: []string{"o.mp4"}, CompletedAt: &completed})
	ref := sub.ExternalRef
	if err := store.writePath(store.OutputPath(ref, "o.mp4"), []byte("v")); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	uc := NewSubmissionsUseCase(repo, store, newKeyedGate(), nil, nil, "")
	if err := uc.DeleteOutput(context.Background(), ref, "o.mp4"); err != nil {
		t.Fatalf("DeleteOutput() error = %v", err)
	}
	after := repo.snapshot(ref)
	if len(after.FinalizedOutputs) != 0 || after.CompletedAt != nil {
		t.Fatalf("unexpected state: %+v", after)
	}
	if store.hasOutput(ref, "o.mp4") {
		t.Fatalf("output file left behind")
	}

	if err := uc.DeleteOutput(context.Background(), ref, "o.mp4"); !errors.Is(err, domain.ErrOutputNotFound) {
		t.Fatalf("expected ErrOutputNotFound, got %v", err)
	}
	if err := uc.DeleteOutput(context.Background(), ref, "~merged.webm"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for intermediate name, got %v", err)
	}
}

func TestListLatestClampsLimit(t *testing.T) {
	repo := newMemRepo()
	for i := 0; i < 3; i++ {
		completed := time.Date(2026, 10, 1+i, 0, 0, 0, 0, time.UTC)
		repo.add(domain.Submission{Name: "Ana", FinalizedOutputs: []string{"o.mp4"}, CompletedAt: &completed})
	}
	repo.add(domain.Submission{Name: "Idle"})

	uc := NewSubmissionsUseCase(repo, newMemStore(), newKeyedGate(), nil, nil, "")
	subs, err := uc.ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListLatest() error = %v", err)
	}
	if len(subs) != 3 || subs[0].CompletedAt.Day() != 3 {
		t.Fatalf("unexpected list: %+v", subs)
	}
	subs, _ = uc.ListLatest(context.Background(), 1)
	if len(subs) != 1 {
		t.Fatalf("limit not applied: %d", len(subs))
	}
}

func TestSendLink(t *testing.T) {
	repo := newMemRepo()
	notifier := &fakeNotifier{}
	sub := repo.add(domain.Submission{Name: "Ana", Topic: "Sleep", Email: "ana@example.test"})

	uc := NewSubmissionsUseCase(repo, newMemStore(), newKeyedGate(), notifier, nil, "https://app.example.test/")
	event, err := uc.SendLink(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("SendLink() error = %v", err)
	}
	want := "https://app.example.test/doctors/record/" + sub.ExternalRef
	if event.Link != want || len(notifier.links) != 1 || notifier.links[0].Email != "ana@example.test" {
		t.Fatalf("unexpected link event: %+v", notifier.links)
	}

	if _, err := uc.SendLink(context.Background(), 999); !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	if _, err := uc.SendLink(context.Background(), 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	notifier.err = domain.WrapError(domain.ErrTemporary, "notify", errors.New("down"))
	if _, err := uc.SendLink(context.Background(), sub.ID); !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}
