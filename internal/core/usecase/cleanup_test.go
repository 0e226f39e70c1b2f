package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

func TestCleanupIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	store := newMemStore()
	sub := repo.add(domain.Submission{
		Name:             "Ana",
		PendingChunks:    []string{"a.webm"},
		FinalizedOutputs: []string{"old.mp4"},
	})
	ref := sub.ExternalRef
	store.put(ref, "a.webm", []byte("a"))
	store.put(ref, "~merged.webm", []byte("m"))
	if err := store.writePath(store.OutputPath(ref, "old.mp4"), []byte("v")); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	uc := NewCleanupUseCase(repo, store, newKeyedGate(), newKeyedGate(), nil)
	for i := 0; i < 2; i++ {
		if err := uc.Cleanup(context.Background(), ref); err != nil {
			t.Fatalf("Cleanup() run %d error = %v", i+1, err)
		}
		after := repo.snapshot(ref)
		if len(after.PendingChunks) != 0 {
			t.Fatalf("pending = %v", after.PendingChunks)
		}
		if len(after.FinalizedOutputs) != 1 {
			t.Fatalf("outputs touched: %v", after.FinalizedOutputs)
		}
		if store.hasScratch(ref) {
			t.Fatalf("scratch left: %v", store.scratchNames(ref))
		}
		if !store.hasOutput(ref, "old.mp4") {
			t.Fatalf("output file removed")
		}
	}
}

func TestCleanupRefusesWhileFinalizing(t *testing.T) {
	repo := newMemRepo()
	store := newMemStore()
	sub := repo.add(domain.Submission{Name: "Ana", PendingChunks: []string{"a.webm"}})
	store.put(sub.ExternalRef, "a.webm", []byte("a"))

	gate := newKeyedGate()
	uc := NewCleanupUseCase(repo, store, gate, newKeyedGate(), nil)

	unlock, _ := gate.TryLock(sub.ExternalRef)
	if err := uc.Cleanup(context.Background(), sub.ExternalRef); !errors.Is(err, domain.ErrFinalizeInProgress) {
		t.Fatalf("expected ErrFinalizeInProgress with gate held, got %v", err)
	}
	unlock()

	if err := repo.BeginProcessing(context.Background(), sub.ExternalRef); err != nil {
		t.Fatalf("BeginProcessing() error = %v", err)
	}
	if err := uc.Cleanup(context.Background(), sub.ExternalRef); !errors.Is(err, domain.ErrFinalizeInProgress) {
		t.Fatalf("expected ErrFinalizeInProgress with flag set, got %v", err)
	}
	if !store.Exists(sub.ExternalRef, "a.webm") {
		t.Fatalf("chunk removed while finalizing")
	}
}

func TestCleanupUnknownSubmissionPurgesOrphanScratch(t *testing.T) {
	repo := newMemRepo()
	store := newMemStore()
	ref := uuid.NewString()
	store.put(ref, "a.webm", []byte("a"))

	uc := NewCleanupUseCase(repo, store, newKeyedGate(), newKeyedGate(), nil)
	err := uc.Cleanup(context.Background(), ref)
	if !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	if store.hasScratch(ref) {
		t.Fatalf("orphan scratch not purged")
	}
}
