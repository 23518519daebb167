package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/model"
)

func strptr(s string) *string { return &s }

func TestTransitionLessonConditional(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.SeedLesson(model.Lesson{ID: "l1", Status: model.StatusUploading})

	update := model.MediaUpdate{Status: model.StatusProcessing, AssetID: strptr("as-1")}
	if err := store.TransitionLesson(ctx, "l1", model.StatusUploading, update); err != nil {
		t.Fatalf("expected transition to apply, got %v", err)
	}

	lesson, _ := store.GetLesson(ctx, "l1")
	if lesson.Status != model.StatusProcessing || lesson.AssetID != "as-1" {
		t.Fatalf("unexpected lesson after transition: %+v", lesson)
	}

	// Same precondition again must lose
	err := store.TransitionLesson(ctx, "l1", model.StatusUploading, update)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale precondition, got %v", err)
	}

	// And the losing write must not have changed anything
	after, _ := store.GetLesson(ctx, "l1")
	if *after != *lesson {
		t.Errorf("conflicting transition mutated the lesson: %+v", after)
	}
}

func TestTransitionLessonNotFound(t *testing.T) {
	store := NewMemory()
	err := store.TransitionLesson(context.Background(), "missing", model.StatusUploading,
		model.MediaUpdate{Status: model.StatusProcessing})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachUploadResetsLifecycle(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.SeedLesson(model.Lesson{
		ID:          "l1",
		UploadID:    "up-old",
		AssetID:     "as-old",
		PlaybackID:  "pb-old",
		ErrorDetail: "old failure",
		Status:      model.StatusErrored,
	})

	if err := store.AttachUpload(ctx, "l1", "up-new"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	lesson, _ := store.GetLesson(ctx, "l1")
	if lesson.UploadID != "up-new" {
		t.Errorf("expected new upload id, got %s", lesson.UploadID)
	}
	if lesson.AssetID != "" || lesson.PlaybackID != "" || lesson.ErrorDetail != "" {
		t.Errorf("expected cleared media fields, got %+v", lesson)
	}
	if lesson.Status != model.StatusUploading {
		t.Errorf("expected uploading, got %s", lesson.Status)
	}
}

func TestSetPlaybackIDPublishedOnly(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.SeedLesson(model.Lesson{ID: "l1", Status: model.StatusProcessing})
	if err := store.SetPlaybackID(ctx, "l1", "pb-1"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for unpublished lesson, got %v", err)
	}

	store.SeedLesson(model.Lesson{ID: "l2", Status: model.StatusPublished, PlaybackID: "pb-old"})
	if err := store.SetPlaybackID(ctx, "l2", "pb-new"); err != nil {
		t.Fatalf("expected overwrite on published lesson, got %v", err)
	}
	lesson, _ := store.GetLesson(ctx, "l2")
	if lesson.PlaybackID != "pb-new" {
		t.Errorf("expected pb-new, got %s", lesson.PlaybackID)
	}
}

func TestLookupByUploadAndAssetID(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.SeedLesson(model.Lesson{ID: "l1", UploadID: "up-1", AssetID: "as-1"})

	if lesson, err := store.GetLessonByUploadID(ctx, "up-1"); err != nil || lesson.ID != "l1" {
		t.Errorf("upload lookup failed: %v %+v", err, lesson)
	}
	if lesson, err := store.GetLessonByAssetID(ctx, "as-1"); err != nil || lesson.ID != "l1" {
		t.Errorf("asset lookup failed: %v %+v", err, lesson)
	}

	if _, err := store.GetLessonByUploadID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty upload id must not match, got %v", err)
	}
	if _, err := store.GetLessonByAssetID(ctx, "as-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown asset id must not match, got %v", err)
	}
}

func TestHasCompletedPurchase(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	store.SeedPurchase(model.Purchase{UserID: "u1", LessonID: "l1", Status: model.PurchaseCompleted})
	store.SeedPurchase(model.Purchase{UserID: "u2", LessonID: "l1", Status: model.PurchasePending})

	if ok, _ := store.HasCompletedPurchase(ctx, "u1", "l1"); !ok {
		t.Error("expected completed purchase to grant")
	}
	if ok, _ := store.HasCompletedPurchase(ctx, "u2", "l1"); ok {
		t.Error("pending purchase must not grant")
	}
	if ok, _ := store.HasCompletedPurchase(ctx, "u3", "l1"); ok {
		t.Error("missing purchase must not grant")
	}
}

func TestTransitionsSortByULID(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	// ULIDs sort lexicographically; append out of order
	entries := []model.TransitionEntry{
		{ID: "01J2ZZZZZZZZZZZZZZZZZZZZZZ", LessonID: "l1", From: model.StatusProcessing, To: model.StatusPublished, OccurredAt: time.Now()},
		{ID: "01J2AAAAAAAAAAAAAAAAAAAAAA", LessonID: "l1", From: model.StatusUploading, To: model.StatusProcessing, OccurredAt: time.Now()},
	}
	for _, e := range entries {
		if err := store.AppendTransition(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	listed, err := store.ListTransitions(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(listed))
	}
	if listed[0].To != model.StatusProcessing || listed[1].To != model.StatusPublished {
		t.Errorf("entries not sorted by ULID: %+v", listed)
	}
}
