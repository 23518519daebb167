// internal/storage/memory.go
// Package storage provides implementations of the Store interface for both
// in-memory and PostgreSQL storage backends. The media service owns only the
// media fields of the lesson record; lesson content and purchase state are
// written by the excluded CRUD and checkout layers.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/SkillReel/skillreel-media-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a conditional update loses the race
)

// Store interface defines the storage operations required by the media
// service. This interface is implemented by both in-memory and PostgreSQL
// storage backends.
type Store interface {
	// Lesson reads
	GetLesson(ctx context.Context, id string) (*model.Lesson, error)
	GetLessonByUploadID(ctx context.Context, uploadID string) (*model.Lesson, error)
	GetLessonByAssetID(ctx context.Context, assetID string) (*model.Lesson, error)

	// Media-field mutations (the only lesson columns this service owns)
	AttachUpload(ctx context.Context, lessonID, uploadID string) error
	TransitionLesson(ctx context.Context, lessonID string, from model.LessonStatus, update model.MediaUpdate) error
	SetPlaybackID(ctx context.Context, lessonID, playbackID string) error

	// Purchase reads only; purchase state belongs to checkout
	HasCompletedPurchase(ctx context.Context, userID, lessonID string) (bool, error)

	// Transition audit log
	AppendTransition(ctx context.Context, entry model.TransitionEntry) error
	ListTransitions(ctx context.Context, lessonID string) ([]model.TransitionEntry, error)
}

// Memory implements the Store interface using in-memory maps. It is intended
// for development and testing, and carries seed helpers for records normally
// written by the excluded CRUD and checkout layers.
type Memory struct {
	mu          sync.RWMutex
	lessons     map[string]*model.Lesson
	purchases   map[string]model.PurchaseStatus // key: userID + "\x00" + lessonID
	transitions map[string][]model.TransitionEntry
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() *Memory {
	return &Memory{
		lessons:     make(map[string]*model.Lesson),
		purchases:   make(map[string]model.PurchaseStatus),
		transitions: make(map[string][]model.TransitionEntry),
	}
}

// SeedLesson installs a lesson record as the CRUD layer would have created
// it. Test and development helper; not part of the Store interface.
func (m *Memory) SeedLesson(lesson model.Lesson) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lesson.Status == "" {
		lesson.Status = model.StatusUploading
	}
	cp := lesson
	m.lessons[lesson.ID] = &cp
}

// SeedPurchase installs a purchase record as the checkout flow would have
// written it. Test and development helper; not part of the Store interface.
func (m *Memory) SeedPurchase(p model.Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.UserID+"\x00"+p.LessonID] = p.Status
}

func (m *Memory) GetLesson(ctx context.Context, id string) (*model.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lesson, ok := m.lessons[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lesson
	return &cp, nil
}

func (m *Memory) GetLessonByUploadID(ctx context.Context, uploadID string) (*model.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, lesson := range m.lessons {
		if lesson.UploadID == uploadID && uploadID != "" {
			cp := *lesson
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetLessonByAssetID(ctx context.Context, assetID string) (*model.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, lesson := range m.lessons {
		if lesson.AssetID == assetID && assetID != "" {
			cp := *lesson
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// AttachUpload registers a fresh upload attempt: it sets the upload ID,
// clears any previous asset association, and resets the lifecycle to
// uploading. A creator restarting after an error goes through here, which is
// what makes the errored state recoverable.
func (m *Memory) AttachUpload(ctx context.Context, lessonID, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lesson, ok := m.lessons[lessonID]
	if !ok {
		return ErrNotFound
	}

	lesson.UploadID = uploadID
	lesson.AssetID = ""
	lesson.PlaybackID = ""
	lesson.ErrorDetail = ""
	lesson.Status = model.StatusUploading
	return nil
}

// TransitionLesson is the single conditional-update primitive. The update is
// applied only when the lesson's current status equals the expected one;
// otherwise ErrConflict is returned and nothing changes.
func (m *Memory) TransitionLesson(ctx context.Context, lessonID string, from model.LessonStatus, update model.MediaUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lesson, ok := m.lessons[lessonID]
	if !ok {
		return ErrNotFound
	}

	if lesson.Status != from {
		return ErrConflict
	}

	lesson.Status = update.Status
	if update.AssetID != nil {
		lesson.AssetID = *update.AssetID
	}
	if update.PlaybackID != nil {
		lesson.PlaybackID = *update.PlaybackID
	}
	if update.ErrorDetail != nil {
		lesson.ErrorDetail = *update.ErrorDetail
	}
	return nil
}

// SetPlaybackID is the explicit playback-id-selection path. It may overwrite
// the stored playback ID, but only for a published lesson.
func (m *Memory) SetPlaybackID(ctx context.Context, lessonID, playbackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lesson, ok := m.lessons[lessonID]
	if !ok {
		return ErrNotFound
	}

	if lesson.Status != model.StatusPublished {
		return ErrConflict
	}

	lesson.PlaybackID = playbackID
	return nil
}

func (m *Memory) HasCompletedPurchase(ctx context.Context, userID, lessonID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.purchases[userID+"\x00"+lessonID]
	return ok && status == model.PurchaseCompleted, nil
}

func (m *Memory) AppendTransition(ctx context.Context, entry model.TransitionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transitions[entry.LessonID] = append(m.transitions[entry.LessonID], entry)
	return nil
}

func (m *Memory) ListTransitions(ctx context.Context, lessonID string) ([]model.TransitionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]model.TransitionEntry, len(m.transitions[lessonID]))
	copy(entries, m.transitions[lessonID])
	// ULID keys sort lexicographically by creation time
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}
