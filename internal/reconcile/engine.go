// internal/reconcile/engine.go
// Package reconcile applies externally-observed lifecycle events to the
// locally-owned lesson record exactly once in effect. It is the single
// reconciliation code path: the webhook receiver and both pollers feed the
// same transitions, and every write goes through the store's conditional
// update so concurrent deliveries cannot race past each other.
package reconcile

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	mediaerrors "github.com/SkillReel/skillreel-media-go/internal/errors"
	"github.com/SkillReel/skillreel-media-go/internal/event"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultRetryMatchDelay is how long the engine waits before re-attempting a
// lesson match when a ready/errored event raced ahead of the asset-id
// association write.
const DefaultRetryMatchDelay = 500 * time.Millisecond

// Engine applies lifecycle events to lesson records.
type Engine struct {
	store   storage.Store
	pub     event.Publisher
	metrics *metrics.Metrics

	// RetryMatchDelay can be shortened in tests.
	RetryMatchDelay time.Duration
}

// NewEngine creates a reconciliation engine over the given store and
// publisher.
func NewEngine(store storage.Store, pub event.Publisher, m *metrics.Metrics) *Engine {
	return &Engine{
		store:           store,
		pub:             pub,
		metrics:         m,
		RetryMatchDelay: DefaultRetryMatchDelay,
	}
}

// Apply applies one lifecycle event. Replays and reorderings converge:
// transitions are monotonic, guarded by a precondition on the current
// status, and matched by content (upload/asset ID) rather than sequence.
// Events that find no matching lesson are logged and dropped; the poller is
// the fallback for those.
func (e *Engine) Apply(ctx context.Context, ev Event) error {
	ctx, span := otel.Tracer("media-service").Start(ctx, "reconcile.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("event", ev.Kind()))

	switch ev := ev.(type) {
	case AssetCreated:
		return e.applyCreated(ctx, ev)
	case AssetReady:
		return e.applyReady(ctx, ev)
	case AssetErrored:
		return e.applyErrored(ctx, ev)
	default:
		// Unreachable: Event is sealed
		return mediaerrors.New(mediaerrors.MEDIA_INTERNAL, "unknown lifecycle event", "")
	}
}

// applyCreated handles uploading --AssetCreated--> processing.
func (e *Engine) applyCreated(ctx context.Context, ev AssetCreated) error {
	lesson, err := e.store.GetLessonByUploadID(ctx, ev.UploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The lesson record may not be fully created yet; the poller
			// observes the same association later.
			slog.Info("asset_created matched no lesson, dropping",
				"upload_id", ev.UploadID, "asset_id", ev.AssetID, "source", ev.Source)
			return nil
		}
		return err
	}

	if lesson.AssetID == ev.AssetID && lesson.Status.Rank() >= model.StatusProcessing.Rank() {
		return nil // already applied
	}

	update := model.MediaUpdate{Status: model.StatusProcessing, AssetID: &ev.AssetID}
	return e.transition(ctx, lesson.ID, model.StatusUploading, update, ev.Source, "")
}

// applyReady handles processing --AssetReady--> published.
func (e *Engine) applyReady(ctx context.Context, ev AssetReady) error {
	lesson, err := e.matchByAssetID(ctx, ev.AssetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Info("asset_ready matched no lesson after retry, dropping",
				"asset_id", ev.AssetID, "source", ev.Source)
			return nil
		}
		return err
	}

	if lesson.Status == model.StatusPublished {
		// Same playback ID is a replay; a different one may only be installed
		// via the explicit selection path.
		if lesson.PlaybackID != ev.PlaybackID.ID {
			slog.Debug("asset_ready for published lesson with different playback id, ignoring",
				"lesson_id", lesson.ID, "asset_id", ev.AssetID)
		}
		return nil
	}

	if lesson.Status == model.StatusUploading {
		// The ready event raced ahead of asset_created. Bring the lesson to
		// processing first; a conflict means someone else just did.
		update := model.MediaUpdate{Status: model.StatusProcessing, AssetID: &ev.AssetID}
		if err := e.transition(ctx, lesson.ID, model.StatusUploading, update, ev.Source, ""); err != nil {
			return err
		}
	}

	update := model.MediaUpdate{Status: model.StatusPublished, PlaybackID: &ev.PlaybackID.ID}
	return e.transition(ctx, lesson.ID, model.StatusProcessing, update, ev.Source, "")
}

// applyErrored handles processing --AssetErrored--> errored.
func (e *Engine) applyErrored(ctx context.Context, ev AssetErrored) error {
	lesson, err := e.matchByAssetID(ctx, ev.AssetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Info("asset_errored matched no lesson after retry, dropping",
				"asset_id", ev.AssetID, "source", ev.Source)
			return nil
		}
		return err
	}

	if lesson.Status == model.StatusErrored {
		return nil // already applied
	}

	if lesson.Status == model.StatusUploading {
		update := model.MediaUpdate{Status: model.StatusProcessing, AssetID: &ev.AssetID}
		if err := e.transition(ctx, lesson.ID, model.StatusUploading, update, ev.Source, ""); err != nil {
			return err
		}
	}

	detail := ev.Detail
	if detail == "" {
		detail = "video processing failed"
	}
	update := model.MediaUpdate{Status: model.StatusErrored, ErrorDetail: &detail}
	return e.transition(ctx, lesson.ID, model.StatusProcessing, update, ev.Source, detail)
}

// matchByAssetID looks a lesson up by asset ID, retrying once after a short
// delay. A ready webhook can arrive before the asset-id association write
// lands; one delayed re-match resolves that window.
func (e *Engine) matchByAssetID(ctx context.Context, assetID string) (*model.Lesson, error) {
	lesson, err := e.store.GetLessonByAssetID(ctx, assetID)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return lesson, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.RetryMatchDelay):
	}

	return e.store.GetLessonByAssetID(ctx, assetID)
}

// transition performs one conditional update and, when it sticks, records the
// audit entry and publishes the lifecycle event. A lost race is treated as
// success when the winning state is equal-or-further along than the attempted
// one; a regression attempt is dropped.
func (e *Engine) transition(ctx context.Context, lessonID string, from model.LessonStatus, update model.MediaUpdate, source Source, detail string) error {
	err := e.store.TransitionLesson(ctx, lessonID, from, update)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			current, gerr := e.store.GetLesson(ctx, lessonID)
			if gerr != nil {
				return gerr
			}
			if current.Status.Rank() >= update.Status.Rank() {
				slog.Debug("transition lost race to equal-or-further state, treating as applied",
					"lesson_id", lessonID, "attempted", update.Status, "current", current.Status)
				return nil
			}
			slog.Warn("transition conflict from unexpected state, dropping",
				"lesson_id", lessonID, "expected", from, "current", current.Status, "attempted", update.Status)
			return nil
		}
		return err
	}

	e.record(ctx, model.TransitionEntry{
		LessonID: lessonID,
		From:     from,
		To:       update.Status,
		Source:   string(source),
		Detail:   detail,
	})

	slog.Info("lesson transition applied",
		"lesson_id", lessonID, "from", from, "to", update.Status, "source", source)
	if e.metrics != nil {
		e.metrics.TransitionTotal.WithLabelValues(string(from), string(update.Status), string(source)).Inc()
	}
	return nil
}

// SelectPlaybackID is the explicit playback-id-selection path. It installs a
// (possibly replacement) playback ID on a published lesson, which is the only
// way an existing playback ID may be overwritten.
func (e *Engine) SelectPlaybackID(ctx context.Context, lessonID string, playbackID model.PlaybackID) error {
	if err := e.store.SetPlaybackID(ctx, lessonID, playbackID.ID); err != nil {
		return err
	}

	e.record(ctx, model.TransitionEntry{
		LessonID: lessonID,
		From:     model.StatusPublished,
		To:       model.StatusPublished,
		Source:   "selection",
		Detail:   "playback id " + playbackID.ID + " (" + string(playbackID.Policy) + ")",
	})
	return nil
}

// record appends an audit entry and publishes it. Both are best-effort; the
// state transition itself has already been durably applied.
func (e *Engine) record(ctx context.Context, entry model.TransitionEntry) {
	entry.ID = newULID()
	entry.OccurredAt = time.Now().UTC()

	if err := e.store.AppendTransition(ctx, entry); err != nil {
		slog.Warn("failed to append transition entry", "lesson_id", entry.LessonID, "error", err)
	}
	if e.pub != nil {
		if err := e.pub.PublishTransition(ctx, entry); err != nil {
			slog.Warn("failed to publish transition event", "lesson_id", entry.LessonID, "error", err)
		}
	}
}

// newULID generates a ULID so audit entries order lexicographically by time.
func newULID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
