// internal/entitlement/resolver.go
// Package entitlement decides whether a user may watch a lesson and resolves
// which playback ID the grant applies to. Decisions are derived fresh on
// every request from the lesson and purchase records; nothing here is cached
// or persisted.
package entitlement

import (
	"context"
	"errors"
	"log/slog"

	mediaerrors "github.com/SkillReel/skillreel-media-go/internal/errors"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/provider"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
)

// Resolver answers playback authorization questions.
type Resolver struct {
	store   storage.Store
	client  provider.Client
	engine  *reconcile.Engine
	metrics *metrics.Metrics
}

// NewResolver creates an entitlement resolver.
func NewResolver(store storage.Store, client provider.Client, engine *reconcile.Engine, m *metrics.Metrics) *Resolver {
	return &Resolver{store: store, client: client, engine: engine, metrics: m}
}

// Resolve determines whether userID may watch lessonID. The checks run in a
// fixed order and the first grant wins: the creator always has access, free
// lessons are open to any authenticated user, and paid lessons require a
// completed purchase.
func (r *Resolver) Resolve(ctx context.Context, userID, lessonID string) (*model.Entitlement, *model.Lesson, error) {
	lesson, err := r.store.GetLesson(ctx, lessonID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, mediaerrors.New(mediaerrors.MEDIA_NOT_FOUND, "lesson not found", "")
		}
		return nil, nil, err
	}

	ent := r.decide(ctx, userID, lesson)
	if r.metrics != nil {
		r.metrics.EntitlementCheckTotal.WithLabelValues(string(ent.Reason)).Inc()
	}
	return ent, lesson, nil
}

func (r *Resolver) decide(ctx context.Context, userID string, lesson *model.Lesson) *model.Entitlement {
	if lesson.CreatorID == userID {
		return &model.Entitlement{HasAccess: true, Reason: model.ReasonOwner}
	}
	if lesson.Free() {
		return &model.Entitlement{HasAccess: true, Reason: model.ReasonFree}
	}

	purchased, err := r.store.HasCompletedPurchase(ctx, userID, lesson.ID)
	if err != nil {
		// A purchase lookup failure denies rather than grants.
		slog.Warn("purchase lookup failed, denying access",
			"user_id", userID, "lesson_id", lesson.ID, "error", err)
		return &model.Entitlement{HasAccess: false, Reason: model.ReasonDenied}
	}
	if purchased {
		return &model.Entitlement{HasAccess: true, Reason: model.ReasonPurchased}
	}
	return &model.Entitlement{HasAccess: false, Reason: model.ReasonDenied}
}

// EnsurePlaybackID returns a playback ID whose policy matches what the lesson
// requires: signed for paid lessons, public for free ones. When the stored ID
// has the wrong policy, or none exists with the right one, a matching ID is
// created at the provider and installed through the selection path. A
// mismatched-policy ID is never handed out.
func (r *Resolver) EnsurePlaybackID(ctx context.Context, lesson *model.Lesson) (model.PlaybackID, error) {
	if lesson.Status != model.StatusPublished {
		return model.PlaybackID{}, mediaerrors.New(mediaerrors.MEDIA_CONFLICT, "lesson video is not published", "")
	}
	if lesson.AssetID == "" {
		return model.PlaybackID{}, mediaerrors.New(mediaerrors.MEDIA_INTERNAL, "published lesson has no asset", "")
	}

	required := lesson.RequiredPolicy()

	asset, err := r.client.GetAssetStatus(ctx, lesson.AssetID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return model.PlaybackID{}, mediaerrors.New(mediaerrors.MEDIA_UPSTREAM, "asset no longer exists at the provider", "")
		}
		return model.PlaybackID{}, mediaerrors.New(mediaerrors.MEDIA_UPSTREAM, "failed to fetch asset", "")
	}

	// Prefer the stored ID when the provider confirms its policy matches.
	if lesson.PlaybackID != "" {
		for _, p := range asset.PlaybackIDs {
			if p.ID == lesson.PlaybackID && p.Policy == required {
				return p, nil
			}
		}
	}

	pb, ok := asset.FindPlaybackID(required)
	if !ok {
		created, err := r.client.CreatePlaybackID(ctx, lesson.AssetID, required)
		if err != nil {
			return model.PlaybackID{}, mediaerrors.New(mediaerrors.MEDIA_UPSTREAM, "failed to create playback id", "")
		}
		slog.Info("created policy-matching playback id",
			"lesson_id", lesson.ID, "asset_id", lesson.AssetID, "policy", required)
		pb = *created
	}

	if err := r.engine.SelectPlaybackID(ctx, lesson.ID, pb); err != nil {
		return model.PlaybackID{}, err
	}
	return pb, nil
}
