// internal/poller/poller.go
// Package poller is the server-side fallback for missed webhooks. It polls
// the provider's upload and asset status endpoints and feeds what it observes
// into the same reconciliation engine the webhook receiver uses, so the two
// paths can never disagree about a lesson's state.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mediaerrors "github.com/SkillReel/skillreel-media-go/internal/errors"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/provider"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
)

// Poller drives a lesson's media lifecycle forward by observation when the
// provider's webhooks have not.
type Poller struct {
	store    storage.Store
	client   provider.Client
	engine   *reconcile.Engine
	metrics  *metrics.Metrics
	attempts int
	interval time.Duration
}

// New creates a poller. attempts and interval bound the total wait; sixty
// ten-second attempts matches a typical transcode worst case.
func New(store storage.Store, client provider.Client, engine *reconcile.Engine, m *metrics.Metrics, attempts int, interval time.Duration) *Poller {
	return &Poller{
		store:    store,
		client:   client,
		engine:   engine,
		metrics:  m,
		attempts: attempts,
		interval: interval,
	}
}

// WaitForPublished polls until the lesson reaches a terminal state or the
// attempt ceiling is hit. Hitting the ceiling returns an upstream-timeout
// error and leaves the lesson untouched: a slow transcode is not a failed
// one, and a later webhook or poll can still complete it.
func (p *Poller) WaitForPublished(ctx context.Context, lessonID string) (*model.ProcessResult, error) {
	lesson, err := p.store.GetLesson(ctx, lessonID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, mediaerrors.New(mediaerrors.MEDIA_NOT_FOUND, "lesson not found", "")
		}
		return nil, err
	}
	if lesson.Status.Terminal() {
		return &model.ProcessResult{Status: lesson.Status, PlaybackID: lesson.PlaybackID}, nil
	}
	if lesson.UploadID == "" {
		return nil, mediaerrors.New(mediaerrors.MEDIA_BAD_REQUEST, "lesson has no registered upload", "")
	}

	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.interval):
			}
		}

		done, result, err := p.observe(ctx, lessonID)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
	}

	p.count("ceiling")
	slog.Warn("poll ceiling reached without terminal state", "lesson_id", lessonID)
	return nil, mediaerrors.New(mediaerrors.MEDIA_UPSTREAM_TIMEOUT,
		"video processing did not finish in time", "")
}

// Probe performs a single observation round for a lesson and returns the
// refreshed record. It backs the client-facing status endpoint: each page
// refresh drives one provider probe through the reconciliation engine, which
// also repairs a missed asset_created webhook by resolving the upload's
// asset association.
func (p *Poller) Probe(ctx context.Context, lessonID string) (*model.Lesson, error) {
	lesson, err := p.store.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson.Status.Terminal() || lesson.UploadID == "" {
		return lesson, nil
	}

	if _, _, err := p.observe(ctx, lessonID); err != nil {
		return nil, err
	}
	return p.store.GetLesson(ctx, lessonID)
}

// observe performs one observation round: resolve the upload to an asset if
// needed, fetch the asset's status, apply whatever changed, and re-read the
// lesson. done is true once the lesson is terminal.
func (p *Poller) observe(ctx context.Context, lessonID string) (done bool, result *model.ProcessResult, err error) {
	lesson, err := p.store.GetLesson(ctx, lessonID)
	if err != nil {
		return false, nil, err
	}
	if lesson.Status.Terminal() {
		return true, &model.ProcessResult{Status: lesson.Status, PlaybackID: lesson.PlaybackID}, nil
	}

	assetID := lesson.AssetID
	if assetID == "" {
		assetID, err = p.resolveAsset(ctx, lesson)
		if err != nil {
			return false, nil, err
		}
		if assetID == "" {
			// Upload still waiting on the client; nothing to observe yet.
			p.count("pending")
			return false, nil, nil
		}
	}

	asset, err := p.client.GetAssetStatus(ctx, assetID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			// The asset record can lag the upload's asset_id association;
			// not-found here means "not created yet", so keep polling.
			p.count("pending")
			return false, nil, nil
		}
		// A provider blip costs one attempt, not the whole poll budget.
		p.count("error")
		slog.Warn("asset status fetch failed, retrying next attempt",
			"asset_id", assetID, "error", err)
		return false, nil, nil
	}

	if err := p.applyObservation(ctx, asset); err != nil {
		return false, nil, err
	}

	lesson, err = p.store.GetLesson(ctx, lessonID)
	if err != nil {
		return false, nil, err
	}
	if lesson.Status.Terminal() {
		return true, &model.ProcessResult{Status: lesson.Status, PlaybackID: lesson.PlaybackID}, nil
	}
	p.count("pending")
	return false, nil, nil
}

// resolveAsset asks the provider whether the lesson's upload has produced an
// asset yet, and reconciles the association when it has.
func (p *Poller) resolveAsset(ctx context.Context, lesson *model.Lesson) (string, error) {
	status, err := p.client.GetUploadStatus(ctx, lesson.UploadID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			p.count("pending")
			return "", nil
		}
		p.count("error")
		slog.Warn("upload status fetch failed, retrying next attempt",
			"upload_id", lesson.UploadID, "error", err)
		return "", nil
	}
	if status.AssetID == "" {
		return "", nil
	}

	if err := p.engine.Apply(ctx, reconcile.AssetCreated{
		UploadID: lesson.UploadID,
		AssetID:  status.AssetID,
		Source:   reconcile.SourcePoll,
	}); err != nil {
		return "", err
	}
	return status.AssetID, nil
}

// applyObservation translates a provider asset snapshot into lifecycle events.
func (p *Poller) applyObservation(ctx context.Context, asset *model.Asset) error {
	switch asset.Status {
	case model.AssetReady:
		if err := asset.Validate(); err != nil {
			p.count("error")
			return mediaerrors.New(mediaerrors.MEDIA_UPSTREAM, "provider returned a ready asset without playback ids", "")
		}
		p.count("ready")
		return p.engine.Apply(ctx, reconcile.AssetReady{
			AssetID:    asset.AssetID,
			PlaybackID: asset.PlaybackIDs[0],
			Source:     reconcile.SourcePoll,
		})
	case model.AssetErrored:
		p.count("errored")
		return p.engine.Apply(ctx, reconcile.AssetErrored{
			AssetID: asset.AssetID,
			Detail:  asset.ErrorDetail,
			Source:  reconcile.SourcePoll,
		})
	default:
		return nil
	}
}

func (p *Poller) count(outcome string) {
	if p.metrics != nil {
		p.metrics.PollAttemptTotal.WithLabelValues(outcome).Inc()
	}
}
