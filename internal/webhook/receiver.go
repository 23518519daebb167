// internal/webhook/receiver.go
// Package webhook receives lifecycle notifications from the video provider,
// authenticates them, and feeds them to the reconciliation engine. The
// receiver always acknowledges authenticated, well-formed deliveries; a slow
// apply is finished in the background rather than surfaced as a retryable
// failure to the provider.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	mediaerrors "github.com/SkillReel/skillreel-media-go/internal/errors"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
)

// Applier applies a lifecycle event. Satisfied by *reconcile.Engine.
type Applier interface {
	Apply(ctx context.Context, ev reconcile.Event) error
}

// Receiver authenticates and dispatches provider webhook deliveries.
type Receiver struct {
	engine     Applier
	secret     string
	tolerance  time.Duration
	applyLimit time.Duration
	production bool
	metrics    *metrics.Metrics

	// now is swappable in tests.
	now func() time.Time
}

// Options configures a Receiver.
type Options struct {
	Secret       string
	Tolerance    time.Duration
	ApplyTimeout time.Duration
	Production   bool
}

// NewReceiver creates a webhook receiver over the given engine.
func NewReceiver(engine Applier, opts Options, m *metrics.Metrics) *Receiver {
	return &Receiver{
		engine:     engine,
		secret:     opts.Secret,
		tolerance:  opts.Tolerance,
		applyLimit: opts.ApplyTimeout,
		production: opts.Production,
		metrics:    m,
		now:        time.Now,
	}
}

// envelope is the outer shape of every provider notification.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// uploadData is the data object of upload.asset_created.
type uploadData struct {
	ID      string `json:"id"`
	AssetID string `json:"asset_id"`
}

// assetData is the data object of asset.ready and asset.errored.
type assetData struct {
	ID          string `json:"id"`
	PlaybackIDs []struct {
		ID     string `json:"id"`
		Policy string `json:"policy"`
	} `json:"playback_ids"`
	Errors struct {
		Messages []string `json:"messages"`
	} `json:"errors"`
}

// HandleEvent authenticates, validates, and applies one webhook delivery.
// A nil return means the delivery was accepted (applied, deferred, or
// deliberately ignored); a non-nil return is an *errors.Error the HTTP layer
// maps to a status code, which tells the provider to retry or drop.
func (r *Receiver) HandleEvent(ctx context.Context, body []byte, signatureHeader string) error {
	if err := r.authenticate(body, signatureHeader); err != nil {
		r.count("unknown", "rejected")
		return err
	}

	if err := validateAgainst(compiledEnvelope, body); err != nil {
		r.count("unknown", "rejected")
		return mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, err.Error(), "")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.count("unknown", "rejected")
		return mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, "event body is not valid JSON", "")
	}

	// The provider prefixes event types with its product name; the local
	// dispatch table is keyed without it.
	eventType := strings.TrimPrefix(env.Type, "video.")

	schema, known := compiledSchemas[eventType]
	if !known {
		// Unknown types are acknowledged so the provider does not retry
		// deliveries this service will never handle.
		slog.Info("ignoring unhandled webhook event type", "type", env.Type)
		r.count(eventType, "ignored")
		return nil
	}

	if err := validateAgainst(schema, env.Data); err != nil {
		r.count(eventType, "rejected")
		return mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, err.Error(), "")
	}

	ev, err := r.toEvent(eventType, env.Data)
	if err != nil {
		r.count(eventType, "rejected")
		return err
	}

	return r.apply(ctx, eventType, ev)
}

// authenticate verifies the signature header. Outside production a missing
// secret downgrades verification to a warning so local tunnels work.
func (r *Receiver) authenticate(body []byte, header string) error {
	if r.secret == "" {
		if r.production {
			return mediaerrors.New(mediaerrors.MEDIA_SIGNATURE, "webhook secret is not configured", "")
		}
		slog.Warn("webhook secret not configured, skipping signature verification")
		return nil
	}

	if err := verifySignature(body, header, r.secret, r.tolerance, r.now()); err != nil {
		slog.Warn("webhook signature verification failed", "error", err)
		return mediaerrors.New(mediaerrors.MEDIA_SIGNATURE, "invalid webhook signature", "")
	}
	return nil
}

// toEvent converts a validated data payload into the engine's event type.
func (r *Receiver) toEvent(eventType string, data json.RawMessage) (reconcile.Event, error) {
	switch eventType {
	case "upload.asset_created":
		var d uploadData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, "malformed upload payload", "")
		}
		return reconcile.AssetCreated{
			UploadID: d.ID,
			AssetID:  d.AssetID,
			Source:   reconcile.SourceWebhook,
		}, nil

	case "asset.ready":
		var d assetData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, "malformed asset payload", "")
		}
		// Schema guarantees at least one playback id.
		first := d.PlaybackIDs[0]
		return reconcile.AssetReady{
			AssetID: d.ID,
			PlaybackID: model.PlaybackID{
				ID:     first.ID,
				Policy: model.PlaybackPolicy(first.Policy),
			},
			Source: reconcile.SourceWebhook,
		}, nil

	case "asset.errored":
		var d assetData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, "malformed asset payload", "")
		}
		return reconcile.AssetErrored{
			AssetID: d.ID,
			Detail:  strings.Join(d.Errors.Messages, "; "),
			Source:  reconcile.SourceWebhook,
		}, nil
	}
	return nil, mediaerrors.New(mediaerrors.MEDIA_INTERNAL, "unreachable event type", "")
}

// apply runs the engine under the apply timeout. When the budget runs out the
// remaining work moves to a background goroutine and the delivery is still
// acknowledged; an authenticated event is never lost to a slow store.
func (r *Receiver) apply(ctx context.Context, eventType string, ev reconcile.Event) error {
	applyCtx, cancel := context.WithTimeout(ctx, r.applyLimit)
	defer cancel()

	err := r.engine.Apply(applyCtx, ev)
	if err == nil {
		r.count(eventType, "applied")
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		slog.Warn("webhook apply exceeded inline budget, finishing in background",
			"type", eventType)
		r.count(eventType, "deferred")
		bgCtx := context.WithoutCancel(ctx)
		go func() {
			bgCtx, bgCancel := context.WithTimeout(bgCtx, 30*time.Second)
			defer bgCancel()
			if err := r.engine.Apply(bgCtx, ev); err != nil {
				slog.Error("background webhook apply failed", "type", eventType, "error", err)
			}
		}()
		return nil
	}

	r.count(eventType, "failed")
	var me *mediaerrors.Error
	if errors.As(err, &me) {
		return me
	}
	return mediaerrors.New(mediaerrors.MEDIA_INTERNAL, "failed to apply webhook event", "")
}

func (r *Receiver) count(eventType, outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookEventTotal.WithLabelValues(eventType, outcome).Inc()
	}
}
