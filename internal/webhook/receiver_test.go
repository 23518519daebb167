package webhook

import (
	"context"
	"net/http"
	"testing"
	"time"

	mediaerrors "github.com/SkillReel/skillreel-media-go/internal/errors"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
)

// captureApplier records applied events.
type captureApplier struct {
	events []reconcile.Event
	err    error
}

func (c *captureApplier) Apply(ctx context.Context, ev reconcile.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

const testWebhookSecret = "webhook-test-secret"

func newTestReceiver(applier Applier, production bool) *Receiver {
	return NewReceiver(applier, Options{
		Secret:       testWebhookSecret,
		Tolerance:    5 * time.Minute,
		ApplyTimeout: time.Second,
		Production:   production,
	}, nil)
}

func signedHeader(body []byte) string {
	return signBody(testWebhookSecret, time.Now(), body)
}

func expectCode(t *testing.T, err error, code mediaerrors.ErrorCode, status int) {
	t.Helper()
	me, ok := err.(*mediaerrors.Error)
	if !ok {
		t.Fatalf("expected *errors.Error, got %T: %v", err, err)
	}
	if me.Code != code {
		t.Errorf("expected code %s, got %s", code, me.Code)
	}
	if me.HTTPStatus != status {
		t.Errorf("expected status %d, got %d", status, me.HTTPStatus)
	}
}

func TestHandleEventAssetCreated(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	body := []byte(`{"type":"video.upload.asset_created","data":{"id":"up-1","asset_id":"as-1"}}`)
	if err := r.HandleEvent(context.Background(), body, signedHeader(body)); err != nil {
		t.Fatalf("expected accepted, got %v", err)
	}

	if len(applier.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(applier.events))
	}
	ev, ok := applier.events[0].(reconcile.AssetCreated)
	if !ok {
		t.Fatalf("expected AssetCreated, got %T", applier.events[0])
	}
	if ev.UploadID != "up-1" || ev.AssetID != "as-1" || ev.Source != reconcile.SourceWebhook {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHandleEventAssetReadyTakesFirstPlaybackID(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	body := []byte(`{"type":"video.asset.ready","data":{"id":"as-1","playback_ids":[{"id":"pb-1","policy":"signed"},{"id":"pb-2","policy":"public"}]}}`)
	if err := r.HandleEvent(context.Background(), body, signedHeader(body)); err != nil {
		t.Fatalf("expected accepted, got %v", err)
	}

	ev := applier.events[0].(reconcile.AssetReady)
	if ev.PlaybackID.ID != "pb-1" {
		t.Errorf("expected first playback id, got %s", ev.PlaybackID.ID)
	}
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	body := []byte(`{"type":"video.asset.ready","data":{"id":"as-1","playback_ids":[{"id":"pb-1","policy":"signed"}]}}`)
	err := r.HandleEvent(context.Background(), body, "t=1,v1=bogus")
	if err == nil {
		t.Fatal("expected rejection for bad signature")
	}
	expectCode(t, err, mediaerrors.MEDIA_SIGNATURE, http.StatusUnauthorized)
	if len(applier.events) != 0 {
		t.Error("unauthenticated event reached the engine")
	}
}

func TestHandleEventMissingSecretOutsideProduction(t *testing.T) {
	applier := &captureApplier{}
	r := NewReceiver(applier, Options{ApplyTimeout: time.Second}, nil)

	body := []byte(`{"type":"video.upload.asset_created","data":{"id":"up-1","asset_id":"as-1"}}`)
	if err := r.HandleEvent(context.Background(), body, ""); err != nil {
		t.Errorf("expected dev-mode acceptance without secret, got %v", err)
	}
	if len(applier.events) != 1 {
		t.Error("expected event applied in dev mode")
	}
}

func TestHandleEventMissingSecretInProduction(t *testing.T) {
	applier := &captureApplier{}
	r := NewReceiver(applier, Options{ApplyTimeout: time.Second, Production: true}, nil)

	body := []byte(`{"type":"video.upload.asset_created","data":{"id":"up-1","asset_id":"as-1"}}`)
	err := r.HandleEvent(context.Background(), body, "")
	if err == nil {
		t.Fatal("expected production rejection without secret")
	}
	expectCode(t, err, mediaerrors.MEDIA_SIGNATURE, http.StatusUnauthorized)
}

func TestHandleEventUnknownTypeAccepted(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	body := []byte(`{"type":"video.asset.track.created","data":{"id":"tr-1"}}`)
	if err := r.HandleEvent(context.Background(), body, signedHeader(body)); err != nil {
		t.Errorf("expected unknown type acknowledged, got %v", err)
	}
	if len(applier.events) != 0 {
		t.Error("unknown event type reached the engine")
	}
}

func TestHandleEventReadyWithoutPlaybackIDsRejected(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	body := []byte(`{"type":"video.asset.ready","data":{"id":"as-1","playback_ids":[]}}`)
	err := r.HandleEvent(context.Background(), body, signedHeader(body))
	if err == nil {
		t.Fatal("expected rejection for ready event without playback ids")
	}
	expectCode(t, err, mediaerrors.MEDIA_BAD_EVENT, http.StatusBadRequest)
}

func TestHandleEventMalformedBodyRejected(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"data":{}}`),
		[]byte(`{"type":"video.asset.errored","data":{}}`),
	}
	for _, body := range cases {
		err := r.HandleEvent(context.Background(), body, signedHeader(body))
		if err == nil {
			t.Errorf("expected rejection for %s", body)
			continue
		}
		expectCode(t, err, mediaerrors.MEDIA_BAD_EVENT, http.StatusBadRequest)
	}
}

func TestHandleEventErroredJoinsMessages(t *testing.T) {
	applier := &captureApplier{}
	r := newTestReceiver(applier, false)

	body := []byte(`{"type":"video.asset.errored","data":{"id":"as-1","errors":{"messages":["bad codec","bad container"]}}}`)
	if err := r.HandleEvent(context.Background(), body, signedHeader(body)); err != nil {
		t.Fatalf("expected accepted, got %v", err)
	}

	ev := applier.events[0].(reconcile.AssetErrored)
	if ev.Detail != "bad codec; bad container" {
		t.Errorf("expected joined detail, got %q", ev.Detail)
	}
}
