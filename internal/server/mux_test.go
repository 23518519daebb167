// internal/server/mux_test.go
// Unit tests for the HTTP handlers and routing.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/entitlement"
	"github.com/SkillReel/skillreel-media-go/internal/jwks"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/poller"
	"github.com/SkillReel/skillreel-media-go/internal/provider"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
	"github.com/SkillReel/skillreel-media-go/internal/token"
	"github.com/SkillReel/skillreel-media-go/internal/webhook"
)

type testMux struct {
	mux   *http.ServeMux
	store *storage.Memory
	jwks  *jwks.Client
}

// stubClient satisfies provider.Client; endpoints under test here never hit
// the provider successfully.
type stubClient struct{}

func (stubClient) CreateUpload(ctx context.Context, policy model.PlaybackPolicy, corsOrigin string) (*model.UploadTarget, error) {
	return &model.UploadTarget{UploadID: "up-stub", UploadURL: "https://example.com/up-stub", CreatedAt: time.Now()}, nil
}
func (stubClient) GetUploadStatus(ctx context.Context, uploadID string) (*provider.UploadStatus, error) {
	return nil, provider.ErrNotFound
}
func (stubClient) GetAssetStatus(ctx context.Context, assetID string) (*model.Asset, error) {
	return nil, provider.ErrNotFound
}
func (stubClient) CreatePlaybackID(ctx context.Context, assetID string, policy model.PlaybackPolicy) (*model.PlaybackID, error) {
	return nil, provider.ErrNotFound
}

func newTestMux(t *testing.T) *testMux {
	t.Helper()

	store := storage.NewMemory()
	jwksClient := jwks.NewTestClient()
	m := metrics.NewMetrics()
	engine := reconcile.NewEngine(store, nil, m)
	engine.RetryMatchDelay = time.Millisecond

	client := stubClient{}
	receiver := webhook.NewReceiver(engine, webhook.Options{
		Secret:       "server-test-secret",
		Tolerance:    5 * time.Minute,
		ApplyTimeout: time.Second,
	}, m)
	statusPoller := poller.New(store, client, engine, m, 2, time.Millisecond)
	resolver := entitlement.NewResolver(store, client, engine, m)

	issuer, err := token.NewIssuer("k1", base64.StdEncoding.EncodeToString([]byte("secret")), m)
	if err != nil {
		t.Fatal(err)
	}

	mux := NewMux(Deps{
		Store:       store,
		Provider:    client,
		Receiver:    receiver,
		Poller:      statusPoller,
		Entitlement: resolver,
		Issuer:      issuer,
		JWKS:        jwksClient,
		Metrics:     m,
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
	})

	return &testMux{mux: mux, store: store, jwks: jwksClient}
}

func (tm *testMux) sessionToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := tm.jwks.SignSessionToken(userID, "test-issuer", "test-audience", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (tm *testMux) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	tm.mux.ServeHTTP(rr, req)
	return rr
}

func TestHealthzEndpoint(t *testing.T) {
	tm := newTestMux(t)

	rr := tm.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want ok", rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	tm := newTestMux(t)

	rr := tm.serve(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	tm := newTestMux(t)

	rr := tm.serve(httptest.NewRequest(http.MethodGet, "/v1/uploads", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong method, got %d", rr.Code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	tm := newTestMux(t)

	// Generated when absent
	rr := tm.serve(httptest.NewRequest(http.MethodGet, "/v1/lessons/l1/media", nil))
	if rr.Header().Get("X-Correlation-Id") == "" {
		t.Error("expected a generated correlation ID header")
	}

	// Echoed when present
	req := httptest.NewRequest(http.MethodGet, "/v1/lessons/l1/media", nil)
	req.Header.Set("X-Correlation-Id", "corr-42")
	rr = tm.serve(req)
	if rr.Header().Get("X-Correlation-Id") != "corr-42" {
		t.Errorf("expected echoed correlation ID, got %q", rr.Header().Get("X-Correlation-Id"))
	}
}

func TestCreateUploadRequiresOwnership(t *testing.T) {
	tm := newTestMux(t)
	tm.store.SeedLesson(model.Lesson{ID: "l1", CreatorID: "creator-1", PriceCents: 100})

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(`{"lessonId":"l1"}`))
	req.Header.Set("Authorization", "Bearer "+tm.sessionToken(t, "not-the-creator"))

	rr := tm.serve(req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-creator, got %d", rr.Code)
	}

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "MEDIA_AUTHZ" {
		t.Errorf("expected MEDIA_AUTHZ, got %s", envelope.Error.Code)
	}
}

func TestCreateUploadUnknownLesson(t *testing.T) {
	tm := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader(`{"lessonId":"nope"}`))
	req.Header.Set("Authorization", "Bearer "+tm.sessionToken(t, "anyone"))

	rr := tm.serve(req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown lesson, got %d", rr.Code)
	}
}

func TestWebhookBypassesSessionAuth(t *testing.T) {
	tm := newTestMux(t)

	// No Authorization header; the route must fail on signature, not session
	req := httptest.NewRequest(http.MethodPost, "/webhooks/video", strings.NewReader(`{"type":"video.asset.ready","data":{}}`))
	rr := tm.serve(req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned webhook, got %d", rr.Code)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "MEDIA_SIGNATURE" {
		t.Errorf("expected MEDIA_SIGNATURE, got %s", envelope.Error.Code)
	}
}

func TestPlaybackTokenRequiresLessonID(t *testing.T) {
	tm := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/playback/token", nil)
	req.Header.Set("Authorization", "Bearer "+tm.sessionToken(t, "u1"))

	rr := tm.serve(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without lessonId, got %d", rr.Code)
	}
}

func TestPlaybackTokenUnpublishedLesson(t *testing.T) {
	tm := newTestMux(t)
	tm.store.SeedLesson(model.Lesson{ID: "l1", CreatorID: "creator-1", Status: model.StatusProcessing})

	req := httptest.NewRequest(http.MethodGet, "/v1/playback/token?lessonId=l1", nil)
	req.Header.Set("Authorization", "Bearer "+tm.sessionToken(t, "creator-1"))

	rr := tm.serve(req)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 for unpublished lesson, got %d", rr.Code)
	}
}
