// Package conformance provides a test harness that runs the media service
// against an in-memory store and a simulated video provider, for verifying
// endpoint compliance without external dependencies.
package conformance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/entitlement"
	"github.com/SkillReel/skillreel-media-go/internal/jwks"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/poller"
	"github.com/SkillReel/skillreel-media-go/internal/provider"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
	"github.com/SkillReel/skillreel-media-go/internal/server"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
	"github.com/SkillReel/skillreel-media-go/internal/token"
	"github.com/SkillReel/skillreel-media-go/internal/webhook"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	JWTIssuer     string
	JWTAudience   string
	WebhookSecret string
}

// Harness runs the full HTTP surface over in-memory components.
type Harness struct {
	server   *httptest.Server
	Store    *storage.Memory
	Provider *FakeProvider
	JWKS     *jwks.Client

	cfg Config
}

// signingKey is a fixed base64 HMAC secret for playback tokens in tests.
var signingKey = base64.StdEncoding.EncodeToString([]byte("conformance-playback-secret"))

// NewHarness creates a harness with all components wired the way mediad
// wires them, minus the network dependencies.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()
	fake := NewFakeProvider()
	jwksClient := jwks.NewTestClient()
	m := metrics.NewMetrics()

	engine := reconcile.NewEngine(store, nil, m)
	engine.RetryMatchDelay = 10 * time.Millisecond

	receiver := webhook.NewReceiver(engine, webhook.Options{
		Secret:       cfg.WebhookSecret,
		Tolerance:    5 * time.Minute,
		ApplyTimeout: 5 * time.Second,
	}, m)

	statusPoller := poller.New(store, fake, engine, m, 5, 10*time.Millisecond)
	resolver := entitlement.NewResolver(store, fake, engine, m)

	issuer, err := token.NewIssuer("conformance-key", signingKey, m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	mux := server.NewMux(server.Deps{
		Store:       store,
		Provider:    fake,
		Receiver:    receiver,
		Poller:      statusPoller,
		Entitlement: resolver,
		Issuer:      issuer,
		JWKS:        jwksClient,
		Metrics:     m,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
	})

	return &Harness{
		server:   httptest.NewServer(mux),
		Store:    store,
		Provider: fake,
		JWKS:     jwksClient,
		cfg:      cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server.
func (h *Harness) Close() {
	h.server.Close()
}

// SessionToken mints a session JWT the harness's auth layer accepts.
func (h *Harness) SessionToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.JWKS.SignSessionToken(userID, h.cfg.JWTIssuer, h.cfg.JWTAudience, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return tok
}

// SignWebhook computes the signature header for a webhook body.
func (h *Harness) SignWebhook(body []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(h.cfg.WebhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// FakeProvider simulates the video provider's API in memory. Tests drive the
// transcoding lifecycle explicitly with CreateAsset, FinishAsset, and
// FailAsset.
type FakeProvider struct {
	mu      sync.Mutex
	seq     int
	uploads map[string]*provider.UploadStatus
	assets  map[string]*model.Asset
}

// NewFakeProvider creates an empty provider simulation.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		uploads: make(map[string]*provider.UploadStatus),
		assets:  make(map[string]*model.Asset),
	}
}

func (f *FakeProvider) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *FakeProvider) CreateUpload(ctx context.Context, policy model.PlaybackPolicy, corsOrigin string) (*model.UploadTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID("upload")
	f.uploads[id] = &provider.UploadStatus{UploadID: id, Status: "waiting"}
	return &model.UploadTarget{
		UploadID:  id,
		UploadURL: "https://storage.example.com/" + id,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *FakeProvider) GetUploadStatus(ctx context.Context, uploadID string) (*provider.UploadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.uploads[uploadID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *FakeProvider) GetAssetStatus(ctx context.Context, assetID string) (*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.assets[assetID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := *a
	cp.PlaybackIDs = append([]model.PlaybackID(nil), a.PlaybackIDs...)
	return &cp, nil
}

func (f *FakeProvider) CreatePlaybackID(ctx context.Context, assetID string, policy model.PlaybackPolicy) (*model.PlaybackID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.assets[assetID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	pb := model.PlaybackID{ID: f.nextID("playback"), Policy: policy}
	a.PlaybackIDs = append(a.PlaybackIDs, pb)
	return &pb, nil
}

// CreateAsset simulates the provider ingesting an upload: the upload gains an
// asset_id and a preparing asset appears.
func (f *FakeProvider) CreateAsset(uploadID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	assetID := f.nextID("asset")
	if u, ok := f.uploads[uploadID]; ok {
		u.Status = "asset_created"
		u.AssetID = assetID
	}
	f.assets[assetID] = &model.Asset{
		AssetID:  assetID,
		UploadID: uploadID,
		Status:   model.AssetPreparing,
	}
	return assetID
}

// FinishAsset simulates a successful transcode, attaching one playback ID
// with the given policy.
func (f *FakeProvider) FinishAsset(assetID string, policy model.PlaybackPolicy) model.PlaybackID {
	f.mu.Lock()
	defer f.mu.Unlock()

	pb := model.PlaybackID{ID: f.nextID("playback"), Policy: policy}
	if a, ok := f.assets[assetID]; ok {
		a.Status = model.AssetReady
		a.PlaybackIDs = append(a.PlaybackIDs, pb)
	}
	return pb
}

// FailAsset simulates a terminal transcode failure.
func (f *FakeProvider) FailAsset(assetID, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.assets[assetID]; ok {
		a.Status = model.AssetErrored
		a.ErrorDetail = detail
	}
}

// RunConformanceTests runs the endpoint compliance suite.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("AuthRequired", h.testAuthRequired)
	t.Run("UploadLifecycle", h.testUploadLifecycle)
}

// testHealthEndpoints verifies the liveness and readiness probes.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthRequired verifies that /v1 routes reject unauthenticated requests.
func (h *Harness) testAuthRequired(t *testing.T) {
	paths := []string{
		"/v1/uploads/u-1/status",
		"/v1/lessons/l-1/media",
		"/v1/playback/token?lessonId=l-1",
	}
	for _, path := range paths {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected status 401 for %s without a session, got %d", path, resp.StatusCode)
		}
	}
}

// testUploadLifecycle verifies upload registration against a seeded lesson.
func (h *Harness) testUploadLifecycle(t *testing.T) {
	h.Store.SeedLesson(model.Lesson{ID: "lesson-conf", CreatorID: "creator-conf", PriceCents: 1000})

	req, _ := http.NewRequest(http.MethodPost, h.URL()+"/v1/uploads",
		jsonBody(`{"lessonId":"lesson-conf"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.SessionToken(t, "creator-conf"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to POST /v1/uploads: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.StatusCode)
	}

	lesson, err := h.Store.GetLesson(context.Background(), "lesson-conf")
	if err != nil {
		t.Fatalf("failed to read lesson: %v", err)
	}
	if lesson.UploadID == "" {
		t.Error("expected upload ID attached to lesson")
	}
	if lesson.Status != model.StatusUploading {
		t.Errorf("expected status uploading, got %s", lesson.Status)
	}
}

func jsonBody(s string) io.Reader { return strings.NewReader(s) }
