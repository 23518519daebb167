// Package integration exercises the media service end to end: upload
// registration, provider webhooks, entitlement checks, and playback token
// issuance, all through the HTTP surface.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/SkillReel/skillreel-media-go/conformance"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://id.skillreel.test"
	testAudience = "skillreel-api"
	testSecret   = "integration-webhook-secret"
)

func newHarness(t *testing.T) *conformance.Harness {
	t.Helper()
	h, err := conformance.NewHarness(conformance.Config{
		JWTIssuer:     testIssuer,
		JWTAudience:   testAudience,
		WebhookSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

// doJSON performs a request with an optional session token and decodes the
// response envelope.
func doJSON(t *testing.T, h *conformance.Harness, method, path, sessionToken, body string) (int, map[string]json.RawMessage) {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, h.URL()+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	envelope := map[string]json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.StatusCode, envelope
}

// deliverWebhook posts a signed provider event.
func deliverWebhook(t *testing.T, h *conformance.Harness, body string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.URL()+"/webhooks/video", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mux-Signature", h.SignWebhook([]byte(body)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// registerUpload drives POST /v1/uploads and returns the upload ID.
func registerUpload(t *testing.T, h *conformance.Harness, creatorToken, lessonID string) string {
	t.Helper()

	status, envelope := doJSON(t, h, http.MethodPost, "/v1/uploads", creatorToken,
		fmt.Sprintf(`{"lessonId":%q}`, lessonID))
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from upload registration, got %d", status)
	}

	var data model.CreateUploadResponse
	if err := json.Unmarshal(envelope["data"], &data); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	if data.UploadID == "" || data.UploadURL == "" {
		t.Fatalf("incomplete upload response: %+v", data)
	}
	return data.UploadID
}

// TestPaidLessonLifecycle walks a paid lesson from upload registration
// through webhook-driven publication to playback token issuance.
func TestPaidLessonLifecycle(t *testing.T) {
	h := newHarness(t)

	h.Store.SeedLesson(model.Lesson{ID: "lesson-1", CreatorID: "creator-1", PriceCents: 2500})
	h.Store.SeedPurchase(model.Purchase{UserID: "buyer-1", LessonID: "lesson-1", Status: model.PurchaseCompleted})

	creatorToken := h.SessionToken(t, "creator-1")
	uploadID := registerUpload(t, h, creatorToken, "lesson-1")

	// Provider ingests the upload and notifies via webhook
	assetID := h.Provider.CreateAsset(uploadID)
	status := deliverWebhook(t, h, fmt.Sprintf(
		`{"type":"video.upload.asset_created","data":{"id":%q,"asset_id":%q}}`, uploadID, assetID))
	if status != http.StatusOK {
		t.Fatalf("expected 200 from asset_created webhook, got %d", status)
	}

	lesson, _ := h.Store.GetLesson(context.Background(), "lesson-1")
	if lesson.Status != model.StatusProcessing {
		t.Fatalf("expected processing after asset_created, got %s", lesson.Status)
	}

	// Transcode completes
	pb := h.Provider.FinishAsset(assetID, model.PolicySigned)
	readyBody := fmt.Sprintf(
		`{"type":"video.asset.ready","data":{"id":%q,"playback_ids":[{"id":%q,"policy":"signed"}]}}`,
		assetID, pb.ID)
	if status := deliverWebhook(t, h, readyBody); status != http.StatusOK {
		t.Fatalf("expected 200 from asset.ready webhook, got %d", status)
	}

	lesson, _ = h.Store.GetLesson(context.Background(), "lesson-1")
	if lesson.Status != model.StatusPublished {
		t.Fatalf("expected published after asset.ready, got %s", lesson.Status)
	}
	if lesson.PlaybackID != pb.ID {
		t.Fatalf("expected playback id %s, got %s", pb.ID, lesson.PlaybackID)
	}

	// A replayed delivery must be acknowledged and change nothing
	if status := deliverWebhook(t, h, readyBody); status != http.StatusOK {
		t.Fatalf("expected 200 from replayed webhook, got %d", status)
	}
	replayed, _ := h.Store.GetLesson(context.Background(), "lesson-1")
	if *replayed != *lesson {
		t.Fatalf("replayed webhook mutated the lesson: %+v vs %+v", replayed, lesson)
	}

	// The buyer gets signed playback tokens
	buyerToken := h.SessionToken(t, "buyer-1")
	status, envelope := doJSON(t, h, http.MethodGet, "/v1/playback/token?lessonId=lesson-1", buyerToken, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from token endpoint for buyer, got %d", status)
	}

	var grant struct {
		PlaybackID string `json:"playbackId"`
		Reason     string `json:"reason"`
		Token      string `json:"token"`
	}
	if err := json.Unmarshal(envelope["data"], &grant); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if grant.Reason != string(model.ReasonPurchased) {
		t.Errorf("expected reason purchased, got %s", grant.Reason)
	}
	if grant.PlaybackID != pb.ID {
		t.Errorf("expected playback id %s, got %s", pb.ID, grant.PlaybackID)
	}

	// Token carries the playback id as subject and a scoped audience
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(grant.Token, claims); err != nil {
		t.Fatalf("failed to parse playback token: %v", err)
	}
	if claims["sub"] != pb.ID {
		t.Errorf("expected sub %s, got %v", pb.ID, claims["sub"])
	}
	if claims["aud"] != "v" {
		t.Errorf("expected aud v, got %v", claims["aud"])
	}

	// A user with no purchase is denied
	strangerToken := h.SessionToken(t, "stranger-1")
	status, _ = doJSON(t, h, http.MethodGet, "/v1/playback/token?lessonId=lesson-1", strangerToken, "")
	if status != http.StatusForbidden {
		t.Errorf("expected 403 for user without purchase, got %d", status)
	}
}

// TestFreeLessonPlayback verifies that free lessons grant any authenticated
// user access with a public playback ID and no tokens.
func TestFreeLessonPlayback(t *testing.T) {
	h := newHarness(t)

	h.Store.SeedLesson(model.Lesson{ID: "lesson-free", CreatorID: "creator-1", PriceCents: 0})

	creatorToken := h.SessionToken(t, "creator-1")
	uploadID := registerUpload(t, h, creatorToken, "lesson-free")

	assetID := h.Provider.CreateAsset(uploadID)
	deliverWebhook(t, h, fmt.Sprintf(
		`{"type":"video.upload.asset_created","data":{"id":%q,"asset_id":%q}}`, uploadID, assetID))
	pb := h.Provider.FinishAsset(assetID, model.PolicyPublic)
	deliverWebhook(t, h, fmt.Sprintf(
		`{"type":"video.asset.ready","data":{"id":%q,"playback_ids":[{"id":%q,"policy":"public"}]}}`,
		assetID, pb.ID))

	viewerToken := h.SessionToken(t, "some-viewer")
	status, envelope := doJSON(t, h, http.MethodGet, "/v1/playback/token?lessonId=lesson-free", viewerToken, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 for free lesson, got %d", status)
	}

	var grant struct {
		PlaybackID string `json:"playbackId"`
		Policy     string `json:"policy"`
		Reason     string `json:"reason"`
		Token      string `json:"token"`
	}
	if err := json.Unmarshal(envelope["data"], &grant); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if grant.Reason != string(model.ReasonFree) {
		t.Errorf("expected reason free, got %s", grant.Reason)
	}
	if grant.Policy != string(model.PolicyPublic) {
		t.Errorf("expected public policy, got %s", grant.Policy)
	}
	if grant.Token != "" {
		t.Error("expected no signed token for a public playback id")
	}
}

// TestErroredLessonRestart verifies that a failed transcode surfaces its
// detail to the creator and that registering a new upload resets the
// lifecycle.
func TestErroredLessonRestart(t *testing.T) {
	h := newHarness(t)

	h.Store.SeedLesson(model.Lesson{ID: "lesson-err", CreatorID: "creator-err", PriceCents: 500})
	creatorToken := h.SessionToken(t, "creator-err")
	uploadID := registerUpload(t, h, creatorToken, "lesson-err")

	assetID := h.Provider.CreateAsset(uploadID)
	deliverWebhook(t, h, fmt.Sprintf(
		`{"type":"video.upload.asset_created","data":{"id":%q,"asset_id":%q}}`, uploadID, assetID))
	deliverWebhook(t, h, fmt.Sprintf(
		`{"type":"video.asset.errored","data":{"id":%q,"errors":{"messages":["invalid input file"]}}}`,
		assetID))

	status, envelope := doJSON(t, h, http.MethodGet, "/v1/lessons/lesson-err/media", creatorToken, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from media status, got %d", status)
	}
	var media model.UploadStatusResponse
	if err := json.Unmarshal(envelope["data"], &media); err != nil {
		t.Fatalf("failed to decode media status: %v", err)
	}
	if media.Status != model.StatusErrored {
		t.Fatalf("expected errored status, got %s", media.Status)
	}
	if media.Detail != "invalid input file" {
		t.Errorf("expected error detail for creator, got %q", media.Detail)
	}

	// Error detail is creator-only
	otherToken := h.SessionToken(t, "someone-else")
	_, envelope = doJSON(t, h, http.MethodGet, "/v1/lessons/lesson-err/media", otherToken, "")
	var otherView model.UploadStatusResponse
	if err := json.Unmarshal(envelope["data"], &otherView); err != nil {
		t.Fatalf("failed to decode media status: %v", err)
	}
	if otherView.Detail != "" {
		t.Error("expected error detail hidden from non-creators")
	}

	// Registering a fresh upload resets the lifecycle
	newUploadID := registerUpload(t, h, creatorToken, "lesson-err")
	if newUploadID == uploadID {
		t.Fatal("expected a fresh upload id")
	}
	lesson, _ := h.Store.GetLesson(context.Background(), "lesson-err")
	if lesson.Status != model.StatusUploading {
		t.Errorf("expected uploading after restart, got %s", lesson.Status)
	}
	if lesson.AssetID != "" || lesson.ErrorDetail != "" {
		t.Errorf("expected cleared asset association, got %+v", lesson)
	}
}

// TestServerSideProcessing verifies POST /v1/lessons/{id}/process publishes a
// lesson purely by polling, with no webhooks delivered.
func TestServerSideProcessing(t *testing.T) {
	h := newHarness(t)

	h.Store.SeedLesson(model.Lesson{ID: "lesson-poll", CreatorID: "creator-poll", PriceCents: 900})
	creatorToken := h.SessionToken(t, "creator-poll")
	uploadID := registerUpload(t, h, creatorToken, "lesson-poll")

	assetID := h.Provider.CreateAsset(uploadID)
	h.Provider.FinishAsset(assetID, model.PolicySigned)

	status, envelope := doJSON(t, h, http.MethodPost, "/v1/lessons/lesson-poll/process", creatorToken, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 from process, got %d", status)
	}

	var result model.ProcessResult
	if err := json.Unmarshal(envelope["data"], &result); err != nil {
		t.Fatalf("failed to decode process result: %v", err)
	}
	if result.Status != model.StatusPublished {
		t.Errorf("expected published, got %s", result.Status)
	}

	// The audit trail records both poll-sourced transitions
	entries, err := h.Store.ListTransitions(context.Background(), "lesson-poll")
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Source != "poll" {
			t.Errorf("expected poll source, got %s", entry.Source)
		}
	}
}

// TestExpiredSessionRejected verifies the session-token boundary.
func TestExpiredSessionRejected(t *testing.T) {
	h := newHarness(t)
	h.Store.SeedLesson(model.Lesson{ID: "lesson-exp", CreatorID: "creator-exp"})

	expired, err := h.JWKS.SignSessionToken("creator-exp", testIssuer, testAudience, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("failed to sign expired token: %v", err)
	}

	status, _ := doJSON(t, h, http.MethodGet, "/v1/lessons/lesson-exp/media", expired, "")
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired session, got %d", status)
	}
}
