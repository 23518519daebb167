// internal/server/mux.go
// Package server implements the HTTP surface of the media service: upload
// registration, media status, server-side processing, the provider webhook
// endpoint, and playback token issuance. Session JWTs from the identity
// service authenticate every /v1 route; the webhook route authenticates with
// its HMAC signature instead.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/entitlement"
	mediaerrors "github.com/SkillReel/skillreel-media-go/internal/errors"
	"github.com/SkillReel/skillreel-media-go/internal/jwks"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/SkillReel/skillreel-media-go/internal/poller"
	"github.com/SkillReel/skillreel-media-go/internal/provider"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
	"github.com/SkillReel/skillreel-media-go/internal/token"
	"github.com/SkillReel/skillreel-media-go/internal/webhook"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions.
type ContextKey string

const (
	// ContextKeyUserID stores the authenticated user's ID from the session JWT
	ContextKeyUserID ContextKey = "userId"
	// ContextKeyCorrelationID stores the per-request tracking ID
	ContextKeyCorrelationID ContextKey = "correlationId"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Deps carries the wired components the mux serves.
type Deps struct {
	Store       storage.Store
	Provider    provider.Client
	Receiver    *webhook.Receiver
	Poller      *poller.Poller
	Entitlement *entitlement.Resolver
	Issuer      *token.Issuer
	JWKS        *jwks.Client
	Metrics     *metrics.Metrics

	JWTIssuer   string
	JWTAudience string

	// CORSAllowedOrigins lists origins allowed on browser requests; the
	// first entry doubles as the cors_origin registered with upload slots.
	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the media service.
type Mux struct {
	mux  *http.ServeMux
	deps Deps
}

// NewMux creates the HTTP mux with all media endpoints registered.
func NewMux(deps Deps) *http.ServeMux {
	if deps.JWKS == nil {
		deps.JWKS = jwks.NewClient(deps.JWTIssuer + "/.well-known/jwks.json")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}

	m := &Mux{mux: http.NewServeMux(), deps: deps}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Provider-facing: authenticated by HMAC signature, not session JWT
	m.mux.HandleFunc("/webhooks/video", m.method(http.MethodPost, m.withCommon(m.handleWebhook)))

	// Client-facing: session JWT required
	m.mux.HandleFunc("/v1/uploads", m.method(http.MethodPost, m.withCommon(m.withAuth(m.handleCreateUpload))))
	m.mux.HandleFunc("/v1/uploads/", m.method(http.MethodGet, m.withCommon(m.withAuth(m.handleUploadStatus))))
	m.mux.HandleFunc("/v1/lessons/", m.withCommon(m.withAuth(m.handleLessonRoutes)))
	m.mux.HandleFunc("/v1/playback/token", m.method(http.MethodGet, m.withCommon(m.withAuth(m.handlePlaybackToken))))

	return m.mux
}

// method ensures the HTTP method matches the expected method.
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			m.writeErrorDef(w, mediaerrors.New(mediaerrors.MEDIA_BAD_REQUEST, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withCommon applies CORS, correlation ID, request logging, and metrics.
func (m *Mux) withCommon(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		m.logRequest(r, rec.status, duration, correlationID)
		if m.deps.Metrics != nil {
			status := statusLabel(rec.status)
			m.deps.Metrics.HTTPRequestTotal.WithLabelValues(r.Method, routeLabel(r.URL.Path), status).Inc()
			m.deps.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, routeLabel(r.URL.Path), status).Observe(duration.Seconds())
		}
	}
}

// withAuth validates the session JWT and stores the user ID in the context.
func (m *Mux) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.validateSession(r)
		if err != nil {
			err.CorrelationID = m.correlationID(r.Context())
			m.writeErrorDef(w, err)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyUserID, userID))
		h(w, r)
	}
}

// validateSession checks the Bearer token against the identity service's
// published keys and extracts the user ID.
func (m *Mux) validateSession(r *http.Request) (string, *mediaerrors.Error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", mediaerrors.New(mediaerrors.MEDIA_AUTHN, "missing Authorization header", "")
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", mediaerrors.New(mediaerrors.MEDIA_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.deps.JWKS.ValidateJWT(r.Context(), tokenString, m.deps.JWTIssuer, m.deps.JWTAudience)
	if err != nil {
		return "", mediaerrors.New(mediaerrors.MEDIA_AUTHN, "invalid session token", "")
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", mediaerrors.New(mediaerrors.MEDIA_AUTHN, "missing sub claim", "")
	}
	return userID, nil
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.deps.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// uploadOrigin is the cors_origin registered on new upload slots.
func (m *Mux) uploadOrigin() string {
	if len(m.deps.CORSAllowedOrigins) > 0 && m.deps.CORSAllowedOrigins[0] != "*" {
		return m.deps.CORSAllowedOrigins[0]
	}
	return "*"
}

func (m *Mux) correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

func (m *Mux) userID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyUserID).(string); ok {
		return id
	}
	return ""
}

// writeSuccess writes a successful response inside the data envelope.
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes an error response following the media error taxonomy.
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *mediaerrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	body := map[string]interface{}{
		"code":          err.Code,
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// fail normalizes an error into the taxonomy and writes it.
func (m *Mux) fail(w http.ResponseWriter, ctx context.Context, err error) {
	var me *mediaerrors.Error
	if !errors.As(err, &me) {
		me = mediaerrors.New(mediaerrors.MEDIA_INTERNAL, "internal error", "")
	}
	if me.CorrelationID == "" {
		me.CorrelationID = m.correlationID(ctx)
	}
	m.writeErrorDef(w, me)
}

func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if userID := m.userID(r.Context()); userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// statusLabel buckets status codes to keep metric cardinality bounded.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// routeLabel collapses path parameters so metrics key on the route shape.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/uploads/"):
		return "/v1/uploads/{id}/status"
	case strings.HasPrefix(path, "/v1/lessons/"):
		if strings.HasSuffix(path, "/process") {
			return "/v1/lessons/{id}/process"
		}
		return "/v1/lessons/{id}/media"
	default:
		return path
	}
}

// handleHealthz handles liveness checks.
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness checks by probing the store.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// ErrNotFound still proves the store answers
	_, err := m.deps.Store.GetLesson(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWebhook handles POST /webhooks/video.
func (m *Mux) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleWebhook")
	defer span.End()
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		span.SetStatus(codes.Error, "read body")
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_BAD_EVENT, "failed to read event body", ""))
		return
	}

	if err := m.deps.Receiver.HandleEvent(ctx, body, r.Header.Get("Mux-Signature")); err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, ctx, err)
		return
	}

	// Provider-facing acknowledgement shape, not the client data envelope
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// handleCreateUpload handles POST /v1/uploads. Only the lesson's creator may
// register an upload; doing so resets any previous attempt, which is how an
// errored lesson becomes recoverable.
func (m *Mux) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleCreateUpload")
	defer span.End()
	defer r.Body.Close()

	var req model.CreateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_VALIDATION, "invalid JSON", ""))
		return
	}
	if req.LessonID == "" {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_VALIDATION, "lessonId is required", ""))
		return
	}
	span.SetAttributes(attribute.String("lesson_id", req.LessonID))

	lesson, err := m.deps.Store.GetLesson(ctx, req.LessonID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_NOT_FOUND, "lesson not found", ""))
			return
		}
		m.fail(w, ctx, err)
		return
	}
	if lesson.CreatorID != m.userID(ctx) {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_AUTHZ, "only the lesson creator may upload video", ""))
		return
	}

	target, err := m.deps.Provider.CreateUpload(ctx, lesson.RequiredPolicy(), m.uploadOrigin())
	if err != nil {
		span.SetStatus(codes.Error, "provider upload creation failed")
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_UPSTREAM, "failed to create upload", ""))
		return
	}

	if err := m.deps.Store.AttachUpload(ctx, lesson.ID, target.UploadID); err != nil {
		m.fail(w, ctx, err)
		return
	}

	slog.Info("upload registered",
		"lesson_id", lesson.ID, "upload_id", target.UploadID, "policy", lesson.RequiredPolicy())
	m.writeSuccess(w, http.StatusCreated, model.CreateUploadResponse{
		UploadID:  target.UploadID,
		UploadURL: target.UploadURL,
	})
}

// handleUploadStatus handles GET /v1/uploads/{uploadId}/status.
func (m *Mux) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleUploadStatus")
	defer span.End()

	path := strings.TrimPrefix(r.URL.Path, "/v1/uploads/")
	uploadID := strings.TrimSuffix(path, "/status")
	if uploadID == "" || strings.Contains(uploadID, "/") {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_VALIDATION, "uploadId is required", ""))
		return
	}
	span.SetAttributes(attribute.String("upload_id", uploadID))

	lesson, err := m.deps.Store.GetLessonByUploadID(ctx, uploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_NOT_FOUND, "no lesson for upload", ""))
			return
		}
		m.fail(w, ctx, err)
		return
	}

	// One provider probe per status call; the viewer page drives the cadence.
	// A failed probe still answers with the stored state.
	refreshed, err := m.deps.Poller.Probe(ctx, lesson.ID)
	if err != nil {
		slog.Warn("status probe failed, serving stored state", "lesson_id", lesson.ID, "error", err)
	} else {
		lesson = refreshed
	}

	m.writeSuccess(w, http.StatusOK, m.statusResponse(lesson, m.userID(ctx)))
}

// handleLessonRoutes dispatches /v1/lessons/{id}/media and
// /v1/lessons/{id}/process.
func (m *Mux) handleLessonRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/lessons/")
	switch {
	case strings.HasSuffix(path, "/media") && r.Method == http.MethodGet:
		m.handleLessonMedia(w, r, strings.TrimSuffix(path, "/media"))
	case strings.HasSuffix(path, "/process") && r.Method == http.MethodPost:
		m.handleProcess(w, r, strings.TrimSuffix(path, "/process"))
	default:
		m.fail(w, r.Context(), mediaerrors.New(mediaerrors.MEDIA_BAD_REQUEST, "unknown lesson route", ""))
	}
}

// handleLessonMedia handles GET /v1/lessons/{id}/media.
func (m *Mux) handleLessonMedia(w http.ResponseWriter, r *http.Request, lessonID string) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleLessonMedia")
	defer span.End()

	if lessonID == "" {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_VALIDATION, "lessonId is required", ""))
		return
	}
	span.SetAttributes(attribute.String("lesson_id", lessonID))

	lesson, err := m.deps.Store.GetLesson(ctx, lessonID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_NOT_FOUND, "lesson not found", ""))
			return
		}
		m.fail(w, ctx, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, m.statusResponse(lesson, m.userID(ctx)))
}

// statusResponse projects a lesson's media state for the API. Error detail is
// creator-only; other users just see the lifecycle status.
func (m *Mux) statusResponse(lesson *model.Lesson, userID string) model.UploadStatusResponse {
	resp := model.UploadStatusResponse{
		LessonID:   lesson.ID,
		Status:     lesson.Status,
		AssetID:    lesson.AssetID,
		PlaybackID: lesson.PlaybackID,
	}
	if lesson.CreatorID == userID {
		resp.Detail = lesson.ErrorDetail
	}
	return resp
}

// handleProcess handles POST /v1/lessons/{id}/process. It blocks until the
// lesson's video reaches a terminal state or the poll ceiling, reconciling
// provider state along the way; the webhook-less development setup relies on
// it entirely.
func (m *Mux) handleProcess(w http.ResponseWriter, r *http.Request, lessonID string) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handleProcess")
	defer span.End()

	if lessonID == "" {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_VALIDATION, "lessonId is required", ""))
		return
	}
	span.SetAttributes(attribute.String("lesson_id", lessonID))

	lesson, err := m.deps.Store.GetLesson(ctx, lessonID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_NOT_FOUND, "lesson not found", ""))
			return
		}
		m.fail(w, ctx, err)
		return
	}
	if lesson.CreatorID != m.userID(ctx) {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_AUTHZ, "only the lesson creator may trigger processing", ""))
		return
	}

	result, err := m.deps.Poller.WaitForPublished(ctx, lessonID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, ctx, err)
		return
	}

	if result.Status == model.StatusErrored {
		current, gerr := m.deps.Store.GetLesson(ctx, lessonID)
		detail := "video processing failed"
		if gerr == nil && current.ErrorDetail != "" {
			detail = current.ErrorDetail
		}
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_PROCESSING_FAILED, detail, ""))
		return
	}

	m.writeSuccess(w, http.StatusOK, result)
}

// handlePlaybackToken handles GET /v1/playback/token?lessonId=...
func (m *Mux) handlePlaybackToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("media-service").Start(r.Context(), "handlePlaybackToken")
	defer span.End()

	lessonID := r.URL.Query().Get("lessonId")
	if lessonID == "" {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_VALIDATION, "lessonId is required", ""))
		return
	}
	span.SetAttributes(attribute.String("lesson_id", lessonID))

	userID := m.userID(ctx)
	ent, lesson, err := m.deps.Entitlement.Resolve(ctx, userID, lessonID)
	if err != nil {
		m.fail(w, ctx, err)
		return
	}
	span.SetAttributes(attribute.String("reason", string(ent.Reason)))
	if !ent.HasAccess {
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_AUTHZ, "not entitled to this lesson", ""))
		return
	}

	pb, err := m.deps.Entitlement.EnsurePlaybackID(ctx, lesson)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, ctx, err)
		return
	}

	// Public playback IDs need no tokens; the player streams directly.
	if pb.Policy == model.PolicyPublic {
		m.writeSuccess(w, http.StatusOK, map[string]interface{}{
			"playbackId": pb.ID,
			"policy":     pb.Policy,
			"reason":     ent.Reason,
		})
		return
	}

	tokens, err := m.deps.Issuer.IssuePlaybackTokens(pb.ID)
	if err != nil {
		span.SetStatus(codes.Error, "token signing failed")
		m.fail(w, ctx, mediaerrors.New(mediaerrors.MEDIA_INTERNAL, "failed to sign playback tokens", ""))
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"playbackId":      pb.ID,
		"policy":          pb.Policy,
		"reason":          ent.Reason,
		"token":           tokens.Token,
		"thumbnailToken":  tokens.ThumbnailToken,
		"storyboardToken": tokens.StoryboardToken,
	})
}
