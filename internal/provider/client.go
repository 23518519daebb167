// internal/provider/client.go
// Package provider implements a thin client for the external video-hosting
// provider's REST API: direct upload creation, asset and upload status
// retrieval, and playback-id creation. The client is explicitly constructed
// and injected into each component; it holds no state beyond credentials.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ErrNotFound is returned when the provider has no record of the requested
// upload or asset. During transcoding this is a normal transient condition
// ("not created yet"), not a failure.
var ErrNotFound = errors.New("provider: not found")

// APIError is a definitive provider rejection (4xx other than 404). It is
// never retried.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: %d %s", e.Status, e.Message)
}

// Client talks to the provider's video API.
type Client interface {
	CreateUpload(ctx context.Context, policy model.PlaybackPolicy, corsOrigin string) (*model.UploadTarget, error)
	GetUploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error)
	GetAssetStatus(ctx context.Context, assetID string) (*model.Asset, error)
	CreatePlaybackID(ctx context.Context, assetID string, policy model.PlaybackPolicy) (*model.PlaybackID, error)
}

// UploadStatus is the provider's view of a direct upload slot.
type UploadStatus struct {
	UploadID string
	Status   string // waiting | asset_created | errored | cancelled | timed_out
	AssetID  string
	Error    string
}

type httpClient struct {
	base    string
	tokenID string
	secret  string
	hc      *http.Client
	retry   retrypolicy.RetryPolicy[*http.Response]
	metrics *metrics.Metrics
}

// New creates a provider client authenticated with the given API credential
// pair. Transient failures (5xx, timeouts, connection errors) are retried
// with backoff inside the client; 4xx responses are surfaced immediately.
func New(baseURL, tokenID, tokenSecret string, m *metrics.Metrics) Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return shouldRetry(resp, err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	return &httpClient{
		base:    baseURL,
		tokenID: tokenID,
		secret:  tokenSecret,
		hc:      &http.Client{Transport: transport, Timeout: 10 * time.Second},
		retry:   retry,
		metrics: m,
	}
}

// statusBucket collapses a response code into the metric's status label.
func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// shouldRetry reports whether a provider call failed transiently. Callers
// must treat 4xx as non-retryable and 5xx/timeouts as retryable.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		// Context cancellation is a caller decision, not a transient fault
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// apiEnvelope is the provider's standard response wrapper.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Type     string   `json:"type"`
		Messages []string `json:"messages"`
	} `json:"error"`
}

// do executes one provider call under the retry policy and decodes the data
// envelope into out. op labels the call in the provider request metrics;
// duration covers all in-client retry attempts.
func (c *httpClient) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: encode request: %w", err)
		}
	}

	start := time.Now()
	status := "error"
	defer func() {
		if c.metrics == nil {
			return
		}
		c.metrics.ProviderRequestTotal.WithLabelValues(op, status).Inc()
		c.metrics.ProviderRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}()

	resp, err := failsafe.With(c.retry).Get(func() (*http.Response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.tokenID, c.secret)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		if shouldRetry(resp, nil) {
			// Drain so the connection can be reused across attempts
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	status = statusBucket(resp.StatusCode)
	if shouldRetry(resp, nil) {
		// Retries exhausted on a transient status
		return fmt.Errorf("provider: %s %s: status %d after retries", method, path, resp.StatusCode)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provider: read response: %w", err)
	}

	var envelope apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("provider: decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		msg := resp.Status
		if envelope.Error != nil && len(envelope.Error.Messages) > 0 {
			msg = envelope.Error.Messages[0]
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("provider: decode data: %w", err)
		}
	}
	return nil
}

// uploadData mirrors the provider's direct-upload resource.
type uploadData struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	AssetID string `json:"asset_id"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// assetData mirrors the provider's asset resource.
type assetData struct {
	ID          string `json:"id"`
	UploadID    string `json:"upload_id"`
	Status      string `json:"status"`
	PlaybackIDs []struct {
		ID     string `json:"id"`
		Policy string `json:"policy"`
	} `json:"playback_ids"`
	Errors *struct {
		Type     string   `json:"type"`
		Messages []string `json:"messages"`
	} `json:"errors"`
}

func (d assetData) toModel() *model.Asset {
	asset := &model.Asset{
		AssetID:  d.ID,
		UploadID: d.UploadID,
		Status:   model.AssetStatus(d.Status),
	}
	for _, p := range d.PlaybackIDs {
		asset.PlaybackIDs = append(asset.PlaybackIDs, model.PlaybackID{
			ID:     p.ID,
			Policy: model.PlaybackPolicy(p.Policy),
		})
	}
	if d.Errors != nil && len(d.Errors.Messages) > 0 {
		asset.ErrorDetail = d.Errors.Messages[0]
	} else if d.Errors != nil {
		asset.ErrorDetail = d.Errors.Type
	}
	return asset
}

// CreateUpload registers a direct upload slot whose eventual asset carries
// the given playback policy.
func (c *httpClient) CreateUpload(ctx context.Context, policy model.PlaybackPolicy, corsOrigin string) (*model.UploadTarget, error) {
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	body := map[string]interface{}{
		"cors_origin": corsOrigin,
		"new_asset_settings": map[string]interface{}{
			"playback_policy": []string{string(policy)},
			"encoding_tier":   "baseline",
		},
	}

	var data uploadData
	if err := c.do(ctx, "create_upload", http.MethodPost, "/video/v1/uploads", body, &data); err != nil {
		return nil, err
	}
	if data.ID == "" || data.URL == "" {
		return nil, fmt.Errorf("provider: invalid upload response")
	}

	return &model.UploadTarget{
		UploadID:  data.ID,
		UploadURL: data.URL,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *httpClient) GetUploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error) {
	var data uploadData
	if err := c.do(ctx, "get_upload", http.MethodGet, "/video/v1/uploads/"+uploadID, nil, &data); err != nil {
		return nil, err
	}

	status := &UploadStatus{
		UploadID: data.ID,
		Status:   data.Status,
		AssetID:  data.AssetID,
	}
	if data.Error != nil {
		status.Error = data.Error.Message
	}
	return status, nil
}

func (c *httpClient) GetAssetStatus(ctx context.Context, assetID string) (*model.Asset, error) {
	var data assetData
	if err := c.do(ctx, "get_asset", http.MethodGet, "/video/v1/assets/"+assetID, nil, &data); err != nil {
		return nil, err
	}
	return data.toModel(), nil
}

// CreatePlaybackID mints a new playback identifier with the given policy on
// an existing asset.
func (c *httpClient) CreatePlaybackID(ctx context.Context, assetID string, policy model.PlaybackPolicy) (*model.PlaybackID, error) {
	body := map[string]string{"policy": string(policy)}

	var data struct {
		ID     string `json:"id"`
		Policy string `json:"policy"`
	}
	if err := c.do(ctx, "create_playback_id", http.MethodPost, "/video/v1/assets/"+assetID+"/playback-ids", body, &data); err != nil {
		return nil, err
	}
	if data.ID == "" {
		return nil, fmt.Errorf("provider: invalid playback-id response")
	}

	return &model.PlaybackID{ID: data.ID, Policy: model.PlaybackPolicy(data.Policy)}, nil
}
