// internal/token/issuer.go
// Package token mints the short-lived signed tokens the video player presents
// to the provider's playback edge. Each playback grant yields three tokens,
// one per audience: the video stream itself, thumbnails, and storyboards.
package token

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Audience values understood by the provider's playback edge.
const (
	AudienceVideo      = "v"
	AudienceThumbnail  = "t"
	AudienceStoryboard = "s"
)

// DefaultTTL is how long a playback token stays valid. Long enough to watch
// any lesson end to end; short enough that a shared URL goes stale.
const DefaultTTL = 24 * time.Hour

// Issuer signs playback tokens with the HMAC key shared with the provider.
type Issuer struct {
	keyID   string
	secret  []byte
	ttl     time.Duration
	metrics *metrics.Metrics

	// now is swappable in tests.
	now func() time.Time
}

// NewIssuer creates a token issuer. signingKey is the base64-encoded secret
// as issued by the provider's dashboard; it is decoded once here.
func NewIssuer(keyID, signingKey string, m *metrics.Metrics) (*Issuer, error) {
	secret, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil {
		return nil, fmt.Errorf("token: signing key is not valid base64: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: signing key is empty")
	}

	return &Issuer{
		keyID:   keyID,
		secret:  secret,
		ttl:     DefaultTTL,
		metrics: m,
		now:     time.Now,
	}, nil
}

// IssuePlaybackTokens mints the full token set for one playback ID. All three
// tokens share the same expiry so the player's assets age out together.
func (i *Issuer) IssuePlaybackTokens(playbackID string) (*model.PlaybackTokens, error) {
	expiry := i.now().Add(i.ttl)

	video, err := i.sign(playbackID, AudienceVideo, expiry)
	if err != nil {
		return nil, err
	}
	thumbnail, err := i.sign(playbackID, AudienceThumbnail, expiry)
	if err != nil {
		return nil, err
	}
	storyboard, err := i.sign(playbackID, AudienceStoryboard, expiry)
	if err != nil {
		return nil, err
	}

	return &model.PlaybackTokens{
		Token:           video,
		ThumbnailToken:  thumbnail,
		StoryboardToken: storyboard,
	}, nil
}

// sign mints one token: sub is the playback ID, aud scopes it to a single
// resource kind, and kid tells the provider which shared key verifies it.
func (i *Issuer) sign(playbackID, audience string, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": playbackID,
		"aud": audience,
		"exp": expiry.Unix(),
		"kid": i.keyID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = i.keyID

	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}

	if i.metrics != nil {
		i.metrics.TokenIssuedTotal.WithLabelValues(audience).Inc()
	}
	return signed, nil
}

// Verify parses and validates a playback token against the issuer's key. Used
// by tests and diagnostic tooling; the provider's edge performs the real
// verification in production.
func (i *Issuer) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
