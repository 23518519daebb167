// internal/jwks/client.go
// Package jwks validates the session tokens minted by the marketplace's
// identity service. Verification keys are discovered from the identity
// service's JWKS endpoint and cached; the media service never holds the
// session signing key itself.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKS is a JSON Web Key Set as served by the identity service.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single Ed25519 verification key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// Client discovers and caches session verification keys.
type Client struct {
	jwksURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	cached    *JWKS
	expiresAt time.Time

	// Test mode signs and verifies with a locally generated keypair instead
	// of fetching a key set.
	testKey ed25519.PrivateKey
}

const cacheTTL = 5 * time.Minute

// NewClient creates a JWKS client for the given discovery URL.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewTestClient creates a client backed by a throwaway Ed25519 keypair.
// Tokens minted with SignSessionToken validate against it; nothing is
// fetched over the network.
func NewTestClient() *Client {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(fmt.Sprintf("jwks: generate test key: %v", err))
	}
	return &Client{testKey: priv}
}

// SignSessionToken mints a session token with the test key. Only available on
// clients created with NewTestClient.
func (c *Client) SignSessionToken(userID, issuer, audience string, expiry time.Time) (string, error) {
	if c.testKey == nil {
		return "", fmt.Errorf("jwks: SignSessionToken requires a test client")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": userID,
		"iss": issuer,
		"aud": audience,
		"exp": expiry.Unix(),
		"iat": time.Now().Unix(),
	})
	tok.Header["kid"] = "test"
	return tok.SignedString(c.testKey)
}

// ValidateJWT verifies a session token's signature, issuer, audience, and
// expiry, returning its claims.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	keyFunc := c.keyFunc(ctx)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("session token invalid: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("session token invalid")
	}
	return claims, nil
}

// keyFunc resolves the verification key for a token: the test keypair in test
// mode, otherwise the JWKS entry matching the token's kid header.
func (c *Client) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if c.testKey != nil {
			return c.testKey.Public(), nil
		}

		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid header")
		}

		jwk, err := c.lookupKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported key type for kid %s", kid)
		}

		raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		return ed25519.PublicKey(raw), nil
	}
}

// lookupKey finds a key by kid, fetching a fresh key set when the cached one
// has expired or does not contain the kid (key rotation).
func (c *Client) lookupKey(ctx context.Context, kid string) (*JWK, error) {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.expiresAt) {
		if key := findKey(c.cached, kid); key != nil {
			c.mu.RUnlock()
			return key, nil
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Now().Before(c.expiresAt) {
		if key := findKey(c.cached, kid); key != nil {
			return key, nil
		}
	}

	jwks, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = jwks
	c.expiresAt = time.Now().Add(cacheTTL)

	if key := findKey(jwks, kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("no key with kid %s", kid)
}

func findKey(jwks *JWKS, kid string) *JWK {
	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			return &jwks.Keys[i]
		}
	}
	return nil
}

func (c *Client) fetch(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create JWKS request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}
	return &jwks, nil
}
