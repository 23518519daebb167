// internal/webhook/signature.go
// Signature verification for inbound provider events. The provider signs
// each delivery with HMAC-SHA256 over "{t}.{rawBody}" and sends the result
// in a comma-separated header: signature: t=<unix-ts>,v1=<hex-hmac>.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	errMalformedHeader = errors.New("malformed signature header")
	errStaleTimestamp  = errors.New("signature timestamp outside tolerance")
	errBadSignature    = errors.New("signature mismatch")
)

// parsedSignature holds the timestamp and candidate digests extracted from a
// signature header. Multiple v1 values can appear during secret rotation.
type parsedSignature struct {
	timestamp time.Time
	digests   []string
}

// parseSignatureHeader parses "t=<unix-ts>,v1=<hex>[,v1=<hex>...]".
func parseSignatureHeader(header string) (*parsedSignature, error) {
	if header == "" {
		return nil, errMalformedHeader
	}

	var sig parsedSignature
	for _, pair := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			return nil, errMalformedHeader
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errMalformedHeader
			}
			sig.timestamp = time.Unix(ts, 0)
		case "v1":
			sig.digests = append(sig.digests, value)
		}
	}

	if sig.timestamp.IsZero() || len(sig.digests) == 0 {
		return nil, errMalformedHeader
	}
	return &sig, nil
}

// verifySignature checks a raw body against the signature header. The signed
// payload is "{t}.{rawBody}"; comparison is constant-time. Timestamps older
// or newer than the tolerance are rejected to blunt replay.
func verifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := now.Sub(sig.timestamp)
		if age > tolerance || age < -tolerance {
			return errStaleTimestamp
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", sig.timestamp.Unix())
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, digest := range sig.digests {
		if hmac.Equal([]byte(expected), []byte(digest)) {
			return nil
		}
	}
	return errBadSignature
}
