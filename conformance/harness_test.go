package conformance

import "testing"

// TestConformance runs the compliance suite against the in-memory harness.
func TestConformance(t *testing.T) {
	h, err := NewHarness(Config{
		JWTIssuer:     "test-issuer",
		JWTAudience:   "test-audience",
		WebhookSecret: "conformance-webhook-secret",
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer h.Close()

	h.RunConformanceTests(t)
}
