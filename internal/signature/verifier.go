// Package signature authenticates webhook deliveries before their payload is parsed.
package signature

import (
	"context"
	"net/http"
)

// Signature schemes
const (
	SchemeHMAC    = "hmac-sha256"
	SchemeXMLDSig = "xmldsig"
)

// Verifier checks the authenticity of a raw webhook body
type Verifier interface {
	// Verify returns a *SignatureError when the body is not authentic
	Verify(ctx context.Context, body []byte, headers http.Header) (*VerificationResult, error)

	// Scheme returns the signature scheme this verifier handles
	Scheme() string
}

// NoopVerifier accepts every payload. Used when a provider has no webhook secret configured.
type NoopVerifier struct{}

// Verify always succeeds
func (NoopVerifier) Verify(ctx context.Context, body []byte, headers http.Header) (*VerificationResult, error) {
	return &VerificationResult{Valid: true, Scheme: "none"}, nil
}

// Scheme returns "none"
func (NoopVerifier) Scheme() string {
	return "none"
}
