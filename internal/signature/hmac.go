package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// HMACVerifier checks an HMAC-SHA256 over the raw body carried in a request header.
// The header value is hex, optionally prefixed (e.g. "sha256=").
type HMACVerifier struct {
	secret []byte
	header string
	prefix string
}

// HMACOption configures an HMACVerifier
type HMACOption func(*HMACVerifier)

// WithPrefix sets the prefix stripped from the header value before decoding
func WithPrefix(prefix string) HMACOption {
	return func(v *HMACVerifier) {
		v.prefix = prefix
	}
}

// NewHMACVerifier creates a verifier for the given shared secret and header
func NewHMACVerifier(secret, header string, opts ...HMACOption) *HMACVerifier {
	v := &HMACVerifier{
		secret: []byte(secret),
		header: header,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Scheme returns hmac-sha256
func (v *HMACVerifier) Scheme() string {
	return SchemeHMAC
}

// Verify compares the header signature with the HMAC of body in constant time
func (v *HMACVerifier) Verify(ctx context.Context, body []byte, headers http.Header) (*VerificationResult, error) {
	result := NewVerificationResult(SchemeHMAC)

	value := strings.TrimSpace(headers.Get(v.header))
	if value == "" {
		result.AddError("signature header missing")
		return result, ErrNoSignature(v.header)
	}
	result.SignatureFound = true

	if v.prefix != "" {
		if !strings.HasPrefix(value, v.prefix) {
			result.AddError("unexpected signature prefix")
			return result, ErrMalformed(v.header, nil)
		}
		value = strings.TrimPrefix(value, v.prefix)
	}

	got, err := hex.DecodeString(value)
	if err != nil {
		result.AddError("signature is not hex")
		return result, ErrMalformed(v.header, err)
	}

	if !hmac.Equal(got, Sign(v.secret, body)) {
		result.AddError("signature mismatch")
		return result, ErrInvalidSignature(nil)
	}

	result.SignatureValid = true
	result.ComputeValidity()
	return result, nil
}

// Sign computes the raw HMAC-SHA256 of body
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex computes the hex HMAC-SHA256 of body
func SignHex(secret string, body []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), body))
}
