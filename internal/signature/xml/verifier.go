package xml

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/rezonia/peppol-connector/internal/signature"
)

// XMLVerifier verifies enveloped XMLDSig signatures on XML webhook bodies
// against a set of pinned signing certificates.
type XMLVerifier struct {
	certs []*x509.Certificate
	clock func() time.Time
}

// Option configures an XMLVerifier
type Option func(*XMLVerifier)

// WithClock overrides the time used for certificate validity checks
func WithClock(clock func() time.Time) Option {
	return func(v *XMLVerifier) {
		v.clock = clock
	}
}

// NewXMLVerifier creates a verifier trusting only the given certificates
func NewXMLVerifier(certs []*x509.Certificate, opts ...Option) *XMLVerifier {
	v := &XMLVerifier{
		certs: certs,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseCertificatePEM decodes a PEM certificate as configured for a provider
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Scheme returns xmldsig
func (v *XMLVerifier) Scheme() string {
	return signature.SchemeXMLDSig
}

// Verify checks the enveloped signature of body. Headers are unused.
func (v *XMLVerifier) Verify(ctx context.Context, body []byte, headers http.Header) (*signature.VerificationResult, error) {
	result := signature.NewVerificationResult(signature.SchemeXMLDSig)

	if !HasSignature(body) {
		result.AddError("no signature element")
		return result, signature.ErrNoSignature("Signature")
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		result.AddError(err.Error())
		return result, signature.ErrNoSignature("Signature")
	}
	result.SignatureFound = true

	if cert, err := env.Certificate(); err == nil {
		result.SetSigner(cert)
		if !v.trusted(cert) {
			result.AddError("signing certificate is not pinned")
			return result, signature.ErrUntrustedSigner(cert.Subject.CommonName)
		}
		now := v.clock()
		if now.After(cert.NotAfter) {
			result.AddError("signing certificate expired")
			return result, signature.ErrCertExpired(cert.Subject.CommonName)
		}
		if now.Before(cert.NotBefore) {
			result.AddError("signing certificate not yet valid")
			return result, signature.ErrCertNotYetValid(cert.Subject.CommonName)
		}
	}

	validationCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: v.certs,
	})
	validationCtx.Clock = dsig.NewFakeClockAt(v.clock())

	if _, err := validationCtx.Validate(env.Signed); err != nil {
		result.AddError(fmt.Sprintf("signature validation failed: %v", err))
		return result, signature.ErrInvalidSignature(err)
	}

	result.SignatureValid = true
	result.ComputeValidity()
	return result, nil
}

func (v *XMLVerifier) trusted(cert *x509.Certificate) bool {
	for _, pinned := range v.certs {
		if bytes.Equal(pinned.Raw, cert.Raw) {
			return true
		}
	}
	return false
}
