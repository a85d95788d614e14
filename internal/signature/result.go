package signature

import (
	"crypto/x509"
	"time"
)

// VerificationResult contains the outcome of a webhook authenticity check
type VerificationResult struct {
	// Valid is true only if all checks pass
	Valid bool `json:"valid"`

	SignatureFound bool `json:"signature_found"`
	SignatureValid bool `json:"signature_valid"`

	// Scheme is hmac-sha256 or xmldsig
	Scheme string `json:"scheme"`

	// Signer is set for certificate-based schemes
	Signer *SignerInfo `json:"signer,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// SignerInfo contains certificate subject information
type SignerInfo struct {
	Name         string    `json:"name"`
	Organization string    `json:"organization,omitempty"`
	SerialNumber string    `json:"serial_number"`
	Issuer       string    `json:"issuer"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidTo      time.Time `json:"valid_to"`
}

// NewVerificationResult creates a new empty result
func NewVerificationResult(scheme string) *VerificationResult {
	return &VerificationResult{
		Scheme: scheme,
		Errors: make([]string, 0),
	}
}

// AddError adds an error message and sets Valid to false
func (r *VerificationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// SetSigner populates SignerInfo from an x509 certificate
func (r *VerificationResult) SetSigner(cert *x509.Certificate) {
	if cert == nil {
		return
	}

	signer := &SignerInfo{
		Name:         cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		ValidFrom:    cert.NotBefore,
		ValidTo:      cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		signer.Organization = cert.Subject.Organization[0]
	}
	if cert.Issuer.CommonName != "" {
		signer.Issuer = cert.Issuer.CommonName
	} else if len(cert.Issuer.Organization) > 0 {
		signer.Issuer = cert.Issuer.Organization[0]
	}

	r.Signer = signer
}

// ComputeValidity sets the Valid field based on individual check results
func (r *VerificationResult) ComputeValidity() {
	r.Valid = r.SignatureFound && r.SignatureValid && len(r.Errors) == 0
}
