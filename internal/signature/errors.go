package signature

import "fmt"

// Error codes for webhook authenticity checks
const (
	ErrCodeNoSignature       = "NO_SIGNATURE"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeMalformed         = "MALFORMED_SIGNATURE"
	ErrCodeCertExpired       = "CERT_EXPIRED"
	ErrCodeCertNotYetValid   = "CERT_NOT_YET_VALID"
	ErrCodeUntrustedSigner   = "UNTRUSTED_SIGNER"
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
)

// SignatureError represents a failed authenticity check. Webhooks failing with
// this error are rejected before any payload parsing.
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ErrNoSignature returns error when the request carries no signature
func ErrNoSignature(field string) *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, field, "no signature present", nil)
}

// ErrInvalidSignature returns error when signature validation fails
func ErrInvalidSignature(cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, "signature", "signature validation failed", cause)
}

// ErrMalformed returns error when the signature cannot be decoded
func ErrMalformed(field string, cause error) *SignatureError {
	return NewSignatureError(ErrCodeMalformed, field, "signature is malformed", cause)
}

// ErrCertExpired returns error when certificate has expired
func ErrCertExpired(subject string) *SignatureError {
	return NewSignatureError(ErrCodeCertExpired, "certificate", fmt.Sprintf("certificate expired: %s", subject), nil)
}

// ErrCertNotYetValid returns error when certificate is not yet valid
func ErrCertNotYetValid(subject string) *SignatureError {
	return NewSignatureError(ErrCodeCertNotYetValid, "certificate", fmt.Sprintf("certificate not yet valid: %s", subject), nil)
}

// ErrUntrustedSigner returns error when the signing certificate is not the pinned one
func ErrUntrustedSigner(subject string) *SignatureError {
	return NewSignatureError(ErrCodeUntrustedSigner, "certificate", fmt.Sprintf("signer not trusted: %s", subject), nil)
}

// ErrUnsupportedFormat returns error for payloads the verifier cannot handle
func ErrUnsupportedFormat(format string) *SignatureError {
	return NewSignatureError(ErrCodeUnsupportedFormat, "", fmt.Sprintf("unsupported format: %s", format), nil)
}
