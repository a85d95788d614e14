package model

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors matched through errors.Is against the typed errors below
var (
	ErrNotFound          = errors.New("not found")
	ErrMissingIdentifier = errors.New("missing PEPPOL identifier")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RuleMissingIdentifier is the ValidationError rule used for absent participant ids
const RuleMissingIdentifier = "peppol_identifier"

// ConfigurationError reports missing or invalid provider credentials or registry setup.
// Never retryable.
type ConfigurationError struct {
	Component string
	Field     string
	Message   string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error [%s] %s: %s", e.Component, e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Component, e.Message)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(component, field, message string) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Field:     field,
		Message:   message,
	}
}

// AuthenticationError reports rejected credentials or a failed token exchange
type AuthenticationError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] authentication failed: %s (%v)", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] authentication failed: %s", e.Provider, e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(provider, message string, cause error) *AuthenticationError {
	return &AuthenticationError{
		Provider: provider,
		Message:  message,
		Cause:    cause,
	}
}

// TransportError reports network, timeout or TLS failures talking to a vendor
type TransportError struct {
	Provider  string
	Operation string
	Message   string
	Cause     error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Provider, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Operation, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new transport error
func NewTransportError(provider, operation, message string, cause error) *TransportError {
	return &TransportError{
		Provider:  provider,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// VendorRejectedError carries a structured business error returned by a vendor API.
// Message is kept verbatim for operator diagnosis.
type VendorRejectedError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *VendorRejectedError) Error() string {
	return fmt.Sprintf("[%s] rejected (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

// NewVendorRejectedError creates a new vendor rejection error
func NewVendorRejectedError(provider string, statusCode int, message string) *VendorRejectedError {
	return &VendorRejectedError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NotFoundError reports a missing document, provider or record
type NotFoundError struct {
	Resource string
	ID       interface{}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string, id interface{}) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// ValidationError represents malformed caller input
type ValidationError struct {
	Field   string
	Value   interface{}
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed on %s: %s (value=%v, rule=%s)", e.Field, e.Message, e.Value, e.Rule)
	}
	return fmt.Sprintf("validation failed on %s: %s (rule=%s)", e.Field, e.Message, e.Rule)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrMissingIdentifier && e.Rule == RuleMissingIdentifier
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, rule, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	}
}

// NewMissingIdentifierError reports a party without a PEPPOL participant identifier
func NewMissingIdentifierError(party string, id interface{}) *ValidationError {
	return NewValidationError(party, id, RuleMissingIdentifier, "no PEPPOL identifier configured")
}

// ParseError represents UBL or vendor payload parsing errors
type ParseError struct {
	Format  string
	Field   string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Format, e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Format, e.Field, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error
func NewParseError(format, field, message string, cause error) *ParseError {
	return &ParseError{
		Format:  format,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// TransitionError reports a status change the transition table refuses
type TransitionError struct {
	DocumentID uint
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("document %d: cannot move from %s to %s", e.DocumentID, e.From, e.To)
}

// Is matches ErrInvalidTransition
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsRetryable reports whether a later attempt may succeed without operator action
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
