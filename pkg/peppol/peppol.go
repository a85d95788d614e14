// Package peppol provides a public API for exchanging invoices over the
// PEPPOL network through an access point vendor.
//
// This package exposes the core document types, the provider contract and a
// Connector that wires storage, providers and the document lifecycle.
//
// Example usage:
//
//	conn, err := peppol.Open("peppol.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	res, err := conn.Send(ctx, peppol.DocumentTypeInvoice, 42)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Message)
package peppol

import (
	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

// Re-export core types for public API
type (
	Document      = model.PeppolDocument
	StatusHistory = model.StatusHistory
	Activity      = model.ActivityLogEntry
	DocumentType  = model.DocumentType
	Direction     = model.Direction
	Status        = model.Status
	ResponseCode  = model.ResponseCode
	Clarification = model.Clarification

	Result          = lifecycle.Result
	BatchResult     = lifecycle.BatchResult
	ResponseRequest = lifecycle.ResponseRequest

	UBLDocument   = ubl.Document
	UBLParty      = ubl.Party
	UBLLine       = ubl.Line
	ParticipantID = ubl.ParticipantID
)

// Re-export the provider contract
type (
	Provider           = provider.Provider
	Descriptor         = provider.Descriptor
	ProviderConfig     = provider.Config
	Settings           = provider.Settings
	SendRequest        = provider.SendRequest
	SendResult         = provider.SendResult
	StatusResult       = provider.StatusResult
	ConnectionResult   = provider.ConnectionResult
	WebhookRequest     = provider.WebhookRequest
	WebhookOutcome     = provider.WebhookOutcome
	DocumentReceived   = provider.DocumentReceived
	StatusUpdate       = provider.StatusUpdate
	LegalEntity        = provider.LegalEntity
	LegalEntityManager = provider.LegalEntityManager
)

// Re-export document types
const (
	DocumentTypeInvoice    = model.DocumentTypeInvoice
	DocumentTypeCreditNote = model.DocumentTypeCreditNote
)

// Re-export directions
const (
	DirectionOutbound = model.DirectionOutbound
	DirectionInbound  = model.DirectionInbound
)

// Re-export statuses
const (
	StatusPending         = model.StatusPending
	StatusSending         = model.StatusSending
	StatusSent            = model.StatusSent
	StatusDelivered       = model.StatusDelivered
	StatusFailed          = model.StatusFailed
	StatusRejected        = model.StatusRejected
	StatusAcknowledged    = model.StatusAcknowledged
	StatusProcessed       = model.StatusProcessed
	StatusReceived        = model.StatusReceived
	StatusRejectedInbound = model.StatusRejectedInbound
)

// Re-export invoice response codes
const (
	ResponseAcknowledged          = model.ResponseAcknowledged
	ResponseInProcess             = model.ResponseInProcess
	ResponseUnderQuery            = model.ResponseUnderQuery
	ResponseConditionallyAccepted = model.ResponseConditionallyAccepted
	ResponseRejected              = model.ResponseRejected
	ResponseAccepted              = model.ResponseAccepted
	ResponsePaid                  = model.ResponsePaid
)

// Re-export provider keys
const (
	ProviderAdemico   = provider.AdemicoKey
	ProviderUnit4     = provider.Unit4Key
	ProviderRecommand = provider.RecommandKey
)

// Re-export descriptor values
const (
	AuthOAuth2 = provider.AuthOAuth2
	AuthBasic  = provider.AuthBasic
	AuthAPIKey = provider.AuthAPIKey

	FeatureSend              = provider.FeatureSend
	FeatureReceive           = provider.FeatureReceive
	FeatureDeliveryStatus    = provider.FeatureDeliveryStatus
	FeatureLegalEntities     = provider.FeatureLegalEntities
	FeatureUBLRetrieval      = provider.FeatureUBLRetrieval
	FeatureDocumentResponses = provider.FeatureDocumentResponses
	FeaturePolling           = provider.FeaturePolling

	EnvSandbox = provider.EnvSandbox
	EnvLive    = provider.EnvLive
)

// Re-export error types
type (
	ConfigurationError  = model.ConfigurationError
	AuthenticationError = model.AuthenticationError
	TransportError      = model.TransportError
	VendorRejectedError = model.VendorRejectedError
	NotFoundError       = model.NotFoundError
	ValidationError     = model.ValidationError
	ParseError          = model.ParseError
	TransitionError     = model.TransitionError
)

// ErrMissingIdentifier matches validation errors for parties without a PEPPOL id
var ErrMissingIdentifier = model.ErrMissingIdentifier

// IsRetryable reports whether a failed vendor call may succeed when retried
func IsRetryable(err error) bool {
	return model.IsRetryable(err)
}

// ParseUBL parses a UBL invoice or credit note
func ParseUBL(data []byte) (*UBLDocument, error) {
	return ubl.Parse(data)
}

// GenerateUBL renders a document as PEPPOL BIS Billing 3.0 UBL
func GenerateUBL(doc *UBLDocument) ([]byte, error) {
	return ubl.Generate(doc)
}

// ParseParticipantID parses an identifier such as 0208:0123456789
func ParseParticipantID(s string) (ParticipantID, error) {
	return ubl.ParseParticipantID(s)
}
