// Package provider abstracts PEPPOL access-point vendors behind one contract.
//
// Every vendor implements Provider. Vendor-specific extras (legal entities,
// UBL retrieval, business responses, notification polling) are optional
// capability interfaces probed with a type assertion.
package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezonia/peppol-connector/internal/model"
)

// Party identifies a sender or receiver on the network
type Party struct {
	Name        string
	Identifier  string // PEPPOL participant id, e.g. 0208:123456789
	VATNumber   string
	CountryCode string
}

// DocumentMetadata carries the document fields vendors want alongside the UBL
type DocumentMetadata struct {
	Number    string
	Currency  string
	Total     decimal.Decimal
	IssueDate time.Time
}

// SendRequest is one outbound transmission
type SendRequest struct {
	DocumentType model.DocumentType
	UBL          []byte
	Metadata     DocumentMetadata
	Sender       Party
	Receiver     Party
}

// SendResult is the normalized outcome of a send. Vendor 4xx/5xx responses
// produce Success=false with Message set; they are not returned as errors.
type SendResult struct {
	Success        bool                   `json:"success"`
	DocumentID     string                 `json:"document_id,omitempty"`
	TransmissionID string                 `json:"transmission_id,omitempty"`
	Message        string                 `json:"message,omitempty"`
	StatusCode     int                    `json:"status_code,omitempty"`
	RawResponse    map[string]interface{} `json:"raw_response,omitempty"`
}

// ConnectionResult is the outcome of a connectivity check
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusResult is a polled delivery status
type StatusResult struct {
	Success     bool         `json:"success"`
	Status      model.Status `json:"status"`
	RawStatus   string       `json:"raw_status"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// WebhookRequest is the raw webhook delivery. Providers never read request globals.
type WebhookRequest struct {
	Body    []byte
	Headers http.Header
	Query   url.Values
}

// WebhookOutcome is either *DocumentReceived or *StatusUpdate
type WebhookOutcome interface {
	outcome()
}

// DocumentReceived announces a new inbound document.
// Content may be empty when the vendor only sends a notification; the UBL is
// then fetched through UBLRetriever.
type DocumentReceived struct {
	DocumentID   string
	DocumentType model.DocumentType
	Sender       string
	Receiver     string
	Content      []byte
	Metadata     map[string]interface{}
}

func (*DocumentReceived) outcome() {}

// StatusUpdate reports a status change for a previously sent document
type StatusUpdate struct {
	TransmissionID string
	Status         model.Status
	RawStatus      string
	Message        string
	Metadata       map[string]interface{}
}

func (*StatusUpdate) outcome() {}

// Provider is the contract every access point implements
type Provider interface {
	// ID returns the registry key
	ID() string

	// Send transmits a UBL document
	Send(ctx context.Context, req SendRequest) (*SendResult, error)

	// TestConnection checks credentials. It forces a fresh token where tokens are used.
	TestConnection(ctx context.Context, environment string) (*ConnectionResult, error)

	// GetDeliveryStatus polls the vendor for a document status. Safe to repeat.
	GetDeliveryStatus(ctx context.Context, providerDocumentID string) (*StatusResult, error)

	// HandleWebhook authenticates and parses a webhook delivery. It returns nil
	// for events that need no action and *signature.SignatureError on
	// authenticity failure.
	HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookOutcome, error)

	// NormalizeStatus maps a vendor status string onto the canonical set
	NormalizeStatus(vendor string) model.Status
}

// LegalEntity is a participant registered with a provider
type LegalEntity struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Identifier  string `json:"identifier"`
	CountryCode string `json:"country_code,omitempty"`
	VATNumber   string `json:"vat_number,omitempty"`
}

// LegalEntityManager is implemented by providers that manage participant registrations
type LegalEntityManager interface {
	ListLegalEntities(ctx context.Context) ([]LegalEntity, error)
	GetLegalEntity(ctx context.Context, id string) (*LegalEntity, error)
	CreateLegalEntity(ctx context.Context, entity LegalEntity) (*LegalEntity, error)
	UpdateLegalEntity(ctx context.Context, entity LegalEntity) (*LegalEntity, error)
	DeleteLegalEntity(ctx context.Context, id string) error
}

// UBLRetriever is implemented by providers that store received documents
type UBLRetriever interface {
	GetDocumentUBL(ctx context.Context, providerDocumentID string) ([]byte, error)
}

// DocumentResponse is a business-level invoice response
type DocumentResponse struct {
	ProviderDocumentID string
	Code               model.ResponseCode
	Note               string
	Clarifications     []model.Clarification
	EffectiveDate      time.Time
}

// DocumentResponder is implemented by providers that transmit invoice responses
type DocumentResponder interface {
	SendDocumentResponse(ctx context.Context, resp DocumentResponse) (*SendResult, error)
}

// NotificationPoller is implemented by providers that expose their webhook events
// through a polling endpoint as well
type NotificationPoller interface {
	PollNotifications(ctx context.Context, since time.Time) ([]WebhookOutcome, error)
}
