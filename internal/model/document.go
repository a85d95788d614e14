package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DocumentType identifies the UBL document kind
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeCreditNote DocumentType = "credit_note"
)

// Valid reports whether t is a supported document type
func (t DocumentType) Valid() bool {
	return t == DocumentTypeInvoice || t == DocumentTypeCreditNote
}

// ParseDocumentType converts user input into a DocumentType
func ParseDocumentType(s string) (DocumentType, error) {
	switch strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s))) {
	case "invoice", "380":
		return DocumentTypeInvoice, nil
	case "creditnote", "381":
		return DocumentTypeCreditNote, nil
	}
	return "", NewValidationError("document_type", s, "enum", "must be invoice or credit_note")
}

// Direction separates documents we transmitted from documents we received
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// PeppolDocument is one document transmitted or received through an access point.
// Outbound rows carry LocalReferenceID; inbound rows have it nil and ReceivedAt set.
type PeppolDocument struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	DocumentType       DocumentType      `gorm:"size:20;not null;uniqueIndex:ux_peppol_documents_outbound,priority:1" json:"document_type"`
	Direction          Direction         `gorm:"size:10;not null;index" json:"direction"`
	Provider           string            `gorm:"size:50;not null;uniqueIndex:ux_peppol_documents_outbound,priority:3;uniqueIndex:ux_peppol_documents_vendor,priority:1" json:"provider"`
	LocalReferenceID   *uint             `gorm:"uniqueIndex:ux_peppol_documents_outbound,priority:2" json:"local_reference_id,omitempty"`
	ProviderDocumentID *string           `gorm:"size:191;uniqueIndex:ux_peppol_documents_vendor,priority:2" json:"provider_document_id,omitempty"`
	Status             Status            `gorm:"size:30;not null;index" json:"status"`
	ProviderMetadata   datatypes.JSONMap `json:"provider_metadata"`
	UBLContent         string            `gorm:"type:text" json:"-"`
	Attempts           int               `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt        *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	ReceivedAt         *time.Time        `json:"received_at,omitempty"`
}

// TableName overrides the table name
func (PeppolDocument) TableName() string {
	return "peppol_documents"
}

// IsInbound reports whether the document was received rather than sent
func (d *PeppolDocument) IsInbound() bool {
	return d.Direction == DirectionInbound
}

// VendorID returns the provider document id or an empty string
func (d *PeppolDocument) VendorID() string {
	if d.ProviderDocumentID == nil {
		return ""
	}
	return *d.ProviderDocumentID
}

// SetVendorID stores the provider document id; empty values clear it
func (d *PeppolDocument) SetVendorID(id string) {
	if id == "" {
		d.ProviderDocumentID = nil
		return
	}
	d.ProviderDocumentID = &id
}

// StatusHistory records one applied status transition
type StatusHistory struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;index" json:"document_id"`
	FromStatus Status    `gorm:"size:30" json:"from_status"`
	ToStatus   Status    `gorm:"size:30;not null" json:"to_status"`
	Source     string    `gorm:"size:30;not null" json:"source"`
	Message    string    `gorm:"type:text" json:"message,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName overrides the table name
func (StatusHistory) TableName() string {
	return "peppol_status_history"
}

// ActivityStatus is the severity of an activity log entry
type ActivityStatus string

const (
	ActivityInfo    ActivityStatus = "info"
	ActivitySuccess ActivityStatus = "success"
	ActivityError   ActivityStatus = "error"
	ActivityWarning ActivityStatus = "warning"
)

// ActivityLogEntry is the append-only audit trail of provider interactions
type ActivityLogEntry struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	Provider   string            `gorm:"size:50;index" json:"provider"`
	Action     string            `gorm:"size:50;not null;index" json:"action"`
	Status     ActivityStatus    `gorm:"size:10;not null" json:"status"`
	Message    string            `gorm:"type:text" json:"message"`
	DocumentID *uint             `gorm:"index" json:"document_id,omitempty"`
	Data       datatypes.JSONMap `json:"data,omitempty"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
}

// TableName overrides the table name
func (ActivityLogEntry) TableName() string {
	return "peppol_activity_log"
}
