package server

import (
	"time"

	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/model"
)

// WebhookResponse is returned to the vendor for every delivery
type WebhookResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthResponse is the response for health endpoints
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SendRequest asks for one ledger document to be sent
type SendRequest struct {
	DocumentType model.DocumentType `json:"document_type" binding:"required"`
	InvoiceID    uint               `json:"invoice_id" binding:"required"`
}

// BulkSendRequest asks for several ledger documents to be sent
type BulkSendRequest struct {
	DocumentType model.DocumentType `json:"document_type" binding:"required"`
	InvoiceIDs   []uint             `json:"invoice_ids" binding:"required,min=1"`
}

// ResponseRequest is an invoice response for a received document
type ResponseRequest struct {
	Status         model.ResponseCode    `json:"status" binding:"required"`
	Note           string                `json:"note"`
	Clarifications []model.Clarification `json:"clarifications"`
	EffectiveDate  *time.Time            `json:"effective_date"`
	StaffID        uint                  `json:"staff_id"`
}

// TestConnectionRequest selects the environment to test
type TestConnectionRequest struct {
	Environment string `json:"environment"`
}

// DocumentResponse is a stored document with its transition history
type DocumentResponse struct {
	Document *model.PeppolDocument `json:"document"`
	History  []model.StatusHistory `json:"history"`
}

// ResultResponse wraps a lifecycle result
type ResultResponse struct {
	*lifecycle.Result
	Timestamp string `json:"timestamp"`
}

// BatchResponse wraps a batch result
type BatchResponse struct {
	*lifecycle.BatchResult
	Timestamp string `json:"timestamp"`
}
