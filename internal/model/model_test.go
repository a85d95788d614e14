package model_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/rezonia/peppol-connector/internal/model"
)

func TestCanTransition_Outbound(t *testing.T) {
	tests := []struct {
		from, to model.Status
		allowed  bool
	}{
		{model.StatusPending, model.StatusSending, true},
		{model.StatusSending, model.StatusSent, true},
		{model.StatusSending, model.StatusFailed, true},
		{model.StatusFailed, model.StatusSending, true},
		{model.StatusSent, model.StatusDelivered, true},
		{model.StatusDelivered, model.StatusProcessed, true},
		{model.StatusDelivered, model.StatusSent, false},
		{model.StatusSent, model.StatusPending, false},
		{model.StatusDelivered, model.StatusDelivered, false},
		{model.StatusProcessed, model.StatusRejected, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, model.CanTransition(model.DirectionOutbound, tt.from, tt.to))
		})
	}
}

func TestCanTransition_Inbound(t *testing.T) {
	assert.True(t, model.CanTransition(model.DirectionInbound, model.StatusReceived, model.StatusProcessed))
	assert.True(t, model.CanTransition(model.DirectionInbound, model.StatusReceived, model.StatusRejectedInbound))
	assert.False(t, model.CanTransition(model.DirectionInbound, model.StatusReceived, model.StatusSent))
	assert.False(t, model.CanTransition(model.DirectionInbound, model.StatusProcessed, model.StatusReceived))
}

func TestResponseCode_StatusFor(t *testing.T) {
	assert.Equal(t, model.StatusProcessed, model.ResponseAccepted.StatusFor(model.DirectionInbound))
	assert.Equal(t, model.StatusProcessed, model.ResponsePaid.StatusFor(model.DirectionOutbound))
	assert.Equal(t, model.StatusRejectedInbound, model.ResponseRejected.StatusFor(model.DirectionInbound))
	assert.Equal(t, model.StatusRejected, model.ResponseRejected.StatusFor(model.DirectionOutbound))
	assert.Equal(t, model.StatusAcknowledged, model.ResponseUnderQuery.StatusFor(model.DirectionInbound))

	assert.True(t, model.ResponseAccepted.Valid())
	assert.False(t, model.ResponseCode("XX").Valid())
}

func TestFilterClarifications(t *testing.T) {
	in := []model.Clarification{
		{Type: model.ClarificationReason, Code: "REF", Message: "missing order reference"},
		{Type: model.ClarificationAction, Code: "", Message: "no code"},
		{Type: "", Code: "NOA", Message: "no type"},
		{Type: model.ClarificationAction, Code: "NOA", Message: "  "},
	}

	out := model.FilterClarifications(in)
	require.Len(t, out, 1)
	assert.Equal(t, "REF", out[0].Code)
}

func TestMetadata_ExpenseIDSurvivesJSON(t *testing.T) {
	doc := &model.PeppolDocument{}
	doc.SetExpenseID(42)
	doc.MergeMetadata(map[string]interface{}{"vendor_trace": "abc"})

	raw, err := json.Marshal(doc.ProviderMetadata)
	require.NoError(t, err)

	var decoded datatypes.JSONMap
	require.NoError(t, json.Unmarshal(raw, &decoded))
	reloaded := &model.PeppolDocument{ProviderMetadata: decoded}

	id, ok := reloaded.ExpenseID()
	require.True(t, ok)
	assert.Equal(t, uint(42), id)
	assert.Equal(t, "abc", reloaded.MetaString("vendor_trace"))
}

func TestMetadata_Response(t *testing.T) {
	doc := &model.PeppolDocument{}
	effective := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	doc.SetResponse(model.Response{
		Code:    model.ResponseRejected,
		Note:    "wrong amount",
		StaffID: 7,
		Clarifications: []model.Clarification{
			{Type: model.ClarificationReason, Code: "PRI", Message: "price mismatch"},
		},
		EffectiveDate: effective,
	})

	assert.Equal(t, model.ResponseRejected, doc.ResponseStatus())
	assert.Equal(t, "2026-03-01T10:00:00Z", doc.MetaString(model.MetaEffectiveDate))
	require.Len(t, doc.Clarifications(), 1)
	assert.Equal(t, "PRI", doc.Clarifications()[0].Code)
}

func TestMetadata_ErrorMessage(t *testing.T) {
	doc := &model.PeppolDocument{}
	doc.SetErrorMessage("boom")
	assert.Equal(t, "boom", doc.ErrorMessage())
	doc.ClearErrorMessage()
	assert.Empty(t, doc.ErrorMessage())
}

func TestVendorID(t *testing.T) {
	doc := &model.PeppolDocument{}
	assert.Empty(t, doc.VendorID())
	doc.SetVendorID("tx-1")
	assert.Equal(t, "tx-1", doc.VendorID())
	doc.SetVendorID("")
	assert.Nil(t, doc.ProviderDocumentID)
}

func TestParseDocumentType(t *testing.T) {
	dt, err := model.ParseDocumentType("credit-note")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentTypeCreditNote, dt)

	_, err = model.ParseDocumentType("order")
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "document_type", vErr.Field)
}

func TestMissingIdentifierError(t *testing.T) {
	err := model.NewMissingIdentifierError("receiver", uint(3))
	require.ErrorIs(t, err, model.ErrMissingIdentifier)
	assert.Contains(t, err.Error(), "receiver")
}

func TestNotFoundError(t *testing.T) {
	err := fmt.Errorf("lookup: %w", model.NewNotFoundError("document", 12))
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "document not found: 12")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, model.IsRetryable(model.NewTransportError("ademico", "send", "timeout", context.DeadlineExceeded)))
	assert.True(t, model.IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, model.IsRetryable(model.NewAuthenticationError("ademico", "bad secret", nil)))
	assert.False(t, model.IsRetryable(model.NewConfigurationError("registry", "client_id", "missing")))
	assert.False(t, model.IsRetryable(nil))
}

func TestParseError_WithCause(t *testing.T) {
	cause := assert.AnError
	err := model.NewParseError("ubl", "IssueDate", "parse failed", cause)

	require.Contains(t, err.Error(), "ubl")
	require.Contains(t, err.Error(), "IssueDate")
	require.ErrorIs(t, err, cause)
}

func TestStatusValid(t *testing.T) {
	for _, s := range model.AllStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, model.Status("Delivered").Valid())
}
