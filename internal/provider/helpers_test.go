package provider_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

func sampleUBL(t *testing.T, docType model.DocumentType) []byte {
	t.Helper()
	supplier, err := ubl.ParseParticipantID("0208:0123456789")
	require.NoError(t, err)
	customer, err := ubl.ParseParticipantID("0208:0987654321")
	require.NoError(t, err)

	doc := &ubl.Document{
		Type:      docType,
		Number:    "INV-2026-001",
		IssueDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Currency:  "EUR",
		Supplier:  ubl.Party{Name: "Rezonia BV", EndpointID: supplier, VATNumber: "BE0123456789", CountryCode: "BE"},
		Customer:  ubl.Party{Name: "Client NV", EndpointID: customer, CountryCode: "BE"},
		Lines: []ubl.Line{
			{Name: "Hosting", Quantity: dec.FromInt(2), UnitPrice: dec.MustFromString("50.00"), TaxPercent: dec.FromInt(21)},
		},
	}
	if docType == model.DocumentTypeCreditNote {
		doc.BillingReference = "INV-2025-099"
	}
	doc.ComputeTotals()
	data, err := ubl.Generate(doc)
	require.NoError(t, err)
	return data
}

func sampleSendRequest(t *testing.T) provider.SendRequest {
	return provider.SendRequest{
		DocumentType: model.DocumentTypeInvoice,
		UBL:          sampleUBL(t, model.DocumentTypeInvoice),
		Metadata:     provider.DocumentMetadata{Number: "INV-2026-001", Currency: "EUR", Total: dec.MustFromString("121.00")},
		Sender:       provider.Party{Name: "Rezonia BV", Identifier: "0208:0123456789"},
		Receiver:     provider.Party{Name: "Client NV", Identifier: "0208:0987654321"},
	}
}

func signedHeaders(header, value string) http.Header {
	h := http.Header{}
	h.Set(header, value)
	return h
}
