package lifecycle

import (
	"fmt"
	"strconv"

	"github.com/rezonia/peppol-connector/internal/accounting"
	"github.com/rezonia/peppol-connector/internal/config"
	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

// buildDocument maps a ledger invoice onto a UBL document. Missing or
// malformed participant identifiers are reported before anything is stored.
func buildDocument(inv *accounting.Invoice, company config.Company) (*ubl.Document, error) {
	if company.PeppolID == "" {
		return nil, model.NewMissingIdentifierError("sender", company.Name)
	}
	sender, err := ubl.ParseParticipantID(company.PeppolID)
	if err != nil {
		return nil, err
	}

	if inv.Client == nil || inv.Client.PeppolID == "" {
		name := ""
		if inv.Client != nil {
			name = inv.Client.Name
		}
		return nil, model.NewMissingIdentifierError("receiver", name)
	}
	receiver, err := ubl.ParseParticipantID(inv.Client.PeppolID)
	if err != nil {
		return nil, err
	}

	doc := &ubl.Document{
		Type:           inv.Kind,
		Number:         inv.Number,
		IssueDate:      inv.IssueDate,
		DueDate:        inv.DueDate,
		Currency:       inv.Currency,
		BuyerReference: inv.BuyerReference,
		Note:           inv.Notes,
		Supplier: ubl.Party{
			Name:        company.Name,
			EndpointID:  sender,
			VATNumber:   company.VATNumber,
			Street:      company.Street,
			City:        company.City,
			PostalCode:  company.PostalCode,
			CountryCode: company.CountryCode,
		},
		Customer: ubl.Party{
			Name:        inv.Client.Name,
			EndpointID:  receiver,
			VATNumber:   inv.Client.VATNumber,
			Street:      inv.Client.Street,
			City:        inv.Client.City,
			PostalCode:  inv.Client.PostalCode,
			CountryCode: inv.Client.CountryCode,
		},
	}
	if inv.Kind == model.DocumentTypeCreditNote {
		doc.BillingReference = inv.OriginalNumber
	}
	if doc.BuyerReference == "" {
		// BIS 3.0 requires a buyer reference or an order reference
		doc.BuyerReference = inv.Number
	}

	for i, l := range inv.Lines {
		doc.Lines = append(doc.Lines, ubl.Line{
			ID:         strconv.Itoa(i + 1),
			Name:       l.Description,
			Quantity:   l.Quantity.Abs(),
			UnitPrice:  l.UnitPrice.Abs(),
			TaxPercent: l.TaxRate,
		})
	}
	doc.ComputeTotals()

	if !inv.Total.IsZero() && !dec.WithinTolerance(doc.PayableAmount, inv.Total.Abs()) {
		return nil, model.NewValidationError("total", inv.Total.String(), "consistency",
			fmt.Sprintf("line totals %s do not match invoice total %s", dec.Format(doc.PayableAmount), dec.Format(inv.Total)))
	}
	return doc, nil
}

func sendRequest(doc *ubl.Document, content []byte) provider.SendRequest {
	return provider.SendRequest{
		DocumentType: doc.Type,
		UBL:          content,
		Metadata: provider.DocumentMetadata{
			Number:    doc.Number,
			Currency:  doc.Currency,
			Total:     doc.Total(),
			IssueDate: doc.IssueDate,
		},
		Sender: provider.Party{
			Name:        doc.Supplier.Name,
			Identifier:  doc.Supplier.EndpointID.String(),
			VATNumber:   doc.Supplier.VATNumber,
			CountryCode: doc.Supplier.CountryCode,
		},
		Receiver: provider.Party{
			Name:        doc.Customer.Name,
			Identifier:  doc.Customer.EndpointID.String(),
			VATNumber:   doc.Customer.VATNumber,
			CountryCode: doc.Customer.CountryCode,
		},
	}
}

// purchaseFromUBL maps a received UBL document onto a ledger purchase
func purchaseFromUBL(doc *ubl.Document) *accounting.Invoice {
	inv := &accounting.Invoice{
		Kind:             doc.Type,
		Number:           doc.Number,
		SupplierName:     doc.Supplier.Name,
		SupplierPeppolID: doc.Supplier.EndpointID.String(),
		IssueDate:        doc.IssueDate,
		DueDate:          doc.DueDate,
		Currency:         doc.Currency,
		BuyerReference:   doc.BuyerReference,
		OriginalNumber:   doc.BillingReference,
		Notes:            doc.Note,
		Subtotal:         dec.Round2(doc.TaxExclusiveAmount),
		TaxTotal:         dec.Round2(doc.TaxAmount),
		Total:            dec.Round2(doc.Total()),
	}
	for _, l := range doc.Lines {
		desc := l.Name
		if desc == "" {
			desc = l.Description
		}
		inv.Lines = append(inv.Lines, accounting.InvoiceLine{
			Description: desc,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxPercent,
		})
	}
	return inv
}
