// Package ubl converts between PEPPOL BIS Billing 3.0 UBL documents and a flat
// Go representation. Only the fields the connector reads or writes are modelled.
package ubl

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/model"
)

// UBL namespaces and PEPPOL BIS 3.0 identifiers
const (
	NamespaceInvoice    = "urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
	NamespaceCreditNote = "urn:oasis:names:specification:ubl:schema:xsd:CreditNote-2"
	NamespaceCAC        = "urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
	NamespaceCBC        = "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"

	CustomizationID = "urn:cen.eu:en16931:2017#compliant#urn:fdc:peppol.eu:2017:poacc:billing:3.0"
	ProfileID       = "urn:fdc:peppol.eu:2017:poacc:billing:01:1.0"

	InvoiceTypeCode    = "380"
	CreditNoteTypeCode = "381"

	DefaultUnitCode    = "C62"
	DefaultTaxCategory = "S"
)

// Party is a supplier or customer
type Party struct {
	Name        string
	EndpointID  ParticipantID
	VATNumber   string
	Street      string
	City        string
	PostalCode  string
	CountryCode string
}

// Line is one invoice or credit note line
type Line struct {
	ID          string
	Name        string
	Description string
	Quantity    decimal.Decimal
	UnitCode    string
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
	TaxCategory string
	TaxPercent  decimal.Decimal
}

// Attachment is an embedded binary document, typically the PDF rendition
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Content  []byte
}

// TaxSubtotal is one tax breakdown row
type TaxSubtotal struct {
	Category      string
	Percent       decimal.Decimal
	TaxableAmount decimal.Decimal
	TaxAmount     decimal.Decimal
}

// Document is a parsed or to-be-generated UBL Invoice or CreditNote
type Document struct {
	Type             model.DocumentType
	Number           string
	IssueDate        time.Time
	DueDate          *time.Time
	Currency         string
	BuyerReference   string
	OrderReference   string
	BillingReference string
	Note             string

	Supplier Party
	Customer Party

	Lines       []Line
	Attachments []Attachment

	TaxSubtotals        []TaxSubtotal
	LineExtensionAmount decimal.Decimal
	TaxExclusiveAmount  decimal.Decimal
	TaxAmount           decimal.Decimal
	TaxInclusiveAmount  decimal.Decimal
	PayableAmount       decimal.Decimal
}

// IsCreditNote reports whether the document is a credit note
func (d *Document) IsCreditNote() bool {
	return d.Type == model.DocumentTypeCreditNote
}

// ComputeTotals fills line totals, tax breakdown and monetary totals from the lines
func (d *Document) ComputeTotals() {
	type key struct {
		category string
		percent  string
	}
	groups := make(map[key]*TaxSubtotal)

	lineTotals := make([]decimal.Decimal, 0, len(d.Lines))
	for i := range d.Lines {
		l := &d.Lines[i]
		if l.UnitCode == "" {
			l.UnitCode = DefaultUnitCode
		}
		if l.TaxCategory == "" {
			l.TaxCategory = DefaultTaxCategory
		}
		l.LineTotal = dec.LineExtension(l.Quantity, l.UnitPrice)
		lineTotals = append(lineTotals, l.LineTotal)

		k := key{l.TaxCategory, l.TaxPercent.String()}
		g, ok := groups[k]
		if !ok {
			g = &TaxSubtotal{Category: l.TaxCategory, Percent: l.TaxPercent}
			groups[k] = g
		}
		g.TaxableAmount = g.TaxableAmount.Add(l.LineTotal)
	}

	d.TaxSubtotals = d.TaxSubtotals[:0]
	taxes := make([]decimal.Decimal, 0, len(groups))
	for _, g := range groups {
		g.TaxAmount = dec.CalculateTax(g.TaxableAmount, g.Percent)
		taxes = append(taxes, g.TaxAmount)
		d.TaxSubtotals = append(d.TaxSubtotals, *g)
	}
	sort.Slice(d.TaxSubtotals, func(i, j int) bool {
		if d.TaxSubtotals[i].Category != d.TaxSubtotals[j].Category {
			return d.TaxSubtotals[i].Category < d.TaxSubtotals[j].Category
		}
		return d.TaxSubtotals[i].Percent.LessThan(d.TaxSubtotals[j].Percent)
	})

	d.LineExtensionAmount = dec.Sum(lineTotals)
	d.TaxExclusiveAmount = d.LineExtensionAmount
	d.TaxAmount = dec.Sum(taxes)
	d.TaxInclusiveAmount = d.TaxExclusiveAmount.Add(d.TaxAmount)
	d.PayableAmount = d.TaxInclusiveAmount
}

// Total returns the amount the document asks to be paid
func (d *Document) Total() decimal.Decimal {
	if !d.PayableAmount.IsZero() {
		return d.PayableAmount
	}
	return d.TaxInclusiveAmount
}

func (d *Document) validate() error {
	if !d.Type.Valid() {
		return model.NewValidationError("document_type", d.Type, "enum", "must be invoice or credit_note")
	}
	if d.Number == "" {
		return model.NewValidationError("number", nil, "required", "document number is required")
	}
	if d.Currency == "" {
		return model.NewValidationError("currency", nil, "required", "currency is required")
	}
	if d.Supplier.EndpointID.IsZero() {
		return model.NewMissingIdentifierError("sender", d.Supplier.Name)
	}
	if d.Customer.EndpointID.IsZero() {
		return model.NewMissingIdentifierError("receiver", d.Customer.Name)
	}
	if len(d.Lines) == 0 {
		return model.NewValidationError("lines", 0, "min", "at least one line is required")
	}
	return nil
}
