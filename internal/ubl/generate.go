package ubl

import (
	"encoding/base64"
	"strconv"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/model"
)

const dateLayout = "2006-01-02"

// Generate renders the document as PEPPOL BIS 3.0 UBL XML
func Generate(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, model.NewValidationError("document", nil, "required", "document is nil")
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}

	rootTag, typeTag, typeCode, lineTag, qtyTag := "Invoice", "cbc:InvoiceTypeCode", InvoiceTypeCode, "cac:InvoiceLine", "cbc:InvoicedQuantity"
	ns := NamespaceInvoice
	if doc.IsCreditNote() {
		rootTag, typeTag, typeCode, lineTag, qtyTag = "CreditNote", "cbc:CreditNoteTypeCode", CreditNoteTypeCode, "cac:CreditNoteLine", "cbc:CreditedQuantity"
		ns = NamespaceCreditNote
	}

	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := x.CreateElement(rootTag)
	root.CreateAttr("xmlns", ns)
	root.CreateAttr("xmlns:cac", NamespaceCAC)
	root.CreateAttr("xmlns:cbc", NamespaceCBC)

	text(root, "cbc:CustomizationID", CustomizationID)
	text(root, "cbc:ProfileID", ProfileID)
	text(root, "cbc:ID", doc.Number)
	text(root, "cbc:IssueDate", doc.IssueDate.Format(dateLayout))
	if doc.DueDate != nil && !doc.IsCreditNote() {
		text(root, "cbc:DueDate", doc.DueDate.Format(dateLayout))
	}
	text(root, typeTag, typeCode)
	if doc.Note != "" {
		text(root, "cbc:Note", doc.Note)
	}
	text(root, "cbc:DocumentCurrencyCode", doc.Currency)
	if doc.BuyerReference != "" {
		text(root, "cbc:BuyerReference", doc.BuyerReference)
	}
	if doc.OrderReference != "" {
		text(root.CreateElement("cac:OrderReference"), "cbc:ID", doc.OrderReference)
	}
	if doc.BillingReference != "" {
		ref := root.CreateElement("cac:BillingReference").CreateElement("cac:InvoiceDocumentReference")
		text(ref, "cbc:ID", doc.BillingReference)
	}
	for _, a := range doc.Attachments {
		writeAttachment(root, a)
	}

	writeParty(root.CreateElement("cac:AccountingSupplierParty"), doc.Supplier)
	writeParty(root.CreateElement("cac:AccountingCustomerParty"), doc.Customer)

	taxTotal := root.CreateElement("cac:TaxTotal")
	amount(taxTotal, "cbc:TaxAmount", doc.TaxAmount, doc.Currency)
	for _, st := range doc.TaxSubtotals {
		sub := taxTotal.CreateElement("cac:TaxSubtotal")
		amount(sub, "cbc:TaxableAmount", st.TaxableAmount, doc.Currency)
		amount(sub, "cbc:TaxAmount", st.TaxAmount, doc.Currency)
		writeTaxCategory(sub.CreateElement("cac:TaxCategory"), st.Category, st.Percent)
	}

	totals := root.CreateElement("cac:LegalMonetaryTotal")
	amount(totals, "cbc:LineExtensionAmount", doc.LineExtensionAmount, doc.Currency)
	amount(totals, "cbc:TaxExclusiveAmount", doc.TaxExclusiveAmount, doc.Currency)
	amount(totals, "cbc:TaxInclusiveAmount", doc.TaxInclusiveAmount, doc.Currency)
	amount(totals, "cbc:PayableAmount", doc.PayableAmount, doc.Currency)

	for i, l := range doc.Lines {
		line := root.CreateElement(lineTag)
		id := l.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		text(line, "cbc:ID", id)
		unit := l.UnitCode
		if unit == "" {
			unit = DefaultUnitCode
		}
		q := line.CreateElement(qtyTag)
		q.CreateAttr("unitCode", unit)
		q.SetText(l.Quantity.String())
		amount(line, "cbc:LineExtensionAmount", l.LineTotal, doc.Currency)

		item := line.CreateElement("cac:Item")
		if l.Description != "" {
			text(item, "cbc:Description", l.Description)
		}
		text(item, "cbc:Name", l.Name)
		category := l.TaxCategory
		if category == "" {
			category = DefaultTaxCategory
		}
		writeTaxCategory(item.CreateElement("cac:ClassifiedTaxCategory"), category, l.TaxPercent)

		amount(line.CreateElement("cac:Price"), "cbc:PriceAmount", l.UnitPrice, doc.Currency)
	}

	x.Indent(2)
	out, err := x.WriteToBytes()
	if err != nil {
		return nil, model.NewParseError("ubl", rootTag, "failed to serialize document", err)
	}
	return out, nil
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

func amount(parent *etree.Element, tag string, value decimal.Decimal, currency string) {
	el := parent.CreateElement(tag)
	el.CreateAttr("currencyID", currency)
	el.SetText(dec.Format(value))
}

func writeParty(parent *etree.Element, p Party) {
	party := parent.CreateElement("cac:Party")
	endpoint := party.CreateElement("cbc:EndpointID")
	endpoint.CreateAttr("schemeID", p.EndpointID.Scheme)
	endpoint.SetText(p.EndpointID.Value)

	addr := party.CreateElement("cac:PostalAddress")
	if p.Street != "" {
		text(addr, "cbc:StreetName", p.Street)
	}
	if p.City != "" {
		text(addr, "cbc:CityName", p.City)
	}
	if p.PostalCode != "" {
		text(addr, "cbc:PostalZone", p.PostalCode)
	}
	text(addr.CreateElement("cac:Country"), "cbc:IdentificationCode", p.CountryCode)

	if p.VATNumber != "" {
		scheme := party.CreateElement("cac:PartyTaxScheme")
		text(scheme, "cbc:CompanyID", p.VATNumber)
		text(scheme.CreateElement("cac:TaxScheme"), "cbc:ID", "VAT")
	}
	text(party.CreateElement("cac:PartyLegalEntity"), "cbc:RegistrationName", p.Name)
}

func writeTaxCategory(el *etree.Element, category string, percent decimal.Decimal) {
	text(el, "cbc:ID", category)
	text(el, "cbc:Percent", percent.String())
	text(el.CreateElement("cac:TaxScheme"), "cbc:ID", "VAT")
}

func writeAttachment(root *etree.Element, a Attachment) {
	ref := root.CreateElement("cac:AdditionalDocumentReference")
	text(ref, "cbc:ID", a.ID)
	obj := ref.CreateElement("cac:Attachment").CreateElement("cbc:EmbeddedDocumentBinaryObject")
	obj.CreateAttr("mimeCode", a.MimeType)
	obj.CreateAttr("filename", a.Filename)
	obj.SetText(base64.StdEncoding.EncodeToString(a.Content))
}
