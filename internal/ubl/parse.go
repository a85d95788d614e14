package ubl

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/rezonia/peppol-connector/internal/model"
)

// Parse reads a UBL Invoice or CreditNote. A StandardBusinessDocument envelope
// around the payload is unwrapped.
func Parse(data []byte) (*Document, error) {
	x := etree.NewDocument()
	if err := x.ReadFromBytes(data); err != nil {
		return nil, model.NewParseError("ubl", "xml", "failed to parse XML", err)
	}

	root := x.Root()
	if root == nil {
		return nil, model.NewParseError("ubl", "root", "empty XML document", nil)
	}
	root = payloadRoot(root)
	if root == nil {
		return nil, model.NewParseError("ubl", "root", "no Invoice or CreditNote element found", nil)
	}

	doc := &Document{}
	lineTag, qtyTag := "InvoiceLine", "InvoicedQuantity"
	switch root.Tag {
	case "Invoice":
		doc.Type = model.DocumentTypeInvoice
	case "CreditNote":
		doc.Type = model.DocumentTypeCreditNote
		lineTag, qtyTag = "CreditNoteLine", "CreditedQuantity"
	}

	doc.Number = childText(root, "ID")
	if doc.Number == "" {
		return nil, model.NewParseError("ubl", "ID", "document number missing", nil)
	}
	doc.Currency = childText(root, "DocumentCurrencyCode")
	doc.BuyerReference = childText(root, "BuyerReference")
	doc.OrderReference = childText(root, "OrderReference/ID")
	doc.BillingReference = childText(root, "BillingReference/InvoiceDocumentReference/ID")
	doc.Note = childText(root, "Note")

	issue, err := parseDate(childText(root, "IssueDate"))
	if err != nil {
		return nil, model.NewParseError("ubl", "IssueDate", "invalid issue date", err)
	}
	doc.IssueDate = issue
	if due := childText(root, "DueDate"); due != "" {
		if t, err := parseDate(due); err == nil {
			doc.DueDate = &t
		}
	}

	doc.Supplier = readParty(root.FindElement("AccountingSupplierParty/Party"))
	doc.Customer = readParty(root.FindElement("AccountingCustomerParty/Party"))

	for _, ref := range root.SelectElements("AdditionalDocumentReference") {
		obj := ref.FindElement("Attachment/EmbeddedDocumentBinaryObject")
		if obj == nil {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(obj.Text()))
		if err != nil {
			return nil, model.NewParseError("ubl", "EmbeddedDocumentBinaryObject", "invalid base64 attachment", err)
		}
		doc.Attachments = append(doc.Attachments, Attachment{
			ID:       childText(ref, "ID"),
			Filename: obj.SelectAttrValue("filename", ""),
			MimeType: obj.SelectAttrValue("mimeCode", ""),
			Content:  content,
		})
	}

	if taxTotal := root.FindElement("TaxTotal"); taxTotal != nil {
		doc.TaxAmount = decimalText(taxTotal, "TaxAmount")
		for _, sub := range taxTotal.SelectElements("TaxSubtotal") {
			doc.TaxSubtotals = append(doc.TaxSubtotals, TaxSubtotal{
				Category:      childText(sub, "TaxCategory/ID"),
				Percent:       decimalText(sub, "TaxCategory/Percent"),
				TaxableAmount: decimalText(sub, "TaxableAmount"),
				TaxAmount:     decimalText(sub, "TaxAmount"),
			})
		}
	}

	if totals := root.FindElement("LegalMonetaryTotal"); totals != nil {
		doc.LineExtensionAmount = decimalText(totals, "LineExtensionAmount")
		doc.TaxExclusiveAmount = decimalText(totals, "TaxExclusiveAmount")
		doc.TaxInclusiveAmount = decimalText(totals, "TaxInclusiveAmount")
		doc.PayableAmount = decimalText(totals, "PayableAmount")
	} else {
		return nil, model.NewParseError("ubl", "LegalMonetaryTotal", "monetary totals missing", nil)
	}

	for _, el := range root.SelectElements(lineTag) {
		line := Line{
			ID:          childText(el, "ID"),
			Name:        childText(el, "Item/Name"),
			Description: childText(el, "Item/Description"),
			Quantity:    decimalText(el, qtyTag),
			LineTotal:   decimalText(el, "LineExtensionAmount"),
			UnitPrice:   decimalText(el, "Price/PriceAmount"),
			TaxCategory: childText(el, "Item/ClassifiedTaxCategory/ID"),
			TaxPercent:  decimalText(el, "Item/ClassifiedTaxCategory/Percent"),
		}
		if q := el.FindElement(qtyTag); q != nil {
			line.UnitCode = q.SelectAttrValue("unitCode", "")
		}
		doc.Lines = append(doc.Lines, line)
	}

	return doc, nil
}

// DetectType reports the document type of a UBL payload without parsing it fully
func DetectType(data []byte) (model.DocumentType, error) {
	x := etree.NewDocument()
	if err := x.ReadFromBytes(data); err != nil {
		return "", model.NewParseError("ubl", "xml", "failed to parse XML", err)
	}
	root := x.Root()
	if root != nil {
		root = payloadRoot(root)
	}
	if root == nil {
		return "", model.NewParseError("ubl", "root", "no Invoice or CreditNote element found", nil)
	}
	if root.Tag == "CreditNote" {
		return model.DocumentTypeCreditNote, nil
	}
	return model.DocumentTypeInvoice, nil
}

func payloadRoot(root *etree.Element) *etree.Element {
	if root.Tag == "Invoice" || root.Tag == "CreditNote" {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := payloadRoot(child); found != nil {
			return found
		}
	}
	return nil
}

func readParty(el *etree.Element) Party {
	if el == nil {
		return Party{}
	}
	p := Party{
		Name:        childText(el, "PartyLegalEntity/RegistrationName"),
		VATNumber:   childText(el, "PartyTaxScheme/CompanyID"),
		Street:      childText(el, "PostalAddress/StreetName"),
		City:        childText(el, "PostalAddress/CityName"),
		PostalCode:  childText(el, "PostalAddress/PostalZone"),
		CountryCode: childText(el, "PostalAddress/Country/IdentificationCode"),
	}
	if p.Name == "" {
		p.Name = childText(el, "PartyName/Name")
	}
	if endpoint := el.FindElement("EndpointID"); endpoint != nil {
		p.EndpointID = ParticipantID{
			Scheme: endpoint.SelectAttrValue("schemeID", ""),
			Value:  strings.TrimSpace(endpoint.Text()),
		}
	}
	return p
}

func childText(el *etree.Element, path string) string {
	if found := el.FindElement(path); found != nil {
		return strings.TrimSpace(found.Text())
	}
	return ""
}

func decimalText(el *etree.Element, path string) decimal.Decimal {
	v, err := decimal.NewFromString(childText(el, path))
	if err != nil {
		return decimal.Zero
	}
	return v
}

func parseDate(s string) (time.Time, error) {
	formats := []string{
		dateLayout,
		"2006-01-02T15:04:05",
		time.RFC3339,
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
