package ubl

import (
	"bytes"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/rezonia/peppol-connector/internal/model"
)

// MimePDF is the mime code of PDF renditions
const MimePDF = "application/pdf"

var disableConfigDir sync.Once

// IsPDF reports whether the attachment claims to be a PDF
func (a Attachment) IsPDF() bool {
	return a.MimeType == MimePDF || bytes.HasPrefix(a.Content, []byte("%PDF-"))
}

// ValidatePDF checks the attachment is a structurally valid PDF
func (a Attachment) ValidatePDF() error {
	disableConfigDir.Do(api.DisableConfigDir)

	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(a.Content), conf); err != nil {
		return model.NewParseError("pdf", a.ID, "invalid PDF attachment", err)
	}
	return nil
}

// PageCount returns the number of pages of a PDF attachment
func (a Attachment) PageCount() (int, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	n, err := api.PageCount(bytes.NewReader(a.Content), pdfmodel.NewDefaultConfiguration())
	if err != nil {
		return 0, model.NewParseError("pdf", a.ID, "failed to read page count", err)
	}
	return n, nil
}

// ValidateAttachments validates every PDF attachment and returns one error per invalid file
func ValidateAttachments(doc *Document) []error {
	var errs []error
	for _, a := range doc.Attachments {
		if !a.IsPDF() {
			continue
		}
		if err := a.ValidatePDF(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
