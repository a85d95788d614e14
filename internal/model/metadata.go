package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Metadata keys the core logic depends on. Every other key in ProviderMetadata
// is vendor diagnostics and passes through untouched.
const (
	MetaExpenseID      = "expense_id"
	MetaTransmissionID = "transmission_id"
	MetaErrorMessage   = "error_message"
	MetaClarifications = "clarifications"
	MetaResponseStatus = "response_status"
	MetaResponseNote   = "response_note"
	MetaRespondedBy    = "responded_by"
	MetaEffectiveDate  = "effective_date"
	MetaLocalInvoiceID = "local_invoice_id"
	MetaSender         = "sender"
	MetaReceiver       = "receiver"
	MetaVendorStatus   = "vendor_status"
)

// Clarification types defined by the PEPPOL invoice response
const (
	ClarificationReason = "OPStatusReason"
	ClarificationAction = "OPStatusAction"
)

// Clarification explains an acceptance or rejection decision
type Clarification struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WellFormed reports whether type, code and message are all present
func (c Clarification) WellFormed() bool {
	return strings.TrimSpace(c.Type) != "" &&
		strings.TrimSpace(c.Code) != "" &&
		strings.TrimSpace(c.Message) != ""
}

// FilterClarifications keeps only well-formed entries; malformed ones are dropped
func FilterClarifications(in []Clarification) []Clarification {
	out := make([]Clarification, 0, len(in))
	for _, c := range in {
		if c.WellFormed() {
			out = append(out, c)
		}
	}
	return out
}

func (d *PeppolDocument) meta() datatypes.JSONMap {
	if d.ProviderMetadata == nil {
		d.ProviderMetadata = datatypes.JSONMap{}
	}
	return d.ProviderMetadata
}

// MergeMetadata copies vendor diagnostics into the metadata bag
func (d *PeppolDocument) MergeMetadata(values map[string]interface{}) {
	m := d.meta()
	for k, v := range values {
		m[k] = v
	}
}

// MetaString returns a metadata value rendered as a string
func (d *PeppolDocument) MetaString(key string) string {
	v, ok := d.ProviderMetadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func (d *PeppolDocument) metaUint(key string) (uint, bool) {
	v, ok := d.ProviderMetadata[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case uint:
		return t, t > 0
	case int:
		return uint(t), t > 0
	case int64:
		return uint(t), t > 0
	case float64:
		return uint(t), t > 0
	case json.Number:
		n, err := t.Int64()
		return uint(n), err == nil && n > 0
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		return uint(n), err == nil && n > 0
	}
	return 0, false
}

// ExpenseID returns the id of the expense created from this document
func (d *PeppolDocument) ExpenseID() (uint, bool) {
	return d.metaUint(MetaExpenseID)
}

// SetExpenseID records the materialized expense
func (d *PeppolDocument) SetExpenseID(id uint) {
	d.meta()[MetaExpenseID] = id
}

// LocalInvoiceID returns the id of the ledger document imported from this inbound document
func (d *PeppolDocument) LocalInvoiceID() (uint, bool) {
	return d.metaUint(MetaLocalInvoiceID)
}

// SetLocalInvoiceID records the imported ledger document
func (d *PeppolDocument) SetLocalInvoiceID(id uint) {
	d.meta()[MetaLocalInvoiceID] = id
}

// TransmissionID returns the vendor transmission id when it differs from the document id
func (d *PeppolDocument) TransmissionID() string {
	return d.MetaString(MetaTransmissionID)
}

// SetTransmissionID stores the vendor transmission id
func (d *PeppolDocument) SetTransmissionID(id string) {
	if id == "" {
		return
	}
	d.meta()[MetaTransmissionID] = id
}

// ErrorMessage returns the last recorded failure message
func (d *PeppolDocument) ErrorMessage() string {
	return d.MetaString(MetaErrorMessage)
}

// SetErrorMessage records a failure message
func (d *PeppolDocument) SetErrorMessage(msg string) {
	d.meta()[MetaErrorMessage] = msg
}

// ClearErrorMessage removes a previously recorded failure
func (d *PeppolDocument) ClearErrorMessage() {
	delete(d.meta(), MetaErrorMessage)
}

// Clarifications returns the clarifications attached to the last response
func (d *PeppolDocument) Clarifications() []Clarification {
	v, ok := d.ProviderMetadata[MetaClarifications]
	if !ok || v == nil {
		return nil
	}
	if typed, ok := v.([]Clarification); ok {
		return typed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []Clarification
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return FilterClarifications(out)
}

// ResponseStatus returns the response code last sent for this document
func (d *PeppolDocument) ResponseStatus() ResponseCode {
	return ResponseCode(d.MetaString(MetaResponseStatus))
}

// Response captures a business response recorded against a received document
type Response struct {
	Code           ResponseCode
	Note           string
	Clarifications []Clarification
	StaffID        uint
	EffectiveDate  time.Time
}

// SetResponse merges the response fields into metadata
func (d *PeppolDocument) SetResponse(r Response) {
	m := d.meta()
	m[MetaResponseStatus] = string(r.Code)
	m[MetaRespondedBy] = r.StaffID
	m[MetaEffectiveDate] = r.EffectiveDate.UTC().Format(time.RFC3339)
	if r.Note != "" {
		m[MetaResponseNote] = r.Note
	}
	if len(r.Clarifications) > 0 {
		m[MetaClarifications] = r.Clarifications
	}
}
