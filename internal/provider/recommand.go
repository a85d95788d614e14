package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/signature"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

// RecommandKey is the registry key of the Recommand access point
const RecommandKey = "recommand"

// Recommand settings
const (
	RecommandAPIKey    = "api_key"
	RecommandAPISecret = "api_secret"
	RecommandCompanyID = "company_id"
)

const (
	recommandSignatureHeader = "X-Recommand-Signature"
	recommandSignaturePrefix = "sha256="
)

var recommandStatuses = map[string]model.Status{
	"PENDING":      model.StatusSent,
	"QUEUED":       model.StatusSent,
	"SENT":         model.StatusSent,
	"DELIVERED":    model.StatusDelivered,
	"FAILED":       model.StatusFailed,
	"ERROR":        model.StatusFailed,
	"REJECTED":     model.StatusRejected,
	"RE":           model.StatusRejected,
	"ACKNOWLEDGED": model.StatusAcknowledged,
	"AB":           model.StatusAcknowledged,
	"IP":           model.StatusAcknowledged,
	"UQ":           model.StatusAcknowledged,
	"ACCEPTED":     model.StatusProcessed,
	"CA":           model.StatusProcessed,
	"AP":           model.StatusProcessed,
	"PD":           model.StatusProcessed,
	"PAID":         model.StatusProcessed,
	"RECEIVED":     model.StatusReceived,
}

// RecommandDescriptor returns the registration record of the Recommand provider
func RecommandDescriptor() Descriptor {
	return Descriptor{
		Name:    "Recommand",
		Factory: NewRecommand,
		ConfigFields: []string{
			RecommandAPIKey, RecommandAPISecret, RecommandCompanyID,
			SettingEnvironment, SettingBaseURL, SettingTimeout, SettingWebhookSecret,
		},
		RequiredFields: []string{RecommandAPIKey, RecommandAPISecret, RecommandCompanyID},
		Endpoints: map[string]string{
			EnvSandbox: "https://sandbox.recommand.eu",
			EnvLive:    "https://peppol.recommand.eu",
		},
		Features: []string{
			FeatureSend, FeatureReceive, FeatureDeliveryStatus,
			FeatureUBLRetrieval, FeatureDocumentResponses,
		},
		DocumentTypes:  []model.DocumentType{model.DocumentTypeInvoice, model.DocumentTypeCreditNote},
		Webhook:        WebhookDescriptor{ContentType: "application/json", SignatureHeader: recommandSignatureHeader},
		Authentication: AuthAPIKey,
	}
}

// Recommand sends a simplified JSON document converted from the UBL and
// authenticates with an API key and secret.
type Recommand struct {
	cfg      Config
	client   *apiClient
	company  string
	verifier signature.Verifier
	logger   *slog.Logger
}

var (
	_ Provider          = (*Recommand)(nil)
	_ UBLRetriever      = (*Recommand)(nil)
	_ DocumentResponder = (*Recommand)(nil)
)

// NewRecommand creates the provider
func NewRecommand(cfg Config) (Provider, error) {
	for _, f := range []string{RecommandAPIKey, RecommandAPISecret, RecommandCompanyID} {
		if cfg.Settings.Get(f) == "" {
			return nil, model.NewConfigurationError(keyOr(cfg.Key, RecommandKey), f, "value is required")
		}
	}
	r := &Recommand{
		cfg:      cfg,
		client:   newAPIClient(cfg),
		company:  cfg.Settings.Get(RecommandCompanyID),
		logger:   cfg.logger(),
		verifier: signature.NoopVerifier{},
	}
	if secret := cfg.Settings.Get(SettingWebhookSecret); secret != "" {
		r.verifier = signature.NewHMACVerifier(secret, recommandSignatureHeader, signature.WithPrefix(recommandSignaturePrefix))
	}
	return r, nil
}

// ID returns the registry key
func (r *Recommand) ID() string {
	return keyOr(r.cfg.Key, RecommandKey)
}

// NormalizeStatus maps Recommand statuses onto canonical ones
func (r *Recommand) NormalizeStatus(vendor string) model.Status {
	return normalize(recommandStatuses, vendor)
}

func (r *Recommand) authorize(req *http.Request) {
	req.Header.Set("X-API-Key", r.cfg.Settings.Get(RecommandAPIKey))
	req.Header.Set("X-API-Secret", r.cfg.Settings.Get(RecommandAPISecret))
}

func (r *Recommand) request(ctx context.Context, method, path string, payload interface{}, operation string) (*apiResponse, error) {
	req, err := r.client.newJSONRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	r.authorize(req)
	resp, err := r.client.do(req, operation)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, model.NewAuthenticationError(r.ID(), fmt.Sprintf("API key rejected (HTTP %d)", resp.StatusCode), nil)
	}
	return resp, nil
}

func (r *Recommand) companyPath(suffix string) string {
	return "/api/peppol/" + url.PathEscape(r.company) + suffix
}

// recommandParty is the simplified party schema
type recommandParty struct {
	Name        string `json:"name"`
	VATNumber   string `json:"vatNumber,omitempty"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	PostalZone  string `json:"postalZone,omitempty"`
	CountryCode string `json:"country"`
}

type recommandVAT struct {
	Category   string `json:"category"`
	Percentage string `json:"percentage"`
}

type recommandLine struct {
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Quantity       string       `json:"quantity"`
	UnitCode       string       `json:"unitCode,omitempty"`
	NetPriceAmount string       `json:"netPriceAmount"`
	NetAmount      string       `json:"netAmount"`
	VAT            recommandVAT `json:"vat"`
}

type recommandTotals struct {
	TaxExclusiveAmount string `json:"taxExclusiveAmount"`
	TaxInclusiveAmount string `json:"taxInclusiveAmount"`
	PayableAmount      string `json:"payableAmount"`
}

type recommandDocument struct {
	InvoiceNumber    string          `json:"invoiceNumber,omitempty"`
	CreditNoteNumber string          `json:"creditNoteNumber,omitempty"`
	IssueDate        string          `json:"issueDate"`
	DueDate          string          `json:"dueDate,omitempty"`
	Currency         string          `json:"currency"`
	BuyerReference   string          `json:"buyerReference,omitempty"`
	InvoiceReference string          `json:"invoiceReference,omitempty"`
	Note             string          `json:"note,omitempty"`
	Seller           recommandParty  `json:"seller"`
	Buyer            recommandParty  `json:"buyer"`
	Lines            []recommandLine `json:"lines"`
	Totals           recommandTotals `json:"totals"`
}

type recommandSendRequest struct {
	Recipient    string            `json:"recipient"`
	DocumentType string            `json:"documentType"`
	Document     recommandDocument `json:"document"`
}

// convertToRecommand maps a UBL document onto the simplified Recommand schema
func convertToRecommand(doc *ubl.Document) recommandSendRequest {
	d := recommandDocument{
		IssueDate:      doc.IssueDate.Format("2006-01-02"),
		Currency:       doc.Currency,
		BuyerReference: doc.BuyerReference,
		Note:           doc.Note,
		Seller:         toRecommandParty(doc.Supplier),
		Buyer:          toRecommandParty(doc.Customer),
		Totals: recommandTotals{
			TaxExclusiveAmount: dec.Format(doc.TaxExclusiveAmount),
			TaxInclusiveAmount: dec.Format(doc.TaxInclusiveAmount),
			PayableAmount:      dec.Format(doc.Total()),
		},
	}
	docType := "invoice"
	if doc.IsCreditNote() {
		docType = "creditNote"
		d.CreditNoteNumber = doc.Number
		d.InvoiceReference = doc.BillingReference
	} else {
		d.InvoiceNumber = doc.Number
		if doc.DueDate != nil {
			d.DueDate = doc.DueDate.Format("2006-01-02")
		}
	}
	for _, l := range doc.Lines {
		d.Lines = append(d.Lines, recommandLine{
			Name:           l.Name,
			Description:    l.Description,
			Quantity:       l.Quantity.String(),
			UnitCode:       l.UnitCode,
			NetPriceAmount: dec.Format(l.UnitPrice),
			NetAmount:      dec.Format(l.LineTotal),
			VAT: recommandVAT{
				Category:   l.TaxCategory,
				Percentage: percentString(l.TaxPercent),
			},
		})
	}
	return recommandSendRequest{
		Recipient:    doc.Customer.EndpointID.String(),
		DocumentType: docType,
		Document:     d,
	}
}

func toRecommandParty(p ubl.Party) recommandParty {
	return recommandParty{
		Name:        p.Name,
		VATNumber:   p.VATNumber,
		Street:      p.Street,
		City:        p.City,
		PostalZone:  p.PostalCode,
		CountryCode: p.CountryCode,
	}
}

func percentString(d decimal.Decimal) string {
	return d.Round(2).String()
}

type recommandSendResponse struct {
	Success bool            `json:"success"`
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// Send converts the UBL into the simplified schema and submits it
func (r *Recommand) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	doc, err := ubl.Parse(req.UBL)
	if err != nil {
		return &SendResult{Success: false, Message: fmt.Sprintf("cannot convert UBL: %v", err)}, nil
	}

	payload := convertToRecommand(doc)
	if req.Receiver.Identifier != "" {
		payload.Recipient = req.Receiver.Identifier
	}

	resp, err := r.request(ctx, http.MethodPost, r.companyPath("/send"), payload, "send")
	if err != nil {
		return nil, err
	}

	var out recommandSendResponse
	decodeErr := resp.decode(&out)
	if !resp.OK() || !out.Success {
		msg := resp.vendorMessage()
		if resp.OK() && decodeErr != nil {
			msg = "unreadable send response"
		}
		return &SendResult{Success: false, StatusCode: resp.StatusCode, Message: msg, RawResponse: resp.rawMap()}, nil
	}
	return &SendResult{
		Success:        true,
		DocumentID:     out.ID,
		TransmissionID: out.ID,
		Message:        "document submitted",
		StatusCode:     resp.StatusCode,
		RawResponse:    resp.rawMap(),
	}, nil
}

// TestConnection verifies the API key against the chosen environment
func (r *Recommand) TestConnection(ctx context.Context, environment string) (*ConnectionResult, error) {
	baseURL := r.cfg.BaseURL(environment)
	if baseURL == "" {
		return &ConnectionResult{Success: false, Message: fmt.Sprintf("unknown environment %q", environment)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/auth/verify", nil)
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, nil
	}
	r.authorize(req)
	resp, err := r.client.do(req, "test_connection")
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, nil
	}
	if !resp.OK() {
		return &ConnectionResult{Success: false, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.vendorMessage())}, nil
	}
	return &ConnectionResult{Success: true, Message: "authenticated with Recommand"}, nil
}

type recommandStatusResponse struct {
	Success  bool `json:"success"`
	Document struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		DeliveredAt string `json:"deliveredAt"`
		Message     string `json:"message"`
	} `json:"document"`
}

// GetDeliveryStatus polls a sent document
func (r *Recommand) GetDeliveryStatus(ctx context.Context, providerDocumentID string) (*StatusResult, error) {
	resp, err := r.request(ctx, http.MethodGet, r.companyPath("/documents/"+url.PathEscape(providerDocumentID)), nil, "status")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return &StatusResult{Success: false, Message: resp.vendorMessage()}, nil
	}
	var out recommandStatusResponse
	if err := resp.decode(&out); err != nil {
		return &StatusResult{Success: false, Message: "unreadable status response"}, nil
	}
	return &StatusResult{
		Success:     true,
		Status:      r.NormalizeStatus(out.Document.Status),
		RawStatus:   out.Document.Status,
		DeliveredAt: parseTime(out.Document.DeliveredAt),
		Message:     out.Document.Message,
	}, nil
}

type recommandEvent struct {
	EventType    string `json:"eventType"`
	DocumentID   string `json:"documentId"`
	DocumentType string `json:"documentType"`
	CompanyID    string `json:"companyId"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	XML          string `json:"xml"`
}

// HandleWebhook verifies the sha256= signature and parses a JSON event
func (r *Recommand) HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookOutcome, error) {
	if _, err := r.verifier.Verify(ctx, req.Body, req.Headers); err != nil {
		return nil, err
	}

	var evt recommandEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, model.NewParseError(r.ID(), "body", "invalid webhook JSON", err)
	}
	if evt.CompanyID != "" && evt.CompanyID != r.company {
		r.logger.Warn("ignoring webhook for another company", "company_id", evt.CompanyID)
		return nil, nil
	}
	if evt.DocumentID == "" {
		return nil, model.NewParseError(r.ID(), "documentId", "event without document id", nil)
	}

	switch evt.EventType {
	case "document.received":
		out := &DocumentReceived{
			DocumentID:   evt.DocumentID,
			DocumentType: documentTypeOrDefault(evt.DocumentType),
			Sender:       evt.Sender,
			Receiver:     evt.Receiver,
			Metadata:     map[string]interface{}{"company_id": r.company},
		}
		if evt.XML != "" {
			out.Content = []byte(evt.XML)
		}
		return out, nil
	case "document.status_changed", "document.response_received":
		return &StatusUpdate{
			TransmissionID: evt.DocumentID,
			Status:         r.NormalizeStatus(evt.Status),
			RawStatus:      evt.Status,
			Message:        evt.Message,
		}, nil
	}

	r.logger.Debug("ignoring webhook event", "event_type", evt.EventType)
	return nil, nil
}

// GetDocumentUBL downloads the UBL of a received document
func (r *Recommand) GetDocumentUBL(ctx context.Context, providerDocumentID string) ([]byte, error) {
	req, err := r.client.newRequest(ctx, http.MethodGet, r.companyPath("/documents/"+url.PathEscape(providerDocumentID)+"/xml"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")
	r.authorize(req)

	resp, err := r.client.do(req, "get_ubl")
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewNotFoundError("document", providerDocumentID)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, model.NewAuthenticationError(r.ID(), "API key rejected", nil)
	case !resp.OK():
		return nil, model.NewVendorRejectedError(r.ID(), resp.StatusCode, resp.vendorMessage())
	}
	return resp.Body, nil
}

type recommandResponseRequest struct {
	Status         string                `json:"status"`
	Note           string                `json:"note,omitempty"`
	EffectiveDate  string                `json:"effectiveDate"`
	Clarifications []model.Clarification `json:"clarifications,omitempty"`
}

// SendDocumentResponse transmits an invoice response
func (r *Recommand) SendDocumentResponse(ctx context.Context, resp DocumentResponse) (*SendResult, error) {
	payload := recommandResponseRequest{
		Status:         string(resp.Code),
		Note:           resp.Note,
		EffectiveDate:  resp.EffectiveDate.UTC().Format("2006-01-02"),
		Clarifications: resp.Clarifications,
	}
	out, err := r.request(ctx, http.MethodPost, r.companyPath("/documents/"+url.PathEscape(resp.ProviderDocumentID)+"/response"), payload, "respond")
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return &SendResult{Success: false, StatusCode: out.StatusCode, Message: out.vendorMessage(), RawResponse: out.rawMap()}, nil
	}
	var body recommandSendResponse
	_ = out.decode(&body)
	return &SendResult{
		Success:     true,
		DocumentID:  body.ID,
		Message:     "response submitted",
		StatusCode:  out.StatusCode,
		RawResponse: out.rawMap(),
	}, nil
}
