package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/signature"
	sigxml "github.com/rezonia/peppol-connector/internal/signature/xml"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

// Unit4Key is the registry key of the Unit4 access point
const Unit4Key = "unit4"

// Unit4 settings
const (
	Unit4Username           = "username"
	Unit4Password           = "password"
	Unit4WebhookCertificate = "webhook_certificate"
)

const unit4MessageIDHeader = "X-Unit4-Message-Id"

var unit4Statuses = map[string]model.Status{
	"ACCEPTED":               model.StatusSent,
	"QUEUED":                 model.StatusSent,
	"IN_PROGRESS":            model.StatusSent,
	"SENT":                   model.StatusSent,
	"DELIVERED":              model.StatusDelivered,
	"ERROR":                  model.StatusFailed,
	"FAILED":                 model.StatusFailed,
	"NOT_DELIVERED":          model.StatusFailed,
	"REJECTED":               model.StatusRejected,
	"ACKNOWLEDGED":           model.StatusAcknowledged,
	"IN_PROCESS":             model.StatusAcknowledged,
	"UNDER_QUERY":            model.StatusAcknowledged,
	"APPROVED":               model.StatusProcessed,
	"ACCEPTED_BY_RECEIVER":   model.StatusProcessed,
	"CONDITIONALLY_ACCEPTED": model.StatusProcessed,
	"PAID":                   model.StatusProcessed,
	"RECEIVED":               model.StatusReceived,
}

// Unit4Descriptor returns the registration record of the Unit4 provider
func Unit4Descriptor() Descriptor {
	return Descriptor{
		Name:    "Unit4 Access Point",
		Factory: NewUnit4,
		ConfigFields: []string{
			Unit4Username, Unit4Password, Unit4WebhookCertificate,
			SettingEnvironment, SettingBaseURL, SettingTimeout,
		},
		RequiredFields: []string{Unit4Username, Unit4Password},
		Endpoints: map[string]string{
			EnvSandbox: "https://test-ap.unit4.com",
			EnvLive:    "https://ap.unit4.com",
		},
		Features:       []string{FeatureSend, FeatureReceive, FeatureDeliveryStatus, FeatureUBLRetrieval},
		DocumentTypes:  []model.DocumentType{model.DocumentTypeInvoice, model.DocumentTypeCreditNote},
		Webhook:        WebhookDescriptor{ContentType: "application/xml", SignatureHeader: ""},
		Authentication: AuthBasic,
	}
}

// Unit4 uploads UBL as a multipart file with HTTP Basic auth and receives raw
// XML webhooks, optionally XMLDSig-signed.
type Unit4 struct {
	cfg      Config
	client   *apiClient
	verifier signature.Verifier
	logger   *slog.Logger
}

var (
	_ Provider     = (*Unit4)(nil)
	_ UBLRetriever = (*Unit4)(nil)
)

// NewUnit4 creates the provider
func NewUnit4(cfg Config) (Provider, error) {
	if cfg.Settings.Get(Unit4Username) == "" || cfg.Settings.Get(Unit4Password) == "" {
		return nil, model.NewConfigurationError(keyOr(cfg.Key, Unit4Key), Unit4Username, "username and password are required")
	}

	u := &Unit4{
		cfg:      cfg,
		client:   newAPIClient(cfg),
		logger:   cfg.logger(),
		verifier: signature.NoopVerifier{},
	}
	if pemData := cfg.Settings.Get(Unit4WebhookCertificate); pemData != "" {
		cert, err := sigxml.ParseCertificatePEM([]byte(pemData))
		if err != nil {
			return nil, model.NewConfigurationError(keyOr(cfg.Key, Unit4Key), Unit4WebhookCertificate, fmt.Sprintf("invalid certificate: %v", err))
		}
		u.verifier = sigxml.NewXMLVerifier([]*x509.Certificate{cert})
	}
	return u, nil
}

// ID returns the registry key
func (u *Unit4) ID() string {
	return keyOr(u.cfg.Key, Unit4Key)
}

// NormalizeStatus maps Unit4 statuses onto canonical ones
func (u *Unit4) NormalizeStatus(vendor string) model.Status {
	return normalize(unit4Statuses, vendor)
}

func (u *Unit4) authorize(req *http.Request) {
	req.SetBasicAuth(u.cfg.Settings.Get(Unit4Username), u.cfg.Settings.Get(Unit4Password))
}

type unit4SendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Send uploads the UBL file as multipart/form-data
func (u *Unit4) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"documentType": string(req.DocumentType),
		"sender":       req.Sender.Identifier,
		"receiver":     req.Receiver.Identifier,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write multipart field: %w", err)
		}
	}

	filename := req.Metadata.Number
	if filename == "" {
		filename = "document"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s.xml"`, sanitizeFilename(filename)))
	h.Set("Content-Type", "application/xml")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := part.Write(req.UBL); err != nil {
		return nil, fmt.Errorf("write multipart file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := u.client.newRequest(ctx, http.MethodPost, "/api/v1/outbound", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	u.authorize(httpReq)

	resp, err := u.client.do(httpReq, "send")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, model.NewAuthenticationError(u.ID(), fmt.Sprintf("credentials rejected (HTTP %d)", resp.StatusCode), nil)
	}
	if !resp.OK() {
		return &SendResult{Success: false, StatusCode: resp.StatusCode, Message: resp.vendorMessage(), RawResponse: resp.rawMap()}, nil
	}

	var out unit4SendResponse
	if err := resp.decode(&out); err != nil || out.MessageID == "" {
		return &SendResult{Success: false, StatusCode: resp.StatusCode, Message: "send response has no message id", RawResponse: resp.rawMap()}, nil
	}
	return &SendResult{
		Success:        true,
		DocumentID:     out.MessageID,
		TransmissionID: out.MessageID,
		Message:        "document uploaded",
		StatusCode:     resp.StatusCode,
		RawResponse:    resp.rawMap(),
	}, nil
}

// TestConnection calls the authenticated ping endpoint
func (u *Unit4) TestConnection(ctx context.Context, environment string) (*ConnectionResult, error) {
	baseURL := u.cfg.BaseURL(environment)
	if baseURL == "" {
		return &ConnectionResult{Success: false, Message: fmt.Sprintf("unknown environment %q", environment)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/ping", nil)
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, nil
	}
	u.authorize(req)

	resp, err := u.client.do(req, "test_connection")
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, nil
	}
	switch {
	case resp.OK():
		return &ConnectionResult{Success: true, Message: "authenticated with Unit4"}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ConnectionResult{Success: false, Message: "credentials rejected"}, nil
	default:
		return &ConnectionResult{Success: false, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.vendorMessage())}, nil
	}
}

type unit4StatusResponse struct {
	MessageID   string `json:"messageId"`
	Status      string `json:"status"`
	DeliveredAt string `json:"deliveredAt"`
	Reason      string `json:"reason"`
}

// GetDeliveryStatus polls an outbound message
func (u *Unit4) GetDeliveryStatus(ctx context.Context, providerDocumentID string) (*StatusResult, error) {
	req, err := u.client.newJSONRequest(ctx, http.MethodGet, "/api/v1/outbound/"+url.PathEscape(providerDocumentID), nil)
	if err != nil {
		return nil, err
	}
	u.authorize(req)

	resp, err := u.client.do(req, "status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, model.NewAuthenticationError(u.ID(), "credentials rejected", nil)
	}
	if !resp.OK() {
		return &StatusResult{Success: false, Message: resp.vendorMessage()}, nil
	}

	var out unit4StatusResponse
	if err := resp.decode(&out); err != nil {
		return &StatusResult{Success: false, Message: "unreadable status response"}, nil
	}
	return &StatusResult{
		Success:     true,
		Status:      u.NormalizeStatus(out.Status),
		RawStatus:   out.Status,
		DeliveredAt: parseTime(out.DeliveredAt),
		Message:     out.Reason,
	}, nil
}

// HandleWebhook accepts a raw UBL document or a <StatusNotification>
func (u *Unit4) HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookOutcome, error) {
	if _, err := u.verifier.Verify(ctx, req.Body, req.Headers); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(req.Body); err != nil {
		return nil, model.NewParseError(u.ID(), "body", "invalid webhook XML", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, model.NewParseError(u.ID(), "body", "empty webhook body", nil)
	}

	if root.Tag == "StatusNotification" {
		return u.statusNotification(root)
	}

	parsed, err := ubl.Parse(req.Body)
	if err != nil {
		var pErr *model.ParseError
		if errors.As(err, &pErr) && pErr.Field == "root" {
			u.logger.Debug("ignoring webhook with unknown root", "root", root.Tag)
			return nil, nil
		}
		return nil, err
	}

	id := strings.TrimSpace(req.Headers.Get(unit4MessageIDHeader))
	if id == "" {
		// Content-addressed id so a redelivered body deduplicates
		sum := sha256.Sum256(req.Body)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}

	return &DocumentReceived{
		DocumentID:   id,
		DocumentType: parsed.Type,
		Sender:       parsed.Supplier.EndpointID.String(),
		Receiver:     parsed.Customer.EndpointID.String(),
		Content:      req.Body,
		Metadata: map[string]interface{}{
			"document_number": parsed.Number,
			"currency":        parsed.Currency,
		},
	}, nil
}

func (u *Unit4) statusNotification(root *etree.Element) (WebhookOutcome, error) {
	get := func(tag string) string {
		if el := root.FindElement(tag); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}

	id := get("MessageID")
	if id == "" {
		id = get("TransmissionID")
	}
	if id == "" {
		return nil, model.NewParseError(u.ID(), "MessageID", "status notification without message id", nil)
	}

	raw := get("Status")
	meta := map[string]interface{}{}
	if ts := get("Timestamp"); ts != "" {
		meta["event_timestamp"] = ts
	}
	if code := get("ResponseCode"); code != "" {
		meta[model.MetaResponseStatus] = code
	}

	return &StatusUpdate{
		TransmissionID: id,
		Status:         u.NormalizeStatus(raw),
		RawStatus:      raw,
		Message:        get("Reason"),
		Metadata:       meta,
	}, nil
}

// GetDocumentUBL downloads an inbound document
func (u *Unit4) GetDocumentUBL(ctx context.Context, providerDocumentID string) ([]byte, error) {
	req, err := u.client.newRequest(ctx, http.MethodGet, "/api/v1/inbound/"+url.PathEscape(providerDocumentID)+"/document", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")
	u.authorize(req)

	resp, err := u.client.do(req, "get_ubl")
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewNotFoundError("document", providerDocumentID)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, model.NewAuthenticationError(u.ID(), "credentials rejected", nil)
	case !resp.OK():
		return nil, model.NewVendorRejectedError(u.ID(), resp.StatusCode, resp.vendorMessage())
	}
	return resp.Body, nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
