package provider_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/signature"
)

const ademicoSecret = "whsec-test"

type ademicoServer struct {
	*httptest.Server
	tokenCalls int32
	// reject401 is the number of API calls answered with 401 before succeeding
	reject401 int32
	mux       *http.ServeMux
}

func newAdemicoServer(t *testing.T) *ademicoServer {
	t.Helper()
	s := &ademicoServer{mux: http.NewServeMux()}
	s.mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		n := atomic.AddInt32(&s.tokenCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" && atomic.AddInt32(&s.reject401, -1) >= 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func newAdemico(t *testing.T, baseURL string, extra provider.Settings) provider.Provider {
	t.Helper()
	settings := provider.Settings{
		provider.AdemicoClientID:      "client",
		provider.AdemicoClientSecret:  "secret",
		provider.AdemicoLegalEntityID: "42",
		provider.SettingBaseURL:       baseURL,
		provider.SettingWebhookSecret: ademicoSecret,
	}
	for k, v := range extra {
		settings[k] = v
	}
	p, err := provider.NewAdemico(provider.Config{
		Key:       provider.AdemicoKey,
		Settings:  settings,
		Endpoints: provider.AdemicoDescriptor().Endpoints,
	})
	require.NoError(t, err)
	return p
}

func TestNewAdemico_RequiresCredentials(t *testing.T) {
	_, err := provider.NewAdemico(provider.Config{Settings: provider.Settings{provider.AdemicoClientID: "x"}})
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, provider.AdemicoClientSecret, cfgErr.Field)
}

func TestAdemico_Send(t *testing.T) {
	srv := newAdemicoServer(t)
	var got map[string]string
	srv.mux.HandleFunc("/api/peppol/v1/documents/send", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"documentId":"doc-1","transmissionId":"tx-1","status":"QUEUED"}`))
	})

	p := newAdemico(t, srv.URL, nil)
	req := sampleSendRequest(t)
	res, err := p.Send(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Equal(t, "tx-1", res.TransmissionID)
	assert.Equal(t, "invoice", got["documentType"])
	assert.Equal(t, "42", got["legalEntityId"])
	assert.Equal(t, "0208:0987654321", got["receiver"])
	decoded, err := base64.StdEncoding.DecodeString(got["document"])
	require.NoError(t, err)
	assert.Equal(t, req.UBL, decoded)
}

func TestAdemico_SendVendorRejection(t *testing.T) {
	srv := newAdemicoServer(t)
	srv.mux.HandleFunc("/api/peppol/v1/documents/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"receiver not registered"}`))
	})

	res, err := newAdemico(t, srv.URL, nil).Send(context.Background(), sampleSendRequest(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "receiver not registered", res.Message)
}

func TestAdemico_RefreshesTokenOn401(t *testing.T) {
	srv := newAdemicoServer(t)
	srv.mux.HandleFunc("/api/peppol/v1/documents/doc-1/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"documentId":"doc-1","status":"DELIVERED","deliveredAt":"2026-03-02T08:00:00Z"}`))
	})
	atomic.StoreInt32(&srv.reject401, 1)

	res, err := newAdemico(t, srv.URL, nil).GetDeliveryStatus(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.StatusDelivered, res.Status)
	require.NotNil(t, res.DeliveredAt)
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.tokenCalls))
}

func TestAdemico_PersistentUnauthorized(t *testing.T) {
	srv := newAdemicoServer(t)
	atomic.StoreInt32(&srv.reject401, 10)

	_, err := newAdemico(t, srv.URL, nil).GetDeliveryStatus(context.Background(), "doc-1")
	var authErr *model.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, model.IsRetryable(err))
}

func TestAdemico_TokenRejected(t *testing.T) {
	srv := newAdemicoServer(t)
	p := newAdemico(t, srv.URL, provider.Settings{provider.AdemicoClientSecret: "wrong"})

	_, err := p.Send(context.Background(), sampleSendRequest(t))
	var authErr *model.AuthenticationError
	require.ErrorAs(t, err, &authErr)

	conn, err := p.TestConnection(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, conn.Success)
}

func TestAdemico_TransportFailureIsRetryable(t *testing.T) {
	srv := newAdemicoServer(t)
	url := srv.URL
	srv.Close()

	_, err := newAdemico(t, url, nil).Send(context.Background(), sampleSendRequest(t))
	require.Error(t, err)
	var tErr *model.TransportError
	assert.ErrorAs(t, err, &tErr)
	assert.True(t, model.IsRetryable(err))
}

func TestAdemico_TestConnection(t *testing.T) {
	srv := newAdemicoServer(t)
	p := newAdemico(t, srv.URL, nil)

	res, err := p.TestConnection(context.Background(), provider.EnvSandbox)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = p.TestConnection(context.Background(), provider.EnvSandbox)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.tokenCalls), "each check forces a new token")
}

func ademicoWebhook(t *testing.T, evt map[string]interface{}) provider.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return provider.WebhookRequest{
		Body:    body,
		Headers: signedHeaders("X-Ademico-Signature", signature.SignHex(ademicoSecret, body)),
	}
}

func TestAdemico_WebhookDocumentReceived(t *testing.T) {
	p := newAdemico(t, "http://unused", nil)
	content := sampleUBL(t, model.DocumentTypeInvoice)

	out, err := p.HandleWebhook(context.Background(), ademicoWebhook(t, map[string]interface{}{
		"eventId":      "evt-1",
		"eventType":    "document.received",
		"documentId":   "in-1",
		"documentType": "INVOICE",
		"sender":       "0208:0123456789",
		"receiver":     "0208:0987654321",
		"document":     base64.StdEncoding.EncodeToString(content),
	}))
	require.NoError(t, err)

	rec, ok := out.(*provider.DocumentReceived)
	require.True(t, ok)
	assert.Equal(t, "in-1", rec.DocumentID)
	assert.Equal(t, model.DocumentTypeInvoice, rec.DocumentType)
	assert.Equal(t, content, rec.Content)
	assert.Equal(t, "evt-1", rec.Metadata["event_id"])
}

func TestAdemico_WebhookResponseEvent(t *testing.T) {
	p := newAdemico(t, "http://unused", nil)

	out, err := p.HandleWebhook(context.Background(), ademicoWebhook(t, map[string]interface{}{
		"eventType":    "document.response",
		"documentId":   "doc-1",
		"responseCode": "RE",
		"message":      "wrong order reference",
		"clarifications": []map[string]string{
			{"type": model.ClarificationReason, "code": "REF", "message": "unknown order"},
			{"type": "bogus", "code": "X"},
		},
	}))
	require.NoError(t, err)

	upd, ok := out.(*provider.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, "doc-1", upd.TransmissionID)
	assert.Equal(t, model.StatusRejected, upd.Status)
	assert.Equal(t, "RE", upd.Metadata[model.MetaResponseStatus])
	cl, ok := upd.Metadata[model.MetaClarifications].([]model.Clarification)
	require.True(t, ok)
	require.Len(t, cl, 1)
	assert.Equal(t, "REF", cl[0].Code)
}

func TestAdemico_WebhookSignature(t *testing.T) {
	p := newAdemico(t, "http://unused", nil)
	body := []byte(`{"eventType":"document.status","documentId":"doc-1","status":"DELIVERED"}`)

	tests := []struct {
		name    string
		headers http.Header
		code    string
	}{
		{"missing", http.Header{}, signature.ErrCodeNoSignature},
		{"wrong secret", signedHeaders("X-Ademico-Signature", signature.SignHex("other", body)), signature.ErrCodeInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: body, Headers: tt.headers})
			var sigErr *signature.SignatureError
			require.True(t, errors.As(err, &sigErr), "got %v", err)
			assert.Equal(t, tt.code, sigErr.Code)
		})
	}
}

func TestAdemico_WebhookIgnoredEvent(t *testing.T) {
	p := newAdemico(t, "http://unused", nil)
	out, err := p.HandleWebhook(context.Background(), ademicoWebhook(t, map[string]interface{}{
		"eventType": "account.updated",
	}))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestAdemico_PollNotifications(t *testing.T) {
	srv := newAdemicoServer(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	srv.mux.HandleFunc("/api/peppol/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-03-01T00:00:00Z", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"notifications":[
			{"eventType":"document.status","documentId":"doc-1","status":"delivered"},
			{"eventType":"document.received"},
			{"eventType":"document.received","documentId":"in-9"},
			{"eventType":"noise"}
		]}`))
	})

	poller, ok := newAdemico(t, srv.URL, nil).(provider.NotificationPoller)
	require.True(t, ok)
	outcomes, err := poller.PollNotifications(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	upd := outcomes[0].(*provider.StatusUpdate)
	assert.Equal(t, model.StatusDelivered, upd.Status)
	rec := outcomes[1].(*provider.DocumentReceived)
	assert.Equal(t, "in-9", rec.DocumentID)
	assert.Empty(t, rec.Content)
}

func TestAdemico_LegalEntities(t *testing.T) {
	srv := newAdemicoServer(t)
	srv.mux.HandleFunc("/api/peppol/v1/legal-entities", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"items":[{"id":"1","name":"Rezonia BV","peppolIdentifier":"0208:0123456789"}]}`))
		case http.MethodPost:
			var in map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			in["id"] = "2"
			_ = json.NewEncoder(w).Encode(in)
		}
	})
	srv.mux.HandleFunc("/api/peppol/v1/legal-entities/404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	mgr, ok := newAdemico(t, srv.URL, nil).(provider.LegalEntityManager)
	require.True(t, ok)
	ctx := context.Background()

	list, err := mgr.ListLegalEntities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0208:0123456789", list[0].Identifier)

	created, err := mgr.CreateLegalEntity(ctx, provider.LegalEntity{Name: "New", Identifier: "0208:1111111111"})
	require.NoError(t, err)
	assert.Equal(t, "2", created.ID)

	_, err = mgr.CreateLegalEntity(ctx, provider.LegalEntity{Name: "No id"})
	assert.ErrorIs(t, err, model.ErrMissingIdentifier)

	_, err = mgr.GetLegalEntity(ctx, "404")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdemico_DocumentResponse(t *testing.T) {
	srv := newAdemicoServer(t)
	var got map[string]interface{}
	srv.mux.HandleFunc("/api/peppol/v1/documents/in-1/response", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"documentId":"resp-1"}`))
	})

	responder := newAdemico(t, srv.URL, nil).(provider.DocumentResponder)
	res, err := responder.SendDocumentResponse(context.Background(), provider.DocumentResponse{
		ProviderDocumentID: "in-1",
		Code:               model.ResponseAccepted,
		EffectiveDate:      time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "AP", got["responseCode"])
	assert.Equal(t, "2026-03-05", got["effectiveDate"])
}
