package provider_test

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/signature"
)

func newUnit4(t *testing.T, baseURL string, extra provider.Settings) provider.Provider {
	t.Helper()
	settings := provider.Settings{
		provider.Unit4Username:  "user",
		provider.Unit4Password:  "pass",
		provider.SettingBaseURL: baseURL,
	}
	for k, v := range extra {
		settings[k] = v
	}
	p, err := provider.NewUnit4(provider.Config{
		Key:       provider.Unit4Key,
		Settings:  settings,
		Endpoints: provider.Unit4Descriptor().Endpoints,
	})
	require.NoError(t, err)
	return p
}

func TestUnit4_SendMultipart(t *testing.T) {
	req := sampleSendRequest(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/outbound", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "invoice", r.FormValue("documentType"))
		assert.Equal(t, "0208:0987654321", r.FormValue("receiver"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "INV-2026-001.xml", header.Filename)
		assert.Equal(t, "application/xml", header.Header.Get("Content-Type"))
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, req.UBL, data)

		_, _ = w.Write([]byte(`{"messageId":"msg-1","status":"ACCEPTED"}`))
	}))
	defer srv.Close()

	res, err := newUnit4(t, srv.URL, nil).Send(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "msg-1", res.DocumentID)
}

func TestUnit4_SendErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
		wantMsg string
	}{
		{"unauthorized", http.StatusUnauthorized, ``, true, ""},
		{"rejected", http.StatusBadRequest, `{"message":"schematron failed"}`, false, "schematron failed"},
		{"no message id", http.StatusOK, `{}`, false, "send response has no message id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := newUnit4(t, srv.URL, nil).Send(context.Background(), sampleSendRequest(t))
			if tt.wantErr {
				var authErr *model.AuthenticationError
				require.ErrorAs(t, err, &authErr)
				return
			}
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantMsg, res.Message)
		})
	}
}

func TestUnit4_DeliveryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/outbound/msg-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"messageId": "msg-1", "status": "not_delivered", "reason": "unknown receiver"})
	}))
	defer srv.Close()

	res, err := newUnit4(t, srv.URL, nil).GetDeliveryStatus(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, "not_delivered", res.RawStatus)
	assert.Equal(t, "unknown receiver", res.Message)
}

func TestUnit4_TestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pass, _ := r.BasicAuth(); pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := newUnit4(t, srv.URL, nil).TestConnection(context.Background(), provider.EnvLive)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = newUnit4(t, srv.URL, provider.Settings{provider.Unit4Password: "bad"}).TestConnection(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "credentials rejected", res.Message)
}

func TestUnit4_WebhookDocument(t *testing.T) {
	p := newUnit4(t, "http://unused", nil)
	body := sampleUBL(t, model.DocumentTypeCreditNote)

	out, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{
		Body:    body,
		Headers: signedHeaders("X-Unit4-Message-Id", "in-77"),
	})
	require.NoError(t, err)
	rec, ok := out.(*provider.DocumentReceived)
	require.True(t, ok)
	assert.Equal(t, "in-77", rec.DocumentID)
	assert.Equal(t, model.DocumentTypeCreditNote, rec.DocumentType)
	assert.Equal(t, "0208:0123456789", rec.Sender)
	assert.Equal(t, body, rec.Content)

	// without a message id the same body always yields the same id
	first, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: body, Headers: http.Header{}})
	require.NoError(t, err)
	second, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: body, Headers: http.Header{}})
	require.NoError(t, err)
	id := first.(*provider.DocumentReceived).DocumentID
	assert.True(t, strings.HasPrefix(id, "sha256:"))
	assert.Equal(t, id, second.(*provider.DocumentReceived).DocumentID)
}

func TestUnit4_WebhookStatusNotification(t *testing.T) {
	p := newUnit4(t, "http://unused", nil)
	body := []byte(`<StatusNotification><MessageID>msg-1</MessageID><Status>Accepted by receiver</Status><ResponseCode>AP</ResponseCode><Reason>ok</Reason></StatusNotification>`)

	out, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: body, Headers: http.Header{}})
	require.NoError(t, err)
	upd, ok := out.(*provider.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, "msg-1", upd.TransmissionID)
	assert.Equal(t, model.StatusProcessed, upd.Status)
	assert.Equal(t, "AP", upd.Metadata[model.MetaResponseStatus])
}

func TestUnit4_WebhookMalformed(t *testing.T) {
	p := newUnit4(t, "http://unused", nil)

	out, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: []byte(`<Heartbeat/>`), Headers: http.Header{}})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: []byte(`not xml at all <`), Headers: http.Header{}})
	var parseErr *model.ParseError
	assert.ErrorAs(t, err, &parseErr)

	_, err = p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: []byte(`<StatusNotification><Status>SENT</Status></StatusNotification>`), Headers: http.Header{}})
	assert.ErrorAs(t, err, &parseErr)
}

func TestUnit4_WebhookXMLSignature(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	_, der, err := ks.GetKeyPair()
	require.NoError(t, err)
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	p := newUnit4(t, "http://unused", provider.Settings{provider.Unit4WebhookCertificate: certPEM})

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<StatusNotification ID="evt-9"><MessageID>msg-9</MessageID><Status>DELIVERED</Status></StatusNotification>`))
	signedEl, err := dsig.NewDefaultSigningContext(ks).SignEnveloped(doc.Root())
	require.NoError(t, err)
	out := etree.NewDocument()
	out.SetRoot(signedEl)
	signed, err := out.WriteToBytes()
	require.NoError(t, err)

	outcome, err := p.HandleWebhook(context.Background(), provider.WebhookRequest{Body: signed, Headers: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, outcome.(*provider.StatusUpdate).Status)

	_, err = p.HandleWebhook(context.Background(), provider.WebhookRequest{
		Body:    []byte(`<StatusNotification><MessageID>msg-9</MessageID><Status>DELIVERED</Status></StatusNotification>`),
		Headers: http.Header{},
	})
	var sigErr *signature.SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, signature.ErrCodeNoSignature, sigErr.Code)
}

func TestNewUnit4_InvalidCertificate(t *testing.T) {
	_, err := provider.NewUnit4(provider.Config{Settings: provider.Settings{
		provider.Unit4Username:           "u",
		provider.Unit4Password:           "p",
		provider.Unit4WebhookCertificate: "not a pem",
	}})
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, provider.Unit4WebhookCertificate, cfgErr.Field)
}

func TestUnit4_GetDocumentUBL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/inbound/in-1/document" {
			_, _ = w.Write([]byte(`<Invoice/>`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	retriever := newUnit4(t, srv.URL, nil).(provider.UBLRetriever)
	data, err := retriever.GetDocumentUBL(context.Background(), "in-1")
	require.NoError(t, err)
	assert.Equal(t, `<Invoice/>`, string(data))

	_, err = retriever.GetDocumentUBL(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
