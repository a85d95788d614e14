package lifecycle_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/config"
	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/signature"
	"github.com/rezonia/peppol-connector/internal/store"
)

func sentDocument(t *testing.T, f *fixture) *model.PeppolDocument {
	t.Helper()
	f.seedInvoice(t, 42, "0208:123456789", "100.00")
	res, err := f.svc.SendDocument(context.Background(), model.DocumentTypeInvoice, 42)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	doc, err := f.store.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	return doc
}

func TestHandleWebhook_UnknownProvider(t *testing.T) {
	f := newFixture(t, nil)

	for _, key := range []string{"", "nope"} {
		_, err := f.svc.HandleWebhook(context.Background(), key, []byte("{}"), http.Header{}, nil)
		var unknown *lifecycle.UnknownProviderError
		require.ErrorAs(t, err, &unknown, key)
		assert.Equal(t, key, unknown.Key)
	}
}

func TestHandleWebhook_SignatureRejected(t *testing.T) {
	fake := &fakeProvider{}
	fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
		return nil, signature.ErrInvalidSignature(nil)
	}
	f := newFixture(t, fake)
	ctx := context.Background()

	_, err := f.svc.HandleWebhook(ctx, fakeKey, []byte("{}"), http.Header{}, nil)
	var sigErr *signature.SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, signature.ErrCodeInvalidSignature, sigErr.Code)

	entries, err := f.store.Activity(ctx, store.ActivityQuery{Action: lifecycle.ActionWebhook})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActivityWarning, entries[0].Status)
}

func TestHandleWebhook_StatusAppliedOnce(t *testing.T) {
	fake := &fakeProvider{}
	f := newFixture(t, fake)
	ctx := context.Background()
	doc := sentDocument(t, f)

	fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
		return &provider.StatusUpdate{
			TransmissionID: doc.VendorID(),
			Status:         model.StatusDelivered,
			RawStatus:      "DELIVERED",
			Metadata:       map[string]interface{}{"event": "document.delivered"},
		}, nil
	}

	for i := 0; i < 3; i++ {
		res, err := f.svc.HandleWebhook(ctx, fakeKey, []byte(`{"event":"document.delivered"}`), http.Header{}, nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, i > 0, res.Skipped, "delivery %d", i)
	}

	doc, err := f.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, doc.Status)
	assert.Equal(t, "DELIVERED", doc.MetaString(model.MetaVendorStatus))

	history, err := f.store.History(ctx, doc.ID)
	require.NoError(t, err)
	delivered := 0
	for _, h := range history {
		if h.ToStatus == model.StatusDelivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)

	webhooks, err := f.store.Activity(ctx, store.ActivityQuery{Action: lifecycle.ActionWebhook})
	require.NoError(t, err)
	assert.Len(t, webhooks, 3)
	statuses, err := f.store.Activity(ctx, store.ActivityQuery{Action: lifecycle.ActionStatus})
	require.NoError(t, err)
	assert.Len(t, statuses, 1)
}

func TestHandleWebhook_StaleAndUnmappedStatusesIgnored(t *testing.T) {
	fake := &fakeProvider{}
	f := newFixture(t, fake)
	ctx := context.Background()
	doc := sentDocument(t, f)

	_, err := f.store.Transition(ctx, doc, model.StatusDelivered, store.SourceWebhook, "", nil)
	require.NoError(t, err)

	for _, status := range []model.Status{model.StatusSent, model.StatusPending} {
		fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
			return &provider.StatusUpdate{TransmissionID: doc.VendorID(), Status: status, RawStatus: "WHATEVER"}, nil
		}
		res, err := f.svc.HandleWebhook(ctx, fakeKey, []byte("{}"), http.Header{}, nil)
		require.NoError(t, err)
		assert.True(t, res.Skipped, status)
	}

	doc, err = f.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, doc.Status)
}

func TestHandleWebhook_UnknownDocumentDropped(t *testing.T) {
	fake := &fakeProvider{}
	fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
		return &provider.StatusUpdate{TransmissionID: "missing", Status: model.StatusDelivered}, nil
	}
	f := newFixture(t, fake)

	res, err := f.svc.HandleWebhook(context.Background(), fakeKey, []byte("{}"), http.Header{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Message, "unknown document")
}

func TestHandleWebhook_IgnoredEvent(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.HandleWebhook(context.Background(), fakeKey, []byte("{}"), http.Header{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "event ignored", res.Message)
}

func TestHandleWebhook_DocumentReceivedAndProcessed(t *testing.T) {
	fake := &fakeProvider{}
	content := receivedUBL(t, model.DocumentTypeInvoice, "SUP-2026-001", "150.00")
	fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
		return &provider.DocumentReceived{
			DocumentID:   "in-1",
			DocumentType: model.DocumentTypeInvoice,
			Sender:       "0208:0555666777",
			Receiver:     testCompany.PeppolID,
			Content:      content,
		}, nil
	}
	f := newFixture(t, fake, lifecycle.WithFeatures(config.Features{AutoProcessReceived: true}))
	ctx := context.Background()

	res, err := f.svc.HandleWebhook(ctx, fakeKey, content, http.Header{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "document received and processed", res.Message)
	assert.Equal(t, model.StatusProcessed, res.Status)

	doc, err := f.store.FindByVendorID(ctx, fakeKey, "in-1")
	require.NoError(t, err)
	assert.True(t, doc.IsInbound())
	assert.NotNil(t, doc.ReceivedAt)
	assert.Equal(t, "0208:0555666777", doc.MetaString(model.MetaSender))
	localID, ok := doc.LocalInvoiceID()
	require.True(t, ok)

	var purchase struct {
		Number   string
		Purchase bool
	}
	require.NoError(t, f.store.DB().Table("ledger_invoices").Where("id = ?", localID).Take(&purchase).Error)
	assert.Equal(t, "SUP-2026-001", purchase.Number)
	assert.True(t, purchase.Purchase)

	again, err := f.svc.HandleWebhook(ctx, fakeKey, content, http.Header{}, nil)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, doc.ID, again.DocumentID)

	docs, err := f.store.List(ctx, store.Filter{Direction: model.DirectionInbound})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestHandleWebhook_NotificationFetchesUBL(t *testing.T) {
	fake := &fakeProvider{ubl: receivedUBL(t, model.DocumentTypeInvoice, "SUP-9", "10.00")}
	fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
		return &provider.DocumentReceived{DocumentID: "in-2", DocumentType: model.DocumentTypeInvoice}, nil
	}
	f := newFixture(t, fake, lifecycle.WithFeatures(config.Features{AutoProcessReceived: true}))
	ctx := context.Background()

	res, err := f.svc.HandleWebhook(ctx, fakeKey, []byte("{}"), http.Header{}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, res.Status)
	assert.Equal(t, 1, fake.fetches)

	doc, err := f.store.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Contains(t, doc.UBLContent, "SUP-9")
}

func TestHandleWebhook_ProcessingFailureKeepsDocument(t *testing.T) {
	fake := &fakeProvider{}
	fake.webhookFn = func(provider.WebhookRequest) (provider.WebhookOutcome, error) {
		return &provider.DocumentReceived{DocumentID: "in-3", Content: []byte("<Invoice>")}, nil
	}
	f := newFixture(t, fake, lifecycle.WithFeatures(config.Features{AutoProcessReceived: true}))
	ctx := context.Background()

	res, err := f.svc.HandleWebhook(ctx, fakeKey, []byte("{}"), http.Header{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "processing deferred")

	doc, err := f.store.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, doc.Status)
	assert.NotEmpty(t, doc.ErrorMessage())
}

func TestUpdateDeliveryStatus(t *testing.T) {
	fake := &fakeProvider{}
	f := newFixture(t, fake)
	ctx := context.Background()
	doc := sentDocument(t, f)

	delivered := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fake.statusFn = func(id string) (*provider.StatusResult, error) {
		assert.Equal(t, doc.VendorID(), id)
		return &provider.StatusResult{Success: true, Status: model.StatusDelivered, RawStatus: "DELIVERED", DeliveredAt: &delivered}, nil
	}

	batch, err := f.svc.UpdateDeliveryStatus(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Succeeded)

	doc, err = f.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, doc.Status)
	assert.Equal(t, "2026-03-02T10:00:00Z", doc.MetaString("delivered_at"))

	// repeated polls with the same answer change nothing
	batch, err = f.svc.UpdateDeliveryStatus(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)
}

func TestPollNotifications_AppliesEvents(t *testing.T) {
	fake := &fakeProvider{}
	f := newFixture(t, fake)
	ctx := context.Background()
	doc := sentDocument(t, f)

	fake.polled = []provider.WebhookOutcome{
		&provider.StatusUpdate{TransmissionID: doc.VendorID(), Status: model.StatusAcknowledged, RawStatus: "ACKNOWLEDGED"},
		&provider.DocumentReceived{DocumentID: "in-9", DocumentType: model.DocumentTypeInvoice, Content: receivedUBL(t, model.DocumentTypeInvoice, "SUP-1", "5.00")},
		&provider.StatusUpdate{TransmissionID: "unknown", Status: model.StatusDelivered},
	}

	batch, err := f.svc.PollNotifications(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Processed)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Skipped)

	doc, err = f.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAcknowledged, doc.Status)

	history, err := f.store.History(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SourcePoll, history[len(history)-1].Source)

	_, err = f.store.FindByVendorID(ctx, fakeKey, "in-9")
	require.NoError(t, err)
}
