package lifecycle_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/accounting"
	"github.com/rezonia/peppol-connector/internal/config"
	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/store"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

const fakeKey = "fake"

// fakeProvider records calls and implements every optional capability
type fakeProvider struct {
	mu        sync.Mutex
	sends     []provider.SendRequest
	responses []provider.DocumentResponse
	fetches   int

	sendFn    func(req provider.SendRequest) (*provider.SendResult, error)
	statusFn  func(id string) (*provider.StatusResult, error)
	webhookFn func(req provider.WebhookRequest) (provider.WebhookOutcome, error)
	ubl       []byte
	polled    []provider.WebhookOutcome
}

func (f *fakeProvider) ID() string { return fakeKey }

func (f *fakeProvider) Send(_ context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &provider.SendResult{Success: true, DocumentID: "vendor-" + req.Metadata.Number, TransmissionID: "tx-" + req.Metadata.Number}, nil
}

func (f *fakeProvider) TestConnection(context.Context, string) (*provider.ConnectionResult, error) {
	return &provider.ConnectionResult{Success: true, Message: "ok"}, nil
}

func (f *fakeProvider) GetDeliveryStatus(_ context.Context, id string) (*provider.StatusResult, error) {
	if f.statusFn != nil {
		return f.statusFn(id)
	}
	return &provider.StatusResult{Success: true, Status: model.StatusSent, RawStatus: "SENT"}, nil
}

func (f *fakeProvider) HandleWebhook(_ context.Context, req provider.WebhookRequest) (provider.WebhookOutcome, error) {
	if f.webhookFn != nil {
		return f.webhookFn(req)
	}
	return nil, nil
}

func (f *fakeProvider) NormalizeStatus(string) model.Status { return model.StatusPending }

func (f *fakeProvider) SendDocumentResponse(_ context.Context, resp provider.DocumentResponse) (*provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return &provider.SendResult{Success: true}, nil
}

func (f *fakeProvider) GetDocumentUBL(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.ubl == nil {
		return nil, model.NewNotFoundError("document", "remote")
	}
	return f.ubl, nil
}

func (f *fakeProvider) PollNotifications(context.Context, time.Time) ([]provider.WebhookOutcome, error) {
	return f.polled, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// plainProvider exposes only the base contract
type plainProvider struct {
	inner *fakeProvider
}

func (p plainProvider) ID() string { return fakeKey }
func (p plainProvider) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	return p.inner.Send(ctx, req)
}
func (p plainProvider) TestConnection(ctx context.Context, env string) (*provider.ConnectionResult, error) {
	return p.inner.TestConnection(ctx, env)
}
func (p plainProvider) GetDeliveryStatus(ctx context.Context, id string) (*provider.StatusResult, error) {
	return p.inner.GetDeliveryStatus(ctx, id)
}
func (p plainProvider) HandleWebhook(ctx context.Context, req provider.WebhookRequest) (provider.WebhookOutcome, error) {
	return p.inner.HandleWebhook(ctx, req)
}
func (p plainProvider) NormalizeStatus(v string) model.Status { return p.inner.NormalizeStatus(v) }

type fixture struct {
	svc    *lifecycle.Service
	reg    *provider.Registry
	store  *store.Store
	ledger *accounting.Ledger
	fake   *fakeProvider
	clock  *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testCompany = config.Company{
	Name:        "Acme BV",
	PeppolID:    "0208:0123456789",
	VATNumber:   "BE0123456789",
	CountryCode: "BE",
}

func newFixture(t *testing.T, p provider.Provider, opts ...lifecycle.Option) *fixture {
	t.Helper()

	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	ledger := accounting.NewLedger(db)
	require.NoError(t, ledger.Migrate())

	fake, _ := p.(*fakeProvider)
	if p == nil {
		fake = &fakeProvider{}
		p = fake
	}
	reg := provider.NewRegistry(
		provider.WithActive(fakeKey),
		provider.WithSettings(map[string]provider.Settings{fakeKey: {"token": "secret"}}),
	)
	require.NoError(t, reg.Register(fakeKey, provider.Descriptor{
		Name:           "Fake",
		Factory:        func(provider.Config) (provider.Provider, error) { return p, nil },
		ConfigFields:   []string{"token"},
		RequiredFields: []string{"token"},
		Endpoints:      map[string]string{provider.EnvSandbox: "http://localhost"},
		Features:       []string{provider.FeatureSend},
		Authentication: provider.AuthAPIKey,
	}))

	clk := &clock{t: time.Now()}
	base := []lifecycle.Option{
		lifecycle.WithCompany(testCompany),
		lifecycle.WithClock(clk.Now),
		lifecycle.WithExpensePolicy(config.ExpensePolicy{
			DocumentTypes: []string{"invoice", "credit_note"},
			ResponseCodes: []string{"AP", "PD"},
			CategoryName:  "PEPPOL purchases",
		}),
		lifecycle.WithRetryPolicy(config.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Minute,
			MaxBackoff:     time.Hour,
			Multiplier:     2,
		}),
		lifecycle.WithJobs(config.JobsConfig{
			BatchLimit:     50,
			AutoSendWindow: 7 * 24 * time.Hour,
			PollWindow:     15 * time.Minute,
			StaleSending:   15 * time.Minute,
		}),
	}
	svc := lifecycle.New(st, reg, ledger, append(base, opts...)...)

	return &fixture{svc: svc, reg: reg, store: st, ledger: ledger, fake: fake, clock: clk}
}

// seedInvoice stores a sales invoice for a client with the given PEPPOL id
func (f *fixture) seedInvoice(t *testing.T, id uint, peppolID string, total string) *accounting.Invoice {
	t.Helper()
	ctx := context.Background()
	client := &accounting.Client{Name: "Client NV", PeppolID: peppolID, CountryCode: "BE"}
	require.NoError(t, f.ledger.CreateClient(ctx, client))

	amount := dec.MustFromString(total)
	inv := &accounting.Invoice{
		ID:        id,
		Kind:      model.DocumentTypeInvoice,
		Number:    "INV-" + strconv.FormatUint(uint64(id), 10),
		ClientID:  &client.ID,
		IssueDate: time.Now().Truncate(24 * time.Hour),
		Currency:  "EUR",
		Subtotal:  amount,
		TaxTotal:  dec.Zero,
		Total:     amount,
		Lines: []accounting.InvoiceLine{{
			Description: "Consulting",
			Quantity:    dec.FromInt(1),
			UnitPrice:   amount,
			TaxRate:     dec.Zero,
		}},
	}
	require.NoError(t, f.ledger.CreateInvoice(ctx, inv))
	return inv
}

// receivedUBL renders a purchase document as a supplier would send it
func receivedUBL(t *testing.T, docType model.DocumentType, number, total string) []byte {
	t.Helper()
	supplier, err := ubl.ParseParticipantID("0208:0555666777")
	require.NoError(t, err)
	customer, err := ubl.ParseParticipantID(testCompany.PeppolID)
	require.NoError(t, err)

	doc := &ubl.Document{
		Type:           docType,
		Number:         number,
		IssueDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Currency:       "EUR",
		BuyerReference: "PO-7",
		Supplier:       ubl.Party{Name: "Supplier SA", EndpointID: supplier, CountryCode: "BE"},
		Customer:       ubl.Party{Name: testCompany.Name, EndpointID: customer, CountryCode: "BE"},
		Lines: []ubl.Line{{
			ID:         "1",
			Name:       "Office chairs",
			Quantity:   dec.FromInt(1),
			UnitPrice:  dec.MustFromString(total),
			TaxPercent: dec.Zero,
		}},
	}
	if docType == model.DocumentTypeCreditNote {
		doc.BillingReference = "SUP-2026-001"
	}
	doc.ComputeTotals()
	content, err := ubl.Generate(doc)
	require.NoError(t, err)
	return content
}

// seedInbound stores a received document with the given UBL content
func (f *fixture) seedInbound(t *testing.T, vendorID string, docType model.DocumentType, content []byte) *model.PeppolDocument {
	t.Helper()
	doc := &model.PeppolDocument{
		DocumentType: docType,
		Provider:     fakeKey,
		UBLContent:   string(content),
	}
	doc.SetVendorID(vendorID)
	created, err := f.store.CreateInbound(context.Background(), doc)
	require.NoError(t, err)
	require.True(t, created)
	return doc
}
