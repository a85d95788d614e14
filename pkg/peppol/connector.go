package peppol

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rezonia/peppol-connector/internal/app"
	"github.com/rezonia/peppol-connector/internal/config"
	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/logger"
)

// Transition describes one applied status change
type Transition = lifecycle.Transition

// Connector is a wired PEPPOL connector backed by the configured database
type Connector struct {
	app *app.App
}

// Option configures Open
type Option func(*openOptions)

type openOptions struct {
	logger    *slog.Logger
	providers map[string]Descriptor
}

// WithLogger sets the logger used by every component
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = l
	}
}

// WithProvider registers an additional provider next to the bundled ones
func WithProvider(key string, d Descriptor) Option {
	return func(o *openOptions) {
		if o.providers == nil {
			o.providers = make(map[string]Descriptor)
		}
		o.providers[key] = d
	}
}

// Open loads the YAML configuration at path, migrates the database and
// wires the providers. An empty path configures from the environment.
func Open(path string, opts ...Option) (*Connector, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log := o.logger
	if log == nil {
		log = logger.Init(cfg.Log)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return nil, err
	}
	for key, d := range o.providers {
		if err := a.Registry.Register(key, d); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return &Connector{app: a}, nil
}

// Close releases the database
func (c *Connector) Close() error {
	return c.app.Close()
}

// Send sends one ledger invoice or credit note through the active provider
func (c *Connector) Send(ctx context.Context, docType DocumentType, localID uint) (*Result, error) {
	return c.app.Service.SendDocument(ctx, docType, localID)
}

// BulkSend sends several ledger documents one after the other
func (c *Connector) BulkSend(ctx context.Context, docType DocumentType, ids []uint) (*BatchResult, error) {
	return c.app.Service.BulkSend(ctx, docType, ids)
}

// Respond sends an invoice response for a received document
func (c *Connector) Respond(ctx context.Context, req ResponseRequest) (*Result, error) {
	return c.app.Service.MarkDocumentStatus(ctx, req)
}

// CreateExpense books a received document as an expense
func (c *Connector) CreateExpense(ctx context.Context, documentID uint) (*Result, error) {
	return c.app.Service.CreateExpenseFromDocument(ctx, documentID)
}

// HandleWebhook applies a raw vendor webhook delivery
func (c *Connector) HandleWebhook(ctx context.Context, providerKey string, body []byte, headers http.Header, query url.Values) (*Result, error) {
	return c.app.Service.HandleWebhook(ctx, providerKey, body, headers, query)
}

// Document loads a stored document
func (c *Connector) Document(ctx context.Context, id uint) (*Document, error) {
	return c.app.Service.Document(ctx, id)
}

// History lists the status transitions of a document
func (c *Connector) History(ctx context.Context, id uint) ([]StatusHistory, error) {
	return c.app.Service.History(ctx, id)
}

// ProcessPending retries due sends and, when enabled, auto-sends recent documents
func (c *Connector) ProcessPending(ctx context.Context, limit int) (*BatchResult, error) {
	return c.app.Service.ProcessPending(ctx, limit)
}

// ProcessReceived imports received documents into the ledger
func (c *Connector) ProcessReceived(ctx context.Context, limit int) (*BatchResult, error) {
	return c.app.Service.ProcessReceived(ctx, limit)
}

// UpdateDeliveryStatus polls the delivery status of sent documents
func (c *Connector) UpdateDeliveryStatus(ctx context.Context, limit int) (*BatchResult, error) {
	return c.app.Service.UpdateDeliveryStatus(ctx, limit)
}

// PollNotifications fetches vendor notifications emitted in the trailing window
func (c *Connector) PollNotifications(ctx context.Context, window time.Duration) (*BatchResult, error) {
	return c.app.Service.PollNotifications(ctx, window)
}

// TestConnection checks the credentials of a provider
func (c *Connector) TestConnection(ctx context.Context, providerKey, environment string) (*ConnectionResult, error) {
	return c.app.Service.TestConnection(ctx, providerKey, environment)
}

// OnTransition registers a callback invoked after every applied status change
func (c *Connector) OnTransition(hook func(ctx context.Context, t Transition)) {
	c.app.Service.OnTransition(hook)
}

// Handler returns the webhook ingress and operations API as an http.Handler
func (c *Connector) Handler(version string) http.Handler {
	return c.app.Server(version).Handler()
}
