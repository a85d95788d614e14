// Package lifecycle owns the PEPPOL document state machine. It sends ledger
// documents through the active provider, applies webhook and polled status
// events, records business responses and turns received documents into
// expenses. Status writes go through this package only.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezonia/peppol-connector/internal/accounting"
	"github.com/rezonia/peppol-connector/internal/archive"
	"github.com/rezonia/peppol-connector/internal/config"
	"github.com/rezonia/peppol-connector/internal/metrics"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/store"
)

// MaxReportedErrors caps the error messages returned from batch operations
const MaxReportedErrors = 5

// Activity log actions
const (
	ActionSend           = "send"
	ActionWebhook        = "webhook"
	ActionStatus         = "status"
	ActionResponse       = "response"
	ActionExpense        = "expense"
	ActionInbound        = "inbound"
	ActionPoll           = "poll"
	ActionTestConnection = "test_connection"
	ActionCleanup        = "cleanup"
)

// Ledger is the accounting collaborator
type Ledger interface {
	Invoice(ctx context.Context, kind model.DocumentType, id uint) (*accounting.Invoice, error)
	RecentInvoiceIDs(ctx context.Context, kind model.DocumentType, since time.Time, limit int) ([]uint, error)
	ImportPurchase(ctx context.Context, inv *accounting.Invoice) (bool, error)
	CategoryExists(ctx context.Context, id uint) (bool, error)
	FindCategory(ctx context.Context, name string) (*accounting.ExpenseCategory, error)
	CreateCategory(ctx context.Context, name string) (*accounting.ExpenseCategory, error)
	CreateExpense(ctx context.Context, e *accounting.Expense) (bool, error)
}

// Result is the outcome of a lifecycle operation. Expected failures such as a
// missing identifier or a vendor rejection are reported with Success=false;
// only unexpected faults are returned as errors.
type Result struct {
	Success            bool         `json:"success"`
	Message            string       `json:"message"`
	DocumentID         uint         `json:"document_id,omitempty"`
	Status             model.Status `json:"status,omitempty"`
	ProviderDocumentID string       `json:"provider_document_id,omitempty"`
	ExpenseID          uint         `json:"expense_id,omitempty"`
	Skipped            bool         `json:"skipped,omitempty"`
}

func failure(message string) *Result {
	return &Result{Success: false, Message: message}
}

// BatchResult summarizes a batch job
type BatchResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

func (b *BatchResult) record(res *Result, err error) {
	b.Processed++
	switch {
	case err != nil:
		b.Failed++
		b.addError(err.Error())
	case res == nil:
		b.Skipped++
	case res.Skipped:
		b.Skipped++
	case res.Success:
		b.Succeeded++
	default:
		b.Failed++
		b.addError(res.Message)
	}
}

func (b *BatchResult) addError(msg string) {
	if len(b.Errors) < MaxReportedErrors {
		b.Errors = append(b.Errors, msg)
	}
}

// Transition describes an applied status change
type Transition struct {
	Document model.PeppolDocument
	From     model.Status
	To       model.Status
	Source   string
}

// TransitionHook observes applied transitions. Hooks run synchronously after
// the write is committed and must not block.
type TransitionHook func(ctx context.Context, t Transition)

// Service is the document lifecycle service
type Service struct {
	store    *store.Store
	registry *provider.Registry
	ledger   Ledger
	archive  archive.Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	company       config.Company
	features      config.Features
	expense       config.ExpensePolicy
	retry         config.RetryPolicy
	jobs          config.JobsConfig
	retention     time.Duration
	archivePrefix string

	now func() time.Time

	hooksMu sync.RWMutex
	hooks   []TransitionHook

	// serializes expense creation so a document never books twice
	expenseMu sync.Mutex
	polling   atomic.Bool
}

// Option configures a Service
type Option func(*Service)

// WithArchive stores sent and received UBL in an archive
func WithArchive(a archive.Archiver, prefix string) Option {
	return func(s *Service) {
		if a != nil {
			s.archive = a
		}
		s.archivePrefix = prefix
	}
}

// WithMetrics records lifecycle counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCompany sets the sender identity used on outbound documents
func WithCompany(c config.Company) Option {
	return func(s *Service) {
		s.company = c
	}
}

// WithFeatures sets the automation switches
func WithFeatures(f config.Features) Option {
	return func(s *Service) {
		s.features = f
	}
}

// WithExpensePolicy sets the auto-expense policy
func WithExpensePolicy(p config.ExpensePolicy) Option {
	return func(s *Service) {
		s.expense = p
	}
}

// WithRetryPolicy bounds send retries
func WithRetryPolicy(p config.RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithJobs tunes the batch jobs
func WithJobs(j config.JobsConfig) Option {
	return func(s *Service) {
		s.jobs = j
	}
}

// WithLogRetention sets how long activity entries are kept
func WithLogRetention(d time.Duration) Option {
	return func(s *Service) {
		s.retention = d
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service
func New(st *store.Store, registry *provider.Registry, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		registry:  registry,
		ledger:    ledger,
		archive:   archive.Noop{},
		logger:    slog.Default(),
		retry:     config.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Minute, MaxBackoff: 6 * time.Hour, Multiplier: 2},
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.jobs.BatchLimit <= 0 {
		s.jobs.BatchLimit = 50
	}
	return s
}

// OnTransition registers a hook called after every applied transition
func (s *Service) OnTransition(hook TransitionHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// transition applies a status change and fans it out to metrics and hooks.
// Refused and same-status moves return applied=false.
func (s *Service) transition(ctx context.Context, doc *model.PeppolDocument, to model.Status, source, message string, mutate func(*model.PeppolDocument)) (bool, error) {
	var from model.Status
	applied, err := s.store.Transition(ctx, doc, to, source, message, func(d *model.PeppolDocument) {
		from = d.Status
		if mutate != nil {
			mutate(d)
		}
	})
	if err != nil || !applied {
		return applied, err
	}

	s.metrics.Transition(doc.Provider, string(to), source)
	s.logger.Info("document status changed",
		"document_id", doc.ID,
		"provider", doc.Provider,
		"from", from,
		"to", to,
		"source", source,
	)

	t := Transition{Document: *doc, From: from, To: to, Source: source}
	s.hooksMu.RLock()
	hooks := append([]TransitionHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, t)
	}

	if s.features.NotificationPolling && (source == store.SourceSend || source == store.SourceResponse) {
		s.triggerPoll()
	}
	return true, nil
}

// triggerPoll runs one notification poll in the background unless one is
// already running
func (s *Service) triggerPoll() {
	if !s.polling.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.polling.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.PollNotifications(ctx, s.jobs.PollWindow); err != nil {
			s.logger.Warn("advisory notification poll failed", "error", err)
		}
	}()
}

// activity writes an audit entry. Failures are logged and never fail the caller.
func (s *Service) activity(ctx context.Context, providerKey, action string, status model.ActivityStatus, message string, docID uint, data map[string]interface{}) {
	entry := &model.ActivityLogEntry{
		Provider: providerKey,
		Action:   action,
		Status:   status,
		Message:  message,
		Data:     data,
	}
	if docID != 0 {
		id := docID
		entry.DocumentID = &id
	}
	if err := s.store.LogActivity(ctx, entry); err != nil {
		s.logger.Error("failed to write activity log", "action", action, "error", err)
	}
}

// pace waits between vendor calls in batch jobs
func (s *Service) pace(ctx context.Context) error {
	if s.jobs.BatchDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.jobs.BatchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) archiveUBL(ctx context.Context, doc *model.PeppolDocument, content []byte) {
	if len(content) == 0 {
		return
	}
	key := archive.ObjectKey(s.archivePrefix, doc)
	if err := s.archive.Put(ctx, key, content, "application/xml"); err != nil {
		s.logger.Warn("failed to archive UBL", "document_id", doc.ID, "key", key, "error", err)
	}
}

// TestConnection checks the credentials of a provider
func (s *Service) TestConnection(ctx context.Context, key, environment string) (*provider.ConnectionResult, error) {
	p, err := s.registry.Get(key)
	if err != nil {
		return nil, err
	}
	res, err := p.TestConnection(ctx, environment)
	if err != nil {
		s.activity(ctx, p.ID(), ActionTestConnection, model.ActivityError, err.Error(), 0, nil)
		return nil, err
	}
	status := model.ActivitySuccess
	if !res.Success {
		status = model.ActivityError
	}
	s.activity(ctx, p.ID(), ActionTestConnection, status, res.Message, 0, map[string]interface{}{"environment": environment})
	return res, nil
}

// LegalEntities returns the legal entity manager of a provider
func (s *Service) LegalEntities(key string) (provider.LegalEntityManager, error) {
	p, err := s.registry.Get(key)
	if err != nil {
		return nil, err
	}
	m, ok := p.(provider.LegalEntityManager)
	if !ok {
		return nil, model.NewConfigurationError(p.ID(), "features", "provider does not manage legal entities")
	}
	return m, nil
}

// CleanOldLogs purges activity entries older than the retention window
func (s *Service) CleanOldLogs(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.PurgeActivity(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("purged activity log", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// Document loads a stored document
func (s *Service) Document(ctx context.Context, id uint) (*model.PeppolDocument, error) {
	return s.store.Get(ctx, id)
}

// History lists the applied status transitions of a document, oldest first
func (s *Service) History(ctx context.Context, id uint) ([]model.StatusHistory, error) {
	return s.store.History(ctx, id)
}
