package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/signature"
	"github.com/rezonia/peppol-connector/internal/store"
)

// Webhook outcomes reported to metrics and the activity log
const (
	outcomeReceived  = "received"
	outcomeDuplicate = "duplicate"
	outcomeStatus    = "status"
	outcomeUnchanged = "unchanged"
	outcomeUnknown   = "unknown_document"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "signature_invalid"
	outcomeMalformed = "malformed"
	outcomeError     = "error"
)

// UnknownProviderError is returned for webhooks addressed to a provider key
// the registry does not know
type UnknownProviderError struct {
	Key string
}

func (e *UnknownProviderError) Error() string {
	if e.Key == "" {
		return "provider key is required"
	}
	return fmt.Sprintf("unknown provider %q", e.Key)
}

// HandleWebhook authenticates a webhook delivery through the owning provider
// and applies the event. Signature failures are returned as
// *signature.SignatureError and malformed payloads as *model.ParseError.
func (s *Service) HandleWebhook(ctx context.Context, providerKey string, body []byte, headers http.Header, query url.Values) (*Result, error) {
	if providerKey == "" || !s.registry.Has(providerKey) {
		s.metrics.Webhook(providerKey, outcomeError)
		return nil, &UnknownProviderError{Key: providerKey}
	}
	p, err := s.registry.Get(providerKey)
	if err != nil {
		s.metrics.Webhook(providerKey, outcomeError)
		s.activity(ctx, providerKey, ActionWebhook, model.ActivityError, err.Error(), 0, nil)
		return nil, err
	}

	outcome, err := p.HandleWebhook(ctx, provider.WebhookRequest{Body: body, Headers: headers, Query: query})
	if err != nil {
		var sigErr *signature.SignatureError
		var parseErr *model.ParseError
		label := outcomeError
		switch {
		case errors.As(err, &sigErr):
			label = outcomeRejected
			s.logger.Warn("webhook signature rejected", "provider", providerKey, "error", err)
		case errors.As(err, &parseErr):
			label = outcomeMalformed
		}
		s.metrics.Webhook(providerKey, label)
		s.activity(ctx, providerKey, ActionWebhook, model.ActivityWarning, err.Error(), 0, map[string]interface{}{"outcome": label})
		return nil, err
	}

	res, label, err := s.applyOutcome(ctx, providerKey, outcome, store.SourceWebhook)
	if err != nil {
		s.metrics.Webhook(providerKey, outcomeError)
		s.activity(ctx, providerKey, ActionWebhook, model.ActivityError, err.Error(), 0, nil)
		return nil, err
	}
	s.metrics.Webhook(providerKey, label)
	s.activity(ctx, providerKey, ActionWebhook, model.ActivityInfo, res.Message, res.DocumentID, map[string]interface{}{"outcome": label})
	return res, nil
}

// applyOutcome applies one normalized provider event. It is shared by the
// webhook ingress and notification polling.
func (s *Service) applyOutcome(ctx context.Context, providerKey string, outcome provider.WebhookOutcome, source string) (*Result, string, error) {
	switch o := outcome.(type) {
	case nil:
		return &Result{Success: true, Skipped: true, Message: "event ignored"}, outcomeIgnored, nil
	case *provider.DocumentReceived:
		return s.receive(ctx, providerKey, o)
	case *provider.StatusUpdate:
		return s.statusUpdate(ctx, providerKey, o, source)
	default:
		return &Result{Success: true, Skipped: true, Message: "event ignored"}, outcomeIgnored, nil
	}
}

func (s *Service) receive(ctx context.Context, providerKey string, o *provider.DocumentReceived) (*Result, string, error) {
	doc := &model.PeppolDocument{
		DocumentType:     o.DocumentType,
		Provider:         providerKey,
		UBLContent:       string(o.Content),
		ProviderMetadata: map[string]interface{}{},
	}
	if !doc.DocumentType.Valid() {
		doc.DocumentType = model.DocumentTypeInvoice
	}
	doc.SetVendorID(o.DocumentID)
	doc.MergeMetadata(o.Metadata)
	if o.Sender != "" {
		doc.ProviderMetadata[model.MetaSender] = o.Sender
	}
	if o.Receiver != "" {
		doc.ProviderMetadata[model.MetaReceiver] = o.Receiver
	}

	created, err := s.store.CreateInbound(ctx, doc)
	if err != nil {
		return nil, "", err
	}
	if !created {
		return &Result{
			Success:            true,
			Skipped:            true,
			Message:            "document already received",
			DocumentID:         doc.ID,
			Status:             doc.Status,
			ProviderDocumentID: doc.VendorID(),
		}, outcomeDuplicate, nil
	}

	s.logger.Info("document received",
		"provider", providerKey,
		"document_id", doc.ID,
		"provider_document_id", doc.VendorID(),
		"sender", o.Sender,
	)
	s.archiveUBL(ctx, doc, o.Content)

	res := &Result{
		Success:            true,
		Message:            "document received",
		DocumentID:         doc.ID,
		Status:             doc.Status,
		ProviderDocumentID: doc.VendorID(),
	}
	if s.features.AutoProcessReceived {
		inbound, err := s.ProcessInbound(ctx, doc.ID)
		switch {
		case err != nil:
			s.logger.Error("inbound processing failed", "document_id", doc.ID, "error", err)
			res.Message = "document received; processing deferred"
		case !inbound.Success:
			res.Message = "document received; processing deferred: " + inbound.Message
		default:
			res.Message = "document received and processed"
			res.Status = inbound.Status
		}
	}
	return res, outcomeReceived, nil
}

func (s *Service) statusUpdate(ctx context.Context, providerKey string, o *provider.StatusUpdate, source string) (*Result, string, error) {
	doc, err := s.store.FindByVendorID(ctx, providerKey, o.TransmissionID)
	if err != nil {
		var nf *model.NotFoundError
		if errors.As(err, &nf) {
			s.logger.Info("status update for unknown document",
				"provider", providerKey,
				"provider_document_id", o.TransmissionID,
				"status", o.RawStatus,
			)
			return &Result{Success: true, Skipped: true, Message: "unknown document " + o.TransmissionID}, outcomeUnknown, nil
		}
		return nil, "", err
	}

	applied, err := s.applyStatus(ctx, doc, o.Status, o.RawStatus, o.Message, o.Metadata, source)
	if err != nil {
		return nil, "", err
	}
	res := &Result{
		Success:            true,
		DocumentID:         doc.ID,
		Status:             doc.Status,
		ProviderDocumentID: doc.VendorID(),
	}
	if !applied {
		res.Skipped = true
		res.Message = "status unchanged"
		return res, outcomeUnchanged, nil
	}
	res.Message = "status updated to " + string(doc.Status)
	return res, outcomeStatus, nil
}

// applyStatus moves doc to a normalized vendor status. Same-status events,
// regressions and unmapped vendor strings are logged no-ops.
func (s *Service) applyStatus(ctx context.Context, doc *model.PeppolDocument, to model.Status, raw, message string, meta map[string]interface{}, source string) (bool, error) {
	if to == model.StatusPending {
		s.logger.Warn("unmapped vendor status",
			"provider", doc.Provider,
			"document_id", doc.ID,
			"vendor_status", raw,
		)
		return false, nil
	}

	applied, err := s.transition(ctx, doc, to, source, message, func(d *model.PeppolDocument) {
		d.MergeMetadata(meta)
		if raw != "" {
			d.ProviderMetadata[model.MetaVendorStatus] = raw
		}
		if (to == model.StatusFailed || to == model.StatusRejected) && message != "" {
			d.SetErrorMessage(message)
		}
	})
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) {
			s.logger.Info("ignoring out of order status", "document_id", doc.ID, "from", te.From, "to", te.To, "source", source)
			return false, nil
		}
		return false, err
	}
	if applied {
		s.activity(ctx, doc.Provider, ActionStatus, model.ActivityInfo, "status changed to "+string(to), doc.ID, map[string]interface{}{
			"source":        source,
			"vendor_status": raw,
		})
	}
	return applied, nil
}

// UpdateDeliveryStatus polls the providers for documents that are sent or
// delivered and applies any change
func (s *Service) UpdateDeliveryStatus(ctx context.Context, limit int) (*BatchResult, error) {
	started := time.Now()
	defer s.metrics.ObserveJob("update_status", started)
	if limit <= 0 {
		limit = s.jobs.BatchLimit
	}

	docs, err := s.store.List(ctx, store.Filter{
		Direction:    model.DirectionOutbound,
		Statuses:     []model.Status{model.StatusSent, model.StatusDelivered},
		WithVendorID: true,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}

	out := &BatchResult{}
	for i := range docs {
		doc := &docs[i]
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return out, err
			}
		}
		out.record(s.pollStatus(ctx, doc))
	}
	return out, nil
}

func (s *Service) pollStatus(ctx context.Context, doc *model.PeppolDocument) (*Result, error) {
	p, err := s.registry.Get(doc.Provider)
	if err != nil {
		return nil, fmt.Errorf("document %d: %w", doc.ID, err)
	}
	st, err := p.GetDeliveryStatus(ctx, doc.VendorID())
	if err != nil {
		s.activity(ctx, doc.Provider, ActionStatus, model.ActivityError, err.Error(), doc.ID, nil)
		return nil, fmt.Errorf("document %d: %w", doc.ID, err)
	}
	if !st.Success {
		return failure(fmt.Sprintf("document %d: %s", doc.ID, st.Message)), nil
	}

	var meta map[string]interface{}
	if st.DeliveredAt != nil {
		meta = map[string]interface{}{"delivered_at": st.DeliveredAt.UTC().Format(time.RFC3339)}
	}
	applied, err := s.applyStatus(ctx, doc, st.Status, st.RawStatus, st.Message, meta, store.SourcePoll)
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Skipped: !applied, DocumentID: doc.ID, Status: doc.Status}, nil
}

// PollNotifications asks every configured provider that exposes a
// notification feed for the events of the trailing window and applies them
// exactly like webhooks
func (s *Service) PollNotifications(ctx context.Context, window time.Duration) (*BatchResult, error) {
	started := time.Now()
	defer s.metrics.ObserveJob("poll_notifications", started)
	if window <= 0 {
		window = s.jobs.PollWindow
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	since := s.now().Add(-window)

	out := &BatchResult{}
	for _, key := range s.registry.Keys() {
		if !s.registry.IsConfigured(key) {
			continue
		}
		p, err := s.registry.Get(key)
		if err != nil {
			out.record(nil, err)
			continue
		}
		poller, ok := p.(provider.NotificationPoller)
		if !ok {
			continue
		}

		events, err := poller.PollNotifications(ctx, since)
		if err != nil {
			s.activity(ctx, key, ActionPoll, model.ActivityError, err.Error(), 0, nil)
			out.record(nil, fmt.Errorf("%s: %w", key, err))
			continue
		}
		for _, evt := range events {
			res, label, err := s.applyOutcome(ctx, key, evt, store.SourcePoll)
			if err != nil {
				out.record(nil, fmt.Errorf("%s: %w", key, err))
				continue
			}
			s.metrics.Webhook(key, label)
			out.record(res, nil)
		}
		s.activity(ctx, key, ActionPoll, model.ActivityInfo, fmt.Sprintf("%d notifications", len(events)), 0, nil)
	}
	return out, nil
}
