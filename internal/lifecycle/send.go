package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/store"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

// SendDocument transmits a ledger invoice or credit note through the active
// provider. Calling it again for a document that is in flight or already sent
// is a no-op; a failed document is resent against the same record.
func (s *Service) SendDocument(ctx context.Context, docType model.DocumentType, localID uint) (*Result, error) {
	p, err := s.registry.Get("")
	if err != nil {
		s.activity(ctx, s.registry.Active(), ActionSend, model.ActivityError, err.Error(), 0, map[string]interface{}{
			"document_type": docType, "local_id": localID,
		})
		return failure(err.Error()), nil
	}
	return s.send(ctx, p, docType, localID, store.SourceSend)
}

func (s *Service) send(ctx context.Context, p provider.Provider, docType model.DocumentType, localID uint, source string) (*Result, error) {
	key := p.ID()
	log := s.logger.With("provider", key, "document_type", docType, "local_id", localID)
	ref := map[string]interface{}{"document_type": docType, "local_id": localID}

	if !docType.Valid() {
		return failure(fmt.Sprintf("unsupported document type %q", docType)), nil
	}

	inv, err := s.ledger.Invoice(ctx, docType, localID)
	if err != nil {
		var nf *model.NotFoundError
		if errors.As(err, &nf) {
			s.activity(ctx, key, ActionSend, model.ActivityError, err.Error(), 0, ref)
			return failure(err.Error()), nil
		}
		return nil, err
	}

	doc, err := buildDocument(inv, s.company)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			log.Warn("document not sendable", "error", err)
			s.activity(ctx, key, ActionSend, model.ActivityError, err.Error(), 0, ref)
			return failure(err.Error()), nil
		}
		return nil, err
	}
	content, err := ubl.Generate(doc)
	if err != nil {
		s.activity(ctx, key, ActionSend, model.ActivityError, err.Error(), 0, ref)
		return failure(fmt.Sprintf("failed to generate UBL: %v", err)), nil
	}

	record, outcome, err := s.store.Claim(ctx, docType, localID, key)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case store.ClaimInFlight:
		log.Info("send already in progress", "document_id", record.ID)
		return &Result{Success: false, Skipped: true, Message: "send already in progress", DocumentID: record.ID, Status: record.Status}, nil
	case store.ClaimAlreadySent:
		return &Result{
			Success:            true,
			Skipped:            true,
			Message:            "document already sent",
			DocumentID:         record.ID,
			Status:             record.Status,
			ProviderDocumentID: record.VendorID(),
		}, nil
	}

	if source == store.SourceRetry {
		log = log.With("attempt", record.Attempts)
	}
	log.Info("sending document", "document_id", record.ID, "number", doc.Number)

	res, sendErr := p.Send(ctx, sendRequest(doc, content))
	if sendErr != nil || res == nil || !res.Success {
		msg := "provider returned no result"
		switch {
		case sendErr != nil:
			msg = sendErr.Error()
		case res != nil && res.Message != "":
			msg = res.Message
		case res != nil:
			msg = "provider rejected the document"
		}
		return s.markFailed(ctx, record, content, msg, res, sendErr)
	}

	now := s.now()
	_, err = s.transition(ctx, record, model.StatusSent, source, "", func(d *model.PeppolDocument) {
		d.SetVendorID(res.DocumentID)
		if res.TransmissionID != res.DocumentID {
			d.SetTransmissionID(res.TransmissionID)
		}
		d.ClearErrorMessage()
		d.UBLContent = string(content)
		d.SentAt = &now
		d.NextRetryAt = nil
	})
	if err != nil {
		log.Error("failed to persist sent status", "document_id", record.ID, "error", err)
		return nil, fmt.Errorf("persist sent status of document %d: %w", record.ID, err)
	}

	s.metrics.Send(key, "sent")
	s.archiveUBL(ctx, record, content)
	s.activity(ctx, key, ActionSend, model.ActivitySuccess, "document sent", record.ID, map[string]interface{}{
		"provider_document_id": res.DocumentID,
		"number":               doc.Number,
	})
	log.Info("document sent", "document_id", record.ID, "provider_document_id", res.DocumentID)

	return &Result{
		Success:            true,
		Message:            "document sent",
		DocumentID:         record.ID,
		Status:             record.Status,
		ProviderDocumentID: record.VendorID(),
	}, nil
}

func (s *Service) markFailed(ctx context.Context, record *model.PeppolDocument, content []byte, msg string, res *provider.SendResult, sendErr error) (*Result, error) {
	next := s.now().Add(s.retry.Backoff(record.Attempts))
	retryable := sendErr == nil || model.IsRetryable(sendErr)

	_, err := s.transition(ctx, record, model.StatusFailed, store.SourceSend, msg, func(d *model.PeppolDocument) {
		d.SetErrorMessage(msg)
		d.UBLContent = string(content)
		if res != nil && res.RawResponse != nil {
			d.MergeMetadata(map[string]interface{}{"last_response": res.RawResponse})
		}
		if retryable && d.Attempts < s.retry.MaxAttempts {
			d.NextRetryAt = &next
		} else {
			d.NextRetryAt = nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("persist failed status of document %d: %w", record.ID, err)
	}

	s.metrics.Send(record.Provider, "failed")
	data := map[string]interface{}{"attempts": record.Attempts}
	if res != nil && res.StatusCode != 0 {
		data["status_code"] = res.StatusCode
	}
	s.activity(ctx, record.Provider, ActionSend, model.ActivityError, msg, record.ID, data)
	s.logger.Warn("send failed",
		"provider", record.Provider,
		"document_id", record.ID,
		"attempts", record.Attempts,
		"error", msg,
	)

	return &Result{
		Success:    false,
		Message:    msg,
		DocumentID: record.ID,
		Status:     record.Status,
	}, nil
}

// BulkSend sends documents one after another with the configured pacing.
// All failures are logged; the first few messages are returned.
func (s *Service) BulkSend(ctx context.Context, docType model.DocumentType, ids []uint) (*BatchResult, error) {
	started := time.Now()
	defer s.metrics.ObserveJob("bulk_send", started)

	out := &BatchResult{}
	for i, id := range ids {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return out, err
			}
		}
		res, err := s.SendDocument(ctx, docType, id)
		if err != nil {
			s.logger.Error("bulk send failed", "document_type", docType, "local_id", id, "error", err)
			err = fmt.Errorf("%s %d: %w", docType, id, err)
		} else if !res.Success && !res.Skipped {
			res.Message = fmt.Sprintf("%s %d: %s", docType, id, res.Message)
		}
		out.record(res, err)
	}
	return out, nil
}

// ProcessPending retries failed sends that are due, recovers sends that were
// interrupted and, when auto-send is on, sends recent ledger documents that
// have no PEPPOL record yet.
func (s *Service) ProcessPending(ctx context.Context, limit int) (*BatchResult, error) {
	started := time.Now()
	defer s.metrics.ObserveJob("process_pending", started)
	if limit <= 0 {
		limit = s.jobs.BatchLimit
	}

	if _, err := s.recoverStale(ctx, limit); err != nil {
		return nil, err
	}

	now := s.now()
	due, err := s.store.List(ctx, store.Filter{
		Direction:     model.DirectionOutbound,
		Statuses:      []model.Status{model.StatusPending, model.StatusFailed},
		MaxAttempts:   s.retry.MaxAttempts,
		DueBy:         &now,
		RetryableOnly: true,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}

	out := &BatchResult{}
	calls := 0
	for _, doc := range due {
		p, err := s.registry.Get(doc.Provider)
		if err != nil {
			out.record(nil, fmt.Errorf("document %d: %w", doc.ID, err))
			continue
		}
		if calls > 0 {
			if err := s.pace(ctx); err != nil {
				return out, err
			}
		}
		calls++
		res, err := s.send(ctx, p, doc.DocumentType, *doc.LocalReferenceID, store.SourceRetry)
		out.record(res, err)
	}

	if s.features.AutoSend && out.Processed < limit {
		if err := s.autoSend(ctx, limit-out.Processed, out, &calls); err != nil {
			return out, err
		}
	}

	s.logger.Info("processed pending documents",
		"processed", out.Processed,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
	)
	return out, nil
}

func (s *Service) autoSend(ctx context.Context, limit int, out *BatchResult, calls *int) error {
	p, err := s.registry.Get("")
	if err != nil {
		s.logger.Warn("auto-send skipped", "error", err)
		return nil
	}
	since := s.now().Add(-s.jobs.AutoSendWindow)

	for _, kind := range []model.DocumentType{model.DocumentTypeInvoice, model.DocumentTypeCreditNote} {
		ids, err := s.ledger.RecentInvoiceIDs(ctx, kind, since, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if limit <= 0 {
				return nil
			}
			_, err := s.store.FindOutbound(ctx, kind, id, p.ID())
			if err == nil {
				continue
			}
			var nf *model.NotFoundError
			if !errors.As(err, &nf) {
				return err
			}
			if *calls > 0 {
				if err := s.pace(ctx); err != nil {
					return err
				}
			}
			*calls++
			limit--
			res, err := s.send(ctx, p, kind, id, store.SourceSend)
			out.record(res, err)
		}
	}
	return nil
}

// recoverStale fails sends stuck in sending, e.g. after a crash mid-call, so
// the retry job picks them up again
func (s *Service) recoverStale(ctx context.Context, limit int) (int, error) {
	if s.jobs.StaleSending <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.jobs.StaleSending)
	stale, err := s.store.List(ctx, store.Filter{
		Direction:     model.DirectionOutbound,
		Statuses:      []model.Status{model.StatusSending},
		UpdatedBefore: &cutoff,
		Limit:         limit,
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range stale {
		doc := &stale[i]
		next := s.now()
		msg := "send interrupted"
		applied, err := s.transition(ctx, doc, model.StatusFailed, store.SourceRecovery, msg, func(d *model.PeppolDocument) {
			d.SetErrorMessage(msg)
			d.NextRetryAt = &next
		})
		if err != nil {
			s.logger.Warn("failed to recover stale send", "document_id", doc.ID, "error", err)
			continue
		}
		if applied {
			recovered++
			s.activity(ctx, doc.Provider, ActionSend, model.ActivityWarning, msg, doc.ID, nil)
		}
	}
	return recovered, nil
}
