package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rezonia/peppol-connector/internal/accounting"
	dec "github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/model"
	"github.com/rezonia/peppol-connector/internal/provider"
	"github.com/rezonia/peppol-connector/internal/store"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

// OptionExpenseCategory persists the resolved expense category id
const OptionExpenseCategory = "expense_category_id"

// ResponseRequest is a business response to a received document
type ResponseRequest struct {
	DocumentID     uint                  `json:"document_id"`
	Status         model.ResponseCode    `json:"status"`
	Note           string                `json:"note,omitempty"`
	Clarifications []model.Clarification `json:"clarifications,omitempty"`
	EffectiveDate  *time.Time            `json:"effective_date,omitempty"`
	StaffID        uint                  `json:"staff_id,omitempty"`
}

// loadUBL returns the stored UBL of a received document, fetching and storing
// it through the provider when only a notification was received
func (s *Service) loadUBL(ctx context.Context, doc *model.PeppolDocument) ([]byte, error) {
	if doc.UBLContent != "" {
		return []byte(doc.UBLContent), nil
	}
	p, err := s.registry.Get(doc.Provider)
	if err != nil {
		return nil, err
	}
	r, ok := p.(provider.UBLRetriever)
	if !ok {
		return nil, model.NewNotFoundError("ubl_content", doc.ID)
	}
	if doc.VendorID() == "" {
		return nil, model.NewValidationError("provider_document_id", nil, "required", "document has no provider id to fetch UBL with")
	}
	content, err := r.GetDocumentUBL(ctx, doc.VendorID())
	if err != nil {
		return nil, err
	}
	updated, err := s.store.Update(ctx, doc.ID, func(d *model.PeppolDocument) error {
		d.UBLContent = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	*doc = *updated
	s.archiveUBL(ctx, doc, content)
	return content, nil
}

// ProcessInbound imports a received document into the ledger as a purchase
// and marks it processed. A document already imported is skipped.
func (s *Service) ProcessInbound(ctx context.Context, id uint) (*Result, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		var nf *model.NotFoundError
		if errors.As(err, &nf) {
			return failure(err.Error()), nil
		}
		return nil, err
	}
	if !doc.IsInbound() {
		return failure("only received documents can be imported"), nil
	}
	if localID, ok := doc.LocalInvoiceID(); ok {
		return &Result{Success: true, Skipped: true, Message: fmt.Sprintf("already imported as %d", localID), DocumentID: doc.ID, Status: doc.Status}, nil
	}
	if doc.Status == model.StatusRejectedInbound {
		return failure("rejected documents are not imported"), nil
	}

	content, err := s.loadUBL(ctx, doc)
	if err != nil {
		return s.inboundFailed(ctx, doc, fmt.Sprintf("cannot load UBL: %v", err))
	}
	parsed, err := ubl.Parse(content)
	if err != nil {
		return s.inboundFailed(ctx, doc, err.Error())
	}
	for _, warn := range ubl.ValidateAttachments(parsed) {
		s.activity(ctx, doc.Provider, ActionInbound, model.ActivityWarning, warn.Error(), doc.ID, nil)
	}

	purchase := purchaseFromUBL(parsed)
	purchase.PeppolDocumentID = &doc.ID
	created, err := s.ledger.ImportPurchase(ctx, purchase)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			return s.inboundFailed(ctx, doc, err.Error())
		}
		return nil, err
	}

	to := model.StatusProcessed
	if doc.Status == to || !model.CanTransition(doc.Direction, doc.Status, to) {
		updated, err := s.store.Update(ctx, doc.ID, func(d *model.PeppolDocument) error {
			d.SetLocalInvoiceID(purchase.ID)
			d.ClearErrorMessage()
			return nil
		})
		if err != nil {
			return nil, err
		}
		doc = updated
	} else if _, err := s.transition(ctx, doc, to, store.SourceInbound, "imported", func(d *model.PeppolDocument) {
		d.SetLocalInvoiceID(purchase.ID)
		d.ClearErrorMessage()
	}); err != nil {
		return nil, err
	}

	if !created {
		// imported earlier, possibly by a concurrent caller
		return &Result{Success: true, Skipped: true, Message: fmt.Sprintf("already imported as %d", purchase.ID), DocumentID: doc.ID, Status: doc.Status}, nil
	}

	s.activity(ctx, doc.Provider, ActionInbound, model.ActivitySuccess, "document imported", doc.ID, map[string]interface{}{
		"local_invoice_id": purchase.ID,
		"number":           parsed.Number,
	})
	return &Result{
		Success:    true,
		Message:    fmt.Sprintf("imported as %s %s", parsed.Type, parsed.Number),
		DocumentID: doc.ID,
		Status:     doc.Status,
	}, nil
}

func (s *Service) inboundFailed(ctx context.Context, doc *model.PeppolDocument, msg string) (*Result, error) {
	if _, err := s.store.Update(ctx, doc.ID, func(d *model.PeppolDocument) error {
		d.SetErrorMessage(msg)
		return nil
	}); err != nil {
		return nil, err
	}
	s.activity(ctx, doc.Provider, ActionInbound, model.ActivityError, msg, doc.ID, nil)
	s.logger.Warn("inbound processing failed", "document_id", doc.ID, "error", msg)
	return &Result{Success: false, Message: msg, DocumentID: doc.ID, Status: doc.Status}, nil
}

// ProcessReceived imports received documents that are not imported yet
func (s *Service) ProcessReceived(ctx context.Context, limit int) (*BatchResult, error) {
	started := time.Now()
	defer s.metrics.ObserveJob("process_received", started)
	if limit <= 0 {
		limit = s.jobs.BatchLimit
	}

	docs, err := s.store.List(ctx, store.Filter{
		Direction: model.DirectionInbound,
		Statuses:  []model.Status{model.StatusReceived, model.StatusAcknowledged},
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	out := &BatchResult{}
	for i := range docs {
		if _, ok := docs[i].LocalInvoiceID(); ok {
			continue
		}
		if out.Processed > 0 && docs[i].UBLContent == "" {
			if err := s.pace(ctx); err != nil {
				return out, err
			}
		}
		out.record(s.ProcessInbound(ctx, docs[i].ID))
	}
	return out, nil
}

// MarkDocumentStatus sends a business response for a received document and
// records the resulting status. Outbound documents are refused without any
// state change.
func (s *Service) MarkDocumentStatus(ctx context.Context, req ResponseRequest) (*Result, error) {
	if req.DocumentID == 0 {
		return failure(model.NewValidationError("document_id", nil, "required", "document id is required").Error()), nil
	}
	code := model.ResponseCode(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if !code.Valid() {
		return failure(model.NewValidationError("status", req.Status, "enum", "must be one of AB, IP, UQ, CA, RE, AP, PD").Error()), nil
	}

	doc, err := s.store.Get(ctx, req.DocumentID)
	if err != nil {
		var nf *model.NotFoundError
		if errors.As(err, &nf) {
			return failure(err.Error()), nil
		}
		return nil, err
	}
	if !doc.IsInbound() || doc.ReceivedAt == nil {
		return failure(model.NewValidationError("document_id", doc.ID, "direction", "responses can only be sent for received documents").Error()), nil
	}

	target := code.StatusFor(model.DirectionInbound)
	if target != doc.Status && !model.CanTransition(doc.Direction, doc.Status, target) {
		return failure((&model.TransitionError{DocumentID: doc.ID, From: doc.Status, To: target}).Error()), nil
	}

	p, err := s.registry.Get(doc.Provider)
	if err != nil {
		return failure(err.Error()), nil
	}
	responder, ok := p.(provider.DocumentResponder)
	if !ok {
		return failure(fmt.Sprintf("provider %s cannot send document responses", doc.Provider)), nil
	}

	effective := s.now()
	if req.EffectiveDate != nil {
		effective = *req.EffectiveDate
	}
	clarifications := model.FilterClarifications(req.Clarifications)

	sent, err := responder.SendDocumentResponse(ctx, provider.DocumentResponse{
		ProviderDocumentID: doc.VendorID(),
		Code:               code,
		Note:               req.Note,
		Clarifications:     clarifications,
		EffectiveDate:      effective,
	})
	if err != nil {
		s.activity(ctx, doc.Provider, ActionResponse, model.ActivityError, err.Error(), doc.ID, map[string]interface{}{"code": code})
		return failure(err.Error()), nil
	}
	if !sent.Success {
		s.activity(ctx, doc.Provider, ActionResponse, model.ActivityError, sent.Message, doc.ID, map[string]interface{}{"code": code})
		return failure(sent.Message), nil
	}

	response := model.Response{
		Code:           code,
		Note:           req.Note,
		Clarifications: clarifications,
		StaffID:        req.StaffID,
		EffectiveDate:  effective,
	}
	if target == doc.Status {
		updated, err := s.store.Update(ctx, doc.ID, func(d *model.PeppolDocument) error {
			d.SetResponse(response)
			return nil
		})
		if err != nil {
			return nil, err
		}
		doc = updated
	} else if _, err := s.transition(ctx, doc, target, store.SourceResponse, "response "+string(code), func(d *model.PeppolDocument) {
		d.SetResponse(response)
	}); err != nil {
		return nil, err
	}

	s.activity(ctx, doc.Provider, ActionResponse, model.ActivitySuccess, "response "+string(code)+" sent", doc.ID, map[string]interface{}{
		"code":           code,
		"clarifications": len(clarifications),
	})

	res := &Result{
		Success:            true,
		Message:            "response " + string(code) + " sent",
		DocumentID:         doc.ID,
		Status:             doc.Status,
		ProviderDocumentID: doc.VendorID(),
	}
	if s.autoExpense(doc, code) {
		exp, err := s.CreateExpenseFromDocument(ctx, doc.ID)
		switch {
		case err != nil:
			s.logger.Error("automatic expense failed", "document_id", doc.ID, "error", err)
		case !exp.Success:
			s.logger.Warn("automatic expense skipped", "document_id", doc.ID, "reason", exp.Message)
		default:
			res.ExpenseID = exp.ExpenseID
		}
	}
	return res, nil
}

func (s *Service) autoExpense(doc *model.PeppolDocument, code model.ResponseCode) bool {
	if !s.features.AutoCreateExpenses {
		return false
	}
	return containsFold(s.expense.DocumentTypes, string(doc.DocumentType)) &&
		containsFold(s.expense.ResponseCodes, string(code))
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// CreateExpenseFromDocument books a received document as an expense.
// Invoices are booked positive and credit notes negative. A document that
// already has an expense is refused.
func (s *Service) CreateExpenseFromDocument(ctx context.Context, id uint) (*Result, error) {
	s.expenseMu.Lock()
	defer s.expenseMu.Unlock()

	doc, err := s.store.Get(ctx, id)
	if err != nil {
		var nf *model.NotFoundError
		if errors.As(err, &nf) {
			return failure(err.Error()), nil
		}
		return nil, err
	}
	if !doc.IsInbound() {
		return failure("expenses can only be created from received documents"), nil
	}
	if expenseID, ok := doc.ExpenseID(); ok {
		return &Result{Success: false, Message: fmt.Sprintf("expense %d already created", expenseID), DocumentID: doc.ID, ExpenseID: expenseID}, nil
	}

	content, err := s.loadUBL(ctx, doc)
	if err != nil {
		s.activity(ctx, doc.Provider, ActionExpense, model.ActivityError, err.Error(), doc.ID, nil)
		return failure(fmt.Sprintf("cannot load UBL: %v", err)), nil
	}
	parsed, err := ubl.Parse(content)
	if err != nil {
		s.activity(ctx, doc.Provider, ActionExpense, model.ActivityError, err.Error(), doc.ID, nil)
		return failure(err.Error()), nil
	}

	categoryID, err := s.expenseCategory(ctx)
	if err != nil {
		return nil, err
	}

	expense := &accounting.Expense{
		CategoryID:       categoryID,
		Date:             parsed.IssueDate,
		Amount:           dec.SignedExpenseAmount(parsed.Total(), parsed.IsCreditNote()),
		Currency:         parsed.Currency,
		Reference:        parsed.Number,
		SupplierName:     parsed.Supplier.Name,
		Note:             parsed.Note,
		PeppolDocumentID: doc.ID,
	}
	created, err := s.ledger.CreateExpense(ctx, expense)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Update(ctx, doc.ID, func(d *model.PeppolDocument) error {
		d.SetExpenseID(expense.ID)
		return nil
	}); err != nil {
		return nil, err
	}
	if !created {
		return &Result{Success: false, Message: fmt.Sprintf("expense %d already created", expense.ID), DocumentID: doc.ID, ExpenseID: expense.ID}, nil
	}

	s.activity(ctx, doc.Provider, ActionExpense, model.ActivitySuccess, "expense created", doc.ID, map[string]interface{}{
		"expense_id": expense.ID,
		"amount":     dec.Format(expense.Amount),
	})
	s.logger.Info("expense created", "document_id", doc.ID, "expense_id", expense.ID, "amount", dec.Format(expense.Amount))

	return &Result{
		Success:    true,
		Message:    "expense created",
		DocumentID: doc.ID,
		Status:     doc.Status,
		ExpenseID:  expense.ID,
	}, nil
}

// expenseCategory resolves the category for PEPPOL expenses: the configured
// id, then the persisted option, then a lookup by name, creating it last.
// Callers hold expenseMu.
func (s *Service) expenseCategory(ctx context.Context) (uint, error) {
	if id := s.expense.CategoryID; id != 0 {
		ok, err := s.ledger.CategoryExists(ctx, id)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
		s.logger.Warn("configured expense category does not exist", "category_id", id)
	}

	if v, ok, err := s.store.GetOption(ctx, OptionExpenseCategory); err != nil {
		return 0, err
	} else if ok {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil && id > 0 {
			exists, err := s.ledger.CategoryExists(ctx, uint(id))
			if err != nil {
				return 0, err
			}
			if exists {
				return uint(id), nil
			}
		}
	}

	name := s.expense.CategoryName
	if name == "" {
		name = "PEPPOL purchases"
	}
	cat, err := s.ledger.FindCategory(ctx, name)
	if err != nil {
		var nf *model.NotFoundError
		if !errors.As(err, &nf) {
			return 0, err
		}
		created, createErr := s.ledger.CreateCategory(ctx, name)
		if createErr != nil {
			// another process may have created it first
			if cat, err = s.ledger.FindCategory(ctx, name); err != nil {
				return 0, createErr
			}
		} else {
			cat = created
		}
	}
	if err := s.store.SetOption(ctx, OptionExpenseCategory, strconv.FormatUint(uint64(cat.ID), 10)); err != nil {
		return 0, err
	}
	return cat.ID, nil
}
