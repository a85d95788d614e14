package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rezonia/peppol-connector/internal/model"
)

// ClaimOutcome is the result of claiming an outbound document for transmission
type ClaimOutcome int

const (
	// ClaimAcquired means the caller owns the send; the row is now sending
	ClaimAcquired ClaimOutcome = iota
	// ClaimInFlight means another caller is sending the same document
	ClaimInFlight
	// ClaimAlreadySent means the document left the outbox already
	ClaimAlreadySent
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimInFlight:
		return "in_flight"
	case ClaimAlreadySent:
		return "already_sent"
	}
	return "unknown"
}

// Transition sources recorded in the status history
const (
	SourceSend     = "send"
	SourceRetry    = "retry"
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceResponse = "response"
	SourceInbound  = "inbound"
	SourceRecovery = "recovery"
)

// Filter selects documents for the batch jobs
type Filter struct {
	Direction    model.Direction
	Provider     string
	DocumentType model.DocumentType
	Statuses     []model.Status
	// WithVendorID keeps only documents acknowledged by a provider
	WithVendorID bool
	// MaxAttempts keeps documents with fewer attempts; zero disables the check
	MaxAttempts int
	// DueBy keeps documents whose retry time is unset or not after DueBy
	DueBy *time.Time
	// RetryableOnly drops permanent failures (failed without a retry time)
	// and rows with no local document to rebuild from
	RetryableOnly bool
	// UpdatedBefore keeps documents untouched since the given time
	UpdatedBefore *time.Time
	Limit         int
}

// Get loads a document by id
func (s *Store) Get(ctx context.Context, id uint) (*model.PeppolDocument, error) {
	var doc model.PeppolDocument
	err := s.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NewNotFoundError("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return &doc, nil
}

// FindOutbound returns the outbound record of a local document for a provider
func (s *Store) FindOutbound(ctx context.Context, docType model.DocumentType, localID uint, provider string) (*model.PeppolDocument, error) {
	var doc model.PeppolDocument
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND local_reference_id = ? AND provider = ?", docType, localID, provider).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NewNotFoundError("document", fmt.Sprintf("%s/%d", docType, localID))
	}
	if err != nil {
		return nil, fmt.Errorf("find outbound %s/%d: %w", docType, localID, err)
	}
	return &doc, nil
}

// FindByVendorID returns the document a provider knows under vendorID
func (s *Store) FindByVendorID(ctx context.Context, provider, vendorID string) (*model.PeppolDocument, error) {
	var doc model.PeppolDocument
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_document_id = ?", provider, vendorID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NewNotFoundError("document", vendorID)
	}
	if err != nil {
		return nil, fmt.Errorf("find document %s/%s: %w", provider, vendorID, err)
	}
	return &doc, nil
}

// List returns documents matching f, oldest first
func (s *Store) List(ctx context.Context, f Filter) ([]model.PeppolDocument, error) {
	q := s.db.WithContext(ctx).Model(&model.PeppolDocument{})
	if f.Direction != "" {
		q = q.Where("direction = ?", f.Direction)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.DocumentType != "" {
		q = q.Where("document_type = ?", f.DocumentType)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.WithVendorID {
		q = q.Where("provider_document_id IS NOT NULL AND provider_document_id <> ''")
	}
	if f.MaxAttempts > 0 {
		q = q.Where("attempts < ?", f.MaxAttempts)
	}
	if f.DueBy != nil {
		q = q.Where("next_retry_at IS NULL OR next_retry_at <= ?", *f.DueBy)
	}
	if f.RetryableOnly {
		q = q.Where("local_reference_id IS NOT NULL").
			Where("status <> ? OR next_retry_at IS NOT NULL", model.StatusFailed)
	}
	if f.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", *f.UpdatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var docs []model.PeppolDocument
	if err := q.Order("id ASC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// Claim atomically takes ownership of sending a local document through a
// provider. A missing row is inserted as sending; a pending or failed row is
// reclaimed under a row lock. Concurrent claims for the same document resolve
// to exactly one ClaimAcquired.
func (s *Store) Claim(ctx context.Context, docType model.DocumentType, localID uint, provider string) (*model.PeppolDocument, ClaimOutcome, error) {
	ref := localID
	doc := &model.PeppolDocument{
		DocumentType:     docType,
		Direction:        model.DirectionOutbound,
		Provider:         provider,
		LocalReferenceID: &ref,
		Status:           model.StatusSending,
		ProviderMetadata: datatypes.JSONMap{},
		Attempts:         1,
	}

	var outcome ClaimOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(doc)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			outcome = ClaimAcquired
			return s.recordHistory(tx, doc.ID, "", model.StatusSending, SourceSend, "")
		}

		var existing model.PeppolDocument
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_type = ? AND local_reference_id = ? AND provider = ?", docType, localID, provider).
			First(&existing).Error
		if err != nil {
			return err
		}
		*doc = existing

		switch existing.Status {
		case model.StatusPending, model.StatusFailed:
			from := existing.Status
			doc.Status = model.StatusSending
			doc.Attempts++
			doc.NextRetryAt = nil
			if err := tx.Save(doc).Error; err != nil {
				return err
			}
			outcome = ClaimAcquired
			return s.recordHistory(tx, doc.ID, from, model.StatusSending, SourceRetry, "")
		case model.StatusSending:
			outcome = ClaimInFlight
		default:
			outcome = ClaimAlreadySent
		}
		return nil
	})
	if err != nil {
		return nil, outcome, fmt.Errorf("claim %s/%d: %w", docType, localID, err)
	}
	return doc, outcome, nil
}

// CreateInbound stores a received document. A document the provider already
// delivered is returned with created=false.
func (s *Store) CreateInbound(ctx context.Context, doc *model.PeppolDocument) (bool, error) {
	if doc.VendorID() == "" {
		return false, model.NewValidationError("provider_document_id", nil, "required", "inbound documents need a provider document id")
	}
	doc.Direction = model.DirectionInbound
	doc.LocalReferenceID = nil
	if doc.Status == "" {
		doc.Status = model.StatusReceived
	}
	if doc.ReceivedAt == nil {
		now := s.now()
		doc.ReceivedAt = &now
	}
	if doc.ProviderMetadata == nil {
		doc.ProviderMetadata = datatypes.JSONMap{}
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(doc)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			created = true
			return s.recordHistory(tx, doc.ID, "", doc.Status, SourceInbound, "")
		}
		return tx.Where("provider = ? AND provider_document_id = ?", doc.Provider, doc.VendorID()).First(doc).Error
	})
	if err != nil {
		return false, fmt.Errorf("store inbound %s/%s: %w", doc.Provider, doc.VendorID(), err)
	}
	return created, nil
}

// Transition moves a document to a new status under a row lock and records the
// change. mutate, when set, edits the locked row before it is saved. Moving to
// the current status is a no-op reported as applied=false. A move the
// transition table refuses returns a *model.TransitionError and changes nothing.
func (s *Store) Transition(ctx context.Context, doc *model.PeppolDocument, to model.Status, source, message string, mutate func(*model.PeppolDocument)) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.PeppolDocument
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, doc.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.NewNotFoundError("document", doc.ID)
			}
			return err
		}

		if current.Status == to {
			*doc = current
			return nil
		}
		if !model.CanTransition(current.Direction, current.Status, to) {
			*doc = current
			return &model.TransitionError{DocumentID: current.ID, From: current.Status, To: to}
		}

		from := current.Status
		if current.ProviderMetadata == nil {
			current.ProviderMetadata = datatypes.JSONMap{}
		}
		if mutate != nil {
			mutate(&current)
		}
		current.Status = to
		if err := tx.Save(&current).Error; err != nil {
			return err
		}
		if err := s.recordHistory(tx, current.ID, from, to, source, message); err != nil {
			return err
		}
		*doc = current
		applied = true
		return nil
	})
	if err != nil {
		var te *model.TransitionError
		var nf *model.NotFoundError
		if errors.As(err, &te) || errors.As(err, &nf) {
			return false, err
		}
		return false, fmt.Errorf("transition document %d to %s: %w", doc.ID, to, err)
	}
	return applied, nil
}

// Update edits a document under a row lock without changing its status
func (s *Store) Update(ctx context.Context, id uint, mutate func(*model.PeppolDocument) error) (*model.PeppolDocument, error) {
	var current model.PeppolDocument
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.NewNotFoundError("document", id)
			}
			return err
		}
		if current.ProviderMetadata == nil {
			current.ProviderMetadata = datatypes.JSONMap{}
		}
		status := current.Status
		if err := mutate(&current); err != nil {
			return err
		}
		current.Status = status
		return tx.Save(&current).Error
	})
	if err != nil {
		return nil, err
	}
	return &current, nil
}

// History returns the applied transitions of a document, oldest first
func (s *Store) History(ctx context.Context, documentID uint) ([]model.StatusHistory, error) {
	var rows []model.StatusHistory
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history of document %d: %w", documentID, err)
	}
	return rows, nil
}

func (s *Store) recordHistory(tx *gorm.DB, documentID uint, from, to model.Status, source, message string) error {
	return tx.Create(&model.StatusHistory{
		DocumentID: documentID,
		FromStatus: from,
		ToStatus:   to,
		Source:     source,
		Message:    message,
		CreatedAt:  s.now(),
	}).Error
}
