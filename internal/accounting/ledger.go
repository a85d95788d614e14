// Package accounting is the local ledger the connector reads outbound
// documents from and writes expenses and imported purchase invoices to.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/rezonia/peppol-connector/internal/model"
)

// Client is a customer or supplier
type Client struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:255;not null" json:"name"`
	PeppolID    string `gorm:"size:100" json:"peppol_id"`
	VATNumber   string `gorm:"size:50" json:"vat_number"`
	Street      string `gorm:"size:255" json:"street"`
	City        string `gorm:"size:100" json:"city"`
	PostalCode  string `gorm:"size:20" json:"postal_code"`
	CountryCode string `gorm:"size:2" json:"country_code"`
	Email       string `gorm:"size:255" json:"email"`
}

// TableName overrides the table name
func (Client) TableName() string {
	return "ledger_clients"
}

// Invoice is a sales or purchase invoice or credit note
type Invoice struct {
	ID               uint               `gorm:"primaryKey" json:"id"`
	Kind             model.DocumentType `gorm:"size:20;not null;index" json:"kind"`
	Number           string             `gorm:"size:50;not null" json:"number"`
	Purchase         bool               `gorm:"not null;default:false;index" json:"purchase"`
	// PeppolDocumentID links a purchase to the received document it was imported from
	PeppolDocumentID *uint              `gorm:"uniqueIndex" json:"peppol_document_id,omitempty"`
	ClientID         *uint              `json:"client_id,omitempty"`
	Client           *Client            `json:"client,omitempty"`
	SupplierName     string             `gorm:"size:255" json:"supplier_name,omitempty"`
	SupplierPeppolID string             `gorm:"size:100" json:"supplier_peppol_id,omitempty"`
	IssueDate        time.Time          `json:"issue_date"`
	DueDate          *time.Time         `json:"due_date,omitempty"`
	Currency         string             `gorm:"size:3;not null" json:"currency"`
	BuyerReference   string             `gorm:"size:100" json:"buyer_reference,omitempty"`
	OriginalNumber   string             `gorm:"size:50" json:"original_number,omitempty"`
	Notes            string             `gorm:"type:text" json:"notes,omitempty"`
	Subtotal         decimal.Decimal    `gorm:"type:decimal(15,2)" json:"subtotal"`
	TaxTotal         decimal.Decimal    `gorm:"type:decimal(15,2)" json:"tax_total"`
	Total            decimal.Decimal    `gorm:"type:decimal(15,2)" json:"total"`
	Lines            []InvoiceLine      `json:"lines"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// TableName overrides the table name
func (Invoice) TableName() string {
	return "ledger_invoices"
}

// InvoiceLine is one line of an invoice
type InvoiceLine struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	InvoiceID   uint            `gorm:"not null;index" json:"invoice_id"`
	Description string          `gorm:"size:255;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(15,4)" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(15,4)" json:"unit_price"`
	TaxRate     decimal.Decimal `gorm:"type:decimal(5,2)" json:"tax_rate"`
}

// TableName overrides the table name
func (InvoiceLine) TableName() string {
	return "ledger_invoice_lines"
}

// ExpenseCategory groups expenses
type ExpenseCategory struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:100;not null;uniqueIndex" json:"name"`
}

// TableName overrides the table name
func (ExpenseCategory) TableName() string {
	return "ledger_expense_categories"
}

// Expense is a cost booked from a received document
type Expense struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	CategoryID       uint            `gorm:"not null;index" json:"category_id"`
	Date             time.Time       `json:"date"`
	Amount           decimal.Decimal `gorm:"type:decimal(15,2)" json:"amount"`
	Currency         string          `gorm:"size:3" json:"currency"`
	Reference        string          `gorm:"size:100" json:"reference"`
	SupplierName     string          `gorm:"size:255" json:"supplier_name"`
	Note             string          `gorm:"type:text" json:"note,omitempty"`
	PeppolDocumentID uint            `gorm:"not null;uniqueIndex" json:"peppol_document_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TableName overrides the table name
func (Expense) TableName() string {
	return "ledger_expenses"
}

// Ledger reads and writes ledger records with gorm
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a ledger on db
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates the ledger tables
func (l *Ledger) Migrate() error {
	if err := l.db.AutoMigrate(&Client{}, &Invoice{}, &InvoiceLine{}, &ExpenseCategory{}, &Expense{}); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// Invoice loads a sales invoice or credit note with its client and lines
func (l *Ledger) Invoice(ctx context.Context, kind model.DocumentType, id uint) (*Invoice, error) {
	var inv Invoice
	err := l.db.WithContext(ctx).
		Preload("Client").
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("kind = ? AND purchase = ?", kind, false).
		First(&inv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NewNotFoundError(string(kind), id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %d: %w", kind, id, err)
	}
	return &inv, nil
}

// RecentInvoiceIDs lists sales documents of a kind issued since the given time
func (l *Ledger) RecentInvoiceIDs(ctx context.Context, kind model.DocumentType, since time.Time, limit int) ([]uint, error) {
	var ids []uint
	q := l.db.WithContext(ctx).Model(&Invoice{}).
		Where("kind = ? AND purchase = ? AND issue_date >= ?", kind, false, since).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list recent %s: %w", kind, err)
	}
	return ids, nil
}

// CreateClient stores a client
func (l *Ledger) CreateClient(ctx context.Context, c *Client) error {
	return l.db.WithContext(ctx).Create(c).Error
}

// CreateInvoice stores an invoice with its lines
func (l *Ledger) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if !inv.Kind.Valid() {
		return model.NewValidationError("kind", inv.Kind, "enum", "must be invoice or credit_note")
	}
	if strings.TrimSpace(inv.Number) == "" {
		return model.NewValidationError("number", nil, "required", "invoice number is required")
	}
	if err := l.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("create %s %s: %w", inv.Kind, inv.Number, err)
	}
	return nil
}

// ImportPurchase stores a received document as a purchase invoice. Imports
// are unique per PEPPOL document: when the document was imported before, inv
// is replaced by the existing purchase and created is false.
func (l *Ledger) ImportPurchase(ctx context.Context, inv *Invoice) (created bool, err error) {
	if inv.PeppolDocumentID == nil || *inv.PeppolDocumentID == 0 {
		return false, model.NewValidationError("peppol_document_id", nil, "required", "purchase must reference its PEPPOL document")
	}
	inv.Purchase = true
	if err := l.CreateInvoice(ctx, inv); err != nil {
		existing, findErr := l.purchaseFor(ctx, *inv.PeppolDocumentID)
		if findErr != nil {
			return false, err
		}
		*inv = *existing
		return false, nil
	}
	return true, nil
}

func (l *Ledger) purchaseFor(ctx context.Context, peppolDocumentID uint) (*Invoice, error) {
	var inv Invoice
	err := l.db.WithContext(ctx).Preload("Lines").
		Where("purchase = ? AND peppol_document_id = ?", true, peppolDocumentID).
		First(&inv).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CategoryExists reports whether an expense category id is present
func (l *Ledger) CategoryExists(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&ExpenseCategory{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check category %d: %w", id, err)
	}
	return count > 0, nil
}

// FindCategory looks up an expense category by name
func (l *Ledger) FindCategory(ctx context.Context, name string) (*ExpenseCategory, error) {
	var cat ExpenseCategory
	err := l.db.WithContext(ctx).Where("name = ?", name).First(&cat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NewNotFoundError("expense_category", name)
	}
	if err != nil {
		return nil, fmt.Errorf("find category %s: %w", name, err)
	}
	return &cat, nil
}

// CreateCategory stores a new expense category
func (l *Ledger) CreateCategory(ctx context.Context, name string) (*ExpenseCategory, error) {
	cat := &ExpenseCategory{Name: name}
	if err := l.db.WithContext(ctx).Create(cat).Error; err != nil {
		return nil, fmt.Errorf("create category %s: %w", name, err)
	}
	return cat, nil
}

// CreateExpense books an expense. There is at most one expense per PEPPOL
// document: when one exists already, e is replaced by it and created is false.
func (l *Ledger) CreateExpense(ctx context.Context, e *Expense) (created bool, err error) {
	if e.CategoryID == 0 {
		return false, model.NewValidationError("category_id", nil, "required", "expense category is required")
	}
	if e.PeppolDocumentID == 0 {
		return false, model.NewValidationError("peppol_document_id", nil, "required", "expense must reference its PEPPOL document")
	}
	if err := l.db.WithContext(ctx).Create(e).Error; err != nil {
		var existing Expense
		if findErr := l.db.WithContext(ctx).Where("peppol_document_id = ?", e.PeppolDocumentID).First(&existing).Error; findErr != nil {
			return false, fmt.Errorf("create expense: %w", err)
		}
		*e = existing
		return false, nil
	}
	return true, nil
}

// Expenses lists the expenses booked from a PEPPOL document
func (l *Ledger) Expenses(ctx context.Context, peppolDocumentID uint) ([]Expense, error) {
	var out []Expense
	err := l.db.WithContext(ctx).Where("peppol_document_id = ?", peppolDocumentID).Find(&out).Error
	return out, err
}
