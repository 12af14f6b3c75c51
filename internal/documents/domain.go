package documents

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/sequence"
)

// Status is a document's lifecycle status. Which subset applies depends on
// the document type; the orchestrator only inspects the ones below.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSent      Status = "SENT"
	StatusAccepted  Status = "ACCEPTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusDelivered Status = "DELIVERED"
	StatusSigned    Status = "SIGNED"
	StatusPartial   Status = "PARTIAL"
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

var (
	ErrNotFound             = errors.New("document not found")
	ErrLocked               = errors.New("document is locked")
	ErrInvalidState         = errors.New("invalid document state")
	ErrInvalidAmount        = errors.New("payment amount must be positive")
	ErrAmountExceedsBalance = errors.New("payment amount exceeds remaining balance")
	ErrConversionNotAllowed = errors.New("conversion not allowed")
	ErrDepositExceedsQuote  = errors.New("deposit amount exceeds the quote's remaining balance")
)

// Document is the shared entity behind every CRM document kind, discriminated
// by Type.
type Document struct {
	ID                   uuid.UUID        `json:"id"`
	Number               string           `json:"number"`
	DraftNumber          string           `json:"draft_number,omitempty"`
	Type                 sequence.DocType `json:"type"`
	Year                 int              `json:"year"`
	Date                 time.Time        `json:"date"`
	Status               Status           `json:"status"`
	ClientName           string           `json:"client_name"`
	TotalHT              decimal.Decimal  `json:"total_ht"`
	TotalTVA             decimal.Decimal  `json:"total_tva"`
	TotalTTC             decimal.Decimal  `json:"total_ttc"`
	PaidAmount           decimal.Decimal  `json:"paid_amount"`
	Balance              decimal.Decimal  `json:"balance"`
	TotalDepositsApplied decimal.Decimal  `json:"total_deposits_applied"`
	AppliedDepositIDs    []uuid.UUID      `json:"applied_deposit_ids,omitempty"`
	AmountDue            decimal.Decimal  `json:"amount_due"`
	DevisID              *uuid.UUID       `json:"devis_id,omitempty"`
	AppliedToInvoiceID   *uuid.UUID       `json:"applied_to_invoice_id,omitempty"`
	ParentID             *uuid.UUID       `json:"parent_id,omitempty"`
	DepositPercent       *decimal.Decimal `json:"deposit_percent,omitempty"`
	Notes                string           `json:"notes,omitempty"`
	IsLocked             bool             `json:"is_locked"`
	IsDraft              bool             `json:"is_draft"`
	IssuedAt             *time.Time       `json:"issued_at,omitempty"`
	IssuedBy             string           `json:"issued_by,omitempty"`
	ContentHash          string           `json:"content_hash,omitempty"`
	ArchivedPDFURL       string           `json:"archived_pdf_url,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Payment is one recorded payment. Immutable once created.
type Payment struct {
	ID         uuid.UUID       `json:"id"`
	Number     string          `json:"number"`
	DocumentID *uuid.UUID      `json:"document_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"date"`
	Method     string          `json:"method"`
	Reference  string          `json:"reference,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IssueResult reports a successful issuance.
type IssueResult struct {
	Document       *Document `json:"document"`
	PreviousNumber string    `json:"previous_number"`
}

// LockStatus summarises what may still be done to a document.
type LockStatus struct {
	IsLocked  bool       `json:"is_locked"`
	IsDraft   bool       `json:"is_draft"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	IssuedBy  string     `json:"issued_by,omitempty"`
	CanEdit   bool       `json:"can_edit"`
	CanDelete bool       `json:"can_delete"`
	CanIssue  bool       `json:"can_issue"`
}

// payableTypes are the kinds that accept payments.
var payableTypes = map[sequence.DocType]bool{
	sequence.DocTypeFacture:        true,
	sequence.DocTypeFactureAcompte: true,
}

// issuedStatus maps a document type to the status it enters on issuance.
// PV stays DRAFT until signed.
func issuedStatus(t sequence.DocType) Status {
	switch t {
	case sequence.DocTypeBC:
		return StatusConfirmed
	case sequence.DocTypeBL:
		return StatusDelivered
	case sequence.DocTypePV:
		return StatusDraft
	default:
		return StatusSent
	}
}

// allowedConversions describes the document chain:
// DEVIS → BC → BL → PV → FACTURE → AVOIR, with shortcut paths to FACTURE.
var allowedConversions = map[sequence.DocType][]sequence.DocType{
	sequence.DocTypeDevis:   {sequence.DocTypeBC},
	sequence.DocTypeBC:      {sequence.DocTypeBL, sequence.DocTypeFacture},
	sequence.DocTypeBL:      {sequence.DocTypePV, sequence.DocTypeFacture},
	sequence.DocTypePV:      {sequence.DocTypeFacture},
	sequence.DocTypeFacture: {sequence.DocTypeAvoir},
}

// conversionSourceStatuses lists the statuses a source must hold to convert.
var conversionSourceStatuses = map[sequence.DocType][]Status{
	sequence.DocTypeDevis:   {StatusAccepted},
	sequence.DocTypeBC:      {StatusConfirmed, StatusPartial},
	sequence.DocTypeBL:      {StatusDelivered, StatusPartial},
	sequence.DocTypePV:      {StatusSigned},
	sequence.DocTypeFacture: {StatusPaid, StatusPartial, StatusOverdue},
}

func canConvert(source sequence.DocType, target sequence.DocType) bool {
	for _, allowed := range allowedConversions[source] {
		if allowed == target {
			return true
		}
	}
	return false
}

func conversionStatusOK(doc *Document) bool {
	required, ok := conversionSourceStatuses[doc.Type]
	if !ok {
		return false
	}
	for _, status := range required {
		if doc.Status == status {
			return true
		}
	}
	return false
}

// ContentHash returns the sha256 hash of the document's economic content.
// Stored at issuance; any later divergence means tampering.
func ContentHash(doc *Document) string {
	content, _ := json.Marshal(map[string]string{
		"type":        string(doc.Type),
		"number":      doc.Number,
		"client_name": doc.ClientName,
		"date":        doc.Date.UTC().Format(time.RFC3339),
		"total_ht":    doc.TotalHT.String(),
		"total_tva":   doc.TotalTVA.String(),
		"total_ttc":   doc.TotalTTC.String(),
	})
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
