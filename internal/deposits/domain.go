package deposits

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Document statuses the ledger cares about. The full status set lives with
// the lifecycle orchestrator; the ledger only ever filters on these.
const (
	StatusPaid    = "PAID"
	StatusPartial = "PARTIAL"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrQuoteNotFound     = errors.New("quote not found")
	ErrNotFinalInvoice   = errors.New("document is not a final invoice")
	ErrInvalidDepositIDs = errors.New("invalid or unpaid deposit invoices")
	ErrInvoiceLocked     = errors.New("invoice is locked")
	ErrDepositNotApplied = errors.New("deposit is not applied to this invoice")
)

// Invoice is the ledger's projection of a stored document: the fields that
// participate in deposit application and amount-due math.
type Invoice struct {
	ID                   uuid.UUID
	Number               string
	Type                 string
	Status               string
	DevisID              *uuid.UUID
	ClientName           string
	TotalTTC             decimal.Decimal
	PaidAmount           decimal.Decimal
	TotalDepositsApplied decimal.Decimal
	AppliedDepositIDs    []uuid.UUID
	AmountDue            decimal.Decimal
	Balance              decimal.Decimal
	IsLocked             bool
	IsDraft              bool
}

// DepositInvoice is the ledger's projection of a deposit invoice linked to a
// quote.
type DepositInvoice struct {
	ID                 uuid.UUID
	Number             string
	TotalTTC           decimal.Decimal
	PaidAmount         decimal.Decimal
	Status             string
	AppliedToInvoiceID *uuid.UUID
}

// AppliedDeposit reports one deposit's contribution to a final invoice. The
// applied amount is the deposit's actually paid amount, never its face value.
type AppliedDeposit struct {
	ID            uuid.UUID       `json:"id"`
	Number        string          `json:"number"`
	TotalTTC      decimal.Decimal `json:"total_ttc"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	AppliedAmount decimal.Decimal `json:"applied_amount"`
}

// ApplyResult is the outcome of applying deposits to a final invoice.
type ApplyResult struct {
	FinalInvoiceID       uuid.UUID        `json:"final_invoice_id"`
	AppliedDeposits      []AppliedDeposit `json:"applied_deposits"`
	TotalDepositsApplied decimal.Decimal  `json:"total_deposits_applied"`
	AmountDue            decimal.Decimal  `json:"amount_due"`
	NewBalance           decimal.Decimal  `json:"new_balance"`
}

// SummaryLine describes one deposit invoice in a quote's deposit summary.
type SummaryLine struct {
	ID                 uuid.UUID       `json:"id"`
	Number             string          `json:"number"`
	TotalTTC           decimal.Decimal `json:"total_ttc"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	Status             string          `json:"status"`
	IsApplied          bool            `json:"is_applied"`
	AppliedToInvoiceID *uuid.UUID      `json:"applied_to_invoice_id,omitempty"`
}

// Summary aggregates a quote's deposit position.
type Summary struct {
	DevisID                uuid.UUID       `json:"devis_id"`
	DevisNumber            string          `json:"devis_number"`
	TotalTTC               decimal.Decimal `json:"total_ttc"`
	DepositInvoices        []SummaryLine   `json:"deposit_invoices"`
	TotalDepositsIssued    decimal.Decimal `json:"total_deposits_issued"`
	TotalDepositsPaid      decimal.Decimal `json:"total_deposits_paid"`
	RemainingAfterDeposits decimal.Decimal `json:"remaining_after_deposits"`
}

// AmountDue computes max(0, totalTTC - totalDepositsApplied - paidAmount).
// Over-covered invoices clamp to zero, never go negative.
func AmountDue(totalTTC, totalDepositsApplied, paidAmount decimal.Decimal) decimal.Decimal {
	due := totalTTC.Sub(totalDepositsApplied).Sub(paidAmount)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
