package deposits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for the deposit ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a transaction, handing it a repository bound to that
// transaction. All deposit mutations for one invoice happen in a single
// transaction with the invoice row locked up front.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const invoiceColumns = `
	id, number, doc_type, status, devis_id, client_name,
	total_ttc::text, paid_amount::text, total_deposits_applied::text,
	applied_deposit_ids, amount_due::text, balance::text, is_locked, is_draft
`

// GetInvoice loads the ledger projection of a document.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM crm_documents WHERE id = $1`
	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

// GetQuote loads the quote fields the deposit summary needs.
func (r *Repository) GetQuote(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	quote, err := r.GetInvoice(ctx, id)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil, ErrQuoteNotFound
	}
	return quote, err
}

// ListDepositInvoices returns every deposit invoice issued against a quote,
// oldest first.
func (r *Repository) ListDepositInvoices(ctx context.Context, devisID uuid.UUID) ([]DepositInvoice, error) {
	const query = `
		SELECT id, number, total_ttc::text, paid_amount::text, status, applied_to_invoice_id
		FROM crm_documents
		WHERE doc_type = 'FACTURE_ACOMPTE' AND devis_id = $1
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, devisID)
	if err != nil {
		return nil, fmt.Errorf("list deposit invoices: %w", err)
	}
	defer rows.Close()
	return scanDeposits(rows)
}

// TxRepository is the transaction-scoped port the ledger mutates through.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetDeposit(ctx context.Context, id uuid.UUID) (*DepositInvoice, error)
	ListPaidDeposits(ctx context.Context, devisID uuid.UUID) ([]DepositInvoice, error)
	UpdateDepositApplication(ctx context.Context, invoiceID uuid.UUID, totalApplied decimal.Decimal, appliedIDs []uuid.UUID, amountDue decimal.Decimal) error
	LinkDeposit(ctx context.Context, depositID, finalInvoiceID uuid.UUID) error
	UnlinkDeposit(ctx context.Context, depositID uuid.UUID) error
}

type txRepository struct {
	tx pgx.Tx
}

// GetInvoiceForUpdate locks the invoice row for the remainder of the
// transaction, serializing concurrent deposit mutations per invoice.
func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM crm_documents WHERE id = $1 FOR UPDATE`
	return scanInvoice(r.tx.QueryRow(ctx, query, id))
}

func (r *txRepository) GetDeposit(ctx context.Context, id uuid.UUID) (*DepositInvoice, error) {
	const query = `
		SELECT id, number, total_ttc::text, paid_amount::text, status, applied_to_invoice_id
		FROM crm_documents
		WHERE id = $1 AND doc_type = 'FACTURE_ACOMPTE'
	`
	rows, err := r.tx.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get deposit invoice: %w", err)
	}
	defer rows.Close()
	deposits, err := scanDeposits(rows)
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return nil, ErrDocumentNotFound
	}
	return &deposits[0], nil
}

// ListPaidDeposits returns the quote's deposit invoices eligible for
// application: those in PAID or PARTIAL status.
func (r *txRepository) ListPaidDeposits(ctx context.Context, devisID uuid.UUID) ([]DepositInvoice, error) {
	const query = `
		SELECT id, number, total_ttc::text, paid_amount::text, status, applied_to_invoice_id
		FROM crm_documents
		WHERE doc_type = 'FACTURE_ACOMPTE' AND devis_id = $1 AND status = ANY($2)
		ORDER BY created_at
	`
	rows, err := r.tx.Query(ctx, query, devisID, []string{StatusPaid, StatusPartial})
	if err != nil {
		return nil, fmt.Errorf("list paid deposits: %w", err)
	}
	defer rows.Close()
	return scanDeposits(rows)
}

// UpdateDepositApplication replaces the invoice's applied-deposit set and the
// derived totals in one statement. balance always mirrors amount_due.
func (r *txRepository) UpdateDepositApplication(ctx context.Context, invoiceID uuid.UUID, totalApplied decimal.Decimal, appliedIDs []uuid.UUID, amountDue decimal.Decimal) error {
	const query = `
		UPDATE crm_documents
		SET total_deposits_applied = $2::numeric,
		    applied_deposit_ids = $3,
		    amount_due = $4::numeric,
		    balance = $4::numeric,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query, invoiceID, totalApplied.String(), appliedIDs, amountDue.String())
	if err != nil {
		return fmt.Errorf("update deposit application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// LinkDeposit records the back-reference from a deposit invoice to the final
// invoice consuming it.
func (r *txRepository) LinkDeposit(ctx context.Context, depositID, finalInvoiceID uuid.UUID) error {
	const query = `UPDATE crm_documents SET applied_to_invoice_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.tx.Exec(ctx, query, depositID, finalInvoiceID); err != nil {
		return fmt.Errorf("link deposit %s: %w", depositID, err)
	}
	return nil
}

func (r *txRepository) UnlinkDeposit(ctx context.Context, depositID uuid.UUID) error {
	const query = `UPDATE crm_documents SET applied_to_invoice_id = NULL, updated_at = NOW() WHERE id = $1`
	if _, err := r.tx.Exec(ctx, query, depositID); err != nil {
		return fmt.Errorf("unlink deposit %s: %w", depositID, err)
	}
	return nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv                                   Invoice
		totalTTC, paid, applied, due, balance string
	)
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.Type, &inv.Status, &inv.DevisID, &inv.ClientName,
		&totalTTC, &paid, &applied,
		&inv.AppliedDepositIDs, &due, &balance, &inv.IsLocked, &inv.IsDraft,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	for target, raw := range map[*decimal.Decimal]string{
		&inv.TotalTTC:             totalTTC,
		&inv.PaidAmount:           paid,
		&inv.TotalDepositsApplied: applied,
		&inv.AmountDue:            due,
		&inv.Balance:              balance,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse invoice amount %q: %w", raw, err)
		}
		*target = d
	}
	return &inv, nil
}

func scanDeposits(rows pgx.Rows) ([]DepositInvoice, error) {
	var deposits []DepositInvoice
	for rows.Next() {
		var (
			dep            DepositInvoice
			totalTTC, paid string
		)
		if err := rows.Scan(&dep.ID, &dep.Number, &totalTTC, &paid, &dep.Status, &dep.AppliedToInvoiceID); err != nil {
			return nil, fmt.Errorf("scan deposit invoice: %w", err)
		}
		var err error
		if dep.TotalTTC, err = decimal.NewFromString(totalTTC); err != nil {
			return nil, fmt.Errorf("parse deposit amount %q: %w", totalTTC, err)
		}
		if dep.PaidAmount, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("parse deposit amount %q: %w", paid, err)
		}
		deposits = append(deposits, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deposit invoices: %w", err)
	}
	return deposits, nil
}
