package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository provides PostgreSQL backed persistence for documents and
// payments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a serializable transaction, handing it a
// transaction-bound repository. Issuance and payment recording run entirely
// inside one transaction, number allocation included, so the isolation level
// has to rule out the lost update that would mint a duplicate number.
// Serialization failures surface as sequence.ErrConflict so the service
// retries the whole transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	err := db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, seq: sequence.NewRepository(tx)})
	})
	return asConflict(err)
}

// asConflict rewraps serialization and deadlock failures, which can also
// surface at commit time, as sequence.ErrConflict.
func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", sequence.ErrConflict, err)
	}
	return err
}

// Get loads one document.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	return getDocument(ctx, r.pool, id, false)
}

// CountPayments reports how many payments target a document.
func (r *Repository) CountPayments(ctx context.Context, docID uuid.UUID) (int, error) {
	return countRows(ctx, r.pool, `SELECT COUNT(*) FROM crm_payments WHERE document_id = $1`, docID)
}

// CountChildren reports how many documents were converted from this one.
func (r *Repository) CountChildren(ctx context.Context, docID uuid.UUID) (int, error) {
	return countRows(ctx, r.pool, `SELECT COUNT(*) FROM crm_documents WHERE parent_id = $1`, docID)
}

// TxRepository is the transaction-scoped port the orchestrator mutates
// through.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Document, error)
	Insert(ctx context.Context, doc *Document) error
	UpdateIssued(ctx context.Context, doc *Document) error
	UpdateLock(ctx context.Context, id uuid.UUID, contentHash, pdfURL string, lockedAt time.Time) error
	UpdateUnlock(ctx context.Context, id uuid.UUID) error
	UpdatePaymentTotals(ctx context.Context, id uuid.UUID, paid, balance, amountDue decimal.Decimal, status Status) error
	InsertPayment(ctx context.Context, payment *Payment) error
	SumDepositInvoices(ctx context.Context, devisID uuid.UUID) (decimal.Decimal, error)
	AllocateNumber(ctx context.Context, docType sequence.DocType, year int, prefix string) (sequence.Allocation, error)
}

type txRepository struct {
	tx  pgx.Tx
	seq *sequence.Repository
}

func (r *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Document, error) {
	return getDocument(ctx, r.tx, id, true)
}

func (r *txRepository) Insert(ctx context.Context, doc *Document) error {
	const query = `
		INSERT INTO crm_documents (
			id, number, draft_number, doc_type, year, doc_date, status, client_name,
			total_ht, total_tva, total_ttc, paid_amount, balance,
			total_deposits_applied, applied_deposit_ids, amount_due,
			devis_id, parent_id, deposit_percent, notes,
			is_locked, is_draft, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14::numeric, $15, $16::numeric,
			$17, $18, $19, $20,
			$21, $22, NOW(), NOW()
		)
	`
	var percent *string
	if doc.DepositPercent != nil {
		s := doc.DepositPercent.String()
		percent = &s
	}
	_, err := r.tx.Exec(ctx, query,
		doc.ID, doc.Number, nullable(doc.DraftNumber), string(doc.Type), doc.Year, doc.Date, string(doc.Status), doc.ClientName,
		doc.TotalHT.String(), doc.TotalTVA.String(), doc.TotalTTC.String(), doc.PaidAmount.String(), doc.Balance.String(),
		doc.TotalDepositsApplied.String(), doc.AppliedDepositIDs, doc.AmountDue.String(),
		doc.DevisID, doc.ParentID, percent, nullable(doc.Notes),
		doc.IsLocked, doc.IsDraft,
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.Number, err)
	}
	return nil
}

func (r *txRepository) UpdateIssued(ctx context.Context, doc *Document) error {
	const query = `
		UPDATE crm_documents
		SET number = $2, draft_number = $3, status = $4, is_draft = FALSE,
		    is_locked = TRUE, issued_at = $5, issued_by = $6, content_hash = $7,
		    year = $8, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query,
		doc.ID, doc.Number, doc.DraftNumber, string(doc.Status),
		doc.IssuedAt, doc.IssuedBy, doc.ContentHash, doc.Year,
	)
	if err != nil {
		return fmt.Errorf("issue document %s: %w", doc.Number, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdateLock(ctx context.Context, id uuid.UUID, contentHash, pdfURL string, lockedAt time.Time) error {
	const query = `
		UPDATE crm_documents
		SET is_locked = TRUE, content_hash = $2, archived_pdf_url = $3,
		    archived_at = $4, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query, id, contentHash, nullable(pdfURL), lockedAt)
	if err != nil {
		return fmt.Errorf("lock document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdateUnlock(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE crm_documents SET is_locked = FALSE, updated_at = NOW() WHERE id = $1`
	tag, err := r.tx.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("unlock document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdatePaymentTotals(ctx context.Context, id uuid.UUID, paid, balance, amountDue decimal.Decimal, status Status) error {
	const query = `
		UPDATE crm_documents
		SET paid_amount = $2::numeric, balance = $3::numeric, amount_due = $4::numeric,
		    status = $5, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.tx.Exec(ctx, query, id, paid.String(), balance.String(), amountDue.String(), string(status))
	if err != nil {
		return fmt.Errorf("update payment totals %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertPayment(ctx context.Context, payment *Payment) error {
	const query = `
		INSERT INTO crm_payments (id, payment_number, document_id, amount, paid_on, method, reference, notes, created_by, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, NOW())
	`
	_, err := r.tx.Exec(ctx, query,
		payment.ID, payment.Number, payment.DocumentID, payment.Amount.String(),
		payment.Date, payment.Method, nullable(payment.Reference), nullable(payment.Notes), nullable(payment.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", payment.Number, err)
	}
	return nil
}

// SumDepositInvoices totals the face value of every deposit invoice already
// issued against a quote.
func (r *txRepository) SumDepositInvoices(ctx context.Context, devisID uuid.UUID) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(SUM(total_ttc), 0)::text
		FROM crm_documents
		WHERE doc_type = 'FACTURE_ACOMPTE' AND devis_id = $1
	`
	var raw string
	if err := r.tx.QueryRow(ctx, query, devisID).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("sum deposit invoices: %w", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse deposit total %q: %w", raw, err)
	}
	return total, nil
}

// AllocateNumber mints the next official number inside this transaction, so
// the counter increment commits or rolls back together with the document.
func (r *txRepository) AllocateNumber(ctx context.Context, docType sequence.DocType, year int, prefix string) (sequence.Allocation, error) {
	seq, err := r.seq.IncrementNext(ctx, docType, year, prefix)
	if err != nil {
		return sequence.Allocation{}, err
	}
	return sequence.Allocation{
		Number:        sequence.FormatNumber(prefix, year, seq),
		SequenceValue: seq,
		Type:          docType,
		Year:          year,
		Prefix:        prefix,
	}, nil
}

const documentColumns = `
	id, number, draft_number, doc_type, year, doc_date, status, client_name,
	total_ht::text, total_tva::text, total_ttc::text, paid_amount::text, balance::text,
	total_deposits_applied::text, applied_deposit_ids, amount_due::text,
	devis_id, applied_to_invoice_id, parent_id, deposit_percent::text, notes,
	is_locked, is_draft, issued_at, issued_by, content_hash, archived_pdf_url,
	created_at, updated_at
`

func getDocument(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM crm_documents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		doc                                              Document
		docType, status                                  string
		draftNumber, notes, issuedBy, hash, pdfURL       *string
		totalHT, totalTVA, totalTTC, paid, balance, deps string
		due                                              string
		percent                                          *string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.Number, &draftNumber, &docType, &doc.Year, &doc.Date, &status, &doc.ClientName,
		&totalHT, &totalTVA, &totalTTC, &paid, &balance,
		&deps, &doc.AppliedDepositIDs, &due,
		&doc.DevisID, &doc.AppliedToInvoiceID, &doc.ParentID, &percent, &notes,
		&doc.IsLocked, &doc.IsDraft, &doc.IssuedAt, &issuedBy, &hash, &pdfURL,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Type = sequence.DocType(docType)
	doc.Status = Status(status)
	doc.DraftNumber = deref(draftNumber)
	doc.Notes = deref(notes)
	doc.IssuedBy = deref(issuedBy)
	doc.ContentHash = deref(hash)
	doc.ArchivedPDFURL = deref(pdfURL)

	for target, raw := range map[*decimal.Decimal]string{
		&doc.TotalHT:              totalHT,
		&doc.TotalTVA:             totalTVA,
		&doc.TotalTTC:             totalTTC,
		&doc.PaidAmount:           paid,
		&doc.Balance:              balance,
		&doc.TotalDepositsApplied: deps,
		&doc.AmountDue:            due,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse document amount %q: %w", raw, err)
		}
		*target = d
	}
	if percent != nil {
		d, err := decimal.NewFromString(*percent)
		if err != nil {
			return nil, fmt.Errorf("parse deposit percent %q: %w", *percent, err)
		}
		doc.DepositPercent = &d
	}
	return &doc, nil
}

func countRows(ctx context.Context, q querier, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
