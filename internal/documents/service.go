package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/deposits"
	"github.com/atelier-erp/atelier-erp/internal/observability"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

const (
	issueRetries      = 3
	issueRetryDelay   = 50 * time.Millisecond
	defaultDepositPct = 30
)

// RepositoryPort defines data access for the orchestrator.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
	CountPayments(ctx context.Context, docID uuid.UUID) (int, error)
	CountChildren(ctx context.Context, docID uuid.UUID) (int, error)
}

// Service drives the document lifecycle: draft creation, issuance with
// official numbering, locking, payment recording, deposit invoice creation
// and conversions. Numbering and persistence commit in one transaction;
// audit entries are written after commit and never block.
type Service struct {
	repo    RepositoryPort
	audit   *audit.Logger
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService builds a Service instance. metrics may be nil.
func NewService(repo RepositoryPort, auditLogger *audit.Logger, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, audit: auditLogger, logger: logger, metrics: metrics, now: time.Now}
}

// CreateDraftInput carries the fields a new draft document needs. Totals are
// computed upstream and trusted here.
type CreateDraftInput struct {
	Type       sequence.DocType
	Date       time.Time
	ClientName string
	TotalHT    decimal.Decimal
	TotalTVA   decimal.Decimal
	TotalTTC   decimal.Decimal
	DevisID    *uuid.UUID
	Notes      string
}

// CreateDraft persists a new draft with a provisional DRAFT-… number. Drafts
// carry no official number and stay freely editable until issued.
func (s *Service) CreateDraft(ctx context.Context, actor shared.Actor, input CreateDraftInput) (*Document, error) {
	if !sequence.IsValidDocType(input.Type) {
		return nil, fmt.Errorf("%w: unknown document type %q", ErrInvalidState, input.Type)
	}
	now := s.now()
	date := input.Date
	if date.IsZero() {
		date = now
	}

	doc := &Document{
		ID:                   uuid.New(),
		Number:               sequence.DraftNumber(input.Type, now),
		Type:                 input.Type,
		Year:                 date.Year(),
		Date:                 date,
		Status:               StatusDraft,
		ClientName:           input.ClientName,
		TotalHT:              input.TotalHT,
		TotalTVA:             input.TotalTVA,
		TotalTTC:             input.TotalTTC,
		PaidAmount:           decimal.Zero,
		Balance:              input.TotalTTC,
		TotalDepositsApplied: decimal.Zero,
		AmountDue:            input.TotalTTC,
		DevisID:              input.DevisID,
		Notes:                input.Notes,
		IsDraft:              true,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	s.audit.DocumentCreated(ctx, actor, doc.ID.String(), doc.Number, string(doc.Type), doc.TotalTTC)
	return doc, nil
}

// Issue turns a draft into an official document: mints the next gapless
// number for (type, year), stamps issuance metadata and the content hash,
// locks the document, and moves it to its post-issuance status. The number
// allocation and the document update share one transaction, so a failed
// issuance never burns a number.
func (s *Service) Issue(ctx context.Context, actor shared.Actor, docID uuid.UUID) (*IssueResult, error) {
	var (
		doc  *Document
		prev string
	)
	err := s.withAllocationRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			doc, err = tx.GetForUpdate(ctx, docID)
			if err != nil {
				return err
			}
			if doc.IsLocked || !doc.IsDraft {
				return fmt.Errorf("%w: document %s has already been issued", ErrInvalidState, doc.Number)
			}
			if doc.Status != StatusDraft {
				return fmt.Errorf("%w: document must be in DRAFT status to be issued, got %s", ErrInvalidState, doc.Status)
			}

			now := s.now()
			year := doc.Date.Year()
			if doc.Date.IsZero() {
				year = now.Year()
			}
			alloc, err := tx.AllocateNumber(ctx, doc.Type, year, sequence.DefaultPrefix(doc.Type))
			if err != nil {
				return err
			}

			prev = doc.Number
			doc.DraftNumber = prev
			doc.Number = alloc.Number
			doc.Year = alloc.Year
			doc.Status = issuedStatus(doc.Type)
			doc.IsDraft = false
			doc.IsLocked = true
			doc.IssuedAt = &now
			doc.IssuedBy = actor.ID
			doc.ContentHash = ContentHash(doc)
			return tx.UpdateIssued(ctx, doc)
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.NumbersAllocated.WithLabelValues(string(doc.Type)).Inc()
	}
	s.audit.DocumentIssued(ctx, actor, doc.ID.String(), prev, doc.Number, string(doc.Type), doc.TotalTTC)
	return &IssueResult{Document: doc, PreviousNumber: prev}, nil
}

// RecordPaymentInput carries one payment to record.
type RecordPaymentInput struct {
	DocumentID uuid.UUID
	Amount     decimal.Decimal
	Date       time.Time
	Method     string
	Reference  string
	Notes      string
}

// RecordPayment creates the payment row and updates the document's paid
// amount, balance and status in one transaction. The amount must be positive
// and may not exceed the remaining balance.
func (s *Service) RecordPayment(ctx context.Context, actor shared.Actor, input RecordPaymentInput) (*Payment, error) {
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, input.Amount)
	}

	var (
		doc       *Document
		payment   *Payment
		oldStatus Status
		newStatus Status
	)
	err := s.withAllocationRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			doc, err = tx.GetForUpdate(ctx, input.DocumentID)
			if err != nil {
				return err
			}
			if !payableTypes[doc.Type] {
				return fmt.Errorf("%w: payments can only target invoices, %s is %s", ErrInvalidState, doc.Number, doc.Type)
			}
			if input.Amount.GreaterThan(doc.Balance) {
				return fmt.Errorf("%w: %s exceeds remaining balance %s on %s",
					ErrAmountExceedsBalance, input.Amount, doc.Balance, doc.Number)
			}

			now := s.now()
			date := input.Date
			if date.IsZero() {
				date = now
			}
			alloc, err := tx.AllocateNumber(ctx, sequence.DocTypePayment, date.Year(), sequence.DefaultPrefix(sequence.DocTypePayment))
			if err != nil {
				return err
			}

			docID := doc.ID
			payment = &Payment{
				ID:         uuid.New(),
				Number:     alloc.Number,
				DocumentID: &docID,
				Amount:     input.Amount,
				Date:       date,
				Method:     input.Method,
				Reference:  input.Reference,
				Notes:      input.Notes,
				CreatedBy:  actor.ID,
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}

			newPaid := doc.PaidAmount.Add(input.Amount)
			due := deposits.AmountDue(doc.TotalTTC, doc.TotalDepositsApplied, newPaid)
			oldStatus = doc.Status
			newStatus = StatusPartial
			if due.IsZero() {
				newStatus = StatusPaid
			}
			return tx.UpdatePaymentTotals(ctx, doc.ID, newPaid, due, due, newStatus)
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PaymentsRecorded.Inc()
	}
	s.audit.PaymentRecorded(ctx, actor, payment.ID.String(), payment.Number, doc.Number, payment.Amount, doc.ClientName)
	if newStatus != oldStatus {
		s.audit.StatusChanged(ctx, actor, doc.ID.String(), doc.Number, string(doc.Type), string(oldStatus), string(newStatus))
	}
	return payment, nil
}

// CreateDepositInvoiceInput requests a deposit invoice against an accepted
// quote, sized either by percent or by absolute amount.
type CreateDepositInvoiceInput struct {
	DevisID uuid.UUID
	Percent *decimal.Decimal
	Amount  *decimal.Decimal
	Date    time.Time
	Notes   string
}

// CreateDepositInvoice creates a draft FACTURE_ACOMPTE from an ACCEPTED
// DEVIS. The running total of deposit invoices may never exceed the quote's
// TTC; VAT is split proportionally to the quote's own VAT share.
func (s *Service) CreateDepositInvoice(ctx context.Context, actor shared.Actor, input CreateDepositInvoiceInput) (*Document, error) {
	var (
		doc     *Document
		devis   *Document
		percent decimal.Decimal
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		devis, err = tx.GetForUpdate(ctx, input.DevisID)
		if err != nil {
			return err
		}
		if devis.Type != sequence.DocTypeDevis {
			return fmt.Errorf("%w: deposit invoices can only be created from a quote, %s is %s",
				ErrInvalidState, devis.Number, devis.Type)
		}
		if devis.Status != StatusAccepted {
			return fmt.Errorf("%w: quote %s must be ACCEPTED, got %s", ErrInvalidState, devis.Number, devis.Status)
		}
		// Both the percent conversion and the VAT split divide by the quote
		// total, so a zero-total quote must be rejected up front.
		if !devis.TotalTTC.IsPositive() {
			return fmt.Errorf("%w: quote %s has no billable total", ErrInvalidState, devis.Number)
		}

		existing, err := tx.SumDepositInvoices(ctx, devis.ID)
		if err != nil {
			return err
		}

		var amount decimal.Decimal
		switch {
		case input.Amount != nil:
			amount = input.Amount.Round(2)
			percent = amount.Div(devis.TotalTTC).Mul(decimal.NewFromInt(100)).Round(2)
		case input.Percent != nil:
			percent = *input.Percent
			amount = devis.TotalTTC.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
		default:
			percent = decimal.NewFromInt(defaultDepositPct)
			if devis.DepositPercent != nil {
				percent = *devis.DepositPercent
			}
			amount = devis.TotalTTC.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidState)
		}
		if existing.Add(amount).GreaterThan(devis.TotalTTC) {
			remaining := devis.TotalTTC.Sub(existing)
			return fmt.Errorf("%w: maximum remaining %s DH on %s", ErrDepositExceedsQuote, remaining.StringFixed(2), devis.Number)
		}

		ratio := amount.Div(devis.TotalTTC)
		tva := devis.TotalTVA.Mul(ratio).Round(2)
		ht := amount.Sub(tva)

		now := s.now()
		date := input.Date
		if date.IsZero() {
			date = now
		}
		notes := input.Notes
		if notes == "" {
			notes = fmt.Sprintf("Acompte de %s%% sur devis %s", percent.StringFixed(0), devis.Number)
		}

		devisID := devis.ID
		doc = &Document{
			ID:                   uuid.New(),
			Number:               sequence.DraftNumber(sequence.DocTypeFactureAcompte, now),
			Type:                 sequence.DocTypeFactureAcompte,
			Year:                 date.Year(),
			Date:                 date,
			Status:               StatusDraft,
			ClientName:           devis.ClientName,
			TotalHT:              ht,
			TotalTVA:             tva,
			TotalTTC:             amount,
			PaidAmount:           decimal.Zero,
			Balance:              amount,
			TotalDepositsApplied: decimal.Zero,
			AmountDue:            amount,
			DevisID:              &devisID,
			DepositPercent:       &percent,
			Notes:                notes,
			IsDraft:              true,
		}
		return tx.Insert(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	s.audit.DepositInvoiceCreated(ctx, actor, doc.ID.String(), doc.Number, devis.Number, doc.TotalTTC, percent)
	return doc, nil
}

// Convert creates a draft child document of the target type from a source
// further up the chain (DEVIS → BC → BL → PV → FACTURE → AVOIR), carrying
// the source totals.
func (s *Service) Convert(ctx context.Context, actor shared.Actor, sourceID uuid.UUID, target sequence.DocType) (*Document, error) {
	var (
		child  *Document
		source *Document
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		source, err = tx.GetForUpdate(ctx, sourceID)
		if err != nil {
			return err
		}
		if !canConvert(source.Type, target) {
			return fmt.Errorf("%w: %s cannot become %s", ErrConversionNotAllowed, source.Type, target)
		}
		if !conversionStatusOK(source) {
			return fmt.Errorf("%w: %s in status %s cannot be converted", ErrInvalidState, source.Number, source.Status)
		}

		devisID := source.DevisID
		if source.Type == sequence.DocTypeDevis {
			id := source.ID
			devisID = &id
		}
		now := s.now()
		parentID := source.ID
		child = &Document{
			ID:                   uuid.New(),
			Number:               sequence.DraftNumber(target, now),
			Type:                 target,
			Year:                 now.Year(),
			Date:                 now,
			Status:               StatusDraft,
			ClientName:           source.ClientName,
			TotalHT:              source.TotalHT,
			TotalTVA:             source.TotalTVA,
			TotalTTC:             source.TotalTTC,
			PaidAmount:           decimal.Zero,
			Balance:              source.TotalTTC,
			TotalDepositsApplied: decimal.Zero,
			AmountDue:            source.TotalTTC,
			DevisID:              devisID,
			ParentID:             &parentID,
			IsDraft:              true,
		}
		return tx.Insert(ctx, child)
	})
	if err != nil {
		return nil, err
	}
	s.audit.DocumentConverted(ctx, actor,
		source.ID.String(), source.Number, string(source.Type),
		child.ID.String(), child.Number, string(child.Type))
	return child, nil
}

// Lock freezes an already-issued document, archiving its content hash and
// optionally the rendered PDF's location.
func (s *Service) Lock(ctx context.Context, actor shared.Actor, docID uuid.UUID, pdfURL string) (string, error) {
	var (
		doc  *Document
		hash string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if doc.IsLocked {
			return fmt.Errorf("%w: document %s is already locked", ErrInvalidState, doc.Number)
		}
		hash = ContentHash(doc)
		return tx.UpdateLock(ctx, doc.ID, hash, pdfURL, s.now())
	})
	if err != nil {
		return "", err
	}
	s.audit.DocumentLocked(ctx, actor, doc.ID.String(), doc.Number, string(doc.Type), "")
	if pdfURL != "" {
		s.audit.PDFArchived(ctx, actor, doc.ID.String(), doc.Number, string(doc.Type), pdfURL, hash)
	}
	return hash, nil
}

// Unlock lifts a document's lock. Admin-only emergency action; the reason is
// mandatory and lands in the audit trail.
func (s *Service) Unlock(ctx context.Context, actor shared.Actor, docID uuid.UUID, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: unlock reason is required", ErrInvalidState)
	}
	var doc *Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if !doc.IsLocked {
			return fmt.Errorf("%w: document %s is not locked", ErrInvalidState, doc.Number)
		}
		return tx.UpdateUnlock(ctx, doc.ID)
	})
	if err != nil {
		return err
	}
	s.audit.DocumentUnlocked(ctx, actor, doc.ID.String(), doc.Number, string(doc.Type), reason)
	return nil
}

// Get loads one document.
func (s *Service) Get(ctx context.Context, docID uuid.UUID) (*Document, error) {
	return s.repo.Get(ctx, docID)
}

// GetLockStatus reports whether a document can still be edited, deleted or
// issued.
func (s *Service) GetLockStatus(ctx context.Context, docID uuid.UUID) (*LockStatus, error) {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	editable := !doc.IsLocked && doc.IsDraft
	return &LockStatus{
		IsLocked:  doc.IsLocked,
		IsDraft:   doc.IsDraft,
		IssuedAt:  doc.IssuedAt,
		IssuedBy:  doc.IssuedBy,
		CanEdit:   editable,
		CanDelete: editable,
		CanIssue:  editable && doc.Status == StatusDraft,
	}, nil
}

// GuardEdit fails when a document may no longer be modified: it is locked or
// issued, has recorded payments, or has been converted into a child document.
func (s *Service) GuardEdit(ctx context.Context, docID uuid.UUID) error {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.IsLocked || !doc.IsDraft {
		return fmt.Errorf("%w: document %s has been issued", ErrLocked, doc.Number)
	}
	payments, err := s.repo.CountPayments(ctx, docID)
	if err != nil {
		return err
	}
	if payments > 0 {
		return fmt.Errorf("%w: document %s has recorded payments", ErrLocked, doc.Number)
	}
	children, err := s.repo.CountChildren(ctx, docID)
	if err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("%w: document %s has been converted", ErrLocked, doc.Number)
	}
	return nil
}

// GuardDelete applies the edit guard plus the stricter rule that only
// DRAFT-status documents may be deleted.
func (s *Service) GuardDelete(ctx context.Context, docID uuid.UUID) error {
	if err := s.GuardEdit(ctx, docID); err != nil {
		return err
	}
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status != StatusDraft {
		return fmt.Errorf("%w: cannot delete document %s with status %s", ErrInvalidState, doc.Number, doc.Status)
	}
	return nil
}

// withAllocationRetry retries fn when it fails on a transient sequence
// conflict. Each attempt runs the whole transaction again.
func (s *Service) withAllocationRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= issueRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, sequence.ErrConflict) {
			return err
		}
		if s.metrics != nil {
			s.metrics.AllocationConflicts.Inc()
		}
		s.logger.Warn("number allocation conflict, retrying", slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", sequence.ErrPersistence, ctx.Err())
		case <-time.After(issueRetryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", sequence.ErrPersistence, lastErr)
}
