package deposits

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/observability"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

const summaryCacheTTL = time.Minute

// RepositoryPort defines data access for the deposit ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	GetQuote(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListDepositInvoices(ctx context.Context, devisID uuid.UUID) ([]DepositInvoice, error)
}

// Service maintains the link between deposit invoices and the final invoices
// that consume them, and keeps the derived amount-due in sync.
type Service struct {
	repo    RepositoryPort
	audit   *audit.Logger
	cache   *redis.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService builds a Service instance. cache and metrics may be nil.
func NewService(repo RepositoryPort, auditLogger *audit.Logger, cache *redis.Client, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, audit: auditLogger, cache: cache, logger: logger, metrics: metrics}
}

// ApplyDeposits replaces the set of deposit invoices applied to a final
// invoice. Each deposit contributes its paid amount, not its face value.
// The whole update, back-references included, commits in one transaction
// with the invoice row locked, so concurrent applications serialize.
func (s *Service) ApplyDeposits(ctx context.Context, actor shared.Actor, finalInvoiceID uuid.UUID, depositIDs []uuid.UUID) (*ApplyResult, error) {
	var (
		result *ApplyResult
		inv    *Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoiceForUpdate(ctx, finalInvoiceID)
		if err != nil {
			return err
		}
		if inv.Type != string(sequence.DocTypeFacture) {
			return fmt.Errorf("%w: %s is %s", ErrNotFinalInvoice, inv.Number, inv.Type)
		}

		var eligible []DepositInvoice
		if inv.DevisID != nil {
			if eligible, err = tx.ListPaidDeposits(ctx, *inv.DevisID); err != nil {
				return err
			}
		}
		byID := make(map[uuid.UUID]DepositInvoice, len(eligible))
		for _, dep := range eligible {
			byID[dep.ID] = dep
		}

		var invalid []string
		applied := make([]AppliedDeposit, 0, len(depositIDs))
		total := decimal.Zero
		for _, id := range depositIDs {
			dep, ok := byID[id]
			if !ok {
				invalid = append(invalid, id.String())
				continue
			}
			applied = append(applied, AppliedDeposit{
				ID:            dep.ID,
				Number:        dep.Number,
				TotalTTC:      dep.TotalTTC,
				PaidAmount:    dep.PaidAmount,
				AppliedAmount: dep.PaidAmount,
			})
			total = total.Add(dep.PaidAmount)
		}
		if len(invalid) > 0 {
			return fmt.Errorf("%w: %v", ErrInvalidDepositIDs, invalid)
		}

		due := AmountDue(inv.TotalTTC, total, inv.PaidAmount)
		if err := tx.UpdateDepositApplication(ctx, inv.ID, total, depositIDs, due); err != nil {
			return err
		}
		for _, previous := range inv.AppliedDepositIDs {
			if !containsID(depositIDs, previous) {
				if err := tx.UnlinkDeposit(ctx, previous); err != nil {
					return err
				}
			}
		}
		for _, dep := range applied {
			if err := tx.LinkDeposit(ctx, dep.ID, inv.ID); err != nil {
				return err
			}
		}

		result = &ApplyResult{
			FinalInvoiceID:       inv.ID,
			AppliedDeposits:      applied,
			TotalDepositsApplied: total,
			AmountDue:            due,
			NewBalance:           due,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refs := make([]audit.DepositRef, 0, len(result.AppliedDeposits))
	for _, dep := range result.AppliedDeposits {
		refs = append(refs, audit.DepositRef{Number: dep.Number, Amount: dep.AppliedAmount})
	}
	s.audit.DepositsApplied(ctx, actor, inv.ID.String(), inv.Number, refs, result.TotalDepositsApplied)
	if s.metrics != nil {
		s.metrics.DepositsApplied.Add(float64(len(result.AppliedDeposits)))
	}
	if inv.DevisID != nil {
		s.invalidateSummary(ctx, *inv.DevisID)
	}
	return result, nil
}

// RemoveDepositApplication takes a single deposit out of an invoice's applied
// set and restores the amount due by the deposit's paid amount.
func (s *Service) RemoveDepositApplication(ctx context.Context, actor shared.Actor, finalInvoiceID, depositID uuid.UUID) (*ApplyResult, error) {
	var (
		result *ApplyResult
		inv    *Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoiceForUpdate(ctx, finalInvoiceID)
		if err != nil {
			return err
		}
		if inv.IsLocked || !inv.IsDraft {
			return fmt.Errorf("%w: %s", ErrInvoiceLocked, inv.Number)
		}
		if !containsID(inv.AppliedDepositIDs, depositID) {
			return fmt.Errorf("%w: %s", ErrDepositNotApplied, depositID)
		}
		dep, err := tx.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}

		remaining := removeID(inv.AppliedDepositIDs, depositID)
		total := inv.TotalDepositsApplied.Sub(dep.PaidAmount)
		if total.IsNegative() {
			total = decimal.Zero
		}
		due := AmountDue(inv.TotalTTC, total, inv.PaidAmount)
		if err := tx.UpdateDepositApplication(ctx, inv.ID, total, remaining, due); err != nil {
			return err
		}
		if err := tx.UnlinkDeposit(ctx, depositID); err != nil {
			return err
		}

		result = &ApplyResult{
			FinalInvoiceID:       inv.ID,
			TotalDepositsApplied: total,
			AmountDue:            due,
			NewBalance:           due,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if inv.DevisID != nil {
		s.invalidateSummary(ctx, *inv.DevisID)
	}
	return result, nil
}

// RecalculateAmountDue recomputes and persists an invoice's amount due from
// its stored totals. Used after payment recording and by repair tooling.
func (s *Service) RecalculateAmountDue(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var due decimal.Decimal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		due = AmountDue(inv.TotalTTC, inv.TotalDepositsApplied, inv.PaidAmount)
		return tx.UpdateDepositApplication(ctx, inv.ID, inv.TotalDepositsApplied, inv.AppliedDepositIDs, due)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return due, nil
}

// Summary aggregates a quote's deposit position: every deposit invoice issued
// against it, how much of each was paid, and what remains after deposits.
// Results are cached briefly; mutations invalidate the cache.
func (s *Service) Summary(ctx context.Context, quoteID uuid.UUID) (*Summary, error) {
	if cached := s.cachedSummary(ctx, quoteID); cached != nil {
		return cached, nil
	}

	quote, err := s.repo.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	deposits, err := s.repo.ListDepositInvoices(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		DevisID:         quote.ID,
		DevisNumber:     quote.Number,
		TotalTTC:        quote.TotalTTC,
		DepositInvoices: make([]SummaryLine, 0, len(deposits)),
	}
	summary.TotalDepositsIssued = decimal.Zero
	summary.TotalDepositsPaid = decimal.Zero
	for _, dep := range deposits {
		summary.DepositInvoices = append(summary.DepositInvoices, SummaryLine{
			ID:                 dep.ID,
			Number:             dep.Number,
			TotalTTC:           dep.TotalTTC,
			PaidAmount:         dep.PaidAmount,
			Status:             dep.Status,
			IsApplied:          dep.AppliedToInvoiceID != nil,
			AppliedToInvoiceID: dep.AppliedToInvoiceID,
		})
		summary.TotalDepositsIssued = summary.TotalDepositsIssued.Add(dep.TotalTTC)
		summary.TotalDepositsPaid = summary.TotalDepositsPaid.Add(dep.PaidAmount)
	}
	summary.RemainingAfterDeposits = quote.TotalTTC.Sub(summary.TotalDepositsPaid)

	s.storeSummary(ctx, quoteID, summary)
	return summary, nil
}

func summaryCacheKey(quoteID uuid.UUID) string {
	return "deposits:summary:" + quoteID.String()
}

func (s *Service) cachedSummary(ctx context.Context, quoteID uuid.UUID) *Summary {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, summaryCacheKey(quoteID)).Bytes()
	if err != nil {
		return nil
	}
	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil
	}
	return &summary
}

func (s *Service) storeSummary(ctx context.Context, quoteID uuid.UUID, summary *Summary) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, summaryCacheKey(quoteID), raw, summaryCacheTTL).Err(); err != nil {
		s.logger.Warn("deposit summary cache write failed", slog.String("quote_id", quoteID.String()), slog.Any("error", err))
	}
}

func (s *Service) invalidateSummary(ctx context.Context, quoteID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, summaryCacheKey(quoteID)).Err(); err != nil {
		s.logger.Warn("deposit summary cache invalidation failed", slog.String("quote_id", quoteID.String()), slog.Any("error", err))
	}
}
