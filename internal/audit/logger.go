package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/observability"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// WriterPort persists audit records.
type WriterPort interface {
	Insert(ctx context.Context, log Log) error
}

// Logger writes immutable audit records. A failed write is logged to the
// operational channel and swallowed: audit infrastructure trouble must never
// block a financial operation.
type Logger struct {
	repo              WriterPort
	logger            *slog.Logger
	metrics           *observability.Metrics
	criticalThreshold decimal.Decimal
}

// NewLogger builds a Logger. metrics may be nil. The balance-change critical
// threshold defaults to 10,000 currency units.
func NewLogger(repo WriterPort, logger *slog.Logger, metrics *observability.Metrics) *Logger {
	return &Logger{
		repo:              repo,
		logger:            logger,
		metrics:           metrics,
		criticalThreshold: decimal.NewFromInt(10000),
	}
}

// SetCriticalThreshold overrides the balance-change threshold.
func (l *Logger) SetCriticalThreshold(threshold decimal.Decimal) {
	l.criticalThreshold = threshold
}

// Record persists one entry and returns its id, or nil when the entry was
// rejected or the write failed. Callers must treat a nil result as success.
func (l *Logger) Record(ctx context.Context, entry Entry) *uuid.UUID {
	if entry.Action == "" || entry.Entity == "" {
		l.logger.Warn("audit entry rejected: action and entity are required",
			slog.String("action", entry.Action),
			slog.String("entity", entry.Entity),
		)
		return nil
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	log := Log{
		ID:             uuid.New(),
		Action:         entry.Action,
		Entity:         entry.Entity,
		EntityID:       entry.EntityID,
		Description:    entry.Description,
		Changes:        entry.Changes,
		DocumentNumber: entry.DocumentNumber,
		DocumentType:   entry.DocumentType,
		DocumentAmount: entry.DocumentAmount,
		Category:       entry.Category,
		Severity:       entry.Severity,
		UserID:         entry.Actor.ID,
		UserEmail:      entry.Actor.Email,
		UserName:       entry.Actor.Name,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.repo.Insert(ctx, log); err != nil {
		if l.metrics != nil {
			l.metrics.AuditWriteFailures.Inc()
		}
		l.logger.Error("audit write failed",
			slog.String("action", entry.Action),
			slog.String("entity", entry.Entity),
			slog.String("entity_id", entry.EntityID),
			slog.Any("error", err),
		)
		return nil
	}
	return &log.ID
}

// DepositRef names one applied deposit inside an apply_deposits entry.
type DepositRef struct {
	Number string          `json:"number"`
	Amount decimal.Decimal `json:"amount"`
}

// monetaryTypes are the document kinds whose issuance moves money.
var monetaryTypes = map[string]bool{
	"FACTURE":         true,
	"FACTURE_ACOMPTE": true,
	"AVOIR":           true,
	"PAYMENT":         true,
}

// DocumentCreated records a draft document creation.
func (l *Logger) DocumentCreated(ctx context.Context, actor shared.Actor, docID, number, docType string, amount decimal.Decimal) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "create",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("Document %s %s créé", docType, number),
		DocumentNumber: number,
		DocumentType:   docType,
		DocumentAmount: &amount,
		Category:       CategoryDocument,
		Severity:       SeverityInfo,
	})
}

// DocumentIssued records an official issuance. Monetary document kinds are
// critical financial events; the rest are informational document events.
func (l *Logger) DocumentIssued(ctx context.Context, actor shared.Actor, docID, previousNumber, number, docType string, amount decimal.Decimal) *uuid.UUID {
	category, severity := CategoryDocument, SeverityInfo
	if monetaryTypes[docType] {
		category, severity = CategoryFinancial, SeverityCritical
	}
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "issue",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("Document %s %s émis officiellement", docType, number),
		DocumentNumber: number,
		DocumentType:   docType,
		DocumentAmount: &amount,
		Category:       category,
		Severity:       severity,
		Changes: map[string]FieldChange{
			"number":   {Old: previousNumber, New: number},
			"isDraft":  {Old: true, New: false},
			"isLocked": {Old: false, New: true},
		},
	})
}

// DocumentUpdated records a field-level modification of a draft document.
func (l *Logger) DocumentUpdated(ctx context.Context, actor shared.Actor, docID, number, docType string, changes map[string]FieldChange) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "update",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("Document %s %s modifié", docType, number),
		DocumentNumber: number,
		DocumentType:   docType,
		Changes:        changes,
		Category:       CategoryDocument,
		Severity:       SeverityWarning,
	})
}

// PaymentRecorded records money received against a document or a client.
func (l *Logger) PaymentRecorded(ctx context.Context, actor shared.Actor, paymentID, paymentNumber, documentNumber string, amount decimal.Decimal, clientName string) *uuid.UUID {
	description := fmt.Sprintf("Paiement %s de %s DH reçu pour %s", paymentNumber, amount.StringFixed(2), clientName)
	if documentNumber != "" {
		description = fmt.Sprintf("Paiement %s de %s DH reçu pour %s", paymentNumber, amount.StringFixed(2), documentNumber)
	}
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "payment",
		Entity:         "CRMPayment",
		EntityID:       paymentID,
		Description:    description,
		DocumentNumber: documentNumber,
		DocumentAmount: &amount,
		Category:       CategoryFinancial,
		Severity:       SeverityCritical,
	})
}

// DocumentConverted records a conversion, e.g. devis to facture.
func (l *Logger) DocumentConverted(ctx context.Context, actor shared.Actor, sourceID, sourceNumber, sourceType, targetID, targetNumber, targetType string) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "convert",
		Entity:         "CRMDocument",
		EntityID:       targetID,
		Description:    fmt.Sprintf("%s %s converti en %s %s", sourceType, sourceNumber, targetType, targetNumber),
		DocumentNumber: targetNumber,
		DocumentType:   targetType,
		Changes: map[string]FieldChange{
			"source": {Old: nil, New: map[string]string{"id": sourceID, "number": sourceNumber, "type": sourceType}},
		},
		Category: CategoryDocument,
		Severity: SeverityInfo,
	})
}

// DocumentLocked records the lock applied at issuance.
func (l *Logger) DocumentLocked(ctx context.Context, actor shared.Actor, docID, number, docType, reason string) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "lock",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("Document %s %s verrouillé: %s", docType, number, reason),
		DocumentNumber: number,
		DocumentType:   docType,
		Category:       CategoryDocument,
		Severity:       SeverityCritical,
	})
}

// DocumentUnlocked records the admin emergency unlock. The human-readable
// reason goes into the changes payload.
func (l *Logger) DocumentUnlocked(ctx context.Context, actor shared.Actor, docID, number, docType, reason string) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "unlock",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("ADMIN: Document %s %s déverrouillé. Raison: %s", docType, number, reason),
		DocumentNumber: number,
		DocumentType:   docType,
		Changes:        map[string]FieldChange{"unlockReason": {Old: nil, New: reason}},
		Category:       CategoryDocument,
		Severity:       SeverityCritical,
	})
}

// PDFArchived records the archival of an issued document's PDF snapshot.
func (l *Logger) PDFArchived(ctx context.Context, actor shared.Actor, docID, number, docType, pdfURL, pdfHash string) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "archive",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("PDF archivé pour %s %s", docType, number),
		DocumentNumber: number,
		DocumentType:   docType,
		Changes: map[string]FieldChange{
			"pdfUrl":  {Old: nil, New: pdfURL},
			"pdfHash": {Old: nil, New: pdfHash},
		},
		Category: CategoryDocument,
		Severity: SeverityInfo,
	})
}

// DepositInvoiceCreated records a deposit invoice minted from a devis.
func (l *Logger) DepositInvoiceCreated(ctx context.Context, actor shared.Actor, docID, number, sourceDevisNumber string, amount decimal.Decimal, depositPercent decimal.Decimal) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "create_deposit",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("Facture d'acompte %s créée (%s%% de %s)", number, depositPercent.StringFixed(0), sourceDevisNumber),
		DocumentNumber: number,
		DocumentType:   "FACTURE_ACOMPTE",
		DocumentAmount: &amount,
		Changes: map[string]FieldChange{
			"sourceDevis":    {Old: nil, New: sourceDevisNumber},
			"depositPercent": {Old: nil, New: depositPercent.StringFixed(2)},
		},
		Category: CategoryFinancial,
		Severity: SeverityCritical,
	})
}

// DepositsApplied records a deposit deduction on a final invoice.
func (l *Logger) DepositsApplied(ctx context.Context, actor shared.Actor, docID, number string, deposits []DepositRef, totalDeducted decimal.Decimal) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "apply_deposits",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("Acomptes déduits de %s: %s DH", number, totalDeducted.StringFixed(2)),
		DocumentNumber: number,
		DocumentType:   "FACTURE",
		DocumentAmount: &totalDeducted,
		Changes: map[string]FieldChange{
			"appliedDeposits": {Old: nil, New: deposits},
			"totalDeducted":   {Old: nil, New: totalDeducted.StringFixed(2)},
		},
		Category: CategoryFinancial,
		Severity: SeverityCritical,
	})
}

// StatusChanged records a document status transition. Entering PAID or
// CANCELLED is critical; everything else is informational.
func (l *Logger) StatusChanged(ctx context.Context, actor shared.Actor, docID, number, docType, oldStatus, newStatus string) *uuid.UUID {
	severity := SeverityInfo
	if newStatus == "PAID" || newStatus == "CANCELLED" {
		severity = SeverityCritical
	}
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "status_change",
		Entity:         "CRMDocument",
		EntityID:       docID,
		Description:    fmt.Sprintf("%s %s: %s → %s", docType, number, oldStatus, newStatus),
		DocumentNumber: number,
		DocumentType:   docType,
		Changes:        map[string]FieldChange{"status": {Old: oldStatus, New: newStatus}},
		Category:       CategoryDocument,
		Severity:       severity,
	})
}

// ClientBalanceUpdated records a client balance movement. Changes beyond the
// configured threshold are critical, the rest are warnings.
func (l *Logger) ClientBalanceUpdated(ctx context.Context, actor shared.Actor, clientID, clientNumber, clientName string, oldBalance, newBalance decimal.Decimal, reason string) *uuid.UUID {
	delta := newBalance.Sub(oldBalance)
	severity := SeverityWarning
	if delta.Abs().GreaterThan(l.criticalThreshold) {
		severity = SeverityCritical
	}
	return l.Record(ctx, Entry{
		Actor:          actor,
		Action:         "balance_update",
		Entity:         "CRMClient",
		EntityID:       clientID,
		Description:    fmt.Sprintf("Solde client %s (%s): %s → %s DH. %s", clientName, clientNumber, oldBalance.StringFixed(2), newBalance.StringFixed(2), reason),
		DocumentAmount: &delta,
		Changes: map[string]FieldChange{
			"balance": {Old: oldBalance.StringFixed(2), New: newBalance.StringFixed(2)},
			"reason":  {Old: nil, New: reason},
		},
		Category: CategoryFinancial,
		Severity: severity,
	})
}

// ExportPerformed records a reporting export.
func (l *Logger) ExportPerformed(ctx context.Context, actor shared.Actor, exportType, period, format string, recordCount int) *uuid.UUID {
	return l.Record(ctx, Entry{
		Actor:       actor,
		Action:      "export",
		Entity:      "Report",
		Description: fmt.Sprintf("Export %s (%s): %d enregistrements en %s", exportType, period, recordCount, format),
		Changes: map[string]FieldChange{
			"exportType":  {Old: nil, New: exportType},
			"period":      {Old: nil, New: period},
			"format":      {Old: nil, New: format},
			"recordCount": {Old: nil, New: recordCount},
		},
		Category: CategorySystem,
		Severity: SeverityInfo,
	})
}

// SequenceGap records an observed counter anomaly found by the health scan.
func (l *Logger) SequenceGap(ctx context.Context, description string) *uuid.UUID {
	return l.Record(ctx, Entry{
		Action:      "sequence_gap",
		Entity:      "DocumentSequence",
		Description: description,
		Category:    CategorySystem,
		Severity:    SeverityWarning,
	})
}
