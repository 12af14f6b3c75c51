package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/deposits"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]*Document
	payments []*Payment
	seqs     map[string]int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		docs: make(map[uuid.UUID]*Document),
		seqs: make(map[string]int64),
	}
}

func cloneDoc(doc *Document) *Document {
	out := *doc
	out.AppliedDepositIDs = append([]uuid.UUID(nil), doc.AppliedDepositIDs...)
	return &out
}

func (m *memoryRepo) seed(doc Document) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	m.docs[doc.ID] = &doc
	return doc.ID
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (m *memoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Document, error) {
	return m.Get(ctx, id)
}

func (m *memoryRepo) Insert(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = cloneDoc(doc)
	return nil
}

func (m *memoryRepo) UpdateIssued(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.docs[doc.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Number = doc.Number
	stored.DraftNumber = doc.DraftNumber
	stored.Status = doc.Status
	stored.Year = doc.Year
	stored.IsDraft = false
	stored.IsLocked = true
	stored.IssuedAt = doc.IssuedAt
	stored.IssuedBy = doc.IssuedBy
	stored.ContentHash = doc.ContentHash
	return nil
}

func (m *memoryRepo) UpdateLock(_ context.Context, id uuid.UUID, contentHash, pdfURL string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.IsLocked = true
	doc.ContentHash = contentHash
	doc.ArchivedPDFURL = pdfURL
	return nil
}

func (m *memoryRepo) UpdateUnlock(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.IsLocked = false
	return nil
}

func (m *memoryRepo) UpdatePaymentTotals(_ context.Context, id uuid.UUID, paid, balance, amountDue decimal.Decimal, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.PaidAmount = paid
	doc.Balance = balance
	doc.AmountDue = amountDue
	doc.Status = status
	return nil
}

func (m *memoryRepo) InsertPayment(_ context.Context, payment *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *payment
	m.payments = append(m.payments, &p)
	return nil
}

func (m *memoryRepo) SumDepositInvoices(_ context.Context, devisID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, doc := range m.docs {
		if doc.Type == sequence.DocTypeFactureAcompte && doc.DevisID != nil && *doc.DevisID == devisID {
			total = total.Add(doc.TotalTTC)
		}
	}
	return total, nil
}

func (m *memoryRepo) AllocateNumber(_ context.Context, docType sequence.DocType, year int, prefix string) (sequence.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%d", docType, year)
	m.seqs[key]++
	return sequence.Allocation{
		Number:        sequence.FormatNumber(prefix, year, m.seqs[key]),
		SequenceValue: m.seqs[key],
		Type:          docType,
		Year:          year,
		Prefix:        prefix,
	}, nil
}

func (m *memoryRepo) CountPayments(_ context.Context, docID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, p := range m.payments {
		if p.DocumentID != nil && *p.DocumentID == docID {
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) CountChildren(_ context.Context, docID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, doc := range m.docs {
		if doc.ParentID != nil && *doc.ParentID == docID {
			n++
		}
	}
	return n, nil
}

// depositsAdapter lets the deposit ledger service run against the same
// in-memory document store.
type depositsAdapter struct {
	store *memoryRepo
}

func (a *depositsAdapter) WithTx(ctx context.Context, fn func(ctx context.Context, tx deposits.TxRepository) error) error {
	return fn(ctx, a)
}

func (a *depositsAdapter) toInvoice(doc *Document) *deposits.Invoice {
	return &deposits.Invoice{
		ID:                   doc.ID,
		Number:               doc.Number,
		Type:                 string(doc.Type),
		Status:               string(doc.Status),
		DevisID:              doc.DevisID,
		ClientName:           doc.ClientName,
		TotalTTC:             doc.TotalTTC,
		PaidAmount:           doc.PaidAmount,
		TotalDepositsApplied: doc.TotalDepositsApplied,
		AppliedDepositIDs:    append([]uuid.UUID(nil), doc.AppliedDepositIDs...),
		AmountDue:            doc.AmountDue,
		Balance:              doc.Balance,
		IsLocked:             doc.IsLocked,
		IsDraft:              doc.IsDraft,
	}
}

func (a *depositsAdapter) toDeposit(doc *Document) *deposits.DepositInvoice {
	return &deposits.DepositInvoice{
		ID:                 doc.ID,
		Number:             doc.Number,
		TotalTTC:           doc.TotalTTC,
		PaidAmount:         doc.PaidAmount,
		Status:             string(doc.Status),
		AppliedToInvoiceID: doc.AppliedToInvoiceID,
	}
}

func (a *depositsAdapter) GetInvoiceForUpdate(_ context.Context, id uuid.UUID) (*deposits.Invoice, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	doc, ok := a.store.docs[id]
	if !ok {
		return nil, deposits.ErrDocumentNotFound
	}
	return a.toInvoice(doc), nil
}

func (a *depositsAdapter) GetDeposit(_ context.Context, id uuid.UUID) (*deposits.DepositInvoice, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	doc, ok := a.store.docs[id]
	if !ok || doc.Type != sequence.DocTypeFactureAcompte {
		return nil, deposits.ErrDocumentNotFound
	}
	return a.toDeposit(doc), nil
}

func (a *depositsAdapter) ListPaidDeposits(_ context.Context, devisID uuid.UUID) ([]deposits.DepositInvoice, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	var out []deposits.DepositInvoice
	for _, doc := range a.store.docs {
		if doc.Type != sequence.DocTypeFactureAcompte || doc.DevisID == nil || *doc.DevisID != devisID {
			continue
		}
		if doc.Status == StatusPaid || doc.Status == StatusPartial {
			out = append(out, *a.toDeposit(doc))
		}
	}
	return out, nil
}

func (a *depositsAdapter) UpdateDepositApplication(_ context.Context, invoiceID uuid.UUID, totalApplied decimal.Decimal, appliedIDs []uuid.UUID, amountDue decimal.Decimal) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	doc, ok := a.store.docs[invoiceID]
	if !ok {
		return deposits.ErrDocumentNotFound
	}
	doc.TotalDepositsApplied = totalApplied
	doc.AppliedDepositIDs = append([]uuid.UUID(nil), appliedIDs...)
	doc.AmountDue = amountDue
	doc.Balance = amountDue
	return nil
}

func (a *depositsAdapter) LinkDeposit(_ context.Context, depositID, finalInvoiceID uuid.UUID) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	doc, ok := a.store.docs[depositID]
	if !ok {
		return deposits.ErrDocumentNotFound
	}
	id := finalInvoiceID
	doc.AppliedToInvoiceID = &id
	return nil
}

func (a *depositsAdapter) UnlinkDeposit(_ context.Context, depositID uuid.UUID) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	doc, ok := a.store.docs[depositID]
	if !ok {
		return deposits.ErrDocumentNotFound
	}
	doc.AppliedToInvoiceID = nil
	return nil
}

func (a *depositsAdapter) GetQuote(ctx context.Context, id uuid.UUID) (*deposits.Invoice, error) {
	inv, err := a.GetInvoiceForUpdate(ctx, id)
	if err != nil {
		return nil, deposits.ErrQuoteNotFound
	}
	return inv, nil
}

func (a *depositsAdapter) ListDepositInvoices(_ context.Context, devisID uuid.UUID) ([]deposits.DepositInvoice, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	var out []deposits.DepositInvoice
	for _, doc := range a.store.docs {
		if doc.Type == sequence.DocTypeFactureAcompte && doc.DevisID != nil && *doc.DevisID == devisID {
			out = append(out, *a.toDeposit(doc))
		}
	}
	return out, nil
}

type recordingAuditRepo struct {
	mu       sync.Mutex
	logs     []audit.Log
	failWith error
}

func (r *recordingAuditRepo) Insert(_ context.Context, log audit.Log) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAuditRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, log := range r.logs {
		out = append(out, log.Action)
	}
	return out
}

var fixedNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memoryRepo, *recordingAuditRepo) {
	t.Helper()
	repo := newMemoryRepo()
	auditRepo := &recordingAuditRepo{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(repo, audit.NewLogger(auditRepo, logger, nil), logger, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc, repo, auditRepo
}

func money(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func testActor() shared.Actor {
	return shared.Actor{ID: "usr_1", Email: "karim@atelier.ma", Name: "Karim"}
}

func TestCreateDraftAssignsDraftNumber(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)

	doc, err := svc.CreateDraft(context.Background(), testActor(), CreateDraftInput{
		Type:       sequence.DocTypeFacture,
		ClientName: "Menuiserie Noor",
		TotalHT:    money("1000"),
		TotalTVA:   money("200"),
		TotalTTC:   money("1200"),
	})
	require.NoError(t, err)
	require.True(t, sequence.IsDraftNumber(doc.Number))
	require.Equal(t, StatusDraft, doc.Status)
	require.True(t, doc.IsDraft)
	require.False(t, doc.IsLocked)
	require.Equal(t, "1200", doc.Balance.String())
	require.Equal(t, "1200", doc.AmountDue.String())

	stored, err := repo.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Number, stored.Number)

	require.Equal(t, []string{"create"}, auditRepo.actions())
}

func TestCreateDraftRejectsUnknownType(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateDraft(context.Background(), testActor(), CreateDraftInput{Type: "WIDGET"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestIssueAssignsOfficialNumberAndLocks(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)

	doc, err := svc.CreateDraft(context.Background(), testActor(), CreateDraftInput{
		Type:       sequence.DocTypeFacture,
		Date:       fixedNow,
		ClientName: "Menuiserie Noor",
		TotalTTC:   money("1200"),
	})
	require.NoError(t, err)

	result, err := svc.Issue(context.Background(), testActor(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, "F-2025-000001", result.Document.Number)
	require.Equal(t, doc.Number, result.PreviousNumber)
	require.Equal(t, StatusSent, result.Document.Status)
	require.True(t, result.Document.IsLocked)
	require.False(t, result.Document.IsDraft)
	require.NotEmpty(t, result.Document.ContentHash)
	require.Equal(t, "usr_1", result.Document.IssuedBy)

	stored, err := repo.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, "F-2025-000001", stored.Number)
	require.Equal(t, result.PreviousNumber, stored.DraftNumber)

	require.Equal(t, []string{"create", "issue"}, auditRepo.actions())
}

func TestIssueStatusByType(t *testing.T) {
	cases := []struct {
		docType sequence.DocType
		want    Status
	}{
		{sequence.DocTypeDevis, StatusSent},
		{sequence.DocTypeAvoir, StatusSent},
		{sequence.DocTypeBC, StatusConfirmed},
		{sequence.DocTypeBL, StatusDelivered},
		{sequence.DocTypePV, StatusDraft},
	}
	for _, tc := range cases {
		t.Run(string(tc.docType), func(t *testing.T) {
			svc, _, _ := newTestService(t)
			doc, err := svc.CreateDraft(context.Background(), testActor(), CreateDraftInput{Type: tc.docType, TotalTTC: money("100")})
			require.NoError(t, err)
			result, err := svc.Issue(context.Background(), testActor(), doc.ID)
			require.NoError(t, err)
			require.Equal(t, tc.want, result.Document.Status)
		})
	}
}

func TestIssueTwiceFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	doc, err := svc.CreateDraft(context.Background(), testActor(), CreateDraftInput{Type: sequence.DocTypeFacture, TotalTTC: money("100")})
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), testActor(), doc.ID)
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), testActor(), doc.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordPaymentValidation(t *testing.T) {
	svc, repo, _ := newTestService(t)

	invoiceID := repo.seed(Document{
		Number: "F-2025-000001", Type: sequence.DocTypeFacture, Status: StatusSent,
		TotalTTC: money("1000"), Balance: money("1000"), AmountDue: money("1000"),
	})

	_, err := svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{DocumentID: invoiceID, Amount: money("0")})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{DocumentID: invoiceID, Amount: money("-5")})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{DocumentID: invoiceID, Amount: money("1500")})
	require.ErrorIs(t, err, ErrAmountExceedsBalance)

	quoteID := repo.seed(Document{
		Number: "D-2025-000001", Type: sequence.DocTypeDevis, Status: StatusAccepted,
		TotalTTC: money("1000"), Balance: money("1000"),
	})
	_, err = svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{DocumentID: quoteID, Amount: money("100")})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordPaymentUpdatesBalanceAndStatus(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)

	invoiceID := repo.seed(Document{
		Number: "F-2025-000001", Type: sequence.DocTypeFacture, Status: StatusSent,
		ClientName: "Menuiserie Noor",
		TotalTTC:   money("1000"), Balance: money("1000"), AmountDue: money("1000"),
	})

	payment, err := svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{
		DocumentID: invoiceID, Amount: money("400"), Method: "VIREMENT",
	})
	require.NoError(t, err)
	require.Equal(t, "PAY-2025-000001", payment.Number)

	doc, err := repo.Get(context.Background(), invoiceID)
	require.NoError(t, err)
	require.Equal(t, "400", doc.PaidAmount.String())
	require.Equal(t, "600", doc.Balance.String())
	require.Equal(t, StatusPartial, doc.Status)

	_, err = svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{
		DocumentID: invoiceID, Amount: money("600"), Method: "CHEQUE",
	})
	require.NoError(t, err)

	doc, err = repo.Get(context.Background(), invoiceID)
	require.NoError(t, err)
	require.True(t, doc.Balance.IsZero())
	require.True(t, doc.AmountDue.IsZero())
	require.Equal(t, StatusPaid, doc.Status)

	require.Equal(t, []string{"payment", "status_change", "payment", "status_change"}, auditRepo.actions())
}

func TestRecordPaymentSurvivesAuditOutage(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)
	auditRepo.failWith = errors.New("audit store down")

	invoiceID := repo.seed(Document{
		Number: "F-2025-000001", Type: sequence.DocTypeFacture, Status: StatusSent,
		TotalTTC: money("1000"), Balance: money("1000"), AmountDue: money("1000"),
	})

	_, err := svc.RecordPayment(context.Background(), testActor(), RecordPaymentInput{
		DocumentID: invoiceID, Amount: money("1000"), Method: "ESPECES",
	})
	require.NoError(t, err)

	doc, err := repo.Get(context.Background(), invoiceID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, doc.Status)
	require.True(t, doc.Balance.IsZero())
}

func TestCreateDepositInvoicePercent(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)

	quoteID := repo.seed(Document{
		Number: "D-2025-000001", Type: sequence.DocTypeDevis, Status: StatusAccepted,
		ClientName: "Menuiserie Noor",
		TotalHT:    money("83333.33"), TotalTVA: money("16666.67"), TotalTTC: money("100000"),
	})

	pct := money("30")
	doc, err := svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{
		DevisID: quoteID, Percent: &pct,
	})
	require.NoError(t, err)
	require.Equal(t, sequence.DocTypeFactureAcompte, doc.Type)
	require.True(t, sequence.IsDraftNumber(doc.Number))
	require.Equal(t, "30000", doc.TotalTTC.String())
	require.Equal(t, "5000", doc.TotalTVA.String())
	require.Equal(t, "25000", doc.TotalHT.String())
	require.Equal(t, quoteID, *doc.DevisID)
	require.Equal(t, "30000", doc.Balance.String())

	require.Equal(t, []string{"create_deposit"}, auditRepo.actions())
}

func TestCreateDepositInvoiceCap(t *testing.T) {
	svc, repo, _ := newTestService(t)

	quoteID := repo.seed(Document{
		Number: "D-2025-000001", Type: sequence.DocTypeDevis, Status: StatusAccepted,
		TotalTTC: money("100000"),
	})

	amount := money("80000")
	_, err := svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{
		DevisID: quoteID, Amount: &amount,
	})
	require.NoError(t, err)

	second := money("30000")
	_, err = svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{
		DevisID: quoteID, Amount: &second,
	})
	require.ErrorIs(t, err, ErrDepositExceedsQuote)
}

func TestCreateDepositInvoiceRequiresAcceptedQuote(t *testing.T) {
	svc, repo, _ := newTestService(t)

	quoteID := repo.seed(Document{
		Number: "D-2025-000001", Type: sequence.DocTypeDevis, Status: StatusSent,
		TotalTTC: money("100000"),
	})
	_, err := svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{DevisID: quoteID})
	require.ErrorIs(t, err, ErrInvalidState)

	invoiceID := repo.seed(Document{
		Number: "F-2025-000001", Type: sequence.DocTypeFacture, Status: StatusSent,
		TotalTTC: money("100000"),
	})
	_, err = svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{DevisID: invoiceID})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateDepositInvoiceRejectsZeroTotalQuote(t *testing.T) {
	svc, repo, audit := newTestService(t)

	quoteID := repo.seed(Document{
		Number: "D-2025-000002", Type: sequence.DocTypeDevis, Status: StatusAccepted,
		TotalTTC: money("0"),
	})

	amount := money("5000")
	_, err := svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{
		DevisID: quoteID, Amount: &amount,
	})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.CreateDepositInvoice(context.Background(), testActor(), CreateDepositInvoiceInput{DevisID: quoteID})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Empty(t, audit.actions())
}

func TestConvertFollowsAllowedPaths(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)

	quoteID := repo.seed(Document{
		Number: "D-2025-000001", Type: sequence.DocTypeDevis, Status: StatusAccepted,
		ClientName: "Menuiserie Noor",
		TotalHT:    money("1000"), TotalTVA: money("200"), TotalTTC: money("1200"),
	})

	bc, err := svc.Convert(context.Background(), testActor(), quoteID, sequence.DocTypeBC)
	require.NoError(t, err)
	require.Equal(t, sequence.DocTypeBC, bc.Type)
	require.Equal(t, StatusDraft, bc.Status)
	require.Equal(t, quoteID, *bc.ParentID)
	require.Equal(t, quoteID, *bc.DevisID)
	require.Equal(t, "1200", bc.TotalTTC.String())

	// DEVIS cannot jump straight to FACTURE.
	_, err = svc.Convert(context.Background(), testActor(), quoteID, sequence.DocTypeFacture)
	require.ErrorIs(t, err, ErrConversionNotAllowed)

	// BC still in DRAFT cannot convert yet.
	_, err = svc.Convert(context.Background(), testActor(), bc.ID, sequence.DocTypeFacture)
	require.ErrorIs(t, err, ErrInvalidState)

	require.Equal(t, []string{"convert"}, auditRepo.actions())
}

func TestLockAndUnlock(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)

	docID := repo.seed(Document{
		Number: "F-2025-000001", Type: sequence.DocTypeFacture, Status: StatusSent,
		TotalTTC: money("1200"),
	})

	hash, err := svc.Lock(context.Background(), testActor(), docID, "https://cdn.atelier.ma/docs/F-2025-000001.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	doc, err := repo.Get(context.Background(), docID)
	require.NoError(t, err)
	require.True(t, doc.IsLocked)
	require.Equal(t, hash, doc.ContentHash)

	_, err = svc.Lock(context.Background(), testActor(), docID, "")
	require.ErrorIs(t, err, ErrInvalidState)

	err = svc.Unlock(context.Background(), testActor(), docID, "")
	require.ErrorIs(t, err, ErrInvalidState)

	err = svc.Unlock(context.Background(), testActor(), docID, "Erreur de saisie sur le client")
	require.NoError(t, err)

	doc, err = repo.Get(context.Background(), docID)
	require.NoError(t, err)
	require.False(t, doc.IsLocked)

	require.Equal(t, []string{"lock", "archive", "unlock"}, auditRepo.actions())
}

func TestGuardsBlockIssuedPaidAndConvertedDocuments(t *testing.T) {
	svc, repo, _ := newTestService(t)

	draftID := repo.seed(Document{
		Number: "DRAFT-FACTURE-X", Type: sequence.DocTypeFacture, Status: StatusDraft,
		TotalTTC: money("100"), Balance: money("100"), IsDraft: true,
	})
	require.NoError(t, svc.GuardEdit(context.Background(), draftID))
	require.NoError(t, svc.GuardDelete(context.Background(), draftID))

	issuedID := repo.seed(Document{
		Number: "F-2025-000001", Type: sequence.DocTypeFacture, Status: StatusSent,
		TotalTTC: money("100"), IsLocked: true,
	})
	require.ErrorIs(t, svc.GuardEdit(context.Background(), issuedID), ErrLocked)

	require.ErrorIs(t, svc.GuardEdit(context.Background(), uuid.New()), ErrNotFound)

	paidDraftID := repo.seed(Document{
		Number: "DRAFT-FACTURE-Y", Type: sequence.DocTypeFacture, Status: StatusDraft,
		TotalTTC: money("100"), Balance: money("100"), IsDraft: true,
	})
	repo.payments = append(repo.payments, &Payment{ID: uuid.New(), DocumentID: &paidDraftID, Amount: money("50")})
	require.ErrorIs(t, svc.GuardEdit(context.Background(), paidDraftID), ErrLocked)

	parentID := repo.seed(Document{
		Number: "DRAFT-DEVIS-Z", Type: sequence.DocTypeDevis, Status: StatusDraft,
		TotalTTC: money("100"), IsDraft: true,
	})
	repo.seed(Document{
		Number: "DRAFT-BC-Z", Type: sequence.DocTypeBC, Status: StatusDraft,
		TotalTTC: money("100"), IsDraft: true, ParentID: &parentID,
	})
	require.ErrorIs(t, svc.GuardEdit(context.Background(), parentID), ErrLocked)
}

func TestLockStatusReflectsLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)

	doc, err := svc.CreateDraft(context.Background(), testActor(), CreateDraftInput{Type: sequence.DocTypeDevis, TotalTTC: money("100")})
	require.NoError(t, err)

	status, err := svc.GetLockStatus(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, status.CanEdit)
	require.True(t, status.CanDelete)
	require.True(t, status.CanIssue)

	_, err = svc.Issue(context.Background(), testActor(), doc.ID)
	require.NoError(t, err)

	status, err = svc.GetLockStatus(context.Background(), doc.ID)
	require.NoError(t, err)
	require.False(t, status.CanEdit)
	require.False(t, status.CanDelete)
	require.False(t, status.CanIssue)
	require.NotNil(t, status.IssuedAt)
}

// Full lifecycle: quote for 100000, deposit invoice for 30000 issued and
// paid, final invoice issued, deposit applied, remainder paid off.
func TestDepositInvoiceLifecycle(t *testing.T) {
	svc, repo, auditRepo := newTestService(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := deposits.NewService(&depositsAdapter{store: repo}, audit.NewLogger(auditRepo, logger, nil), nil, logger, nil)
	ctx := context.Background()
	actor := testActor()

	quoteID := repo.seed(Document{
		Number: "D-2025-000001", Type: sequence.DocTypeDevis, Status: StatusAccepted,
		ClientName: "Menuiserie Noor",
		TotalHT:    money("100000"), TotalTVA: money("0"), TotalTTC: money("100000"),
	})

	// Deposit invoice for 30000, issued and fully paid.
	depositAmount := money("30000")
	d1, err := svc.CreateDepositInvoice(ctx, actor, CreateDepositInvoiceInput{DevisID: quoteID, Amount: &depositAmount})
	require.NoError(t, err)

	d1Issued, err := svc.Issue(ctx, actor, d1.ID)
	require.NoError(t, err)
	require.Equal(t, "FA-2025-000001", d1Issued.Document.Number)

	_, err = svc.RecordPayment(ctx, actor, RecordPaymentInput{DocumentID: d1.ID, Amount: money("30000"), Method: "VIREMENT"})
	require.NoError(t, err)

	d1Paid, err := repo.Get(ctx, d1.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, d1Paid.Status)

	// Final invoice for the full quote amount.
	f1, err := svc.CreateDraft(ctx, actor, CreateDraftInput{
		Type: sequence.DocTypeFacture, ClientName: "Menuiserie Noor",
		TotalHT: money("100000"), TotalTTC: money("100000"), DevisID: &quoteID,
	})
	require.NoError(t, err)

	f1Issued, err := svc.Issue(ctx, actor, f1.ID)
	require.NoError(t, err)
	require.Equal(t, "F-2025-000001", f1Issued.Document.Number)

	applied, err := ledger.ApplyDeposits(ctx, actor, f1.ID, []uuid.UUID{d1.ID})
	require.NoError(t, err)
	require.Equal(t, "70000", applied.AmountDue.String())

	f1AfterApply, err := repo.Get(ctx, f1.ID)
	require.NoError(t, err)
	require.Equal(t, "70000", f1AfterApply.AmountDue.String())
	require.Equal(t, "70000", f1AfterApply.Balance.String())

	_, err = svc.RecordPayment(ctx, actor, RecordPaymentInput{DocumentID: f1.ID, Amount: money("70000"), Method: "CHEQUE"})
	require.NoError(t, err)

	f1Final, err := repo.Get(ctx, f1.ID)
	require.NoError(t, err)
	require.True(t, f1Final.AmountDue.IsZero())
	require.True(t, f1Final.Balance.IsZero())
	require.Equal(t, StatusPaid, f1Final.Status)

	d1Final, err := repo.Get(ctx, d1.ID)
	require.NoError(t, err)
	require.NotNil(t, d1Final.AppliedToInvoiceID)
	require.Equal(t, f1.ID, *d1Final.AppliedToInvoiceID)

	require.Equal(t, []string{
		"create_deposit",
		"issue",
		"payment",
		"status_change",
		"create",
		"issue",
		"apply_deposits",
		"payment",
		"status_change",
	}, auditRepo.actions())
}
