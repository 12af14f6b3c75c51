package documents

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Handler wires HTTP endpoints for the document lifecycle.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers document routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.createDraft)
	r.Get("/{id}", h.getDocument)
	r.Get("/{id}/lock-status", h.getLockStatus)
	r.Post("/{id}/issue", h.issueDocument)
	r.Post("/{id}/payments", h.recordPayment)
	r.Post("/{id}/deposit-invoice", h.createDepositInvoice)
	r.Post("/{id}/convert", h.convertDocument)
	r.Post("/{id}/lock", h.lockDocument)
	r.Post("/{id}/unlock", h.unlockDocument)
}

type createDraftRequest struct {
	Type       string `json:"type" validate:"required"`
	Date       string `json:"date,omitempty"`
	ClientName string `json:"client_name" validate:"required"`
	TotalHT    string `json:"total_ht" validate:"required"`
	TotalTVA   string `json:"total_tva" validate:"required"`
	TotalTTC   string `json:"total_ttc" validate:"required"`
	DevisID    string `json:"devis_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateDraftInput{
		Type:       sequence.DocType(req.Type),
		ClientName: req.ClientName,
		Notes:      req.Notes,
	}
	var err error
	if input.TotalHT, err = decimal.NewFromString(req.TotalHT); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "total_ht is not a valid amount")
		return
	}
	if input.TotalTVA, err = decimal.NewFromString(req.TotalTVA); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "total_tva is not a valid amount")
		return
	}
	if input.TotalTTC, err = decimal.NewFromString(req.TotalTTC); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "total_ttc is not a valid amount")
		return
	}
	if req.Date != "" {
		if input.Date, err = time.Parse(time.RFC3339, req.Date); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be RFC3339")
			return
		}
	}
	if req.DevisID != "" {
		devisID, err := uuid.Parse(req.DevisID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "devis_id is not a valid id")
			return
		}
		input.DevisID = &devisID
	}

	doc, err := h.service.CreateDraft(r.Context(), shared.ActorFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, r, "create draft", err)
		return
	}
	httpx.Created(w, doc)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "get document", err)
		return
	}
	httpx.OK(w, doc)
}

func (h *Handler) getLockStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	status, err := h.service.GetLockStatus(r.Context(), id)
	if err != nil {
		h.respondError(w, r, "get lock status", err)
		return
	}
	httpx.OK(w, status)
}

func (h *Handler) issueDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	result, err := h.service.Issue(r.Context(), shared.ActorFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, r, "issue document", err)
		return
	}
	httpx.OK(w, result)
}

type recordPaymentRequest struct {
	Amount    string `json:"amount" validate:"required"`
	Date      string `json:"date,omitempty"`
	Method    string `json:"method" validate:"required"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount is not a valid amount")
		return
	}
	input := RecordPaymentInput{
		DocumentID: id,
		Amount:     amount,
		Method:     req.Method,
		Reference:  req.Reference,
		Notes:      req.Notes,
	}
	if req.Date != "" {
		if input.Date, err = time.Parse(time.RFC3339, req.Date); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be RFC3339")
			return
		}
	}

	payment, err := h.service.RecordPayment(r.Context(), shared.ActorFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, r, "record payment", err)
		return
	}
	httpx.Created(w, payment)
}

type depositInvoiceRequest struct {
	Percent string `json:"deposit_percent,omitempty"`
	Amount  string `json:"deposit_amount,omitempty"`
	Date    string `json:"date,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (h *Handler) createDepositInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req depositInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}

	input := CreateDepositInvoiceInput{DevisID: id, Notes: req.Notes}
	if req.Percent != "" {
		percent, err := decimal.NewFromString(req.Percent)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "deposit_percent is not a valid number")
			return
		}
		input.Percent = &percent
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "deposit_amount is not a valid amount")
			return
		}
		input.Amount = &amount
	}

	doc, err := h.service.CreateDepositInvoice(r.Context(), shared.ActorFromContext(r.Context()), input)
	if err != nil {
		h.respondError(w, r, "create deposit invoice", err)
		return
	}
	httpx.Created(w, doc)
}

type convertRequest struct {
	TargetType string `json:"target_type" validate:"required"`
}

func (h *Handler) convertDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req convertRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	doc, err := h.service.Convert(r.Context(), shared.ActorFromContext(r.Context()), id, sequence.DocType(req.TargetType))
	if err != nil {
		h.respondError(w, r, "convert document", err)
		return
	}
	httpx.Created(w, doc)
}

type lockRequest struct {
	PDFURL string `json:"pdf_url,omitempty"`
}

func (h *Handler) lockDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}

	hash, err := h.service.Lock(r.Context(), shared.ActorFromContext(r.Context()), id, req.PDFURL)
	if err != nil {
		h.respondError(w, r, "lock document", err)
		return
	}
	httpx.OK(w, map[string]string{"content_hash": hash})
}

type unlockRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) unlockDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.service.Unlock(r.Context(), shared.ActorFromContext(r.Context()), id, req.Reason); err != nil {
		h.respondError(w, r, "unlock document", err)
		return
	}
	httpx.OK(w, nil)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAmountExceedsBalance),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrConversionNotAllowed),
		errors.Is(err, ErrDepositExceedsQuote):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrLocked):
		httpx.Problem(w, http.StatusConflict, "Locked", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
