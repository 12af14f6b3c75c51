package deposits

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Handler wires HTTP endpoints for deposit application on final invoices.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers deposit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices/{id}/deposits", h.applyDeposits)
	r.Delete("/invoices/{id}/deposits/{depositID}", h.removeDeposit)
	r.Post("/invoices/{id}/recalculate", h.recalculate)
	r.Get("/quotes/{id}/deposit-summary", h.quoteSummary)
}

type applyDepositsRequest struct {
	DepositIDs []string `json:"deposit_invoice_ids" validate:"required,min=1"`
}

func (h *Handler) applyDeposits(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	var req applyDepositsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	depositIDs := make([]uuid.UUID, 0, len(req.DepositIDs))
	for _, raw := range req.DepositIDs {
		depositID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "deposit_invoice_ids contains an invalid id")
			return
		}
		depositIDs = append(depositIDs, depositID)
	}

	result, err := h.service.ApplyDeposits(r.Context(), shared.ActorFromContext(r.Context()), id, depositIDs)
	if err != nil {
		h.respondError(w, "apply deposits", err)
		return
	}
	httpx.OK(w, result)
}

func (h *Handler) removeDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	depositID, ok := h.parseID(w, r, "depositID")
	if !ok {
		return
	}

	result, err := h.service.RemoveDepositApplication(r.Context(), shared.ActorFromContext(r.Context()), id, depositID)
	if err != nil {
		h.respondError(w, "remove deposit application", err)
		return
	}
	httpx.OK(w, result)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	due, err := h.service.RecalculateAmountDue(r.Context(), id)
	if err != nil {
		h.respondError(w, "recalculate amount due", err)
		return
	}
	httpx.OK(w, map[string]string{"amount_due": due.String()})
}

func (h *Handler) quoteSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.service.Summary(r.Context(), id)
	if err != nil {
		h.respondError(w, "deposit summary", err)
		return
	}
	httpx.OK(w, summary)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrQuoteNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotFinalInvoice), errors.Is(err, ErrInvalidDepositIDs),
		errors.Is(err, ErrDepositNotApplied):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrInvoiceLocked):
		httpx.Problem(w, http.StatusConflict, "Locked", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
