package sequence

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

// Handler exposes read-only sequence endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{type}/preview", h.previewNext)
	r.Get("/{type}/current", h.current)
	r.Get("/health", h.health)
}

func (h *Handler) previewNext(w http.ResponseWriter, r *http.Request) {
	docType := DocType(chi.URLParam(r, "type"))
	year, ok := h.parseYear(w, r)
	if !ok {
		return
	}
	number, err := h.service.PreviewNext(r.Context(), docType, year)
	if err != nil {
		h.respondError(w, "preview next number", err)
		return
	}
	httpx.OK(w, map[string]any{"type": docType, "year": year, "next_number": number})
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	docType := DocType(chi.URLParam(r, "type"))
	year, ok := h.parseYear(w, r)
	if !ok {
		return
	}
	current, err := h.service.Current(r.Context(), docType, year)
	if err != nil {
		h.respondError(w, "current sequence value", err)
		return
	}
	httpx.OK(w, map[string]any{"type": docType, "year": year, "current": current})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Health(r.Context())
	if err != nil {
		h.respondError(w, "sequence health", err)
		return
	}
	httpx.OK(w, report)
}

// parseYear reads the optional year query parameter, defaulting to the
// current year.
func (h *Handler) parseYear(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("year")
	if raw == "" {
		return time.Now().Year(), true
	}
	year, err := strconv.Atoi(raw)
	if err != nil || year < 2000 || year > 9999 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "year must be a four digit number")
		return 0, false
	}
	return year, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidSequenceType):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
