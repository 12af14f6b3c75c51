package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

// Handler exposes the audit trail over HTTP. The trail is append-only; the
// API only reads.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/search", h.search)
	r.Get("/{entity}/{entityID}", h.history)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	entityID := chi.URLParam(r, "entityID")

	query := r.URL.Query()
	opts := HistoryOptions{
		Limit:  parseIntParam(query.Get("limit")),
		Offset: parseIntParam(query.Get("offset")),
	}
	if raw := query.Get("actions"); raw != "" {
		opts.Actions = strings.Split(raw, ",")
	}

	result, err := h.service.History(r.Context(), entity, entityID, opts)
	if err != nil {
		h.logger.Error("audit history", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	httpx.OK(w, result)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filters := SearchFilters{
		Action:         query.Get("action"),
		Entity:         query.Get("entity"),
		UserID:         query.Get("user_id"),
		Category:       Category(query.Get("category")),
		Severity:       Severity(query.Get("severity")),
		DocumentNumber: query.Get("document_number"),
		SearchTerm:     query.Get("q"),
		Limit:          parseIntParam(query.Get("limit")),
		Offset:         parseIntParam(query.Get("offset")),
	}
	if raw := query.Get("date_from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "date_from must be RFC3339")
			return
		}
		filters.DateFrom = from
	}
	if raw := query.Get("date_to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "date_to must be RFC3339")
			return
		}
		filters.DateTo = to
	}

	result, err := h.service.Search(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit search", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	httpx.OK(w, result)
}

func parseIntParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
