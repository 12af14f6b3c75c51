package audit

import (
	"context"
	"fmt"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// QueryPort defines the read side of the audit store.
type QueryPort interface {
	History(ctx context.Context, entity, entityID string, opts HistoryOptions) (HistoryResult, error)
	Search(ctx context.Context, filters SearchFilters) (SearchResult, error)
}

// Service coordinates audit trail reads.
type Service struct {
	repo QueryPort
}

// NewService builds an audit query service.
func NewService(repo QueryPort) *Service {
	return &Service{repo: repo}
}

// History returns one entity's trail, newest first.
func (s *Service) History(ctx context.Context, entity, entityID string, opts HistoryOptions) (HistoryResult, error) {
	if entity == "" || entityID == "" {
		return HistoryResult{}, fmt.Errorf("audit: entity and entity id are required")
	}
	page := shared.NormalizePage(opts.Limit, opts.Offset)
	opts.Limit = page.Limit
	opts.Offset = page.Offset
	return s.repo.History(ctx, entity, entityID, opts)
}

// Search runs a filtered, paginated query across the whole trail.
func (s *Service) Search(ctx context.Context, filters SearchFilters) (SearchResult, error) {
	if !filters.DateFrom.IsZero() && !filters.DateTo.IsZero() && filters.DateTo.Before(filters.DateFrom) {
		return SearchResult{}, fmt.Errorf("audit: date range is inverted")
	}
	page := shared.NormalizePage(filters.Limit, filters.Offset)
	filters.Limit = page.Limit
	filters.Offset = page.Offset
	return s.repo.Search(ctx, filters)
}
