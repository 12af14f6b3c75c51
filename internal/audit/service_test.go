package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubQueryRepo struct {
	historyResult HistoryResult
	searchResult  SearchResult
	lastHistory   HistoryOptions
	lastSearch    SearchFilters
}

func (s *stubQueryRepo) History(ctx context.Context, entity, entityID string, opts HistoryOptions) (HistoryResult, error) {
	s.lastHistory = opts
	return s.historyResult, nil
}

func (s *stubQueryRepo) Search(ctx context.Context, filters SearchFilters) (SearchResult, error) {
	s.lastSearch = filters
	return s.searchResult, nil
}

func TestHistoryRequiresEntity(t *testing.T) {
	svc := NewService(&stubQueryRepo{})

	_, err := svc.History(context.Background(), "", "doc-1", HistoryOptions{})
	require.Error(t, err)
	_, err = svc.History(context.Background(), "CRMDocument", "", HistoryOptions{})
	require.Error(t, err)
}

func TestHistoryNormalizesPaging(t *testing.T) {
	repo := &stubQueryRepo{}
	svc := NewService(repo)

	_, err := svc.History(context.Background(), "CRMDocument", "doc-1", HistoryOptions{Limit: 0, Offset: -5})
	require.NoError(t, err)
	require.Equal(t, 50, repo.lastHistory.Limit)
	require.Equal(t, 0, repo.lastHistory.Offset)

	_, err = svc.History(context.Background(), "CRMDocument", "doc-1", HistoryOptions{Limit: 9999})
	require.NoError(t, err)
	require.Equal(t, 200, repo.lastHistory.Limit)
}

func TestSearchRejectsInvertedDateRange(t *testing.T) {
	svc := NewService(&stubQueryRepo{})

	_, err := svc.Search(context.Background(), SearchFilters{
		DateFrom: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
}

func TestSearchPassesFiltersThrough(t *testing.T) {
	repo := &stubQueryRepo{searchResult: SearchResult{Total: 3, HasMore: false}}
	svc := NewService(repo)

	result, err := svc.Search(context.Background(), SearchFilters{
		Action:         "payment",
		Category:       CategoryFinancial,
		Severity:       SeverityCritical,
		DocumentNumber: "F-2025",
		Limit:          10,
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.Total)
	require.Equal(t, "payment", repo.lastSearch.Action)
	require.Equal(t, CategoryFinancial, repo.lastSearch.Category)
	require.Equal(t, 10, repo.lastSearch.Limit)
}
