package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type memorySequenceRepo struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	conflicts int
	failWith  error
}

func newMemorySequenceRepo() *memorySequenceRepo {
	return &memorySequenceRepo{counters: make(map[string]*Counter)}
}

func key(docType DocType, year int) string {
	return fmt.Sprintf("%s/%d", docType, year)
}

func (r *memorySequenceRepo) IncrementNext(ctx context.Context, docType DocType, year int, prefix string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return 0, fmt.Errorf("%w: injected", ErrConflict)
	}
	if r.failWith != nil {
		return 0, r.failWith
	}
	c, ok := r.counters[key(docType, year)]
	if !ok {
		c = &Counter{Type: docType, Year: year, Prefix: prefix}
		r.counters[key(docType, year)] = c
	}
	c.LastNumber++
	return c.LastNumber, nil
}

func (r *memorySequenceRepo) Current(ctx context.Context, docType DocType, year int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[key(docType, year)]
	if !ok {
		return 0, nil
	}
	return c.LastNumber, nil
}

func (r *memorySequenceRepo) Counters(ctx context.Context) ([]Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Counter, 0, len(r.counters))
	for _, c := range r.counters {
		out = append(out, *c)
	}
	return out, nil
}

func newTestService(repo RepositoryPort) *Service {
	return NewService(repo, slog.Default(), nil)
}

func TestAllocateNextFirstNumber(t *testing.T) {
	svc := newTestService(newMemorySequenceRepo())

	alloc, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
	require.NoError(t, err)
	require.Equal(t, "F-2025-000001", alloc.Number)
	require.Equal(t, int64(1), alloc.SequenceValue)
}

func TestAllocateNextDefaultsPrefix(t *testing.T) {
	svc := newTestService(newMemorySequenceRepo())

	alloc, err := svc.AllocateNext(context.Background(), DocTypeDevis, 2025, "")
	require.NoError(t, err)
	require.Equal(t, "D-2025-000001", alloc.Number)
}

func TestAllocateNextRejectsUnknownType(t *testing.T) {
	svc := newTestService(newMemorySequenceRepo())

	_, err := svc.AllocateNext(context.Background(), DocType("BOGUS"), 2025, "X")
	require.ErrorIs(t, err, ErrInvalidSequenceType)
}

func TestAllocateNextPaddingPastSixDigits(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.counters[key(DocTypeFacture, 2025)] = &Counter{Type: DocTypeFacture, Year: 2025, Prefix: "F", LastNumber: 999999}
	svc := newTestService(repo)

	alloc, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
	require.NoError(t, err)
	require.Equal(t, int64(1000000), alloc.SequenceValue)
	require.Equal(t, "F-2025-1000000", alloc.Number)
}

func TestAllocateNextRetriesOnConflict(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.conflicts = 2
	svc := newTestService(repo)

	alloc, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
	require.NoError(t, err)
	require.Equal(t, int64(1), alloc.SequenceValue)
}

func TestAllocateNextExhaustsRetries(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.conflicts = 10
	svc := newTestService(repo)

	_, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
	require.ErrorIs(t, err, ErrPersistence)
	// No value was consumed by the failed attempts.
	current, err := svc.Current(context.Background(), DocTypeFacture, 2025)
	require.NoError(t, err)
	require.Zero(t, current)
}

func TestAllocateNextGivesUpOnPermanentError(t *testing.T) {
	repo := newMemorySequenceRepo()
	repo.failWith = errors.New("connection refused")
	svc := newTestService(repo)

	_, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
	require.ErrorIs(t, err, ErrPersistence)
}

func TestAllocateNextConcurrentUniqueness(t *testing.T) {
	const workers = 50
	svc := newTestService(newMemorySequenceRepo())

	var mu sync.Mutex
	seen := make(map[int64]string, workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			alloc, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := seen[alloc.SequenceValue]; dup {
				return fmt.Errorf("duplicate value %d (%s and %s)", alloc.SequenceValue, prev, alloc.Number)
			}
			seen[alloc.SequenceValue] = alloc.Number
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// The allocated set must be exactly {1..workers}: no duplicates, no gaps.
	require.Len(t, seen, workers)
	for v := int64(1); v <= workers; v++ {
		require.Contains(t, seen, v)
	}
}

func TestPreviewNextDoesNotIncrement(t *testing.T) {
	repo := newMemorySequenceRepo()
	svc := newTestService(repo)

	preview, err := svc.PreviewNext(context.Background(), DocTypeAvoir, 2025)
	require.NoError(t, err)
	require.Equal(t, "A-2025-000001", preview)

	current, err := svc.Current(context.Background(), DocTypeAvoir, 2025)
	require.NoError(t, err)
	require.Zero(t, current)
}

func TestHealthReportsCounters(t *testing.T) {
	repo := newMemorySequenceRepo()
	svc := newTestService(repo)

	_, err := svc.AllocateNext(context.Background(), DocTypeFacture, 2025, "F")
	require.NoError(t, err)
	_, err = svc.AllocateNext(context.Background(), DocTypeDevis, 2025, "D")
	require.NoError(t, err)

	report, err := svc.Health(context.Background())
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Len(t, report.Counters, 2)
}

func TestParseNumberRoundTrip(t *testing.T) {
	number := FormatNumber("FA", 2026, 42)
	parsed, ok := ParseNumber(number)
	require.True(t, ok)
	require.Equal(t, DocTypeFactureAcompte, parsed.Type)
	require.Equal(t, 2026, parsed.Year)
	require.Equal(t, int64(42), parsed.Sequence)
	require.NoError(t, ValidateNumber(number))
}

func TestValidateNumberRejectsGarbage(t *testing.T) {
	for _, number := range []string{"", "F-2025", "ZZZZZ-2025-000001", "F-1999-000001", "F-2025-0001"} {
		require.Error(t, ValidateNumber(number), number)
	}
}

func TestDraftNumbers(t *testing.T) {
	draft := DraftNumber(DocTypeFacture, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.True(t, IsDraftNumber(draft))
	require.Contains(t, draft, "DRAFT-FACTURE-")
	require.False(t, IsDraftNumber("F-2025-000001"))
}
