package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelier-erp/atelier-erp/internal/observability"
)

var (
	// ErrInvalidSequenceType signals a document kind the allocator does not
	// recognize. Caller bug; not retryable.
	ErrInvalidSequenceType = errors.New("invalid sequence type")
	// ErrPersistence signals that the atomic increment could not be durably
	// committed after retries. The caller must not treat the document as
	// numbered.
	ErrPersistence = errors.New("sequence persistence failure")
)

const (
	maxRetries = 3
	retryDelay = 50 * time.Millisecond
)

// RepositoryPort defines data access for the allocator.
type RepositoryPort interface {
	IncrementNext(ctx context.Context, docType DocType, year int, prefix string) (int64, error)
	Current(ctx context.Context, docType DocType, year int) (int64, error)
	Counters(ctx context.Context) ([]Counter, error)
}

// Service mints gapless, year-scoped document numbers.
type Service struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService builds a Service instance. metrics may be nil.
func NewService(repo RepositoryPort, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, logger: logger, metrics: metrics}
}

// AllocateNext mints the next number for (type, year). An empty prefix falls
// back to the configured default for the type. Transient storage conflicts
// are retried with backoff; every attempt is a single atomic statement, so a
// failed attempt never consumes a value.
func (s *Service) AllocateNext(ctx context.Context, docType DocType, year int, prefix string) (Allocation, error) {
	if !IsValidDocType(docType) {
		return Allocation{}, fmt.Errorf("%w: %q", ErrInvalidSequenceType, docType)
	}
	if year <= 0 {
		year = time.Now().Year()
	}
	if prefix == "" {
		prefix = DefaultPrefix(docType)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		seq, err := s.repo.IncrementNext(ctx, docType, year, prefix)
		if err == nil {
			if s.metrics != nil {
				s.metrics.NumbersAllocated.WithLabelValues(string(docType)).Inc()
			}
			return Allocation{
				Number:        FormatNumber(prefix, year, seq),
				SequenceValue: seq,
				Type:          docType,
				Year:          year,
				Prefix:        prefix,
			}, nil
		}
		lastErr = err
		if !errors.Is(err, ErrConflict) {
			break
		}
		if s.metrics != nil {
			s.metrics.AllocationConflicts.Inc()
		}
		s.logger.Warn("sequence allocation conflict, retrying",
			slog.String("type", string(docType)),
			slog.Int("year", year),
			slog.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return Allocation{}, fmt.Errorf("%w: %v", ErrPersistence, ctx.Err())
		case <-time.After(retryDelay * time.Duration(attempt)):
		}
	}
	return Allocation{}, fmt.Errorf("%w: %s/%d: %v", ErrPersistence, docType, year, lastErr)
}

// PreviewNext formats the number the next allocation would return, without
// incrementing. Only informational; another caller may take it first.
func (s *Service) PreviewNext(ctx context.Context, docType DocType, year int) (string, error) {
	if !IsValidDocType(docType) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSequenceType, docType)
	}
	if year <= 0 {
		year = time.Now().Year()
	}
	current, err := s.repo.Current(ctx, docType, year)
	if err != nil {
		return "", err
	}
	return FormatNumber(DefaultPrefix(docType), year, current+1), nil
}

// Current returns the last allocated value for (type, year).
func (s *Service) Current(ctx context.Context, docType DocType, year int) (int64, error) {
	if !IsValidDocType(docType) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSequenceType, docType)
	}
	return s.repo.Current(ctx, docType, year)
}

// Health summarises every counter and flags malformed rows. Run periodically
// by the worker and exposed on the admin API.
func (s *Service) Health(ctx context.Context) (HealthReport, error) {
	counters, err := s.repo.Counters(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	var issues []string
	for _, c := range counters {
		if !IsValidDocType(c.Type) {
			issues = append(issues, fmt.Sprintf("%s/%d: unknown document type", c.Type, c.Year))
		}
		if c.LastNumber < 0 {
			issues = append(issues, fmt.Sprintf("%s/%d: negative counter %d", c.Type, c.Year, c.LastNumber))
		}
		if err := ValidateNumber(FormatNumber(c.Prefix, c.Year, max64(c.LastNumber, 1))); err != nil {
			issues = append(issues, fmt.Sprintf("%s/%d: %v", c.Type, c.Year, err))
		}
	}
	return HealthReport{Healthy: len(issues) == 0, Issues: issues, Counters: counters}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
