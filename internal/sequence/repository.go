package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("sequence not found")
	// ErrConflict marks transient transaction conflicts that the service
	// retries before giving up.
	ErrConflict = errors.New("sequence allocation conflict")
)

// Querier is the subset of pgx query methods the repository needs. It is
// satisfied by *pgxpool.Pool and pgx.Tx, so the same repository serves both
// standalone allocation and allocation inside a document issuance
// transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository provides PostgreSQL backed persistence for document sequences.
type Repository struct {
	db Querier
}

// NewRepository constructs a repository.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// IncrementNext atomically bumps the counter for (type, year), creating the
// row on first use, and returns the new value. A single upsert statement
// keeps the read-modify-write atomic; there is no window where two callers
// can observe the same value.
func (r *Repository) IncrementNext(ctx context.Context, docType DocType, year int, prefix string) (int64, error) {
	const query = `
		INSERT INTO document_sequences (doc_type, year, prefix, last_number, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (doc_type, year)
		DO UPDATE SET last_number = document_sequences.last_number + 1, updated_at = NOW()
		RETURNING last_number
	`
	var seq int64
	if err := r.db.QueryRow(ctx, query, string(docType), year, prefix).Scan(&seq); err != nil {
		if isRetryable(err) {
			return 0, fmt.Errorf("%w: %s/%d: %v", ErrConflict, docType, year, err)
		}
		return 0, fmt.Errorf("increment sequence %s/%d: %w", docType, year, err)
	}
	return seq, nil
}

// Current returns the last allocated value for (type, year); zero when no
// number has been issued yet.
func (r *Repository) Current(ctx context.Context, docType DocType, year int) (int64, error) {
	const query = `SELECT last_number FROM document_sequences WHERE doc_type = $1 AND year = $2`
	var seq int64
	err := r.db.QueryRow(ctx, query, string(docType), year).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence %s/%d: %w", docType, year, err)
	}
	return seq, nil
}

// Counters lists every sequence row, newest first.
func (r *Repository) Counters(ctx context.Context) ([]Counter, error) {
	const query = `
		SELECT doc_type, year, prefix, last_number, updated_at
		FROM document_sequences
		ORDER BY year DESC, doc_type
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var c Counter
		var docType string
		if err := rows.Scan(&docType, &c.Year, &c.Prefix, &c.LastNumber, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		c.Type = DocType(docType)
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return counters, nil
}

// isRetryable reports whether err is a transient conflict worth retrying:
// serialization failure, deadlock, or a unique violation from two first-use
// inserts racing.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}
