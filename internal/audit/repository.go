package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository provides PostgreSQL backed persistence for audit logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const logColumns = `id, action, entity, entity_id, description, changes,
		document_number, document_type, document_amount::text, category, severity,
		user_id, user_email, user_name, created_at`

// Insert appends one audit record. The table carries no update or delete
// paths anywhere in the codebase.
func (r *Repository) Insert(ctx context.Context, log Log) error {
	var changes []byte
	if len(log.Changes) > 0 {
		var err error
		changes, err = json.Marshal(log.Changes)
		if err != nil {
			return fmt.Errorf("marshal audit changes: %w", err)
		}
	}
	var amount *string
	if log.DocumentAmount != nil {
		s := log.DocumentAmount.String()
		amount = &s
	}
	const query = `
		INSERT INTO audit_logs (
			id, action, entity, entity_id, description, changes,
			document_number, document_type, document_amount, category, severity,
			user_id, user_email, user_name, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.pool.Exec(ctx, query,
		log.ID, log.Action, log.Entity, log.EntityID, log.Description, changes,
		log.DocumentNumber, log.DocumentType, amount, string(log.Category), string(log.Severity),
		log.UserID, log.UserEmail, log.UserName, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// History returns one entity's audit trail, newest first, with the total
// count for paging.
func (r *Repository) History(ctx context.Context, entity, entityID string, opts HistoryOptions) (HistoryResult, error) {
	conditions := []string{"entity = $1", "entity_id = $2"}
	args := []any{entity, entityID}
	if len(opts.Actions) > 0 {
		args = append(args, opts.Actions)
		conditions = append(conditions, fmt.Sprintf("action = ANY($%d)", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM audit_logs WHERE %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return HistoryResult{}, fmt.Errorf("count audit history: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, logColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	logs, err := scanLogs(rows)
	if err != nil {
		return HistoryResult{}, err
	}
	return HistoryResult{Logs: logs, Total: total}, nil
}

// Search runs a filtered, paginated query across all audit entries.
func (r *Repository) Search(ctx context.Context, filters SearchFilters) (SearchResult, error) {
	conditions := []string{"TRUE"}
	var args []any
	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if !filters.DateFrom.IsZero() {
		add("created_at >= $%d", filters.DateFrom)
	}
	if !filters.DateTo.IsZero() {
		add("created_at <= $%d", filters.DateTo)
	}
	if filters.Action != "" {
		add("action = $%d", filters.Action)
	}
	if filters.Entity != "" {
		add("entity = $%d", filters.Entity)
	}
	if filters.UserID != "" {
		add("user_id = $%d", filters.UserID)
	}
	if filters.Category != "" {
		add("category = $%d", string(filters.Category))
	}
	if filters.Severity != "" {
		add("severity = $%d", string(filters.Severity))
	}
	if filters.DocumentNumber != "" {
		add("document_number ILIKE '%%' || $%d || '%%'", filters.DocumentNumber)
	}
	if filters.SearchTerm != "" {
		args = append(args, filters.SearchTerm)
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(
			"(description ILIKE '%%' || $%d || '%%' OR document_number ILIKE '%%' || $%d || '%%')", n, n))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM audit_logs WHERE %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("count audit search: %w", err)
	}

	args = append(args, filters.Limit, filters.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, logColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("query audit search: %w", err)
	}
	defer rows.Close()

	logs, err := scanLogs(rows)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{
		Logs:    logs,
		Total:   total,
		HasMore: filters.Offset+len(logs) < total,
	}, nil
}

func scanLogs(rows pgx.Rows) ([]Log, error) {
	var logs []Log
	for rows.Next() {
		var (
			log      Log
			changes  []byte
			amount   *string
			category *string
		)
		if err := rows.Scan(
			&log.ID, &log.Action, &log.Entity, &log.EntityID, &log.Description, &changes,
			&log.DocumentNumber, &log.DocumentType, &amount, &category, &log.Severity,
			&log.UserID, &log.UserEmail, &log.UserName, &log.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &log.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal audit changes: %w", err)
			}
		}
		if amount != nil {
			d, err := decimal.NewFromString(*amount)
			if err != nil {
				return nil, fmt.Errorf("parse audit amount: %w", err)
			}
			log.DocumentAmount = &d
		}
		if category != nil {
			log.Category = Category(*category)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return logs, nil
}
