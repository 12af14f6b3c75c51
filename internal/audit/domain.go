package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Category classifies audit entries for reporting.
type Category string

const (
	CategoryFinancial Category = "financial"
	CategoryDocument  Category = "document"
	CategoryClient    Category = "client"
	CategorySystem    Category = "system"
)

// Severity ranks audit entries for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// FieldChange records an old/new pair for one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Entry is the input for one audit record.
type Entry struct {
	Action         string
	Entity         string
	EntityID       string
	Description    string
	Changes        map[string]FieldChange
	DocumentNumber string
	DocumentType   string
	DocumentAmount *decimal.Decimal
	Category       Category
	Severity       Severity
	Actor          shared.Actor
}

// Log is one persisted audit record. Append-only; never mutated or deleted.
type Log struct {
	ID             uuid.UUID              `json:"id"`
	Action         string                 `json:"action"`
	Entity         string                 `json:"entity"`
	EntityID       string                 `json:"entity_id,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Changes        map[string]FieldChange `json:"changes,omitempty"`
	DocumentNumber string                 `json:"document_number,omitempty"`
	DocumentType   string                 `json:"document_type,omitempty"`
	DocumentAmount *decimal.Decimal       `json:"document_amount,omitempty"`
	Category       Category               `json:"category,omitempty"`
	Severity       Severity               `json:"severity"`
	UserID         string                 `json:"user_id,omitempty"`
	UserEmail      string                 `json:"user_email,omitempty"`
	UserName       string                 `json:"user_name,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// HistoryOptions bounds an entity history query.
type HistoryOptions struct {
	Limit   int
	Offset  int
	Actions []string
}

// HistoryResult is a page of one entity's audit trail, newest first.
type HistoryResult struct {
	Logs  []Log `json:"logs"`
	Total int   `json:"total"`
}

// SearchFilters narrows a cross-entity audit search.
type SearchFilters struct {
	DateFrom       time.Time
	DateTo         time.Time
	Action         string
	Entity         string
	UserID         string
	Category       Category
	Severity       Severity
	DocumentNumber string
	SearchTerm     string
	Limit          int
	Offset         int
}

// SearchResult is a page of matching audit entries.
type SearchResult struct {
	Logs    []Log `json:"logs"`
	Total   int   `json:"total"`
	HasMore bool  `json:"has_more"`
}
