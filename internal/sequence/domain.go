package sequence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DocType enumerates the document kinds that receive sequential numbers.
type DocType string

const (
	DocTypeLead           DocType = "LEAD"
	DocTypeClient         DocType = "CLIENT"
	DocTypeProject        DocType = "PROJECT"
	DocTypeDevis          DocType = "DEVIS"
	DocTypeBC             DocType = "BC"
	DocTypeBL             DocType = "BL"
	DocTypePV             DocType = "PV"
	DocTypeFacture        DocType = "FACTURE"
	DocTypeFactureAcompte DocType = "FACTURE_ACOMPTE"
	DocTypeAvoir          DocType = "AVOIR"
	DocTypePayment        DocType = "PAYMENT"
)

// defaultPrefixes maps each document kind to its configured number prefix.
var defaultPrefixes = map[DocType]string{
	DocTypeLead:           "L",
	DocTypeClient:         "CLI",
	DocTypeProject:        "PRJ",
	DocTypeDevis:          "D",
	DocTypeBC:             "BC",
	DocTypeBL:             "BL",
	DocTypePV:             "PV",
	DocTypeFacture:        "F",
	DocTypeFactureAcompte: "FA",
	DocTypeAvoir:          "A",
	DocTypePayment:        "PAY",
}

// IsValidDocType reports whether t is a recognized document kind.
func IsValidDocType(t DocType) bool {
	_, ok := defaultPrefixes[t]
	return ok
}

// DefaultPrefix returns the configured prefix for a document kind.
func DefaultPrefix(t DocType) string {
	return defaultPrefixes[t]
}

// Allocation is the result of minting one document number.
type Allocation struct {
	Number        string  `json:"number"`
	SequenceValue int64   `json:"sequence_value"`
	Type          DocType `json:"type"`
	Year          int     `json:"year"`
	Prefix        string  `json:"prefix"`
}

// Counter mirrors one row of the document_sequences table.
type Counter struct {
	Type       DocType   `json:"type"`
	Year       int       `json:"year"`
	Prefix     string    `json:"prefix"`
	LastNumber int64     `json:"last_number"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HealthReport summarises the state of every sequence counter.
type HealthReport struct {
	Healthy  bool      `json:"healthy"`
	Issues   []string  `json:"issues"`
	Counters []Counter `json:"counters"`
}

// FormatNumber renders PREFIX-YYYY-NNNNNN. The sequence is zero padded to six
// digits; values past 999999 keep appending digits rather than truncate.
func FormatNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, year, seq)
}

// numberPattern matches the issued number format, allowing sequences that
// have outgrown six digits.
var numberPattern = regexp.MustCompile(`^[A-Z]{1,4}-\d{4}-\d{6,}$`)

// ParsedNumber is the decomposition of a formatted document number.
type ParsedNumber struct {
	Type     DocType
	Prefix   string
	Year     int
	Sequence int64
}

// ParseNumber decomposes a PREFIX-YYYY-NNNNNN number. Returns false when the
// string does not resolve to a known document kind.
func ParseNumber(number string) (ParsedNumber, bool) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 {
		return ParsedNumber{}, false
	}
	var docType DocType
	for t, prefix := range defaultPrefixes {
		if prefix == parts[0] {
			docType = t
			break
		}
	}
	if docType == "" {
		return ParsedNumber{}, false
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return ParsedNumber{}, false
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ParsedNumber{}, false
	}
	return ParsedNumber{Type: docType, Prefix: parts[0], Year: year, Sequence: seq}, true
}

// ValidateNumber checks a formatted number for shape, known prefix and sane
// date/sequence ranges.
func ValidateNumber(number string) error {
	if !numberPattern.MatchString(number) {
		return fmt.Errorf("number %q does not match PREFIX-YYYY-NNNNNN", number)
	}
	parsed, ok := ParseNumber(number)
	if !ok {
		return fmt.Errorf("number %q has an unknown document type prefix", number)
	}
	if parsed.Year < 2020 || parsed.Year > 2099 {
		return fmt.Errorf("number %q has year %d outside the accepted range", number, parsed.Year)
	}
	if parsed.Sequence < 1 {
		return fmt.Errorf("number %q has a non-positive sequence", number)
	}
	return nil
}

// DraftNumber builds a provisional number for unissued documents.
// Format: DRAFT-{TYPE}-{base36 timestamp}.
func DraftNumber(t DocType, now time.Time) string {
	return fmt.Sprintf("DRAFT-%s-%s", t, strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)))
}

// IsDraftNumber reports whether a number is provisional.
func IsDraftNumber(number string) bool {
	return strings.HasPrefix(number, "DRAFT-")
}
