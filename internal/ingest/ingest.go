// Package ingest turns an uploaded CSV into validated candidate records.
//
// Structural problems (size, row count, missing columns, unreadable CSV) fail
// the whole upload. Row problems never do: each row ends up either as a
// Candidate or as a rejected/duplicate outcome.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/ignite/snowball-engine/internal/domain"
)

const (
	ColumnEmail      = "email"
	ColumnName       = "name"
	ColumnCompany    = "company"
	ColumnTags       = "tags"
	ColumnSubscribed = "subscribed"
)

// Common header aliases, matched after normalizeHeader.
var headerAliases = map[string][]string{
	ColumnEmail:      {"email", "email_address", "e_mail", "emailaddress", "mail", "subscriber_email"},
	ColumnName:       {"name", "full_name", "fullname", "contact_name", "display_name"},
	ColumnCompany:    {"company", "company_name", "companyname", "organization", "org"},
	ColumnTags:       {"tags", "labels", "categories"},
	ColumnSubscribed: {"subscribed", "opt_in", "optin", "opted_in", "subscription"},
}

var aliasIndex = func() map[string]string {
	m := make(map[string]string)
	for canonical, aliases := range headerAliases {
		for _, a := range aliases {
			m[a] = canonical
		}
	}
	return m
}()

// Options bounds an upload.
type Options struct {
	MaxBytes        int64
	MaxRows         int
	RequiredColumns []string
}

// Result is the outcome of parsing one file.
type Result struct {
	Records     []Candidate         `json:"records"`
	Errors      []domain.RowOutcome `json:"errors"`
	ContentHash string              `json:"content_hash"`
	Checksum    string              `json:"checksum"`
	Size        int64               `json:"size"`
	TotalRows   int                 `json:"total_rows"`
	Headers     []string            `json:"headers"`
}

// Validator parses and validates uploads. It is safe for concurrent use.
type Validator struct {
	opts     Options
	validate *validator.Validate
}

// NewValidator creates a Validator; zero options take the engine defaults.
func NewValidator(opts Options) *Validator {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 10000
	}
	if len(opts.RequiredColumns) == 0 {
		opts.RequiredColumns = []string{ColumnEmail}
	}
	return &Validator{opts: opts, validate: validator.New()}
}

// Parse reads at most MaxBytes from r and parses it.
func (v *Validator) Parse(r io.Reader) (*Result, error) {
	data, err := io.ReadAll(io.LimitReader(r, v.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ingest: read: %w", err)
	}
	return v.ParseBytes(data)
}

// ParseBytes parses an in-memory upload.
func (v *Validator) ParseBytes(data []byte) (*Result, error) {
	if int64(len(data)) > v.opts.MaxBytes {
		return nil, &LimitError{Err: ErrFileTooLarge, Limit: v.opts.MaxBytes}
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	sum := sha256.Sum256(data)
	res := &Result{
		Checksum: hex.EncodeToString(sum[:]),
		Size:     int64(len(data)),
	}

	csvReader := csv.NewReader(bytes.NewReader(data))
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidCSV, err)
	}

	columns, canonical := mapHeaders(header)
	var missing []string
	for _, col := range v.opts.RequiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	res.Headers = canonical

	hasher := sha256.New()
	io.WriteString(hasher, strings.Join(canonical, ",")+"\n")

	seen := make(map[string]bool)
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}

		res.TotalRows++
		if res.TotalRows > v.opts.MaxRows {
			return nil, &LimitError{Err: ErrTooManyRows, Limit: int64(v.opts.MaxRows)}
		}
		row := res.TotalRows

		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
			}
			res.Errors = append(res.Errors, rejected(row, "", domain.ReasonMalformedRow))
			fmt.Fprintf(hasher, "%d:!\n", row)
			continue
		}

		cand, reason := v.buildCandidate(record, columns, row)
		fmt.Fprintf(hasher, "%s\x1f%s\x1f%s\x1f%s\n", cand.Email, cand.Name, cand.Company, strings.Join(cand.Tags, ";"))

		switch {
		case reason != "":
			res.Errors = append(res.Errors, rejected(row, cand.Email, reason))
		case seen[cand.Email]:
			res.Errors = append(res.Errors, domain.RowOutcome{
				Row:     row,
				Email:   cand.Email,
				Outcome: domain.OutcomeDuplicate,
				Reason:  domain.ReasonInFileDuplicate,
			})
		default:
			seen[cand.Email] = true
			res.Records = append(res.Records, cand)
		}
	}

	if res.TotalRows == 0 {
		return nil, ErrEmptyFile
	}
	res.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	return res, nil
}

// ValidateCandidate re-checks a candidate that crossed a serialization
// boundary (e.g. a queued job payload).
func (v *Validator) ValidateCandidate(c Candidate) error {
	if err := v.validate.Struct(c); err != nil {
		return err
	}
	if NormalizeEmail(c.Email) != c.Email || !v.ValidEmail(c.Email) {
		return fmt.Errorf("ingest: row %d: address is not normalized", c.RowIndex)
	}
	return nil
}

// ValidEmail applies the RFC format check plus the length limits.
func (v *Validator) ValidEmail(email string) bool {
	if email == "" || len(email) > MaxEmailLength || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at < 1 || at > MaxLocalLength {
		return false
	}
	return v.validate.Var(email, "email") == nil
}

func (v *Validator) buildCandidate(record []string, columns map[string]int, row int) (Candidate, domain.Reason) {
	cand := Candidate{RowIndex: row}
	cell := func(col string) string {
		idx, ok := columns[col]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	raw := cell(ColumnEmail)
	cand.Email = NormalizeEmail(raw)
	cand.Name = truncate(cell(ColumnName), MaxNameLength)
	cand.Company = truncate(cell(ColumnCompany), MaxCompanyLength)
	cand.Tags = splitTags(cell(ColumnTags))
	cand.Subscribed = parseBool(cell(ColumnSubscribed))

	if cand.Email == "" {
		return cand, domain.ReasonMissingEmail
	}
	if !v.ValidEmail(cand.Email) {
		return cand, domain.ReasonInvalidFormat
	}
	return cand, ""
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func mapHeaders(header []string) (map[string]int, []string) {
	columns := make(map[string]int)
	canonical := make([]string, len(header))
	for i, h := range header {
		n := normalizeHeader(h)
		if c, ok := aliasIndex[n]; ok {
			n = c
		}
		canonical[i] = n
		if _, dup := columns[n]; !dup && n != "" {
			columns[n] = i
		}
	}
	return columns, canonical
}

func normalizeHeader(header string) string {
	// Convert to lowercase, trim spaces, replace common separators
	normalized := strings.ToLower(strings.TrimSpace(header))
	normalized = strings.Join(strings.Fields(normalized), "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return normalized
}

func rejected(row int, email string, reason domain.Reason) domain.RowOutcome {
	return domain.RowOutcome{Row: row, Email: email, Outcome: domain.OutcomeRejected, Reason: reason}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '|' || r == ',' })
	seen := make(map[string]bool, len(parts))
	var tags []string
	for _, p := range parts {
		t := truncate(strings.TrimSpace(p), MaxTagLength)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		tags = append(tags, t)
		if len(tags) == MaxTags {
			break
		}
	}
	return tags
}

func parseBool(s string) *bool {
	var b bool
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1", "subscribed", "opt_in", "opted_in":
		b = true
	case "false", "no", "n", "0", "unsubscribed", "opt_out", "opted_out":
		b = false
	default:
		return nil
	}
	return &b
}
