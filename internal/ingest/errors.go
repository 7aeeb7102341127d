package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors. They are reported to the uploader synchronously and no
// event is created.
var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrFileTooLarge   = errors.New("file exceeds size limit")
	ErrTooManyRows    = errors.New("file exceeds row limit")
	ErrMissingColumns = errors.New("required columns missing")
	ErrInvalidCSV     = errors.New("invalid CSV format")
)

// MissingColumnsError names the required columns that were not found.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingColumns, strings.Join(e.Columns, ", "))
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingColumns }

// LimitError carries the limit that was exceeded.
type LimitError struct {
	Err   error
	Limit int64
}

func (e *LimitError) Error() string { return fmt.Sprintf("%s (limit %d)", e.Err, e.Limit) }

func (e *LimitError) Unwrap() error { return e.Err }

// IsInputError reports whether err is a structural upload problem rather than
// an I/O failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyFile) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrTooManyRows) ||
		errors.Is(err, ErrMissingColumns) ||
		errors.Is(err, ErrInvalidCSV)
}
