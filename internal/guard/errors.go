package guard

import (
	"errors"
	"fmt"
)

// ErrDenied matches every *DeniedError.
var ErrDenied = errors.New("guard: denied")

// Reason explains a denial.
type Reason string

const (
	ReasonDailyUploadLimit  Reason = "daily_upload_limit"
	ReasonRowLimit          Reason = "row_limit"
	ReasonAccountTooNew     Reason = "account_too_new"
	ReasonInsufficientKarma Reason = "insufficient_karma"
	ReasonUploaderBlocked   Reason = "uploader_blocked"
)

// DeniedError is a policy denial. It is data for the uploader, not a fault.
type DeniedError struct {
	Reason  Reason
	Limit   int64
	Current int64
}

func (e *DeniedError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("guard: denied: %s (%d/%d)", e.Reason, e.Current, e.Limit)
	}
	return fmt.Sprintf("guard: denied: %s", e.Reason)
}

// Is lets errors.Is(err, ErrDenied) match.
func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// DenialReason extracts the reason from err, if it is a denial.
func DenialReason(err error) (Reason, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}
