package snowball

import (
	"errors"

	"github.com/ignite/snowball-engine/internal/guard"
	"github.com/ignite/snowball-engine/internal/ingest"
)

// Sentinel errors for the intake service.
var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrParentMismatch     = errors.New("parent event belongs to another repository")
	ErrGenerationLimit    = errors.New("maximum generation depth reached")
	ErrInvalidRequest     = errors.New("invalid upload request")
)

// IsInputError reports whether err should be shown to the uploader as a
// rejection rather than treated as a system fault.
func IsInputError(err error) bool {
	return ingest.IsInputError(err) ||
		errors.Is(err, guard.ErrDenied) ||
		errors.Is(err, ErrRepositoryNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrParentMismatch) ||
		errors.Is(err, ErrGenerationLimit) ||
		errors.Is(err, ErrInvalidRequest)
}
