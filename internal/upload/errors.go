package upload

import (
	"errors"

	"github.com/phrazzld/docbulk/internal/domain"
)

// StageError is a classified per-document failure.
type StageError struct {
	Kind domain.ErrorKind
	Err  error
}

// Error returns the message of the wrapped error; the kind is stored separately.
func (e *StageError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// kindOf classifies err. Errors that were not classified when they were
// raised fall back to domain.KindOf.
func kindOf(err error) domain.ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return domain.KindOf(err)
}
