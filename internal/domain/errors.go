package domain

import "errors"

// Error kinds. Callers wrap these with fmt.Errorf("%w: ...") and classify
// with errors.Is or KindOf.
var (
	ErrValidation        = errors.New("validation_error")
	ErrAlreadyExists     = errors.New("already_exists")
	ErrNotFound          = errors.New("not_found")
	ErrAuthorization     = errors.New("authorization_error")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrConflict          = errors.New("conflict")
	ErrExecutionTimeout  = errors.New("execution_timeout")
	ErrExecutionFailure  = errors.New("execution_failure")
	ErrDisclosure        = errors.New("disclosure_error")
	ErrStorage           = errors.New("storage_error")
)

var classified = []error{
	ErrAlreadyExists,
	ErrValidation,
	ErrNotFound,
	ErrAuthorization,
	ErrInvalidTransition,
	ErrConflict,
	ErrExecutionTimeout,
	ErrExecutionFailure,
	ErrDisclosure,
	ErrStorage,
}

// KindOf returns the stable kind string for err, or "internal_error" when err
// carries none of the known kinds.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range classified {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal_error"
}
