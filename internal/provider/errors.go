package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable means the backend could not be reached or is not
	// configured. Only this error triggers the local to remote fallback.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrBudgetExceeded is returned before any remote call once the
	// workspace has spent its monthly limit.
	ErrBudgetExceeded = errors.New("monthly ai budget exceeded")

	errMalformed = errors.New("malformed model output")

	// errDimension marks vectors that do not match the configured embedding
	// dimension. The local tier falls back to remote on it.
	errDimension = errors.New("embedding dimension mismatch")
)

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// Unwrap lets errors.Is match ErrUnavailable for statuses that mean the
// backend or model is not there: 404 (model not pulled) and 5xx.
func (e *statusError) Unwrap() error {
	if e.code == http.StatusNotFound || e.code >= 500 {
		return ErrUnavailable
	}
	return nil
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
