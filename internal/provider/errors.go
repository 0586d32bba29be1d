package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sells-group/enrichment-engine/internal/resilience"
)

// ErrorCategory is the normalized failure taxonomy for provider calls.
type ErrorCategory string

const (
	ErrorTimeout        ErrorCategory = "timeout"
	ErrorRateLimited    ErrorCategory = "rate_limited"
	ErrorCircuitOpen    ErrorCategory = "circuit_open"
	ErrorOutage         ErrorCategory = "provider_outage"
	ErrorAuthentication ErrorCategory = "authentication"
	ErrorBadData        ErrorCategory = "bad_data"
	ErrorNotFound       ErrorCategory = "not_found"
	ErrorInternal       ErrorCategory = "internal"
)

// Error wraps a provider failure with its category.
type Error struct {
	Provider string
	Category ErrorCategory
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s [%s]: %v", e.Provider, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err in an Error with a category derived from its chain.
func Classify(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: provider, Category: categoryOf(err), Err: err}
}

// CategoryOf returns the category of err, or ErrorInternal.
func CategoryOf(err error) ErrorCategory {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return categoryOf(err)
}

func categoryOf(err error) ErrorCategory {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, resilience.ErrRateLimited):
		return ErrorRateLimited
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ErrorCircuitOpen
	}
	var te *resilience.TransientError
	if errors.As(err, &te) {
		switch te.StatusCode {
		case http.StatusTooManyRequests:
			return ErrorRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return ErrorTimeout
		default:
			return ErrorOutage
		}
	}
	if resilience.IsTransient(err) {
		return ErrorOutage
	}
	return ErrorInternal
}
