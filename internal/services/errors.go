package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors classify every failure the dispatcher can surface. Provider
// wire details never leak past these kinds; the adapter message text rides
// along verbatim.
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("authentication error")
	ErrClient     = errors.New("client error")
	ErrTransient  = errors.New("transient failure")
	ErrProvider   = errors.New("provider error")
	ErrTimeout    = errors.New("timeout")
	ErrCancelled  = errors.New("cancelled")
	ErrIO         = errors.New("io error")
	ErrNotFound   = errors.New("not found")
	ErrFatal      = errors.New("fatal error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns the short classification token for an error, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrClient):
		return "client_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the job runner may retry after this error.
// Only transient failures (timeouts, 5xx, 429) qualify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
