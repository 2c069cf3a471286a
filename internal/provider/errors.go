package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/internal/services"
)

// RateLimitError carries the provider's Retry-After hint on a 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// httpStatusError maps an upstream HTTP failure into the core taxonomy. The
// provider's message text travels verbatim; provider types never leak out.
func httpStatusError(provider, op string, status int, body []byte, header http.Header) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 512 {
		message = message[:512]
	}
	if message == "" {
		message = http.StatusText(status)
	}
	message = fmt.Sprintf("HTTP %d: %s", status, message)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, provider, op, message, nil)
	case status == http.StatusTooManyRequests:
		return services.Wrap(services.ErrTransient, provider, op, message,
			&RateLimitError{RetryAfter: parseRetryAfter(header.Get("Retry-After"))})
	case status >= 400 && status < 500:
		return services.Wrap(services.ErrClient, provider, op, message, nil)
	default:
		return services.Wrap(services.ErrTransient, provider, op, message, nil)
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
