package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is returned for every non-2xx backend response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusCode extracts the HTTP status of err, or 0 when err is not an HTTPError.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsConflict reports a version mismatch (409).
func IsConflict(err error) bool { return StatusCode(err) == http.StatusConflict }

// IsForbidden reports a role or ownership rejection (403).
func IsForbidden(err error) bool { return StatusCode(err) == http.StatusForbidden }

// IsValidation reports a payload the backend refused to accept (422 or 400).
func IsValidation(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnprocessableEntity || code == http.StatusBadRequest
}

// IsUnauthorized reports an expired or missing token (401).
func IsUnauthorized(err error) bool { return StatusCode(err) == http.StatusUnauthorized }

// IsNotFound reports a missing resource (404).
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsRetryable reports whether repeating the same request later may succeed.
// Transport failures and timeouts are retryable, as are 401, 408, 429 and 5xx
// responses. Other 4xx responses are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	code := StatusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusUnauthorized,
		code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return true
	default:
		return false
	}
}
