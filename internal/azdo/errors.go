package azdo

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("azure devops unavailable")
	// ErrMultipleFolders is returned when a folder path resolves to more than
	// one folder.
	ErrMultipleFolders = errors.New("multiple folders found")
)

const maxErrorBody = 512

// APIError is a non-2xx response from Azure DevOps.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func newAPIError(method, url string, status int, body []byte) *APIError {
	b := string(body)
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody] + "..."
	}
	return &APIError{Method: method, URL: url, StatusCode: status, Body: b}
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ResponseBody returns the (truncated) response body.
func (e *APIError) ResponseBody() string { return e.Body }

// IsNotFound reports whether the resource did not exist.
func (e *APIError) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

// retryable reports whether the status is worth retrying.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}
