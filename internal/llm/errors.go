package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEmbeddingUnsupported is returned by backends without an embedding
// endpoint.
var ErrEmbeddingUnsupported = errors.New("embedding is not supported by this backend")

// APIError normalizes backend failures. StatusCode is 0 when the failure
// was not an HTTP error; when set it is preserved so quota-fallback logic
// can inspect it.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError wraps err with an HTTP status and message.
func NewAPIError(status int, message string, err error) *APIError {
	return &APIError{StatusCode: status, Message: message, Err: err}
}

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsUnauthorized reports whether err is an auth failure the orchestrator
// should surface as a re-auth request rather than a fatal error.
func IsUnauthorized(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsQuotaExceeded reports whether err is a quota/rate-limit failure.
func IsQuotaExceeded(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsCancelled reports whether err resulted from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// FriendlyMessage renders an error for the user, folding in the model
// name and, for quota errors, the fallback model hint.
func FriendlyMessage(err error, model, fallbackModel string) string {
	if err == nil {
		return ""
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return fmt.Sprintf("[%s] %s", model, err.Error())
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		if fallbackModel != "" && fallbackModel != model {
			return fmt.Sprintf("[%s] quota exceeded; switching to %s for the rest of the session", model, fallbackModel)
		}
		return fmt.Sprintf("[%s] quota exceeded: %s", model, apiErr.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("[%s] authentication failed: %s", model, apiErr.Message)
	default:
		return fmt.Sprintf("[%s] %s", model, apiErr.Error())
	}
}

// statusFromBody sniffs a numeric code out of upstream error bodies that
// embed one (e.g. {"error":{"code":429,...}}) when the HTTP layer already
// reported 200. Best-effort only.
func statusFromBody(body string) int {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden} {
		if strings.Contains(body, fmt.Sprintf(`"code":%d`, code)) || strings.Contains(body, fmt.Sprintf(`"code": %d`, code)) {
			return code
		}
	}
	return 0
}
