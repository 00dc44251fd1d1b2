package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailReason names the failure category a backend error falls into. The
// adapters never retry on their own; a caller that wants retry or
// failover policy reads the reason off the raised ProviderError and
// decides for itself.
type FailReason string

// The categories cover the vocabulary the six backends share. Most map
// straight from an HTTP status: 402 is billing, 429 rate_limit, 401/403
// auth, 400 invalid_request, 404 model_unavailable, 5xx server_error.
// Timeout and content_filter usually only show up in message text.
const (
	FailBilling          FailReason = "billing"
	FailRateLimit        FailReason = "rate_limit"
	FailAuth             FailReason = "auth"
	FailTimeout          FailReason = "timeout"
	FailServer           FailReason = "server_error"
	FailInvalidRequest   FailReason = "invalid_request"
	FailModelUnavailable FailReason = "model_unavailable"
	FailContentFilter    FailReason = "content_filter"
	FailUnknown          FailReason = "unknown"
)

// IsRetryable reports whether repeating the same request can succeed.
// Billing, auth, and request-shape failures will fail the same way again.
func (r FailReason) IsRetryable() bool {
	switch r {
	case FailRateLimit, FailTimeout, FailServer:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the request stands a better chance
// against a different provider or model than against this one again.
func (r FailReason) ShouldFailover() bool {
	switch r {
	case FailBilling, FailAuth, FailModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError is the terminal error an adapter raises for a failed
// turn. Beyond the classification it keeps whatever the backend's error
// envelope carried, so callers can log a request id or honor a
// rate-limit reset without re-parsing provider responses.
type ProviderError struct {
	Reason   FailReason
	Provider string
	Model    string

	// Status is the HTTP status, zero when the failure never reached an
	// HTTP response.
	Status int

	// Code and Message come from the backend's error envelope verbatim.
	Code    string
	Message string

	RequestID string

	// RetryAfter is the backend-advertised reset delay, zero when the
	// response carried none.
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError classified from the cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode records a provider-specific error code and reclassifies when
// the code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	if msg != "" {
		e.Message = msg
	}
	return e
}

// WithRetryAfter records a rate-limit reset hint.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// parseRetryAfter reads a Retry-After header value, which per RFC 9110
// is either a delay in whole seconds or an HTTP date. Unparsable or
// already-elapsed values report zero.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyError matches an error's text against the failure vocabulary
// the backends use. Substring matching is crude but it is all an error
// that never reached an HTTP response offers; WithStatus and WithCode
// refine the reason when envelope data is available.
func ClassifyError(err error) FailReason {
	if err == nil {
		return FailUnknown
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return FailTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return FailRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") {
		return FailBilling
	}

	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return FailContentFilter
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return FailModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return FailServer
	}

	return FailUnknown
}

// classifyStatusCode maps an HTTP status onto a reason. Statuses beat
// text matching; they are the one signal every backend agrees on.
func classifyStatusCode(status int) FailReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusPaymentRequired:
		return FailBilling
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusBadRequest:
		return FailInvalidRequest
	case status == http.StatusNotFound:
		return FailModelUnavailable
	case status >= 500:
		return FailServer
	default:
		return FailUnknown
	}
}

// classifyErrorCode recognizes the envelope codes Anthropic and the
// OpenAI dialects emit. Unrecognized codes leave the reason untouched.
func classifyErrorCode(code string) FailReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailRateLimit
	case "authentication_error", "invalid_api_key":
		return FailAuth
	case "billing_error", "insufficient_quota":
		return FailBilling
	case "model_not_found", "model_not_available":
		return FailModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailContentFilter
	case "server_error", "internal_error", "overloaded_error":
		return FailServer
	case "invalid_request_error":
		return FailInvalidRequest
	default:
		return FailUnknown
	}
}

// GetProviderError unwraps err down to a ProviderError, if one is in the
// chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsProviderError reports whether err is or wraps a ProviderError.
func IsProviderError(err error) bool {
	_, ok := GetProviderError(err)
	return ok
}
