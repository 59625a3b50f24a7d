package provider

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorKind is the normalized category of a provider failure.
type ErrorKind string

const (
	// KindRateLimit is a 429/529 or an explicit rate_limit/overloaded error body.
	KindRateLimit ErrorKind = "RATE_LIMIT"
	// KindServerError is any 5xx response.
	KindServerError ErrorKind = "SERVER_ERROR"
	// KindResponseFormat is a successful-looking response missing expected fields.
	KindResponseFormat ErrorKind = "RESPONSE_FORMAT_ERROR"
	// KindAPIError is any other 4xx response.
	KindAPIError ErrorKind = "API_ERROR"
)

// Classification is the retry decision for one provider failure.
type Classification struct {
	Kind      ErrorKind
	Retryable bool
}

// Message returns the normalized human-readable message for the kind.
func (c Classification) Message() string {
	switch c.Kind {
	case KindRateLimit:
		return "provider rate limit exceeded"
	case KindServerError:
		return "provider server error"
	case KindResponseFormat:
		return "provider response missing expected fields"
	default:
		return "provider rejected the request"
	}
}

// errorBody matches the error envelope the provider APIs return.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Classify is a pure decision table mapping an HTTP status and raw body to a
// normalized error kind and retryability. No side effects, no I/O.
func Classify(statusCode int, body string) Classification {
	if statusCode == http.StatusTooManyRequests || statusCode == 529 || isRateLimitBody(body) {
		return Classification{Kind: KindRateLimit, Retryable: true}
	}
	if statusCode >= 500 && statusCode <= 599 {
		return Classification{Kind: KindServerError, Retryable: true}
	}
	if statusCode >= 200 && statusCode < 300 {
		// A 2xx only reaches classification when the body failed to decode:
		// a data problem, not a transient one.
		return Classification{Kind: KindResponseFormat, Retryable: false}
	}
	return Classification{Kind: KindAPIError, Retryable: false}
}

// ClassifyError classifies an APIError directly.
func ClassifyError(err *APIError) Classification {
	return Classify(err.StatusCode, err.Body)
}

func isRateLimitBody(body string) bool {
	if body == "" {
		return false
	}

	var decoded errorBody
	if err := json.Unmarshal([]byte(body), &decoded); err == nil && decoded.Error.Type != "" {
		t := decoded.Error.Type
		return t == "rate_limit_error" || t == "overloaded_error"
	}

	// Fall back to substring matching for non-JSON bodies.
	return strings.Contains(body, "rate_limit_error") || strings.Contains(body, "overloaded_error")
}
