package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantKind   ErrorKind
		retryable  bool
	}{
		{
			name:       "429 is rate limit",
			statusCode: 429,
			body:       `{"error":{"type":"rate_limit_error","message":"slow down"}}`,
			wantKind:   KindRateLimit,
			retryable:  true,
		},
		{
			name:       "529 overloaded is rate limit",
			statusCode: 529,
			body:       `{"error":{"type":"overloaded_error"}}`,
			wantKind:   KindRateLimit,
			retryable:  true,
		},
		{
			name:       "rate limit body without matching status",
			statusCode: 400,
			body:       `{"error":{"type":"rate_limit_error"}}`,
			wantKind:   KindRateLimit,
			retryable:  true,
		},
		{
			name:       "overloaded body substring in non-json",
			statusCode: 400,
			body:       "upstream returned overloaded_error, try later",
			wantKind:   KindRateLimit,
			retryable:  true,
		},
		{
			name:       "500 is server error",
			statusCode: 500,
			body:       "internal server error",
			wantKind:   KindServerError,
			retryable:  true,
		},
		{
			name:       "503 is server error",
			statusCode: 503,
			body:       "",
			wantKind:   KindServerError,
			retryable:  true,
		},
		{
			name:       "malformed 2xx is a format error",
			statusCode: 200,
			body:       `{"unexpected":"shape"}`,
			wantKind:   KindResponseFormat,
			retryable:  false,
		},
		{
			name:       "401 is a plain api error",
			statusCode: 401,
			body:       `{"error":{"type":"authentication_error"}}`,
			wantKind:   KindAPIError,
			retryable:  false,
		},
		{
			name:       "404 is a plain api error",
			statusCode: 404,
			body:       "not found",
			wantKind:   KindAPIError,
			retryable:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.statusCode, tt.body)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.retryable, got.Retryable)
		})
	}
}

func TestClassifyError(t *testing.T) {
	apiErr := &APIError{StatusCode: 429, Body: `{"error":{"type":"rate_limit_error"}}`}
	got := ClassifyError(apiErr)
	assert.Equal(t, KindRateLimit, got.Kind)
	assert.True(t, got.Retryable)
}

func TestClassificationMessage(t *testing.T) {
	assert.Equal(t, "provider rate limit exceeded", Classification{Kind: KindRateLimit}.Message())
	assert.Equal(t, "provider server error", Classification{Kind: KindServerError}.Message())
	assert.Equal(t, "provider response missing expected fields", Classification{Kind: KindResponseFormat}.Message())
	assert.Equal(t, "provider rejected the request", Classification{Kind: KindAPIError}.Message())
}

func TestAPIErrorTruncatesBody(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err := &APIError{StatusCode: 500, Body: string(long)}
	assert.Less(t, len(err.Error()), 300)
}
