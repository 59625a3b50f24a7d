package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill-jobs/internal/domain/model"
)

func TestAnthropicClientExecute(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{
			"model": "claude-sonnet-4-20250514",
			"content": [{"type":"text","text":"generated plan"}],
			"usage": {"input_tokens": 12, "output_tokens": 34}
		}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient("test-key")
	require.NoError(t, err)
	client.base = srv.URL

	resp, err := client.Execute(context.Background(), Request{
		Model:  "claude-sonnet-4-20250514",
		Prompt: "make a plan",
		System: "you plan things",
	})
	require.NoError(t, err)
	assert.Equal(t, "generated plan", resp.Text)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 34, resp.OutputTokens)

	assert.Equal(t, "claude-sonnet-4-20250514", gotReq.Model)
	assert.Equal(t, "you plan things", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "make a plan", gotReq.Messages[0].Content)
}

func TestAnthropicClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient("test-key")
	require.NoError(t, err)
	client.base = srv.URL

	_, err = client.Execute(context.Background(), Request{Model: "m", Prompt: "p"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)

	got := ClassifyError(apiErr)
	assert.Equal(t, KindRateLimit, got.Kind)
	assert.True(t, got.Retryable)
}

func TestAnthropicClientMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content": []}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient("test-key")
	require.NoError(t, err)
	client.base = srv.URL

	_, err = client.Execute(context.Background(), Request{Model: "m", Prompt: "p"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)

	got := ClassifyError(apiErr)
	assert.Equal(t, KindResponseFormat, got.Kind)
	assert.False(t, got.Retryable)
}

func TestAnthropicClientHonorsContext(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels r.Context(); otherwise srv.Close blocks forever.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewAnthropicClient("test-key")
	require.NoError(t, err)
	client.base = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, execErr := client.Execute(ctx, Request{Model: "m", Prompt: "p"})
		done <- execErr
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not abort on cancellation")
	}
}

func TestOpenAIClientExecute(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o",
			"choices": [{"message": {"content": "improved text"}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 21}
		}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("test-key")
	require.NoError(t, err)
	client.base = srv.URL

	resp, err := client.Execute(context.Background(), Request{
		Model:  "gpt-4o",
		Prompt: "improve this",
		System: "you improve text",
	})
	require.NoError(t, err)
	assert.Equal(t, "improved text", resp.Text)
	assert.Equal(t, 7, resp.InputTokens)
	assert.Equal(t, 21, resp.OutputTokens)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestOpenAIClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"gpt-4o","choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient("test-key")
	require.NoError(t, err)
	client.base = srv.URL

	_, err = client.Execute(context.Background(), Request{Model: "m", Prompt: "p"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindResponseFormat, ClassifyError(apiErr).Kind)
}

func TestClientAPITypes(t *testing.T) {
	a, err := NewAnthropicClient("k")
	require.NoError(t, err)
	assert.Equal(t, model.APITypeAnthropic, a.APIType())

	o, err := NewOpenAIClient("k")
	require.NoError(t, err)
	assert.Equal(t, model.APITypeOpenAI, o.APIType())

	_, err = NewAnthropicClient("")
	assert.Error(t, err)
	_, err = NewOpenAIClient("")
	assert.Error(t, err)
}
