package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/faults"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *clock.Fake) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	c := New(Config{
		BaseURL:           srv.URL + "/v1",
		APIKey:            "test-key",
		Model:             "hive-large",
		RequestsPerMinute: 6000,
		Burst:             100,
	}, fake, zerolog.Nop())
	return c, fake
}

func completionBody(content string) string {
	resp := wireResponse{
		ID:    "cmpl-1",
		Model: "hive-large",
		Choices: []wireChoice{
			{Index: 0, Message: Message{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
		Usage: Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	var gotReq wireRequest
	var gotAuth, gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody(`{"verdict":"BUY"}`)))
	})

	resp, err := client.Complete(context.Background(), Request{
		Messages:       []Message{{Role: "user", Content: "evaluate NVDA"}},
		MaxTokens:      300,
		ResponseFormat: "json_object",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"verdict":"BUY"}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 52, resp.Usage.TotalTokens)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "hive-large", gotReq.Model)
	assert.Equal(t, 300, gotReq.MaxTokens)
	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
}

func TestCompleteAppliesConfiguredDefaults(t *testing.T) {
	var gotReq wireRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(completionBody("ok")))
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.7, gotReq.Temperature, 1e-9)
	assert.Equal(t, 2000, gotReq.MaxTokens)
	assert.Nil(t, gotReq.ResponseFormat)
}

func TestCompleteMapsAuthFailure(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth_error"}}`))
	})

	require.True(t, client.LastAuthFailure().IsZero(), "fresh client has no auth failures")

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	assert.Equal(t, faults.Unauthorized, faults.KindOf(err))
	assert.Contains(t, err.Error(), "invalid api key")
	assert.False(t, faults.IsRetryable(err), "auth failures must not be retried")
	assert.Equal(t, fake.Now(), client.LastAuthFailure())
}

func TestCompleteMapsThrottling(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exhausted"}}`))
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	assert.Equal(t, faults.RateLimited, faults.KindOf(err))
	assert.True(t, faults.IsRetryable(err))
	assert.True(t, client.LastAuthFailure().IsZero(), "throttling is not an auth failure")
}

func TestCompleteMapsGatewayErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream worker crashed"))
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	assert.Equal(t, faults.ProviderError, faults.KindOf(err))
	assert.True(t, faults.IsRetryable(err), "5xx is transient")
	assert.Contains(t, err.Error(), "upstream worker crashed")
}

func TestCompleteRejectsBadRequestWithoutRetry(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"context length exceeded"}}`))
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	assert.Equal(t, faults.ProviderError, faults.KindOf(err))
	assert.False(t, faults.IsRetryable(err))
	assert.Contains(t, err.Error(), "context length exceeded")
}

func TestCompleteRequiresMessages(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, faults.InvalidInput, faults.KindOf(err))
	assert.False(t, called, "empty requests never reach the gateway")
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"cmpl-2","model":"hive-large","choices":[],"usage":{}}`))
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, faults.ProviderError, faults.KindOf(err))
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "json fence",
			content: "```json\n{\"a\": 1}\n```",
			want:    `{"a": 1}`,
		},
		{
			name:    "bare fence",
			content: "```\n[1, 2]\n```",
			want:    `[1, 2]`,
		},
		{
			name:    "fence with prose around it",
			content: "Here is my analysis:\n```json\n{\"a\": 1}\n```\nLet me know if you need more.",
			want:    `{"a": 1}`,
		},
		{
			name:    "plain json",
			content: `  {"a": 1}  `,
			want:    `{"a": 1}`,
		},
		{
			name:    "prose around object",
			content: `Sure! {"a": {"b": 2}} Hope that helps.`,
			want:    `{"a": {"b": 2}}`,
		},
		{
			name:    "prose around array",
			content: `The result is [1, 2, 3].`,
			want:    `[1, 2, 3]`,
		},
		{
			name:    "no json at all",
			content: "I cannot answer that.",
			want:    "I cannot answer that.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSON(tc.content))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out []struct {
		Symbol  string `json:"symbol"`
		Verdict string `json:"verdict"`
	}
	content := "```json\n[{\"symbol\":\"NVDA\",\"verdict\":\"BUY\"}]\n```"
	require.NoError(t, DecodeJSON(content, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "NVDA", out[0].Symbol)

	err := DecodeJSON("not even close", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode model JSON")
}
