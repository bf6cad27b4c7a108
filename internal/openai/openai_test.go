package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_SendsSystemAndUser(t *testing.T) {
	var got chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  TL;DR: all good  "}},
			},
			"usage": map[string]any{
				"prompt_tokens":     42,
				"completion_tokens": 7,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.Complete(context.Background(), "be brief", "a\nb")
	require.NoError(t, err)

	assert.Equal(t, "TL;DR: all good", result.Content, "content is trimmed")
	assert.Equal(t, 42, result.InputTokens)
	assert.Equal(t, 7, result.OutputTokens)
	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, Message{Role: "system", Content: "be brief"}, got.Messages[0])
	assert.Equal(t, Message{Role: "user", Content: "a\nb"}, got.Messages[1])
}

func TestChatCompletion_NoUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "World"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	assert.Equal(t, "World", result.Content)
	assert.Zero(t, result.InputTokens)
	assert.Zero(t, result.OutputTokens)
}

func TestChatCompletion_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 0},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, 10, result.InputTokens)
}

func TestChatCompletion_BlankContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestChatCompletion_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	assert.Error(t, err, "429 response")
}

func TestChatCompletion_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.Complete(context.Background(), "s", "u")
	assert.Error(t, err, "parse error")
}

func TestChatCompletion_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.Complete(ctx, "s", "u")
	assert.ErrorIs(t, err, context.Canceled)
}
