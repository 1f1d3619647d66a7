package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/llmgateway/internal/config"
	"github.com/quantora/llmgateway/internal/ledger"
	"github.com/quantora/llmgateway/internal/provider"
	"github.com/quantora/llmgateway/internal/router"
	"github.com/quantora/llmgateway/internal/tokens"
)

// stubAdapter serves fixed responses for handler tests.
type stubAdapter struct {
	events []provider.ChatEvent
}

func (s *stubAdapter) Name() string              { return "openai" }
func (s *stubAdapter) SupportedModels() []string { return []string{"gpt-4o", "dall-e-3"} }
func (s *stubAdapter) Close() error              { return nil }

func (s *stubAdapter) AskOnce(ctx context.Context, userID int64, question, model string) (string, *provider.Usage, error) {
	return "pong", &provider.Usage{InputTokens: 2, OutputTokens: 1}, nil
}

func (s *stubAdapter) GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error) {
	return "aW1n", nil
}

func (s *stubAdapter) StreamCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func newTestServer(adapter provider.Adapter) *Server {
	led := ledger.New(ledger.NewMemoryStore(), ledger.DefaultConfig())
	rt := router.New([]provider.Adapter{adapter}, led, tokens.NewWithCounter(func(s string) int {
		return len(strings.Fields(s))
	}), 0)
	return New(&config.Config{}, rt)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(&stubAdapter{})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleChatCompletions_Stream(t *testing.T) {
	srv := newTestServer(&stubAdapter{events: []provider.ChatEvent{
		{Type: provider.EventText, Text: "Hi"},
		{Type: provider.EventUsage, Usage: &provider.Usage{InputTokens: 4, OutputTokens: 1}},
		{Type: provider.EventDone},
	}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(
		`{"model":"gpt-4o","user":7,"stream":true,"messages":[{"role":"user","content":"hello"}]}`,
	))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"content":"Hi"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Contains(t, body, `"total_tokens":5`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestHandleChatCompletions_NonStream(t *testing.T) {
	srv := newTestServer(&stubAdapter{events: []provider.ChatEvent{
		{Type: provider.EventText, Text: "Hello "},
		{Type: provider.EventText, Text: "there"},
		{Type: provider.EventUsage, Usage: &provider.Usage{InputTokens: 4, OutputTokens: 2}},
		{Type: provider.EventDone},
	}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(
		`{"model":"gpt-4o","user":7,"messages":[{"role":"user","content":"hello"}]}`,
	))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp completionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestHandleChatCompletions_UnsupportedModel(t *testing.T) {
	srv := newTestServer(&stubAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(
		`{"model":"llama-70b","messages":[{"role":"user","content":"hello"}]}`,
	))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleChatCompletions_BadBody(t *testing.T) {
	srv := newTestServer(&stubAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAsk(t *testing.T) {
	srv := newTestServer(&stubAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(
		`{"user_id":7,"model":"gpt-4o","question":"ping"}`,
	))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "pong", body["answer"])
}

func TestHandleImages(t *testing.T) {
	srv := newTestServer(&stubAdapter{})

	req := httptest.NewRequest(http.MethodPost, "/v1/images", strings.NewReader(
		`{"user_id":7,"model":"dall-e-3","prompt":"a lighthouse"}`,
	))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "aW1n", body.Data[0]["b64_json"])
}
