package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGeminiRequest_RoleAndSystemMapping(t *testing.T) {
	gr, err := toGeminiRequest(&ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []Message{
			{Role: RoleSystem, Content: "Be helpful."},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)

	// System messages become systemInstruction, assistant becomes "model".
	require.NotNil(t, gr.SystemInstruction)
	assert.Equal(t, "Be helpful.", gr.SystemInstruction.Parts[0].Text)
	require.Len(t, gr.Contents, 2)
	assert.Equal(t, "user", gr.Contents[0].Role)
	assert.Equal(t, "model", gr.Contents[1].Role)

	// Thought passthrough is always requested so reasoning segments can be
	// forwarded instead of silently dropped.
	require.NotNil(t, gr.GenerationConfig)
	require.NotNil(t, gr.GenerationConfig.ThinkingConfig)
	assert.True(t, gr.GenerationConfig.ThinkingConfig.IncludeThoughts)
}

func TestToGeminiRequest_TemperatureCeiling(t *testing.T) {
	temp := 2.7
	gr, err := toGeminiRequest(&ChatRequest{
		Model:       "gemini-2.5-pro",
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: &temp,
	})
	require.NoError(t, err)

	// Gemini accepts up to 2.0 — higher than the other backends.
	require.NotNil(t, gr.GenerationConfig.Temperature)
	assert.InDelta(t, 2.0, *gr.GenerationConfig.Temperature, 1e-9)
}

func TestToGeminiRequest_MediaParts(t *testing.T) {
	gr, err := toGeminiRequest(&ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []Message{{
			Role: RoleUser,
			Parts: []Part{
				{Type: PartImage, MediaType: "image/jpeg", Data: "aW1n"},
				{Type: PartDocument, MediaType: "application/pdf", Data: "cGRm"},
			},
		}},
	})
	require.NoError(t, err)

	// Images and documents both map to inlineData.
	parts := gr.Contents[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].InlineData)
	assert.Equal(t, "image/jpeg", parts[0].InlineData.MimeType)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "application/pdf", parts[1].InlineData.MimeType)
}

func TestGoogleStreamCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.5-flash:streamGenerateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"let me see","thought":true}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Par"}]}}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1}}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"is"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":3}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	defer srv.Close()

	g := NewGoogleAdapter("test-key", srv.URL, srv.Client())
	ch, err := g.StreamCompletion(context.Background(), &ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []Message{{Role: RoleUser, Content: "capital of France?"}},
	})
	require.NoError(t, err)

	events := collect(ch)
	require.Len(t, events, 5)

	assert.Equal(t, EventThinking, events[0].Type)
	assert.Equal(t, "let me see", events[0].Text)
	assert.Equal(t, EventText, events[1].Type)
	assert.Equal(t, "Par", events[1].Text)
	assert.Equal(t, EventText, events[2].Type)
	assert.Equal(t, "is", events[2].Text)

	// Running usage totals: the last report wins.
	require.Equal(t, EventUsage, events[3].Type)
	assert.Equal(t, 9, events[3].Usage.InputTokens)
	assert.Equal(t, 3, events[3].Usage.OutputTokens)

	assert.Equal(t, EventDone, events[4].Type)
}

func TestGoogleStreamFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":5}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	defer srv.Close()

	g := NewGoogleAdapter("test-key", srv.URL, srv.Client())
	ch, err := g.StreamCompletion(context.Background(), &ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []Message{{Role: RoleUser, Content: "weather?"}},
	})
	require.NoError(t, err)

	events := collect(ch)
	require.Len(t, events, 3)

	require.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "get_weather", events[0].ToolCall.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, events[0].ToolCall.Arguments)

	assert.Equal(t, EventUsage, events[1].Type)
	assert.Equal(t, EventDone, events[2].Type)
}

func TestGoogleAskOnceSkipsThoughts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"pondering","thought":true},{"text":"Paris"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1}}`)
	}))
	defer srv.Close()

	g := NewGoogleAdapter("test-key", srv.URL, srv.Client())
	answer, usage, err := g.AskOnce(context.Background(), 1, "capital of France?", "gemini-2.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "Paris", answer)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.InputTokens)
}
