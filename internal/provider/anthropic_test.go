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

func TestToAnthropicRequest_SystemFolding(t *testing.T) {
	ar, err := toAnthropicRequest(&ChatRequest{
		Model: "claude-3-5-sonnet-20240620",
		Messages: []Message{
			{Role: RoleSystem, Content: "Be terse."},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleSystem, Content: "Answer in French."},
		},
	})
	require.NoError(t, err)

	// System messages are hoisted out of the message list and joined.
	assert.Equal(t, "Be terse.\nAnswer in French.", ar.System)
	require.Len(t, ar.Messages, 1)
	assert.Equal(t, RoleUser, ar.Messages[0].Role)
}

func TestToAnthropicRequest_TemperatureClampAndMaxTokens(t *testing.T) {
	temp := 1.8
	ar, err := toAnthropicRequest(&ChatRequest{
		Model:       "claude-3-opus-20240229",
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: &temp,
	})
	require.NoError(t, err)

	// Anthropic's ceiling is 1.0, not 1.15.
	require.NotNil(t, ar.Temperature)
	assert.InDelta(t, 1.0, *ar.Temperature, 1e-9)

	// max_tokens is required by the API, so the default must be filled in.
	assert.Equal(t, anthropicMaxTokens, ar.MaxTokens)
}

func TestToAnthropicRequest_DocumentBlock(t *testing.T) {
	ar, err := toAnthropicRequest(&ChatRequest{
		Model: "claude-3-5-sonnet-20240620",
		Messages: []Message{{
			Role: RoleUser,
			Parts: []Part{
				{Type: PartText, Text: "summarize this"},
				{Type: PartDocument, MediaType: "application/pdf", Data: "cGRm"},
			},
		}},
	})
	require.NoError(t, err)

	blocks, ok := ar.Messages[0].Content.([]anthropicReqBlock)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.Equal(t, "document", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "application/pdf", blocks[1].Source.MediaType)
}

func TestToAnthropicRequest_Tools(t *testing.T) {
	ar, err := toAnthropicRequest(&ChatRequest{
		Model:    "claude-3-5-sonnet-20240620",
		Messages: []Message{{Role: RoleUser, Content: "weather?"}},
		Tools: []ToolDecl{{
			Type: "function",
			Function: ToolFunc{
				Name:        "get_weather",
				Description: "Look up the weather",
				Parameters:  map[string]any{"type": "object"},
			},
		}},
	})
	require.NoError(t, err)

	require.Len(t, ar.Tools, 1)
	assert.Equal(t, "get_weather", ar.Tools[0].Name)
	assert.NotNil(t, ar.Tools[0].InputSchema)
}

func TestAnthropicStreamCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range []string{
			`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":0}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Bon"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"jour"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
			`{"type":"message_stop"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	defer srv.Close()

	a := NewAnthropicAdapter("test-key", srv.URL, srv.Client())
	ch, err := a.StreamCompletion(context.Background(), &ChatRequest{
		Model:    "claude-3-5-sonnet-20240620",
		Messages: []Message{{Role: RoleUser, Content: "greet me"}},
	})
	require.NoError(t, err)

	events := collect(ch)
	require.Len(t, events, 5)

	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "Bon", events[0].Text)
	assert.Equal(t, EventThinking, events[1].Type)
	assert.Equal(t, "hmm", events[1].Text)
	assert.Equal(t, EventText, events[2].Type)
	assert.Equal(t, "jour", events[2].Text)

	// Input tokens from message_start, output tokens from message_delta.
	require.Equal(t, EventUsage, events[3].Type)
	assert.Equal(t, 12, events[3].Usage.InputTokens)
	assert.Equal(t, 4, events[3].Usage.OutputTokens)

	assert.Equal(t, EventDone, events[4].Type)
}

func TestAnthropicStreamToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range []string{
			`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":8,"output_tokens":0}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
			`{"type":"message_stop"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	defer srv.Close()

	a := NewAnthropicAdapter("test-key", srv.URL, srv.Client())
	ch, err := a.StreamCompletion(context.Background(), &ChatRequest{
		Model:    "claude-3-5-sonnet-20240620",
		Messages: []Message{{Role: RoleUser, Content: "weather?"}},
	})
	require.NoError(t, err)

	events := collect(ch)
	require.Len(t, events, 5)

	// First fragment carries id and name, later ones just argument text.
	require.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "toolu_1", events[0].ToolCall.ID)
	assert.Equal(t, "get_weather", events[0].ToolCall.Name)

	require.Equal(t, EventToolCall, events[1].Type)
	assert.Equal(t, `{"city":`, events[1].ToolCall.Arguments)
	require.Equal(t, EventToolCall, events[2].Type)
	assert.Equal(t, `"Oslo"}`, events[2].ToolCall.Arguments)

	assert.Equal(t, EventUsage, events[3].Type)
	assert.Equal(t, EventDone, events[4].Type)
}

func TestAnthropicStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":3,"output_tokens":0}}}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter("test-key", srv.URL, srv.Client())
	ch, err := a.StreamCompletion(context.Background(), &ChatRequest{
		Model:    "claude-3-5-sonnet-20240620",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	events := collect(ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Err, "message_stop")
	assert.Equal(t, EventDone, events[1].Type)
}

func TestAnthropicAskOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, decodeJSONBody(r, &req))
		assert.Equal(t, anthropicMaxTokens, req.MaxTokens)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"bonjour"}],"stop_reason":"end_turn","usage":{"input_tokens":6,"output_tokens":2}}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter("test-key", srv.URL, srv.Client())
	answer, usage, err := a.AskOnce(context.Background(), 1, "greet me", "claude-3-haiku-20240307")
	require.NoError(t, err)
	assert.Equal(t, "bonjour", answer)
	require.NotNil(t, usage)
	assert.Equal(t, 6, usage.InputTokens)
	assert.Equal(t, 2, usage.OutputTokens)
}

func TestAnthropicGenerateImageUnsupported(t *testing.T) {
	a := NewAnthropicAdapter("test-key", "http://unused", http.DefaultClient)
	_, err := a.GenerateImage(context.Background(), 1, "a cat", "")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}
