package provider

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

func TestDeepSeekStreamReasoning(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"reasoning_content":"thinking it through"}}]}`,
		`{"choices":[{"delta":{"content":"42"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":6}}`,
		`[DONE]`,
	))
	defer srv.Close()

	d := NewDeepSeekAdapter("test-key", srv.URL, srv.Client())
	ch, err := d.StreamCompletion(context.Background(), &ChatRequest{
		Model:    "deepseek-reasoner",
		Messages: []Message{{Role: RoleUser, Content: "meaning of life?"}},
	})
	require.NoError(t, err)

	events := collect(ch)
	require.Len(t, events, 4)

	// Reasoning fragments surface as thinking events, never merged into
	// the visible answer.
	assert.Equal(t, EventThinking, events[0].Type)
	assert.Equal(t, "thinking it through", events[0].Text)
	assert.Equal(t, EventText, events[1].Type)
	assert.Equal(t, "42", events[1].Text)
	assert.Equal(t, EventUsage, events[2].Type)
	assert.Equal(t, EventDone, events[3].Type)
}

func TestDeepSeekGenerateImageUnsupported(t *testing.T) {
	d := NewDeepSeekAdapter("test-key", "http://unused", nil)
	_, err := d.GenerateImage(context.Background(), 1, "a cat", "")
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

// TestDeepSeekAskOnce_Replay drives AskOnce against a recorded exchange
// instead of a hand-built fake, so the assertion covers the real request
// URL and response decoding end to end.
func TestDeepSeekAskOnce_Replay(t *testing.T) {
	rec, err := recorder.New("testdata/deepseek_ask",
		recorder.WithMode(recorder.ModeReplayOnly),
	)
	require.NoError(t, err)
	defer rec.Stop()

	d := NewDeepSeekAdapter("test-key", "https://api.deepseek.com", rec.GetDefaultClient())
	answer, usage, err := d.AskOnce(context.Background(), 1, "ping", "deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, "pong", answer)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.InputTokens)
	assert.Equal(t, 1, usage.OutputTokens)
}
