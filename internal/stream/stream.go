// Package stream writes ChatEvents to HTTP clients as OpenAI-compatible
// Server-Sent Events.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/quantora/llmgateway/internal/provider"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// These structs define the JSON shape OpenAI-compatible clients expect in
// each SSE event. Our public API matches the OpenAI streaming format, so
// every internal ChatEvent is translated into this shape on the way out:
//
//   data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}
//
// They are private to this package — nothing else needs the wire details.

// sseChunk is the top-level JSON object in each SSE event.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage appears only on the final chunk, matching OpenAI's behavior.
	Usage *sseUsage `json:"usage,omitempty"`
}

// sseChoice represents one choice in the streaming response. We always
// return exactly one.
type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is a pointer so that non-final chunks render as JSON
	// null, not "".
	FinishReason *string `json:"finish_reason"`
}

// sseDelta holds the incremental content of one chunk. Only one of the
// fields is set per event.
type sseDelta struct {
	Content          string        `json:"content,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	ToolCalls        []sseToolCall `json:"tool_calls,omitempty"`
}

// sseToolCall is an incremental tool-call fragment in OpenAI's delta
// format. ID and Name appear on the first fragment of a call; later
// fragments carry only argument text.
type sseToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function *sseToolFunc `json:"function,omitempty"`
}

type sseToolFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// sseUsage mirrors provider.Usage for the JSON response.
type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// sseErrorFrame is the terminal frame for a failed stream, matching the
// {"error": {...}} shape OpenAI emits when a stream dies mid-flight.
type sseErrorFrame struct {
	Error sseErrorBody `json:"error"`
}

type sseErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write reads ChatEvents from the channel and writes them to the
// ResponseWriter as OpenAI-compatible Server-Sent Events, flushing after
// each one so the client sees tokens in real time.
//
// This is the consumer end of the streaming pipeline:
//
//	adapter goroutine → router → Write() → http.ResponseWriter → client
//
// Event mapping:
//   - EventText      → delta.content
//   - EventThinking  → delta.reasoning_content
//   - EventToolCall  → delta.tool_calls
//   - EventUsage     → remembered, attached to the finish chunk
//   - EventError     → terminal {"error": {...}} frame, no [DONE]
//   - EventDone      → finish chunk (finish_reason=stop) then "data: [DONE]"
//   - EventError     → stop writing; the missing [DONE] sentinel tells the
//     client the stream ended abnormally (headers are already sent, so a
//      500 is no longer possible)
func Write(w http.ResponseWriter, requestID, model string, events <-chan provider.ChatEvent) error {
	// SSE requires flushing each event immediately; without http.Flusher
	// the server would buffer output until the handler returns.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// These headers must be set before the first write — once the body
	// starts, headers are locked in.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// emit serializes one chunk and flushes it.
	emit := func(chunk sseChunk) error {
		jsonBytes, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshaling SSE chunk: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
		return nil
	}

	// base returns a chunk skeleton with one choice and a nil finish
	// reason; callers fill in the delta.
	base := func() sseChunk {
		return sseChunk{
			ID:      requestID,
			Object:  "chat.completion.chunk",
			Model:   model,
			Choices: []sseChoice{{Index: 0}},
		}
	}

	var usage *provider.Usage

	for ev := range events {
		switch ev.Type {
		case provider.EventText:
			chunk := base()
			chunk.Choices[0].Delta.Content = ev.Text
			if err := emit(chunk); err != nil {
				return err
			}

		case provider.EventThinking:
			chunk := base()
			chunk.Choices[0].Delta.ReasoningContent = ev.Text
			if err := emit(chunk); err != nil {
				return err
			}

		case provider.EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			tc := sseToolCall{Index: ev.ToolCall.Index, ID: ev.ToolCall.ID}
			if ev.ToolCall.ID != "" {
				tc.Type = "function"
			}
			if ev.ToolCall.Name != "" || ev.ToolCall.Arguments != "" {
				tc.Function = &sseToolFunc{
					Name:      ev.ToolCall.Name,
					Arguments: ev.ToolCall.Arguments,
				}
			}
			chunk := base()
			chunk.Choices[0].Delta.ToolCalls = []sseToolCall{tc}
			if err := emit(chunk); err != nil {
				return err
			}

		case provider.EventUsage:
			// Held back until the finish chunk — OpenAI clients expect
			// usage only on the last event.
			usage = ev.Usage

		case provider.EventError:
			// The client already has partial content at this point, so
			// the failure is delivered in-band as a final error frame.
			// No [DONE] sentinel follows: the stream did not complete.
			log.Printf("stream: request=%s error: %s", requestID, ev.Err)
			frame := sseErrorFrame{Error: sseErrorBody{
				Message: ev.Err,
				Type:    "upstream_error",
			}}
			jsonBytes, err := json.Marshal(frame)
			if err != nil {
				return fmt.Errorf("marshaling SSE error frame: %w", err)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
				return fmt.Errorf("writing SSE error frame: %w", err)
			}
			flusher.Flush()
			return fmt.Errorf("upstream error: %s", ev.Err)

		case provider.EventDone:
			reason := "stop"
			chunk := base()
			chunk.Choices[0].FinishReason = &reason
			if usage != nil {
				chunk.Usage = &sseUsage{
					PromptTokens:     usage.InputTokens,
					CompletionTokens: usage.OutputTokens,
					TotalTokens:      usage.Total(),
				}
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}

	// The [DONE] sentinel tells OpenAI SDK clients the stream is complete.
	// It's a bare string, not JSON — an OpenAI convention.
	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()

	return nil
}
