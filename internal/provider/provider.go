// Package provider defines the Adapter interface and LLM backend adapters.
//
// Every LLM backend (OpenAI, Anthropic, Google, DeepSeek) implements the
// Adapter interface. The rest of the gateway works with these unified types —
// router, resilience wrapper, SSE writer — so they never need to know which
// backend is actually handling a request.
package provider

import "context"

// Adapter is the interface that every LLM backend must satisfy.
// Go interfaces are implicit: any struct that has these methods
// automatically implements Adapter — no "implements" keyword needed.
type Adapter interface {
	// Name returns the backend identifier, e.g. "openai" or "anthropic".
	// Used for logging and error wrapping.
	Name() string

	// SupportedModels returns the exact model identifiers this adapter owns.
	// The router consults this list first when resolving a model name.
	SupportedModels() []string

	// AskOnce sends a single-turn question with no conversation context and
	// returns the full answer. The returned Usage is the backend-reported
	// token count when the backend provides one, nil otherwise (the router
	// falls back to the estimator).
	AskOnce(ctx context.Context, userID int64, question, model string) (string, *Usage, error)

	// StreamCompletion sends a multi-turn request and returns a channel that
	// delivers ChatEvents as they arrive from the upstream API.
	//
	// The returned channel is receive-only — the adapter creates it
	// internally, writes events to it, and closes it after the terminal
	// EventDone. The sequence is lazy, finite, and non-restartable: once an
	// event has been consumed the stream cannot be replayed.
	StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan ChatEvent, error)

	// GenerateImage produces one image for the prompt and returns it as a
	// base64 payload. This is a one-shot, non-streamed call billed at a flat
	// per-invocation cost, not by tokens. Backends without an image API
	// return a ProtocolError.
	GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error)

	// Close releases any long-lived resources. Adapters are constructed once
	// at startup and live for the process lifetime.
	Close() error
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Message roles shared by the canonical format. Backends that lack one of
// these roles (Gemini has no "system") fold it into whatever the backend
// supports — that translation lives inside each adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part discriminators. Every Part carries exactly one of these; an
// adapter that meets a type it cannot express returns a ProtocolError rather
// than silently dropping the part.
const (
	PartText     = "text"
	PartImage    = "image"
	PartDocument = "document"
)

// ChatRequest is the internal representation of a chat completion request.
// The HTTP handler parses the incoming JSON into this struct, and adapters
// translate it into their backend-specific format.
type ChatRequest struct {
	Model    string    `json:"model"`
	UserID   int64     `json:"user_id"`
	Messages []Message `json:"messages"` // conversation so far, oldest first

	// Tools are optional function declarations forwarded to backends that
	// support tool calling.
	Tools []ToolDecl `json:"tools,omitempty"`

	// Temperature is a pointer so "not set" (nil) is distinguishable from
	// an explicit 0. Each adapter clamps it to its backend's safe range
	// before dispatch.
	Temperature *float64 `json:"temperature,omitempty"`

	MaxTokens int `json:"max_tokens,omitempty"`
}

// Message is a single message in the conversation. Content is the plain-text
// form; Parts, when non-nil, is the ordered multimodal form and takes
// precedence over Content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Part is one typed piece of multimodal content. Data holds either an inline
// base64 payload or a remote http(s) URI — remote sources are fetched and
// encoded by the adapter before dispatch (see fetch.go).
type Part struct {
	Type      string `json:"type"`                 // text | image | document
	Text      string `json:"text,omitempty"`       // for text parts
	MediaType string `json:"media_type,omitempty"` // e.g. "image/png", "application/pdf"
	Data      string `json:"data,omitempty"`       // base64 payload or http(s) URI
}

// ToolDecl declares one callable function in the OpenAI tools shape, which
// the other backends' adapters translate into their own tool schema.
type ToolDecl struct {
	Type     string   `json:"type"` // always "function"
	Function ToolFunc `json:"function"`
}

// ToolFunc is the function portion of a tool declaration. Parameters is a
// JSON Schema object and is passed through to the backend untouched.
type ToolFunc struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ---------------------------------------------------------------------------
// Unified stream events
// ---------------------------------------------------------------------------

// maxSSELineBytes caps a single SSE line when scanning a streaming
// response. bufio.Scanner's 64KiB default is too small for long reasoning
// deltas and large tool-argument chunks.
const maxSSELineBytes = 1 << 20 // 1 MiB

// EventType discriminates the ChatEvent union.
type EventType string

const (
	// EventText carries one visible text fragment.
	EventText EventType = "text"

	// EventThinking carries one internal-reasoning fragment (Gemini thought
	// parts, DeepSeek reasoning_content). These stay distinguishable from
	// visible text, never merged into it.
	EventThinking EventType = "thinking"

	// EventToolCall carries a partial tool/function call.
	EventToolCall EventType = "tool_call"

	// EventUsage carries backend-reported token counts. If a backend emits
	// several, the last one observed is authoritative.
	EventUsage EventType = "usage"

	// EventError is a terminal failure notice. It is always followed by
	// EventDone so consumers see exactly one end-of-stream marker.
	EventError EventType = "error"

	// EventDone terminates the sequence. No event is ever emitted after it.
	EventDone EventType = "done"
)

// ChatEvent is one unit of streamed output — a discriminated union keyed by
// Type. Only the fields relevant to the Type are populated; the rest stay at
// their zero values and are omitted from the JSON serialization.
type ChatEvent struct {
	Type     EventType      `json:"type"`
	Text     string         `json:"text,omitempty"`
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`
	Usage    *Usage         `json:"usage,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// ToolCallDelta is a fragment of a tool call. Streaming backends deliver the
// call id/name first and then the arguments as incremental JSON text; the
// Index ties fragments of the same call together.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage holds token counts for one request. Every backend reports these in
// some form — we normalize them here. These numbers feed the credit ledger.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is the combined token count.
func (u *Usage) Total() int { return u.InputTokens + u.OutputTokens }

// clampTemperature bounds t to [floor, ceil]. A nil t stays nil — the
// backend's own default applies. Values outside the range are clamped, never
// forwarded as-is: one backend degenerates into random characters above
// ~1.15, and negative temperatures are rejected by all of them.
func clampTemperature(t *float64, floor, ceil float64) *float64 {
	if t == nil {
		return nil
	}
	v := *t
	if v < floor {
		v = floor
	}
	if v > ceil {
		v = ceil
	}
	return &v
}
