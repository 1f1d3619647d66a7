package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// AnthropicAdapter struct + constructor
// ---------------------------------------------------------------------------

// AnthropicAdapter implements the Adapter interface for Anthropic's
// Messages API. Same pattern as the other adapters: translate our unified
// ChatRequest into Anthropic's format, make the HTTP call, translate back.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicAdapter creates an AnthropicAdapter ready to make API calls.
func NewAnthropicAdapter(apiKey, baseURL string, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the backend identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

var anthropicModels = []string{
	"claude-3-haiku-20240307",
	"claude-3-sonnet-20240229",
	"claude-3-opus-20240229",
	"claude-3-5-sonnet-20240620",
}

// SupportedModels returns the models this adapter accepts.
func (a *AnthropicAdapter) SupportedModels() []string { return anthropicModels }

// Close releases adapter resources.
func (a *AnthropicAdapter) Close() error { return nil }

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic requires
// this header on every request — they version the API with a date-based
// header instead of the URL path.
const anthropicAPIVersion = "2023-06-01"

// anthropicMaxTokens is the required max_tokens value when the caller
// doesn't provide one (Anthropic rejects requests without it).
const anthropicMaxTokens = 4096

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// --- Request types ---

// anthropicRequest is the top-level request body for /messages.
//
// Key differences from the OpenAI shape:
//   - "system" is a top-level string, not a message role
//   - "max_tokens" is REQUIRED
//   - tools use "input_schema" instead of nested "function"
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// anthropicMessage is one message. Content is `any`: either a plain string
// or an array of content blocks for multimodal input.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// anthropicReqBlock is one request-side content block (text, image, or
// document — images and documents carry inline base64 sources).
type anthropicReqBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// --- Response types ---

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Populated when Type == "tool_use".
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event types ---
//
// Anthropic sends NAMED SSE events, each with a different payload shape:
//
//   event: message_start        → response ID, model, input token count
//   event: content_block_start  → opens a block (text, thinking, or tool_use)
//   event: content_block_delta  → a fragment: text_delta, thinking_delta,
//                                 or input_json_delta (tool arguments)
//   event: message_delta        → stop_reason and output token count
//   event: message_stop         → stream is done
//
// Every payload includes a "type" field matching the event name, so we
// decode into a generic wrapper first, check the type, then read the
// specific fields — the irrelevant ones stay zero-valued.

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicEventMessage `json:"message,omitempty"`       // message_start
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"` // content_block_start
	Delta        *anthropicEventDelta   `json:"delta,omitempty"`         // content_block_delta, message_delta
	Usage        *anthropicUsage        `json:"usage,omitempty"`         // message_delta
}

// anthropicEventMessage is the "message" object inside message_start.
// Output tokens are 0 here — nothing has been generated yet.
type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

// anthropicEventDelta carries different data depending on the event type:
// text_delta (Text), thinking_delta (Thinking), input_json_delta
// (PartialJSON), or a message_delta's StopReason.
type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest translates our unified ChatRequest into Anthropic's
// format. Remote media must have been resolved already. Four things happen:
//  1. System messages get pulled out into the top-level "system" string.
//  2. Multimodal parts map to content blocks, exhaustively by type.
//  3. Temperature is clamped to Anthropic's [0, 1] range.
//  4. max_tokens gets the required default if not set.
func toAnthropicRequest(req *ChatRequest) (*anthropicRequest, error) {
	ar := &anthropicRequest{Model: req.Model}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}

		am := anthropicMessage{Role: msg.Role}
		if msg.Parts == nil {
			am.Content = msg.Content
		} else {
			var blocks []anthropicReqBlock
			for _, p := range msg.Parts {
				switch p.Type {
				case PartText:
					blocks = append(blocks, anthropicReqBlock{Type: "text", Text: p.Text})
				case PartImage:
					blocks = append(blocks, anthropicReqBlock{
						Type: "image",
						Source: &anthropicSource{
							Type:      "base64",
							MediaType: p.MediaType,
							Data:      p.Data,
						},
					})
				case PartDocument:
					blocks = append(blocks, anthropicReqBlock{
						Type: "document",
						Source: &anthropicSource{
							Type:      "base64",
							MediaType: p.MediaType,
							Data:      p.Data,
						},
					})
				default:
					return nil, &ProtocolError{
						Provider: "anthropic",
						Message:  fmt.Sprintf("unrecognized content part type %q", p.Type),
					}
				}
			}
			am.Content = blocks
		}
		ar.Messages = append(ar.Messages, am)
	}

	// Join multiple system messages with newlines into one string.
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	ar.Temperature = clampTemperature(req.Temperature, 0, 1)

	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	} else {
		ar.MaxTokens = anthropicMaxTokens
	}

	return ar, nil
}

// post sends an authenticated POST to the Messages API and checks status.
func (a *AnthropicAdapter) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProtocolError{Provider: a.Name(), Message: fmt.Sprintf("marshaling request: %v", err)}
	}

	// The model is in the request body, so the endpoint is just /messages.
	// Auth uses Anthropic's custom x-api-key header, not a Bearer token.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Provider: a.Name(), Message: fmt.Sprintf("creating request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: a.Name(), Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, statusError(a.Name(), httpResp, errBody)
	}

	return httpResp, nil
}

// ---------------------------------------------------------------------------
// Adapter operations
// ---------------------------------------------------------------------------

// AskOnce sends a single-turn, non-streamed request. Unsupported models
// fall back to the cheapest claude tier.
func (a *AnthropicAdapter) AskOnce(ctx context.Context, userID int64, question, model string) (string, *Usage, error) {
	if !containsModel(anthropicModels, model) {
		model = anthropicModels[0]
	}

	payload := &anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: question}},
	}

	httpResp, err := a.post(ctx, payload)
	if err != nil {
		return "", nil, err
	}
	defer httpResp.Body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", nil, &ProtocolError{Provider: a.Name(), Message: fmt.Sprintf("decoding response: %v", err)}
	}

	// Content is an array of blocks; for a plain completion the text lives
	// in the first block with type "text".
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	usage := &Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	return text, usage, nil
}

// StreamCompletion sends a streaming request to /messages and returns a
// channel of ChatEvents.
//
// The goroutine accumulates usage across events — input tokens arrive in
// message_start, output tokens near the end in message_delta — and emits
// one authoritative EventUsage just before EventDone.
func (a *AnthropicAdapter) StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan ChatEvent, error) {
	messages, err := resolveMessages(ctx, a.client, req.Messages)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Messages = messages

	payload, err := toAnthropicRequest(&resolved)
	if err != nil {
		return nil, err
	}
	payload.Stream = true

	httpResp, err := a.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan ChatEvent)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		send := func(ev ChatEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage Usage

		// Open tool_use blocks, keyed by block index, so that argument
		// fragments (input_json_delta) can be tied to the call they
		// belong to.
		toolBlocks := map[int]*anthropicContentBlock{}

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
		for scanner.Scan() {
			line := scanner.Text()

			// We ignore the "event: ..." lines entirely — the JSON
			// payload carries a matching "type" field, so there is no
			// state to track between the event: and data: lines.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				protoErr := &ProtocolError{Provider: a.Name(), Message: fmt.Sprintf("decoding stream event: %v", err)}
				if send(ChatEvent{Type: EventError, Err: protoErr.Error()}) {
					send(ChatEvent{Type: EventDone})
				}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					toolBlocks[event.Index] = event.ContentBlock
					ev := ChatEvent{Type: EventToolCall, ToolCall: &ToolCallDelta{
						Index: event.Index,
						ID:    event.ContentBlock.ID,
						Name:  event.ContentBlock.Name,
					}}
					if !send(ev) {
						return
					}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if !send(ChatEvent{Type: EventText, Text: event.Delta.Text}) {
						return
					}
				case "thinking_delta":
					// Internal reasoning stays distinguishable from
					// visible text.
					if !send(ChatEvent{Type: EventThinking, Text: event.Delta.Thinking}) {
						return
					}
				case "input_json_delta":
					if _, open := toolBlocks[event.Index]; open {
						ev := ChatEvent{Type: EventToolCall, ToolCall: &ToolCallDelta{
							Index:     event.Index,
							Arguments: event.Delta.PartialJSON,
						}}
						if !send(ev) {
							return
						}
					}
				}

			case "message_delta":
				// Near-final event: carries stop_reason and the output
				// token count.
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				u := usage
				if send(ChatEvent{Type: EventUsage, Usage: &u}) {
					send(ChatEvent{Type: EventDone})
				}
				return

				// content_block_stop and ping carry nothing we need.
			}
		}

		// The scanner stopped before message_stop — surface it.
		var scanErr error = scanner.Err()
		if scanErr == nil {
			scanErr = fmt.Errorf("stream ended without message_stop")
		}
		provErr := &ProviderError{Provider: a.Name(), Err: scanErr}
		if send(ChatEvent{Type: EventError, Err: provErr.Error()}) {
			send(ChatEvent{Type: EventDone})
		}
	}()

	return ch, nil
}

// GenerateImage is unsupported — Anthropic has no image generation API.
func (a *AnthropicAdapter) GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error) {
	return "", &ProtocolError{Provider: a.Name(), Message: "image generation is not supported"}
}
