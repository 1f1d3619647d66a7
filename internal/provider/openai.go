package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// OpenAIAdapter struct + constructor
// ---------------------------------------------------------------------------

// OpenAIAdapter implements the Adapter interface for OpenAI's Chat
// Completions and Images APIs: translate our unified ChatRequest into
// OpenAI's format, make the HTTP call, translate back.
//
// The unexported oai* wire types in this file are shared with the DeepSeek
// adapter — DeepSeek exposes an OpenAI-compatible API, so the two adapters
// differ only in endpoint, model list, and a few quirks (see deepseek.go).
type OpenAIAdapter struct {
	apiKey  string
	baseURL string // e.g. "https://api.openai.com/v1"
	client  *http.Client
}

// NewOpenAIAdapter creates an OpenAIAdapter ready to make API calls.
// The *http.Client is injected so tests can point the adapter at a fake
// server and main.go can configure timeouts in one place.
func NewOpenAIAdapter(apiKey, baseURL string, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the backend identifier.
func (o *OpenAIAdapter) Name() string { return "openai" }

// openaiModels is the fixed set of model identifiers this adapter owns.
var openaiModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4-turbo",
	"gpt-3.5-turbo-1106",
	"gpt-4-1106-preview",
	"gpt-4-vision-preview",
	"o1-mini",
	"dall-e-3",
}

// SupportedModels returns the models this adapter accepts.
func (o *OpenAIAdapter) SupportedModels() []string { return openaiModels }

// Close releases adapter resources. The shared http.Client is owned by
// main.go, so there is nothing to do here.
func (o *OpenAIAdapter) Close() error { return nil }

// openaiTempCeiling is the highest temperature forwarded to the Chat
// Completions API. Values above roughly 1.2 make the model emit random
// characters, so anything higher is clamped down to this.
const openaiTempCeiling = 1.15

// defaultMaxTokens is the completion budget used when the caller doesn't
// specify max_tokens.
const defaultMaxTokens = 4096

// ---------------------------------------------------------------------------
// OpenAI API types (unexported, shared with deepseek.go)
// ---------------------------------------------------------------------------

// --- Request types ---

// oaiRequest is the top-level body for POST /chat/completions.
type oaiRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []ToolDecl        `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

// oaiStreamOptions asks the API to append a final usage-only chunk to the
// stream. Without include_usage, streamed requests report no token counts
// at all and we'd always be estimating.
type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// oaiMessage is one message. Content is `any` because the API accepts
// either a plain string or an array of typed parts (for vision input).
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

// oaiContentPart is one element of a multimodal content array.
type oaiContentPart struct {
	Type     string       `json:"type"` // "text" or "image_url"
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageRef `json:"image_url,omitempty"`
}

// oaiImageRef carries the image as a data URI (inline base64). Remote URIs
// have already been resolved by resolveMessages at this point.
type oaiImageRef struct {
	URL string `json:"url"`
}

// --- Response types ---

// oaiResponse is the top-level response shape, reused for both the complete
// (non-streaming) response and each streamed chunk — the only difference is
// whether choices carry "message" or "delta".
type oaiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
}

type oaiChoice struct {
	Index        int             `json:"index"`
	Message      *oaiRespMessage `json:"message,omitempty"` // non-streaming
	Delta        *oaiDelta       `json:"delta,omitempty"`   // streaming
	FinishReason string          `json:"finish_reason"`
}

type oaiRespMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// oaiDelta is the incremental payload of one streamed chunk.
// ReasoningContent is emitted by DeepSeek's reasoner models — the OpenAI
// API itself never populates it, but decoding it here lets deepseek.go
// reuse this struct.
type oaiDelta struct {
	Content          string             `json:"content,omitempty"`
	ReasoningContent string             `json:"reasoning_content,omitempty"`
	ToolCalls        []oaiToolCallDelta `json:"tool_calls,omitempty"`
}

type oaiToolCallDelta struct {
	Index    int       `json:"index"`
	ID       string    `json:"id,omitempty"`
	Function oaiToolFn `json:"function"`
}

type oaiToolFn struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Image generation types ---

type oaiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	ResponseFormat string `json:"response_format"`
	N              int    `json:"n"`
}

type oaiImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toOpenAIRequest translates our unified ChatRequest into the Chat
// Completions format. Remote media must have been resolved already.
//
// Quirks handled here:
//   - "o*" reasoning models reject both temperature and tools, so those
//     fields are dropped for them.
//   - Temperature is clamped to [0, 1.15] for everything else.
//   - Multimodal parts map to the content-array form; document parts have
//     no Chat Completions equivalent and are a ProtocolError, never a
//     silent drop.
func toOpenAIRequest(providerName string, req *ChatRequest) (*oaiRequest, error) {
	or := &oaiRequest{Model: req.Model}

	for _, msg := range req.Messages {
		om := oaiMessage{Role: msg.Role, Name: msg.Name}

		if msg.Parts == nil {
			om.Content = msg.Content
		} else {
			var parts []oaiContentPart
			for _, p := range msg.Parts {
				switch p.Type {
				case PartText:
					parts = append(parts, oaiContentPart{Type: "text", Text: p.Text})
				case PartImage:
					parts = append(parts, oaiContentPart{
						Type: "image_url",
						ImageURL: &oaiImageRef{
							URL: fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data),
						},
					})
				case PartDocument:
					return nil, &ProtocolError{
						Provider: providerName,
						Message:  "document parts are not supported by the chat completions API",
					}
				default:
					return nil, &ProtocolError{
						Provider: providerName,
						Message:  fmt.Sprintf("unrecognized content part type %q", p.Type),
					}
				}
			}
			om.Content = parts
		}

		or.Messages = append(or.Messages, om)
	}

	reasoning := strings.HasPrefix(req.Model, "o")
	if !reasoning {
		or.Temperature = clampTemperature(req.Temperature, 0, openaiTempCeiling)
		or.Tools = req.Tools
	}

	if req.MaxTokens > 0 {
		or.MaxTokens = req.MaxTokens
	} else {
		or.MaxTokens = defaultMaxTokens
	}

	return or, nil
}

// ---------------------------------------------------------------------------
// HTTP plumbing shared between OpenAI and DeepSeek
// ---------------------------------------------------------------------------

// postOpenAIStyle sends an authenticated JSON POST to an OpenAI-compatible
// endpoint and checks the status. The caller owns the returned body.
func postOpenAIStyle(ctx context.Context, client *http.Client, providerName, url, apiKey string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProtocolError{Provider: providerName, Message: fmt.Sprintf("marshaling request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Provider: providerName, Message: fmt.Sprintf("creating request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		// Cancellation surfaces here too; Retryable() filters it out.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: providerName, Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, statusError(providerName, httpResp, errBody)
	}

	return httpResp, nil
}

// scanOpenAIStream reads SSE lines from an OpenAI-style streaming body and
// forwards them as ChatEvents. It owns body and ch: both are closed before
// it returns. Shared by the OpenAI and DeepSeek adapters.
//
// The wire format: one "data: {json}" line per chunk, a final usage-only
// chunk with empty choices (stream_options.include_usage), then the
// "data: [DONE]" sentinel.
func scanOpenAIStream(ctx context.Context, providerName string, body io.ReadCloser, ch chan<- ChatEvent) {
	defer close(ch)
	defer body.Close()

	// send delivers one event, or bails out if the caller has gone away.
	// An unbuffered channel means each send blocks until the consumer is
	// ready — natural backpressure, the producer never races ahead.
	send := func(ev ChatEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		// The [DONE] sentinel ends the stream. Emit the authoritative
		// usage (if any chunk carried one) and then the terminal marker.
		if payload == "[DONE]" {
			if usage != nil {
				if !send(ChatEvent{Type: EventUsage, Usage: usage}) {
					return
				}
			}
			send(ChatEvent{Type: EventDone})
			return
		}

		var chunk oaiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			protoErr := &ProtocolError{Provider: providerName, Message: fmt.Sprintf("decoding stream chunk: %v", err)}
			if send(ChatEvent{Type: EventError, Err: protoErr.Error()}) {
				send(ChatEvent{Type: EventDone})
			}
			return
		}

		// Usage-only chunk: no choices, just token counts. Keep the last
		// one observed — it is the authoritative report for billing.
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		// Reasoning fragments stay distinguishable from visible text.
		if delta.ReasoningContent != "" {
			if !send(ChatEvent{Type: EventThinking, Text: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !send(ChatEvent{Type: EventText, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			ev := ChatEvent{Type: EventToolCall, ToolCall: &ToolCallDelta{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}}
			if !send(ev) {
				return
			}
		}
	}

	// Scanner stopped without [DONE]: either a read error or a truncated
	// stream. Both are terminal here — a partially consumed stream is
	// never restarted.
	var err error = scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream ended without [DONE]")
	}
	provErr := &ProviderError{Provider: providerName, Err: err}
	if send(ChatEvent{Type: EventError, Err: provErr.Error()}) {
		send(ChatEvent{Type: EventDone})
	}
}

// ---------------------------------------------------------------------------
// Adapter operations
// ---------------------------------------------------------------------------

// AskOnce sends a single-turn, non-streamed request. An unsupported model
// falls back to the adapter's default rather than failing — the single-turn
// path is used for quick utility questions where any owned model will do.
func (o *OpenAIAdapter) AskOnce(ctx context.Context, userID int64, question, model string) (string, *Usage, error) {
	if !containsModel(openaiModels, model) {
		model = openaiModels[0]
	}

	payload := &oaiRequest{
		Model:    model,
		Messages: []oaiMessage{{Role: RoleUser, Content: question}},
	}

	httpResp, err := postOpenAIStyle(ctx, o.client, o.Name(), o.baseURL+"/chat/completions", o.apiKey, payload)
	if err != nil {
		return "", nil, err
	}
	defer httpResp.Body.Close()

	var resp oaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", nil, &ProtocolError{Provider: o.Name(), Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", nil, &ProtocolError{Provider: o.Name(), Message: "response contained no choices"}
	}

	var usage *Usage
	if resp.Usage != nil {
		usage = &Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// StreamCompletion sends a streaming request and returns a channel of
// ChatEvents. The goroutine reading the SSE body owns the body and the
// channel; cancellation of ctx tears both down.
func (o *OpenAIAdapter) StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan ChatEvent, error) {
	messages, err := resolveMessages(ctx, o.client, req.Messages)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Messages = messages

	payload, err := toOpenAIRequest(o.Name(), &resolved)
	if err != nil {
		return nil, err
	}
	payload.Stream = true
	payload.StreamOptions = &oaiStreamOptions{IncludeUsage: true}

	httpResp, err := postOpenAIStyle(ctx, o.client, o.Name(), o.baseURL+"/chat/completions", o.apiKey, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan ChatEvent)
	go scanOpenAIStream(ctx, o.Name(), httpResp.Body, ch)
	return ch, nil
}

// GenerateImage produces one standard-quality 1024x1024 image and returns
// its base64 payload. Billing for this call is flat-cost, handled by the
// router — no token usage exists.
func (o *OpenAIAdapter) GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error) {
	if model == "" {
		model = "dall-e-3"
	}

	payload := &oaiImageRequest{
		Model:          model,
		Prompt:         prompt,
		Size:           "1024x1024",
		Quality:        "standard",
		ResponseFormat: "b64_json",
		N:              1,
	}

	httpResp, err := postOpenAIStyle(ctx, o.client, o.Name(), o.baseURL+"/images/generations", o.apiKey, payload)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	var resp oaiImageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", &ProtocolError{Provider: o.Name(), Message: fmt.Sprintf("decoding image response: %v", err)}
	}
	if len(resp.Data) == 0 {
		return "", &ProtocolError{Provider: o.Name(), Message: "image response contained no data"}
	}
	return resp.Data[0].B64JSON, nil
}

// containsModel reports whether model appears in models.
func containsModel(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
