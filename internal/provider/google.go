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
// GoogleAdapter struct + constructor
// ---------------------------------------------------------------------------

// GoogleAdapter implements the Adapter interface for Google's Gemini API.
// It translates our unified ChatRequest into Gemini's format, makes the
// HTTP call, and translates the response back.
type GoogleAdapter struct {
	apiKey  string       // sent as a query parameter, not a header
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client
}

// NewGoogleAdapter creates a GoogleAdapter ready to make API calls.
func NewGoogleAdapter(apiKey, baseURL string, client *http.Client) *GoogleAdapter {
	return &GoogleAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the backend identifier.
func (g *GoogleAdapter) Name() string { return "google" }

var googleModels = []string{
	"gemini-2.0-flash",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
}

// SupportedModels returns the models this adapter accepts.
func (g *GoogleAdapter) SupportedModels() []string { return googleModels }

// Close releases adapter resources.
func (g *GoogleAdapter) Close() error { return nil }

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiToolSet         `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent represents one message. Gemini uses "parts" (an array)
// because it supports multimodal input; text-only messages use one part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is one piece of content within a message. Exactly one of the
// payload fields is set. Thought marks model-internal reasoning parts on
// the response side.
type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	InlineData   *geminiInlineData   `json:"inlineData,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

// geminiThinkingConfig asks Gemini to include its reasoning segments in the
// response so they can be forwarded as EventThinking rather than dropped.
type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// --- Response types ---

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates our unified ChatRequest into Gemini's format.
// Remote media must have been resolved already. The key differences:
//  1. System messages move into systemInstruction (Gemini has no system role).
//  2. "assistant" maps to "model".
//  3. Image and document parts both become inlineData with a mime type.
//  4. Temperature is clamped to Gemini's [0, 2] range.
func toGeminiRequest(req *ChatRequest) (*geminiRequest, error) {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{
					Parts: []geminiPart{{Text: msg.Content}},
				}
			} else {
				gr.SystemInstruction.Parts = append(
					gr.SystemInstruction.Parts,
					geminiPart{Text: msg.Content},
				)
			}
			continue
		}

		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}

		var parts []geminiPart
		if msg.Parts == nil {
			parts = []geminiPart{{Text: msg.Content}}
		} else {
			for _, p := range msg.Parts {
				switch p.Type {
				case PartText:
					parts = append(parts, geminiPart{Text: p.Text})
				case PartImage, PartDocument:
					parts = append(parts, geminiPart{
						InlineData: &geminiInlineData{
							MimeType: p.MediaType,
							Data:     p.Data,
						},
					})
				default:
					return nil, &ProtocolError{
						Provider: "google",
						Message:  fmt.Sprintf("unrecognized content part type %q", p.Type),
					}
				}
			}
		}

		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(req.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		gr.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	cfg := &geminiGenerationConfig{
		Temperature:    clampTemperature(req.Temperature, 0, 2),
		ThinkingConfig: &geminiThinkingConfig{IncludeThoughts: true},
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}
	gr.GenerationConfig = cfg

	return gr, nil
}

// post sends a JSON POST to a Gemini endpoint and checks status. The model
// lives in the URL path and the API key is a ?key= query parameter — both
// unusual, both just how the Gemini REST surface works.
func (g *GoogleAdapter) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProtocolError{Provider: g.Name(), Message: fmt.Sprintf("marshaling request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Provider: g.Name(), Message: fmt.Sprintf("creating request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: g.Name(), Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, statusError(g.Name(), httpResp, errBody)
	}

	return httpResp, nil
}

// ---------------------------------------------------------------------------
// Adapter operations
// ---------------------------------------------------------------------------

// AskOnce sends a single-turn, non-streamed request to generateContent.
func (g *GoogleAdapter) AskOnce(ctx context.Context, userID int64, question, model string) (string, *Usage, error) {
	if !containsModel(googleModels, model) {
		model = googleModels[0]
	}

	payload := &geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: question}}}},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	httpResp, err := g.post(ctx, url, payload)
	if err != nil {
		return "", nil, err
	}
	defer httpResp.Body.Close()

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", nil, &ProtocolError{Provider: g.Name(), Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", nil, &ProtocolError{Provider: g.Name(), Message: "response contained no candidates"}
	}

	// Skip thought parts — AskOnce returns only the visible answer.
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if !p.Thought {
			text.WriteString(p.Text)
		}
	}

	var usage *Usage
	if resp.UsageMetadata != nil {
		usage = &Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return text.String(), usage, nil
}

// StreamCompletion sends a streaming request to streamGenerateContent and
// returns a channel of ChatEvents.
//
// Gemini's SSE is simpler than Anthropic's: every event is the same
// geminiResponse shape, each carrying a fragment. Usage metadata appears on
// multiple chunks with running totals — the last one observed wins.
func (g *GoogleAdapter) StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan ChatEvent, error) {
	messages, err := resolveMessages(ctx, g.client, req.Messages)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Messages = messages

	payload, err := toGeminiRequest(&resolved)
	if err != nil {
		return nil, err
	}

	// Streaming uses a different URL path; ?alt=sse switches the response
	// from one JSON array to server-sent events.
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, req.Model, g.apiKey)
	httpResp, err := g.post(ctx, url, payload)
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

		var usage *Usage
		toolIndex := 0

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
				protoErr := &ProtocolError{Provider: g.Name(), Message: fmt.Sprintf("decoding stream event: %v", err)}
				if send(ChatEvent{Type: EventError, Err: protoErr.Error()}) {
					send(ChatEvent{Type: EventDone})
				}
				return
			}

			if chunk.UsageMetadata != nil {
				usage = &Usage{
					InputTokens:  chunk.UsageMetadata.PromptTokenCount,
					OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}

			if len(chunk.Candidates) == 0 {
				continue
			}
			candidate := chunk.Candidates[0]

			for _, p := range candidate.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					ev := ChatEvent{Type: EventToolCall, ToolCall: &ToolCallDelta{
						Index:     toolIndex,
						Name:      p.FunctionCall.Name,
						Arguments: string(p.FunctionCall.Args),
					}}
					toolIndex++
					if !send(ev) {
						return
					}
				case p.Thought:
					if !send(ChatEvent{Type: EventThinking, Text: p.Text}) {
						return
					}
				case p.Text != "":
					if !send(ChatEvent{Type: EventText, Text: p.Text}) {
						return
					}
				}
			}

			// finishReason marks the last candidate chunk. The usage on
			// this chunk (or the latest before it) is authoritative.
			if candidate.FinishReason != "" {
				if usage != nil {
					if !send(ChatEvent{Type: EventUsage, Usage: usage}) {
						return
					}
				}
				send(ChatEvent{Type: EventDone})
				return
			}
		}

		var scanErr error = scanner.Err()
		if scanErr == nil {
			scanErr = fmt.Errorf("stream ended without a finish reason")
		}
		provErr := &ProviderError{Provider: g.Name(), Err: scanErr}
		if send(ChatEvent{Type: EventError, Err: provErr.Error()}) {
			send(ChatEvent{Type: EventDone})
		}
	}()

	return ch, nil
}

// GenerateImage is unsupported — image output goes through the OpenAI
// adapter's dall-e-3 path.
func (g *GoogleAdapter) GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error) {
	return "", &ProtocolError{Provider: g.Name(), Message: "image generation is not supported"}
}
