package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ---------------------------------------------------------------------------
// DeepSeekAdapter struct + constructor
// ---------------------------------------------------------------------------

// DeepSeekAdapter implements the Adapter interface for DeepSeek's API.
// DeepSeek speaks the OpenAI wire protocol, so this adapter reuses the oai*
// types and the shared stream scanner from openai.go and only changes what
// actually differs: the endpoint, the model list, and reasoning output.
//
// The one wire-level quirk worth naming: DeepSeek's usage chunk arrives
// with an empty choices array before the [DONE] sentinel, and its reasoner
// models interleave reasoning_content deltas with regular content. Both are
// handled by scanOpenAIStream.
type DeepSeekAdapter struct {
	apiKey  string
	baseURL string // e.g. "https://api.deepseek.com"
	client  *http.Client
}

// NewDeepSeekAdapter creates a DeepSeekAdapter ready to make API calls.
func NewDeepSeekAdapter(apiKey, baseURL string, client *http.Client) *DeepSeekAdapter {
	return &DeepSeekAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the backend identifier.
func (d *DeepSeekAdapter) Name() string { return "deepseek" }

var deepseekModels = []string{
	"deepseek-chat",
	"deepseek-reasoner",
}

// SupportedModels returns the models this adapter accepts.
func (d *DeepSeekAdapter) SupportedModels() []string { return deepseekModels }

// Close releases adapter resources.
func (d *DeepSeekAdapter) Close() error { return nil }

// ---------------------------------------------------------------------------
// Adapter operations
// ---------------------------------------------------------------------------

// AskOnce sends a single-turn, non-streamed request. Unsupported models
// fall back to deepseek-chat.
func (d *DeepSeekAdapter) AskOnce(ctx context.Context, userID int64, question, model string) (string, *Usage, error) {
	if !containsModel(deepseekModels, model) {
		model = deepseekModels[0]
	}

	payload := &oaiRequest{
		Model:    model,
		Messages: []oaiMessage{{Role: RoleUser, Content: question}},
	}

	httpResp, err := postOpenAIStyle(ctx, d.client, d.Name(), d.baseURL+"/chat/completions", d.apiKey, payload)
	if err != nil {
		return "", nil, err
	}
	defer httpResp.Body.Close()

	var resp oaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", nil, &ProtocolError{Provider: d.Name(), Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", nil, &ProtocolError{Provider: d.Name(), Message: "response contained no choices"}
	}

	var usage *Usage
	if resp.Usage != nil {
		usage = &Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// StreamCompletion sends a streaming request and returns a channel of
// ChatEvents, including EventThinking for reasoner models.
func (d *DeepSeekAdapter) StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan ChatEvent, error) {
	messages, err := resolveMessages(ctx, d.client, req.Messages)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Messages = messages

	payload, err := toOpenAIRequest(d.Name(), &resolved)
	if err != nil {
		return nil, err
	}
	// DeepSeek's reasoner models ignore temperature rather than rejecting
	// it, so the shared clamp is fine as-is.
	payload.Stream = true
	payload.StreamOptions = &oaiStreamOptions{IncludeUsage: true}

	httpResp, err := postOpenAIStyle(ctx, d.client, d.Name(), d.baseURL+"/chat/completions", d.apiKey, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan ChatEvent)
	go scanOpenAIStream(ctx, d.Name(), httpResp.Body, ch)
	return ch, nil
}

// GenerateImage is unsupported — DeepSeek has no image API.
func (d *DeepSeekAdapter) GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error) {
	return "", &ProtocolError{Provider: d.Name(), Message: "image generation is not supported"}
}
