package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/quantora/llmgateway/internal/provider"
	"github.com/quantora/llmgateway/internal/resilience"
	"github.com/quantora/llmgateway/internal/router"
	"github.com/quantora/llmgateway/internal/stream"
)

// chatCompletionRequest is the OpenAI-compatible request body for
// POST /v1/chat/completions. The "user" field carries the billing account
// id as an integer.
type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []provider.Message  `json:"messages"`
	Tools       []provider.ToolDecl `json:"tools,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream"`
	User        int64               `json:"user,omitempty"`
}

// writeError sends a JSON error body with the given status. Must not be
// called once the response body has started (SSE streams handle their own
// failure signaling).
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusFor maps routing and provider errors to HTTP status codes.
func statusFor(err error) int {
	var unsupported *router.UnsupportedModelError
	var rateLimited *provider.RateLimitedError
	var protocol *provider.ProtocolError
	switch {
	case errors.As(err, &unsupported):
		return http.StatusNotFound
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &protocol):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// handleHealth responds with a simple JSON status indicating the server is
// alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// handleChatCompletions handles POST /v1/chat/completions.
//
// With "stream": true the response is Server-Sent Events in the OpenAI
// chunk format; otherwise the stream is drained server-side and returned
// as one chat.completion object. Both paths go through the same router
// pipeline, so billing behaves identically.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	req := &provider.ChatRequest{
		Model:       body.Model,
		UserID:      body.User,
		Messages:    body.Messages,
		Tools:       body.Tools,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
	}

	// r.Context() cancels when the client disconnects, which propagates
	// all the way down to the backend HTTP call.
	events, err := s.router.Route(r.Context(), req)
	if err != nil {
		log.Printf("server: route error: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	requestID := "chatcmpl-" + uuid.NewString()

	if body.Stream {
		if err := stream.Write(w, requestID, body.Model, events); err != nil {
			// Headers are already out; nothing more we can send.
			log.Printf("server: stream write error: %v", err)
		}
		return
	}

	s.writeCompletion(w, requestID, body.Model, events)
}

// completionResponse is the non-streaming OpenAI chat.completion shape.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *completionUsage   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// writeCompletion drains the event stream and responds with a single JSON
// object. A mid-stream error surfaces as an HTTP error since nothing has
// been written yet.
func (s *Server) writeCompletion(w http.ResponseWriter, requestID, model string, events <-chan provider.ChatEvent) {
	var (
		content   []byte
		reasoning []byte
		usage     *provider.Usage
		streamErr string
	)
	for ev := range events {
		switch ev.Type {
		case provider.EventText:
			content = append(content, ev.Text...)
		case provider.EventThinking:
			reasoning = append(reasoning, ev.Text...)
		case provider.EventUsage:
			usage = ev.Usage
		case provider.EventError:
			streamErr = ev.Err
		}
	}
	if streamErr != "" {
		writeError(w, http.StatusBadGateway, "provider error: "+streamErr)
		return
	}

	resp := completionResponse{
		ID:     requestID,
		Object: "chat.completion",
		Model:  model,
		Choices: []completionChoice{{
			Index: 0,
			Message: completionMessage{
				Role:             provider.RoleAssistant,
				Content:          string(content),
				ReasoningContent: string(reasoning),
			},
			FinishReason: "stop",
		}},
	}
	if usage != nil {
		resp.Usage = &completionUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.Total(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// askRequest is the body for POST /v1/ask — one stateless question, one
// answer, no streaming.
type askRequest struct {
	UserID   int64  `json:"user_id"`
	Model    string `json:"model"`
	Question string `json:"question"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var body askRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" || body.Question == "" {
		writeError(w, http.StatusBadRequest, "model and question are required")
		return
	}

	answer, err := s.router.Ask(r.Context(), body.UserID, body.Model, body.Question)
	if err != nil {
		log.Printf("server: ask error: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"answer": answer})
}

// imageRequest is the body for POST /v1/images.
type imageRequest struct {
	UserID int64  `json:"user_id"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	var body imageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "model and prompt are required")
		return
	}

	b64, err := s.router.Image(r.Context(), body.UserID, body.Model, body.Prompt)
	if err != nil {
		log.Printf("server: image error: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": []map[string]string{{"b64_json": b64}},
	})
}
