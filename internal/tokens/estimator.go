// Package tokens estimates prompt and completion token counts for requests
// where the backend did not report exact usage. The counts feed the credit
// ledger, so they must be deterministic — but they only need to be close,
// not exact: backend-reported usage always wins when present.
package tokens

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/quantora/llmgateway/internal/provider"
)

// Fixed token constants for non-text parts. Content-based estimation for
// binary payloads isn't worth it: OpenAI prices an input image at a flat
// 765 tokens, and a generated 1024x1024 image works out to ~4000 tokens at
// the output price.
const (
	inputImageTokens     = 765
	generatedImageTokens = 4000
)

// Per-conversation overhead: every reply is primed with a few wrapper
// tokens before the assistant's text begins.
const replyPrimerTokens = 3

// Counter counts tokens in a piece of text. The production counter is a
// tiktoken encoding; tests inject a deterministic one.
type Counter func(text string) int

// Estimator computes approximate token usage for canonical messages.
// It is a pure function over its inputs — no I/O at count time.
type Estimator struct {
	count Counter
}

// New creates an Estimator backed by the cl100k_base encoding (the
// gpt-4/gpt-3.5 family encoding, also a fair approximation for claude,
// gemini, and deepseek text). Loading the encoding can touch the network
// on first use; if it fails we fall back to a word/char blend heuristic
// rather than refusing to start.
func New() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{count: heuristicCount}
	}
	return &Estimator{count: func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}}
}

// NewWithCounter creates an Estimator with an injected text counter.
func NewWithCounter(c Counter) *Estimator {
	return &Estimator{count: c}
}

// heuristicCount approximates GPT-style tokenization (~4 chars per token)
// with a blend of word and character counts.
func heuristicCount(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	return (words + chars/4) / 2
}

// CountText counts tokens in a single piece of text.
func (e *Estimator) CountText(text string) int {
	return e.count(text)
}

// CountMessages returns the number of prompt tokens used by a message
// sequence for the given model, including per-message wrapper overhead.
//
// Unknown models fall back to the nearest known family: any "gpt-4*"
// variant is counted like gpt-4-0613, any "gpt-3.5-turbo*" variant like
// gpt-3.5-turbo-0613, and everything else uses the modern 3/1 overhead.
func (e *Estimator) CountMessages(messages []provider.Message, model string) int {
	perMessage, perName := messageOverhead(model)

	total := 0
	for _, msg := range messages {
		total += perMessage
		if msg.Name != "" {
			total += perName
		}

		if msg.Parts == nil {
			total += e.count(msg.Role)
			total += e.count(msg.Content)
			continue
		}

		total += e.count(msg.Role)
		for _, p := range msg.Parts {
			switch p.Type {
			case provider.PartImage:
				if msg.Role == provider.RoleAssistant {
					// A model-generated image, priced as output tokens.
					total += generatedImageTokens
				} else {
					total += inputImageTokens
				}
				total += e.count(p.Text)
			default:
				// Text and document parts count by their text content
				// (documents are billed by the caption/extracted text,
				// not the binary payload).
				total += e.count(p.Text)
			}
		}
	}

	return total + replyPrimerTokens
}

// EstimateUsage builds a full usage record for one completed request from
// its prompt and the accumulated answer text. Used when a stream ends
// without a backend usage report.
func (e *Estimator) EstimateUsage(req *provider.ChatRequest, answer string) provider.Usage {
	return provider.Usage{
		InputTokens:  e.CountMessages(req.Messages, req.Model),
		OutputTokens: e.count(answer),
	}
}

// messageOverhead resolves the per-message wrapper constants for a model.
// gpt-3.5-turbo-0301 used the legacy wrapping (4 tokens per message, a name
// replacing the role); everything since uses 3 and 1.
func messageOverhead(model string) (perMessage, perName int) {
	switch model {
	case "gpt-3.5-turbo-0301":
		return 4, -1
	case "gpt-3.5-turbo-0613", "gpt-4-0613", "gpt-4-turbo", "gpt-4o":
		return 3, 1
	}
	switch {
	case strings.HasPrefix(model, "gpt-3.5-turbo"):
		return messageOverhead("gpt-3.5-turbo-0613")
	case strings.HasPrefix(model, "gpt-4"):
		return messageOverhead("gpt-4-0613")
	default:
		return 3, 1
	}
}
