// Package router orchestrates one chat request end to end: resolve the
// adapter for the requested model, drive it through the resilience
// wrapper, forward ChatEvents to the caller in arrival order, and issue
// exactly one credit debit once usage is known.
package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantora/llmgateway/internal/ledger"
	"github.com/quantora/llmgateway/internal/provider"
	"github.com/quantora/llmgateway/internal/tokens"
)

// UnsupportedModelError means no adapter owns the requested model. It is
// terminal and user-facing: no retry, no billing.
type UnsupportedModelError struct {
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q", e.Model)
}

// defaultImageCost is the flat dollar price of one dall-e-3 standard
// 1024x1024 image.
const defaultImageCost = 0.04

// meterTimeout bounds the ledger write after a stream ends. The debit uses
// its own context — the request context is typically already cancelled by
// the time metering runs for a disconnected caller.
const meterTimeout = 10 * time.Second

// prefixOwners maps model-name prefixes to adapter names, consulted when
// no adapter lists the model exactly. First match wins; order matters only
// for readability since the prefixes are disjoint.
var prefixOwners = []struct {
	prefix  string
	adapter string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"dall-e", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "google"},
	{"deepseek-", "deepseek"},
}

// Router is the per-process orchestrator. Adapters arrive already wrapped
// in their resilience decorators; the router itself holds no per-request
// state beyond what lives on each goroutine's stack.
type Router struct {
	adapters  []provider.Adapter
	ledger    *ledger.Ledger
	estimator *tokens.Estimator
	imageCost float64
}

// New creates a Router over a fixed, ordered list of adapters.
// imageCost <= 0 selects the default flat price.
func New(adapters []provider.Adapter, l *ledger.Ledger, est *tokens.Estimator, imageCost float64) *Router {
	if imageCost <= 0 {
		imageCost = defaultImageCost
	}
	return &Router{
		adapters:  adapters,
		ledger:    l,
		estimator: est,
		imageCost: imageCost,
	}
}

// Resolve returns the adapter owning the model: exact membership in an
// adapter's SupportedModels first, then the prefix table. Exactly one
// adapter matches any supported identifier; everything else is an
// UnsupportedModelError.
func (r *Router) Resolve(model string) (provider.Adapter, error) {
	for _, a := range r.adapters {
		for _, m := range a.SupportedModels() {
			if m == model {
				return a, nil
			}
		}
	}
	for _, owner := range prefixOwners {
		if !strings.HasPrefix(model, owner.prefix) {
			continue
		}
		for _, a := range r.adapters {
			if a.Name() == owner.adapter {
				return a, nil
			}
		}
	}
	return nil, &UnsupportedModelError{Model: model}
}

// Route runs one streamed chat request. Events are forwarded to the
// returned channel in the exact order the adapter produced them, one at a
// time over an unbuffered channel — the producer blocks on each send, so
// a slow consumer applies backpressure all the way to the backend read.
//
// Request lifecycle: Dispatching (resolve) → Streaming (forward) →
// Metering (one debit) → Done or Failed. The debit always happens after
// the last event has been forwarded, so the caller sees the full answer
// before being charged — and a ledger failure after delivery is an
// accounting problem, never a user-visible one.
func (r *Router) Route(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	requestID := uuid.NewString()

	// Dispatching.
	adapter, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	// Streaming establishment (retries happen inside the wrapper; by the
	// time an error comes back here it is terminal).
	upstream, err := adapter.StreamCompletion(ctx, req)
	if err != nil {
		log.Printf("router: request=%s model=%s user=%d failed: %v", requestID, req.Model, req.UserID, err)
		return nil, err
	}
	log.Printf("router: request=%s model=%s user=%d adapter=%s streaming", requestID, req.Model, req.UserID, adapter.Name())

	out := make(chan provider.ChatEvent)

	go func() {
		defer close(out)

		var (
			usage  *provider.Usage
			answer strings.Builder
			failed bool
		)

		for ev := range upstream {
			// Track billing inputs as events pass through. The last
			// usage report observed is the authoritative one.
			switch ev.Type {
			case provider.EventUsage:
				if ev.Usage != nil {
					u := *ev.Usage
					usage = &u
				}
			case provider.EventText:
				answer.WriteString(ev.Text)
			case provider.EventError:
				failed = true
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				// Caller cancelled mid-stream. Tokens already reported
				// were consumed and are billed; without a captured
				// report nothing is charged.
				if usage != nil {
					r.meter(requestID, req, *usage)
				}
				log.Printf("router: request=%s cancelled", requestID)
				return
			}
		}

		// Metering — strictly after the last forwarded event.
		switch {
		case usage != nil:
			r.meter(requestID, req, *usage)
		case failed:
			// Exhausted retries or a mid-stream failure with no usage
			// ever reported: nothing was consumed that we can bill.
			log.Printf("router: request=%s failed, no usage reported, no debit", requestID)
		default:
			// Stream completed but the backend reported nothing —
			// estimate from the prompt and the accumulated answer.
			r.meter(requestID, req, r.estimator.EstimateUsage(req, answer.String()))
		}
	}()

	return out, nil
}

// meter issues the single debit for one logical request. Ledger failures
// are logged and swallowed: the content already reached the caller, and a
// lost debit is recoverable from logs while a crashed stream is not.
func (r *Router) meter(requestID string, req *provider.ChatRequest, usage provider.Usage) {
	ctx, cancel := context.WithTimeout(context.Background(), meterTimeout)
	defer cancel()

	if _, err := r.ledger.DebitByUsage(ctx, req.UserID, req.Model, usage.InputTokens, usage.OutputTokens); err != nil {
		log.Printf("router: request=%s ledger debit failed (accounting only): %v", requestID, err)
	}
}

// Ask runs a single-turn, non-streamed question. Billing uses the
// backend-reported usage when the adapter captured one, the estimator
// otherwise.
func (r *Router) Ask(ctx context.Context, userID int64, model, question string) (string, error) {
	adapter, err := r.Resolve(model)
	if err != nil {
		return "", err
	}

	answer, usage, err := adapter.AskOnce(ctx, userID, question, model)
	if err != nil {
		return "", err
	}

	if usage == nil {
		est := r.estimator.EstimateUsage(&provider.ChatRequest{
			Model:    model,
			Messages: []provider.Message{{Role: provider.RoleUser, Content: question}},
		}, answer)
		usage = &est
	}

	mctx, cancel := context.WithTimeout(context.Background(), meterTimeout)
	defer cancel()
	if _, err := r.ledger.DebitByUsage(mctx, userID, model, usage.InputTokens, usage.OutputTokens); err != nil {
		log.Printf("router: ask ledger debit failed (accounting only): %v", err)
	}

	return answer, nil
}

// Image generates one image and applies the flat per-invocation charge —
// a separate charge type from token billing, never mixed with it for the
// same request.
func (r *Router) Image(ctx context.Context, userID int64, model, prompt string) (string, error) {
	adapter, err := r.Resolve(model)
	if err != nil {
		return "", err
	}

	b64, err := adapter.GenerateImage(ctx, userID, prompt, model)
	if err != nil {
		return "", err
	}

	mctx, cancel := context.WithTimeout(context.Background(), meterTimeout)
	defer cancel()
	if _, err := r.ledger.DebitFlat(mctx, userID, r.imageCost); err != nil {
		log.Printf("router: image ledger debit failed (accounting only): %v", err)
	}

	return b64, nil
}

// Close closes every adapter. Called once at shutdown.
func (r *Router) Close() error {
	var firstErr error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
