package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/quantora/llmgateway/internal/provider"
)

// Policy configures one Wrapper. It is plain configuration, never
// persisted.
type Policy struct {
	// MaxAttempts bounds the total number of attempts (first call plus
	// retries). Retries only apply to errors provider.Retryable accepts.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential backoff schedule
	// between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BreakerThreshold consecutive failures open the circuit;
	// BreakerReset is how long it stays open before one trial call.
	BreakerThreshold int
	BreakerReset     time.Duration

	// RPS throttles calls to the upstream when > 0. Burst defaults to 1.
	RPS   float64
	Burst int
}

// DefaultPolicy mirrors the retry posture of the upstream clients this
// gateway replaces: three attempts, 1s base backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Wrapper decorates an Adapter with the resilience policy. It implements
// provider.Adapter itself, so the router never knows it is talking through
// a decorator.
//
// Composition order: the breaker is outermost — it can veto an attempt
// before any backend traffic — and the retry loop runs inside it, with
// every backend attempt's outcome feeding the breaker's accounting.
// Fatal request errors never reached the backend and stay out of it.
type Wrapper struct {
	inner   provider.Adapter
	policy  Policy
	breaker *Breaker
	limiter *rate.Limiter
}

// Wrap builds the decorator. Called once per adapter at startup; the
// returned Wrapper lives as long as the adapter does. Zero-valued policy
// fields fall back to DefaultPolicy, so config files only need to name
// what they change.
func Wrap(inner provider.Adapter, policy Policy) *Wrapper {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.BreakerThreshold <= 0 {
		policy.BreakerThreshold = def.BreakerThreshold
	}
	if policy.BreakerReset <= 0 {
		policy.BreakerReset = def.BreakerReset
	}
	w := &Wrapper{
		inner:   inner,
		policy:  policy,
		breaker: NewBreaker(policy.BreakerThreshold, policy.BreakerReset),
	}
	if policy.RPS > 0 {
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(policy.RPS), burst)
	}
	return w
}

// BreakerState exposes the circuit state for logging and tests.
func (w *Wrapper) BreakerState() State { return w.breaker.State() }

// execute runs op under the policy: breaker check, optional rate-limit
// wait, then the attempt; retryable failures are re-attempted on the
// backoff schedule until MaxAttempts is exhausted. The last error is
// surfaced as a single terminal error — callers never see intermediate
// attempt failures.
func (w *Wrapper) execute(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.policy.InitialBackoff
	bo.MaxInterval = w.policy.MaxBackoff
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	bo.Reset()

	var err error
	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		if brkErr := w.breaker.Allow(); brkErr != nil {
			return brkErr
		}
		if w.limiter != nil {
			if lerr := w.limiter.Wait(ctx); lerr != nil {
				w.breaker.RecordNeutral()
				return lerr
			}
		}

		err = op()
		if err == nil {
			w.breaker.RecordSuccess()
			return nil
		}

		// Only failures that signal backend trouble feed the breaker.
		// Fatal protocol errors (a malformed request, an unsupported
		// content part) and cancellations say nothing about backend
		// health, and must not open the circuit for other callers.
		if !provider.Retryable(err) {
			w.breaker.RecordNeutral()
			return err
		}
		w.breaker.RecordFailure()
		if attempt == w.policy.MaxAttempts {
			break
		}

		// A provider-supplied Retry-After overrides the schedule when it
		// asks for a longer wait.
		wait := bo.NextBackOff()
		var rl *provider.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// provider.Adapter implementation
// ---------------------------------------------------------------------------

// Name returns the wrapped adapter's identifier.
func (w *Wrapper) Name() string { return w.inner.Name() }

// SupportedModels returns the wrapped adapter's model list.
func (w *Wrapper) SupportedModels() []string { return w.inner.SupportedModels() }

// Close closes the wrapped adapter.
func (w *Wrapper) Close() error { return w.inner.Close() }

// AskOnce retries the whole single-turn call — it has no partial output to
// preserve, so re-running it is always safe.
func (w *Wrapper) AskOnce(ctx context.Context, userID int64, question, model string) (string, *provider.Usage, error) {
	var (
		answer string
		usage  *provider.Usage
	)
	err := w.execute(ctx, func() error {
		var opErr error
		answer, usage, opErr = w.inner.AskOnce(ctx, userID, question, model)
		return opErr
	})
	if err != nil {
		return "", nil, err
	}
	return answer, usage, nil
}

// GenerateImage retries like AskOnce. The flat-cost debit happens in the
// router only after this returns, so retries can never double-bill.
func (w *Wrapper) GenerateImage(ctx context.Context, userID int64, prompt, model string) (string, error) {
	var image string
	err := w.execute(ctx, func() error {
		var opErr error
		image, opErr = w.inner.GenerateImage(ctx, userID, prompt, model)
		return opErr
	})
	if err != nil {
		return "", err
	}
	return image, nil
}

// StreamCompletion retries stream ESTABLISHMENT only. Once the backend has
// started producing events the stream is non-restartable: replaying it
// would duplicate events the caller already saw and desync billing, so a
// mid-stream failure surfaces as a terminal error event instead of a
// retry. Mid-stream failures still count toward the breaker.
func (w *Wrapper) StreamCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	var upstream <-chan provider.ChatEvent
	err := w.execute(ctx, func() error {
		ch, opErr := w.inner.StreamCompletion(ctx, req)
		if opErr != nil {
			return opErr
		}
		upstream = ch
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Forward events so the wrapper can observe how the stream ends.
	// A clean EventDone without errors confirms the attempt for breaker
	// accounting; an EventError marks it failed.
	out := make(chan provider.ChatEvent)
	go func() {
		defer close(out)
		failed := false
		for ev := range upstream {
			if ev.Type == provider.EventError {
				failed = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// A cancelled stream decides nothing about backend
				// health, but a HalfOpen trial slot must be released.
				w.breaker.RecordNeutral()
				return
			}
		}
		if failed {
			w.breaker.RecordFailure()
		} else {
			w.breaker.RecordSuccess()
		}
	}()
	return out, nil
}
