package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Price is the model's cost in dollars per one million tokens, split by
// direction.
type Price struct {
	Input  float64 `koanf:"input"`
	Output float64 `koanf:"output"`
}

// defaultPriceModel is the tier charged for models missing from the price
// table. gpt-4-turbo is deliberately one of the more expensive tiers —
// an unknown model should err on the side of overcharging until someone
// adds its real price, not hand out cheap tokens.
const defaultPriceModel = "gpt-4-turbo"

// DefaultPrices is the built-in per-model price table ($ per 1M tokens).
// Config can override or extend it.
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"gpt-3.5-turbo-1106":         {Input: 1.0, Output: 2.0},
		"gpt-4-1106-preview":         {Input: 10.0, Output: 30.0},
		"gpt-4-turbo":                {Input: 10.0, Output: 30.0},
		"gpt-4-vision-preview":       {Input: 10.0, Output: 30.0},
		"gpt-4o":                     {Input: 5.0, Output: 15.0},
		"gpt-4o-mini":                {Input: 0.15, Output: 0.6},
		"dall-e-3":                   {Input: 10.0, Output: 30.0},
		"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25},
		"claude-3-sonnet-20240229":   {Input: 3.0, Output: 15.0},
		"claude-3-opus-20240229":     {Input: 15.0, Output: 75.0},
		"claude-3-5-sonnet-20240620": {Input: 3.0, Output: 15.0},
		"deepseek-chat":              {Input: 0.27, Output: 1.1},
		"deepseek-reasoner":          {Input: 0.55, Output: 2.19},
		"gemini-2.0-flash":           {Input: 0.1, Output: 0.4},
		"gemini-2.5-flash":           {Input: 0.3, Output: 2.5},
		"gemini-2.5-pro":             {Input: 1.25, Output: 10.0},
	}
}

// Config holds the ledger's billing parameters. The exchange rate converts
// dollar costs into the balance currency; the markup multiplies token
// costs (not flat costs). Both are business configuration, never
// hard-coded at call sites.
type Config struct {
	ExchangeRate float64
	Markup       float64
	Prices       map[string]Price
}

// DefaultConfig returns the observed production parameters.
func DefaultConfig() Config {
	return Config{
		ExchangeRate: 7.4,
		Markup:       1.2,
		Prices:       DefaultPrices(),
	}
}

// Ledger performs atomic balance mutations keyed by user id.
//
// Concurrency contract: each debit is one read-modify-write against the
// store. Two simultaneous debits for the same user must not both read the
// pre-debit balance, so writes are serialized per user with a keyed mutex;
// different users never block each other.
type Ledger struct {
	store  Store
	cfg    Config
	mu     sync.Mutex
	locked map[int64]*sync.Mutex
}

// New creates a Ledger over the store. Zero-valued config fields fall back
// to the defaults.
func New(store Store, cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.ExchangeRate == 0 {
		cfg.ExchangeRate = def.ExchangeRate
	}
	if cfg.Markup == 0 {
		cfg.Markup = def.Markup
	}
	if cfg.Prices == nil {
		cfg.Prices = def.Prices
	} else {
		// Config prices override defaults but don't have to repeat them.
		merged := def.Prices
		for model, p := range cfg.Prices {
			merged[model] = p
		}
		cfg.Prices = merged
	}
	return &Ledger{
		store:  store,
		cfg:    cfg,
		locked: make(map[int64]*sync.Mutex),
	}
}

// PriceFor returns the model's price tier, falling back to the
// conservative default tier for unknown models.
func (l *Ledger) PriceFor(model string) Price {
	if p, ok := l.cfg.Prices[model]; ok {
		return p
	}
	return l.cfg.Prices[defaultPriceModel]
}

// CostByUsage computes the balance-currency cost of a token usage without
// applying it. Exposed for pre-flight estimates.
func (l *Ledger) CostByUsage(model string, inputTokens, outputTokens int) float64 {
	p := l.PriceFor(model)
	dollars := (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1e6
	return l.cfg.ExchangeRate * dollars * l.cfg.Markup
}

// DebitByUsage charges the user for one request's token consumption and
// returns the new balance. A missing account is treated as balance zero;
// the balance may go negative (overdraft is allowed — gating is a
// higher-layer concern).
func (l *Ledger) DebitByUsage(ctx context.Context, userID int64, model string, inputTokens, outputTokens int) (float64, error) {
	cost := l.CostByUsage(model, inputTokens, outputTokens)
	newBalance, err := l.debit(ctx, userID, cost)
	if err != nil {
		return 0, err
	}
	log.Printf("ledger: user=%d model=%s tokens=%d/%d cost=%.6f balance=%.6f",
		userID, model, inputTokens, outputTokens, cost, newBalance)
	return newBalance, nil
}

// DebitFlat charges a fixed dollar cost (image generation, per-invocation
// surcharges). No markup applies — flat costs are already final prices.
func (l *Ledger) DebitFlat(ctx context.Context, userID int64, costDollars float64) (float64, error) {
	cost := l.cfg.ExchangeRate * costDollars
	newBalance, err := l.debit(ctx, userID, cost)
	if err != nil {
		return 0, err
	}
	log.Printf("ledger: user=%d flat cost=%.6f balance=%.6f", userID, cost, newBalance)
	return newBalance, nil
}

// debit runs the serialized read-modify-write.
func (l *Ledger) debit(ctx context.Context, userID int64, cost float64) (float64, error) {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ledger debit: %w", err)
	}

	newBalance := balance - cost
	if err := l.store.SetBalance(ctx, userID, newBalance, time.Now()); err != nil {
		return 0, fmt.Errorf("ledger debit: %w", err)
	}
	return newBalance, nil
}

// userLock returns the mutex serializing writes for one user, creating it
// on first use. Locks are never removed — the map grows with the number
// of distinct users seen by this process, which is fine at gateway scale.
func (l *Ledger) userLock(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locked[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locked[userID] = lock
	}
	return lock
}
