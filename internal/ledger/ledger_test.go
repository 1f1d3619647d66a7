package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebitByUsage_Formula(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, DefaultConfig())

	// gpt-4o: $5/1M input, $15/1M output.
	balance, err := l.DebitByUsage(context.Background(), 1, "gpt-4o", 1000, 2000)
	require.NoError(t, err)

	// exchange_rate * (in*pIn + out*pOut)/1e6 * markup
	want := 7.4 * ((1000*5.0 + 2000*15.0) / 1e6) * 1.2
	assert.InDelta(t, -want, balance, 1e-9)

	stored, err := store.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, -want, stored, 1e-9)
}

func TestDebitFlat_NoMarkup(t *testing.T) {
	l := New(NewMemoryStore(), DefaultConfig())

	balance, err := l.DebitFlat(context.Background(), 1, 0.04)
	require.NoError(t, err)

	// Flat costs convert at the exchange rate only.
	assert.InDelta(t, -7.4*0.04, balance, 1e-9)
}

func TestUnknownModelChargedAtDefaultTier(t *testing.T) {
	l := New(NewMemoryStore(), DefaultConfig())

	unknown := l.CostByUsage("some-future-model", 1000, 1000)
	fallback := l.CostByUsage("gpt-4-turbo", 1000, 1000)
	assert.InDelta(t, fallback, unknown, 1e-9)
	assert.Greater(t, unknown, 0.0)
}

func TestConfigPricesMergeOverDefaults(t *testing.T) {
	l := New(NewMemoryStore(), Config{
		Prices: map[string]Price{
			"gpt-4o": {Input: 100, Output: 200},
		},
	})

	// The override applies.
	p := l.PriceFor("gpt-4o")
	assert.Equal(t, 100.0, p.Input)

	// Untouched defaults survive the merge.
	assert.Equal(t, 0.25, l.PriceFor("claude-3-haiku-20240307").Input)
}

func TestMissingAccountStartsAtZero(t *testing.T) {
	l := New(NewMemoryStore(), DefaultConfig())

	balance, err := l.DebitFlat(context.Background(), 42, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, -7.4, balance, 1e-9)
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, DefaultConfig())

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := l.DebitFlat(context.Background(), 7, 1.0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every debit must land: lost updates would leave the balance short.
	balance, err := store.GetBalance(context.Background(), 7)
	require.NoError(t, err)
	assert.InDelta(t, -7.4*n, balance, 1e-6)
}

func TestDistinctUsersDoNotShareBalance(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, DefaultConfig())

	_, err := l.DebitFlat(context.Background(), 1, 1.0)
	require.NoError(t, err)

	other, err := store.GetBalance(context.Background(), 2)
	require.NoError(t, err)
	assert.Zero(t, other)
}
