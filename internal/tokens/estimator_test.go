package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantora/llmgateway/internal/provider"
)

// wordCount is a deterministic counter for tests: one token per
// whitespace-separated word.
func wordCount(text string) int {
	return len(strings.Fields(text))
}

func TestCountMessages_ModernOverhead(t *testing.T) {
	e := NewWithCounter(wordCount)

	got := e.CountMessages([]provider.Message{
		{Role: provider.RoleUser, Content: "hello world"},
	}, "gpt-4o")

	// 3 per-message + count("user")=1 + count("hello world")=2 + 3 primer.
	assert.Equal(t, 9, got)
}

func TestCountMessages_NameOverhead(t *testing.T) {
	e := NewWithCounter(wordCount)

	without := e.CountMessages([]provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
	}, "gpt-4o")
	with := e.CountMessages([]provider.Message{
		{Role: provider.RoleUser, Content: "hi", Name: "alice"},
	}, "gpt-4o")

	assert.Equal(t, without+1, with)
}

func TestCountMessages_LegacyModelOverhead(t *testing.T) {
	e := NewWithCounter(wordCount)

	msgs := []provider.Message{
		{Role: provider.RoleUser, Content: "hi", Name: "alice"},
	}

	// gpt-3.5-turbo-0301: 4 per message, and a name replaces the role
	// (-1) instead of adding a token (+1).
	legacy := e.CountMessages(msgs, "gpt-3.5-turbo-0301")
	modern := e.CountMessages(msgs, "gpt-3.5-turbo-0613")
	assert.Equal(t, modern-1, legacy)

	msgsNoName := []provider.Message{{Role: provider.RoleUser, Content: "hi"}}
	assert.Equal(t,
		e.CountMessages(msgsNoName, "gpt-3.5-turbo-0613")+1,
		e.CountMessages(msgsNoName, "gpt-3.5-turbo-0301"),
	)
}

func TestCountMessages_UnknownVariantsFallBack(t *testing.T) {
	e := NewWithCounter(wordCount)
	msgs := []provider.Message{{Role: provider.RoleUser, Content: "hello there"}}

	// Unknown gpt-4 and gpt-3.5 variants count like their family base;
	// everything else gets the modern overhead.
	assert.Equal(t, e.CountMessages(msgs, "gpt-4-0613"), e.CountMessages(msgs, "gpt-4-experimental"))
	assert.Equal(t, e.CountMessages(msgs, "gpt-3.5-turbo-0613"), e.CountMessages(msgs, "gpt-3.5-turbo-9999"))
	assert.Equal(t, e.CountMessages(msgs, "gpt-4o"), e.CountMessages(msgs, "claude-3-opus-20240229"))
}

func TestCountMessages_ImageParts(t *testing.T) {
	e := NewWithCounter(wordCount)

	userImage := e.CountMessages([]provider.Message{{
		Role:  provider.RoleUser,
		Parts: []provider.Part{{Type: provider.PartImage, Data: "xxxx"}},
	}}, "gpt-4o")
	// 3 + count("user")=1 + 765 + 3 primer.
	assert.Equal(t, 772, userImage)

	assistantImage := e.CountMessages([]provider.Message{{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{{Type: provider.PartImage, Data: "xxxx"}},
	}}, "gpt-4o")
	// A generated image is priced much higher than an input one.
	assert.Equal(t, 3+1+4000+3, assistantImage)
}

func TestEstimateUsage(t *testing.T) {
	e := NewWithCounter(wordCount)

	usage := e.EstimateUsage(&provider.ChatRequest{
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello world"}},
	}, "four words in here")

	assert.Equal(t, 9, usage.InputTokens)
	assert.Equal(t, 4, usage.OutputTokens)
}

func TestHeuristicCount(t *testing.T) {
	// (words + chars/4) / 2 — the fallback when no encoding is available.
	assert.Equal(t, 4, heuristicCount("aaaa bbbb cccc dddd"))
	assert.Equal(t, 0, heuristicCount(""))
}
