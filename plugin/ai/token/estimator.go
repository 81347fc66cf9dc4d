// Package token estimates token counts for text and chat messages.
//
// A precise sub-word tokenizer can be plugged in through the Tokenizer
// interface; without one, estimation uses a heuristic that blends a
// character-based baseline with an adjusted word count.
package token

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"
)

const (
	// perMessageOverhead accounts for role and formatting metadata a real
	// tokenizer charges per message.
	perMessageOverhead = 4
	// conversationOverhead is charged once per message list.
	conversationOverhead = 3
)

// Tokenizer is an optional precise tokenizer. Implementations return the
// exact token count for the given text, or an error when the text cannot
// be tokenized.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// TokenizerLoader produces a Tokenizer on first use. Loading is expensive
// (model files, vocab tables), so the estimator invokes it lazily and
// caches the result for the process lifetime.
type TokenizerLoader func() (Tokenizer, error)

// Message is the minimal shape the estimator needs from a chat message.
type Message struct {
	Role    string
	Content string
}

// Estimator converts text and chat messages into token counts.
type Estimator struct {
	loader TokenizerLoader

	once      sync.Once
	tokenizer Tokenizer
}

// NewEstimator creates an estimator. loader may be nil, in which case the
// heuristic is always used.
func NewEstimator(loader TokenizerLoader) *Estimator {
	return &Estimator{loader: loader}
}

// Estimate returns the estimated token count for text. It returns 0 for
// empty text and at least 1 for any non-empty text. A failing precise
// tokenizer degrades to the heuristic for that call only.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	if tok := e.loadTokenizer(); tok != nil {
		if n, err := tok.CountTokens(text); err == nil && n > 0 {
			return n
		}
	}

	return heuristicEstimate(text)
}

// EstimateMessage returns the token cost of a single message including
// its per-message overhead.
func (e *Estimator) EstimateMessage(msg Message) int {
	return e.Estimate(msg.Content) + perMessageOverhead
}

// EstimateMessages returns the total token cost of a message list,
// including the conversation-level overhead.
func (e *Estimator) EstimateMessages(msgs []Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := conversationOverhead
	for _, msg := range msgs {
		total += e.EstimateMessage(msg)
	}
	return total
}

// TruncateToFit drops the oldest non-protected messages until the
// estimated total fits the budget. The first keepFirst messages and the
// final message are always retained, even if the result still exceeds
// the budget.
func (e *Estimator) TruncateToFit(msgs []Message, budget int, keepFirst int) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	if keepFirst < 0 {
		keepFirst = 0
	}
	if keepFirst > len(msgs) {
		keepFirst = len(msgs)
	}

	if e.EstimateMessages(msgs) <= budget {
		return msgs
	}

	// Interior messages sit between the protected prefix and the final
	// message. Drop them oldest-first.
	head := msgs[:keepFirst]
	last := msgs[len(msgs)-1:]
	if keepFirst >= len(msgs)-1 {
		return msgs
	}
	interior := msgs[keepFirst : len(msgs)-1]

	for len(interior) > 0 {
		candidate := make([]Message, 0, len(head)+len(interior)+1)
		candidate = append(candidate, head...)
		candidate = append(candidate, interior...)
		candidate = append(candidate, last...)
		if e.EstimateMessages(candidate) <= budget {
			return candidate
		}
		interior = interior[1:]
	}

	result := make([]Message, 0, len(head)+1)
	result = append(result, head...)
	result = append(result, last...)
	return result
}

func (e *Estimator) loadTokenizer() Tokenizer {
	if e.loader == nil {
		return nil
	}
	e.once.Do(func() {
		tok, err := e.loader()
		if err != nil {
			slog.LogAttrs(context.Background(), slog.LevelWarn, "precise tokenizer unavailable, using heuristic",
				slog.String("error", err.Error()))
			return
		}
		e.tokenizer = tok
	})
	return e.tokenizer
}

// heuristicEstimate blends two signals: characters divided by four, and
// an adjusted word count that up-weights words likely to split into
// multiple tokens. Short text leans on the character estimate; long text
// leans on the word estimate.
func heuristicEstimate(text string) int {
	charEstimate := float64(len(text)) / 4.0

	var wordEstimate float64
	for _, word := range strings.Fields(text) {
		wordEstimate += wordWeight(word)
	}

	// Weight shifts from characters toward words as text grows, capped
	// so neither signal is ever fully discarded.
	charWeight := 0.7
	if len(text) > 200 {
		charWeight = 0.4
	} else if len(text) > 50 {
		charWeight = 0.55
	}

	estimate := charWeight*charEstimate + (1-charWeight)*wordEstimate
	n := int(estimate + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

// wordWeight scores one whitespace-delimited word as a token count.
func wordWeight(word string) float64 {
	weight := 1.0

	runes := []rune(word)
	if len(runes) > 8 {
		// Long words split into sub-word pieces.
		weight += float64(len(runes)-8) / 4.0
	}

	nonASCII := 0
	punct := 0
	for _, r := range runes {
		if r > unicode.MaxASCII {
			nonASCII++
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	// Non-ASCII runs (CJK, emoji) often tokenize close to one token per
	// character.
	weight += float64(nonASCII) * 0.75
	if punct > 1 {
		weight += float64(punct-1) * 0.5
	}

	return weight
}
