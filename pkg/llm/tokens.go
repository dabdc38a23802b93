package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for providers that do not report it.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model, falling back to
// the cl100k_base encoding for unknown models.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.RLock()
	cached, exists := encodingCache[model]
	encodingMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("getting token encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list, including the
// per-message role overhead of chat formats.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	// Per OpenAI's counting guidance: ~4 tokens of framing per message
	// plus 3 for the reply priming.
	total := 3
	for _, m := range messages {
		total += 4
		total += tc.Count(m.Content)
		total += tc.Count(m.Role)
	}
	return total
}
