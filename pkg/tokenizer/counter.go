// Package tokenizer counts and trims prompt tokens for the report generator.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// encodingForModel maps generator model names to tiktoken encodings.
var encodingForModel = map[string]tokenizer.Encoding{
	"gpt-4o":        tokenizer.O200kBase,
	"gpt-4o-mini":   tokenizer.O200kBase,
	"gpt-4.1":       tokenizer.O200kBase,
	"gpt-4.1-mini":  tokenizer.O200kBase,
	"o3-mini":       tokenizer.O200kBase,
	"gpt-4-turbo":   tokenizer.Cl100kBase,
	"gpt-4":         tokenizer.Cl100kBase,
	"gpt-3.5-turbo": tokenizer.Cl100kBase,
}

// Counter counts tokens for one model. Models without a known encoding use
// cl100k_base.
type Counter struct {
	model string
	codec tokenizer.Codec
}

// NewCounter loads the encoding for model.
func NewCounter(model string) (*Counter, error) {
	enc, ok := encodingForModel[model]
	if !ok {
		enc = tokenizer.Cl100kBase
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", enc, err)
	}
	return &Counter{model: model, codec: codec}, nil
}

// Model returns the model the counter was built for.
func (c *Counter) Model() string { return c.model }

// Count returns the number of tokens in text. Encoding failures fall back to
// a character estimate.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return Estimate(text)
	}
	return len(ids)
}

// Truncate returns the longest prefix of text that fits in limit tokens.
func (c *Counter) Truncate(text string, limit int) (string, bool) {
	if limit <= 0 {
		return "", text != ""
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		// 4 chars per token on average
		if len(text) <= limit*4 {
			return text, false
		}
		return text[:limit*4], true
	}
	if len(ids) <= limit {
		return text, false
	}
	out, err := c.codec.Decode(ids[:limit])
	if err != nil {
		return text[:min(len(text), limit*4)], true
	}
	return out, true
}

// CountChat counts tokens for chat messages, adding the per-message and
// reply-priming overhead of the chat format.
func (c *Counter) CountChat(messages ...string) int {
	total := 0
	for _, msg := range messages {
		total += 4 // role, formatting
		total += c.Count(msg)
	}
	return total + 2
}

// Estimate uses character-based estimation (4 chars per token on average).
func Estimate(text string) int {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
