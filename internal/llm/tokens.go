package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func defaultCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens estimates tokens with the GPT-4 encoding, falling back to
// four characters per token.
func CountTokens(text string) int {
	c := defaultCodec()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// TruncateTokens cuts text to at most limit tokens.
func TruncateTokens(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	c := defaultCodec()
	if c == nil {
		runes := []rune(text)
		if len(runes) <= limit*4 {
			return text
		}
		return string(runes[:limit*4])
	}
	ids, _, err := c.Encode(text)
	if err != nil || len(ids) <= limit {
		return text
	}
	out, err := c.Decode(ids[:limit])
	if err != nil {
		return text
	}
	return out
}
