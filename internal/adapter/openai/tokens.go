package openai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

// countTokens uses cl100k_base when it can be loaded and falls back to four
// characters per token otherwise.
func countTokens(text string) int {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return utf8.RuneCountInString(text) / 4
}
