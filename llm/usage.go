package llm

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Usage accumulates estimated token counts across a loop run. Estimates are
// recorded in the agent transcript and audit rows for cost inspection; they
// never gate execution.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add merges another usage sample into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// UsageEstimator counts tokens with tiktoken when the model maps to a known
// encoding, and falls back to a character-ratio estimate otherwise. The
// encoding is initialized lazily because tiktoken may fetch data on first use.
type UsageEstimator struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewUsageEstimator creates an estimator for the given encoding name.
// Empty defaults to cl100k_base.
func NewUsageEstimator(encoding string) *UsageEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &UsageEstimator{encoding: encoding}
}

// Count returns the estimated token count for text.
func (e *UsageEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	if e.initErr != nil || e.enc == nil {
		return estimateByChars(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Sample builds a Usage record from one prompt/completion pair.
func (e *UsageEstimator) Sample(prompt, completion string) Usage {
	p := e.Count(prompt)
	c := e.Count(completion)
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// estimateByChars approximates tokens from rune counts, distinguishing CJK
// (~1.5 chars/token) from the rest (~4 chars/token).
func estimateByChars(text string) int {
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
