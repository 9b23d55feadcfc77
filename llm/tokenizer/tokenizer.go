// Package tokenizer provides token counting for prompt budget checks.
package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in a text.
type Counter interface {
	// CountTokens returns the token count of the given text.
	CountTokens(text string) (int, error)

	// Name returns the counter name.
	Name() string
}

// TiktokenCounter counts tokens via a tiktoken encoding.
// Gemini does not publish a local tokenizer, so the cl100k_base vocabulary
// is used as an approximation; it tracks Gemini's own counts closely enough
// for budget enforcement.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter creates a tiktoken-backed counter for the given encoding.
// An empty encoding selects cl100k_base.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

// init lazily initializes the tiktoken encoding (it may download vocabulary
// data on first use).
func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// EstimatorCounter is a character-count-based token estimator used when the
// tiktoken vocabulary is unavailable (e.g. offline environments).
// It distinguishes CJK and ASCII characters for better accuracy compared to
// a naive len/4 approach.
type EstimatorCounter struct{}

func (EstimatorCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	// CJK characters ~1.5 chars/token, ASCII ~4 chars/token.
	cjkTokens := float64(cjkCount) / 1.5
	asciiTokens := float64(totalChars-cjkCount) / 4.0
	estimated := int(cjkTokens + asciiTokens)

	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (EstimatorCounter) Name() string { return "estimator" }

// NewCounter returns a tiktoken counter wrapped with an estimator fallback:
// if the encoding cannot be initialized, counting degrades to estimation
// instead of failing the request.
func NewCounter(encoding string) Counter {
	return &fallbackCounter{
		primary:  NewTiktokenCounter(encoding),
		fallback: EstimatorCounter{},
	}
}

type fallbackCounter struct {
	primary  Counter
	fallback Counter
}

func (f *fallbackCounter) CountTokens(text string) (int, error) {
	n, err := f.primary.CountTokens(text)
	if err != nil {
		return f.fallback.CountTokens(text)
	}
	return n, nil
}

func (f *fallbackCounter) Name() string { return f.primary.Name() }

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
