// Package tokencount provides token estimation for usage metrics and cost
// annotation. Uses a character-class heuristic (CJK text runs ~1.5 chars per
// token, everything else ~4) which is sufficient for accounting. Can be
// replaced with a real tokenizer for exact counts if needed.
package tokencount

import "unicode"

// Estimate returns the approximate token count of text. CJK characters and
// the rest are counted separately: floor(cjk/1.5 + other/4).
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}

// EstimateExchange estimates input and output tokens independently.
func EstimateExchange(prompt, completion string) (in, out int) {
	return Estimate(prompt), Estimate(completion)
}

// isCJK reports whether r belongs to a CJK, Hangul, or Kana block.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}
