package gateway

import (
	"math"
	"unicode"
)

// Characters per token by script class. CJK text encodes far fewer
// characters per token than Latin text does.
const (
	cjkCharsPerToken   = 1.5
	otherCharsPerToken = 3.5
)

// EstimateTokens approximates how many tokens a text will cost before a
// provider reports the real count. The estimate feeds budget admission
// and the pre-call cost check; both are settled against actuals after
// the call.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var cjk, other int
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
		case !unicode.IsSpace(r):
			other++
		}
	}

	est := float64(cjk)/cjkCharsPerToken + float64(other)/otherCharsPerToken
	return int(math.Round(est))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
