package quality

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/velar-health/velar/pkg/models"
)

// Component bounds. Total is the sum, so it lies in [0, 100].
const (
	maxLength       = 30
	maxKeyword      = 30
	maxCoherence    = 20
	maxCompleteness = 20
)

// Length bands, in characters of trimmed response text.
const (
	lengthMin     = 20
	lengthShort   = 100
	lengthOptimal = 2000
	lengthHardMax = 5000
)

// positiveTerms are consult-domain markers a useful clinical summary tends
// to contain.
var positiveTerms = []string{
	"assessment", "plan", "diagnosis", "differential", "symptom",
	"treatment", "medication", "dosage", "follow-up", "history",
	"examination", "findings", "recommend",
}

// hedgingTerms mark refusals and filler that displace actual content.
var hedgingTerms = []string{
	"as an ai", "i cannot", "i can't", "i am unable", "i'm unable",
	"i apologize", "cannot assist",
}

var truncationMarkers = []string{"[truncated]", "[incomplete]", "[cut off]"}

// Score computes the heuristic quality of a response. It is a pure
// function: identical (prompt, response) pairs always produce identical
// scores.
func Score(prompt, response string) models.QualityScore {
	if strings.TrimSpace(response) == "" {
		return models.QualityScore{
			Checks:      map[string]bool{},
			Explanation: "empty response",
		}
	}

	checks := make(map[string]bool)
	s := models.QualityScore{
		Length:       scoreLength(response),
		Keyword:      scoreKeyword(prompt, response, checks),
		Coherence:    scoreCoherence(response, checks),
		Completeness: scoreCompleteness(response, checks),
		Checks:       checks,
	}
	s.Total = s.Length + s.Keyword + s.Coherence + s.Completeness
	s.Explanation = explain(s)
	return s
}

func scoreLength(response string) int {
	n := len(strings.TrimSpace(response))
	switch {
	case n < lengthMin:
		return 5
	case n < lengthShort:
		return 15
	case n <= lengthOptimal:
		return maxLength
	case n <= lengthHardMax:
		return 20
	default:
		return 10
	}
}

// scoreKeyword starts from a base of 10 with up to 20 points of bonus:
// 4 per domain term (capped at 16) plus 4 when the response engages with
// the prompt's own vocabulary. Hedging costs 5 per occurrence type. The
// net is clamped to [0, 30].
func scoreKeyword(prompt, response string, checks map[string]bool) int {
	lower := strings.ToLower(response)
	score := 10

	bonus := 0
	for _, term := range positiveTerms {
		if strings.Contains(lower, term) {
			bonus += 4
		}
	}
	if bonus > 16 {
		bonus = 16
	}

	echoes := echoesPrompt(prompt, lower)
	checks["engages_prompt"] = echoes
	if echoes {
		bonus += 4
	}
	score += bonus

	hedged := false
	for _, term := range hedgingTerms {
		if strings.Contains(lower, term) {
			hedged = true
			score -= 5
		}
	}
	checks["no_hedging"] = !hedged

	return clamp(score, 0, maxKeyword)
}

// echoesPrompt reports whether at least two significant prompt words
// (5+ characters) recur in the response.
func echoesPrompt(prompt, lowerResponse string) bool {
	matched := 0
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 5 {
			continue
		}
		if strings.Contains(lowerResponse, w) {
			matched++
			if matched >= 2 {
				return true
			}
		}
	}
	return false
}

// scoreCoherence runs four independent structural sub-checks: punctuated
// sentences (8), multi-sentence flow (4), paragraph structure (4), and a
// capitalized opening (4).
func scoreCoherence(response string, checks map[string]bool) int {
	score := 0
	sentences := countSentences(response)

	punctuated := sentences > 0
	checks["has_sentences"] = punctuated
	if punctuated {
		score += 8
	}

	multi := sentences >= 2
	checks["multi_sentence"] = multi
	if multi {
		score += 4
	}

	normalized := strings.ReplaceAll(response, "\r\n", "\n")
	paragraphs := strings.Contains(normalized, "\n\n") || strings.Contains(normalized, "\n- ")
	checks["has_paragraphs"] = paragraphs
	if paragraphs {
		score += 4
	}

	capitalized := startsCapitalized(response)
	checks["starts_capitalized"] = capitalized
	if capitalized {
		score += 4
	}

	return score
}

// scoreCompleteness starts from 20 and deducts for signs the text was cut
// short: truncation markers (8), a missing terminal stop (6), unbalanced
// quotes (3), unbalanced parentheses (3).
func scoreCompleteness(response string, checks map[string]bool) int {
	score := maxCompleteness
	trimmed := strings.TrimSpace(response)
	lower := strings.ToLower(trimmed)

	truncated := strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…")
	for _, m := range truncationMarkers {
		if strings.Contains(lower, m) {
			truncated = true
		}
	}
	checks["no_truncation"] = !truncated
	if truncated {
		score -= 8
	}

	terminal := endsWithTerminal(trimmed)
	checks["terminal_punctuation"] = terminal
	if !terminal {
		score -= 6
	}

	balancedQuotes := strings.Count(trimmed, `"`)%2 == 0
	checks["balanced_quotes"] = balancedQuotes
	if !balancedQuotes {
		score -= 3
	}

	balancedParens := strings.Count(trimmed, "(") == strings.Count(trimmed, ")")
	checks["balanced_parens"] = balancedParens
	if !balancedParens {
		score -= 3
	}

	return clamp(score, 0, maxCompleteness)
}

func countSentences(s string) int {
	n := 0
	inSentence := false
	for _, r := range s {
		switch {
		case r == '.' || r == '!' || r == '?':
			if inSentence {
				n++
				inSentence = false
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			inSentence = true
		}
	}
	return n
}

func startsCapitalized(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		return unicode.IsUpper(r) || unicode.IsDigit(r)
	}
	return false
}

func endsWithTerminal(trimmed string) bool {
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	last := runes[len(runes)-1]
	// Closing quotes and brackets after the stop still count as terminal.
	for len(runes) > 1 && (last == '"' || last == '\'' || last == ')' || last == ']') {
		runes = runes[:len(runes)-1]
		last = runes[len(runes)-1]
	}
	return last == '.' || last == '!' || last == '?'
}

func explain(s models.QualityScore) string {
	weakest, n, max := "length", s.Length, maxLength
	if frac(s.Keyword, maxKeyword) < frac(n, max) {
		weakest, n, max = "keyword", s.Keyword, maxKeyword
	}
	if frac(s.Coherence, maxCoherence) < frac(n, max) {
		weakest, n, max = "coherence", s.Coherence, maxCoherence
	}
	if frac(s.Completeness, maxCompleteness) < frac(n, max) {
		weakest, n, max = "completeness", s.Completeness, maxCompleteness
	}
	out := fmt.Sprintf("total %d/100, weakest component %s (%d/%d)", s.Total, weakest, n, max)
	if !s.Checks["no_hedging"] {
		out += ", hedging detected"
	}
	return out
}

func frac(n, max int) float64 {
	return float64(n) / float64(max)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
