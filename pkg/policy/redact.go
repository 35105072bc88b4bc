package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Redaction labels. Labels must never re-match any pattern in the chain,
// or Redact would stop being idempotent.
const (
	labelEmail = "[REDACTED_EMAIL]"
	labelID    = "[REDACTED_ID]"
	labelMRN   = "[REDACTED_MRN]"
	labelPhone = "[REDACTED_PHONE]"
	labelValue = "[REDACTED]"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	mrnRe   = regexp.MustCompile(`(?i)\bMRN[-:]? ?\d{5,10}\b`)
	phoneRe = regexp.MustCompile(`(?:\+?\d{1,2}[ .-]?)?(?:\(\d{3}\)[ .-]?|\b\d{3}[ .-])\d{3}[ .-]\d{4}\b`)
	dobRe   = regexp.MustCompile(`(?i)\b(?:dob|date of birth)\b`)
)

// defaultStopTerms are always scrubbed in assignment position
// ("password: hunter2", "api_key=sk-live-...").
var defaultStopTerms = []string{
	"password", "passwd", "secret", "api_key", "apikey", "token", "bearer", "authorization",
}

type sub struct {
	re    *regexp.Regexp
	label string
}

// Redactor applies an ordered chain of pattern→label substitutions.
// Custom policy patterns run first, then the built-in PII/PHI patterns,
// then the stop-term scrub. The chain is idempotent as long as no label
// re-matches a pattern; built-in labels are chosen to guarantee that, and
// custom patterns carry the same obligation.
type Redactor struct {
	subs []sub
}

func newRedactor(custom []PatternConfig, extraStopTerms []string) (*Redactor, error) {
	r := &Redactor{}

	for _, p := range custom {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		label := p.Label
		if label == "" {
			label = labelValue
		}
		r.subs = append(r.subs, sub{re: re, label: label})
	}

	// SSN before phone: a bare SSN must not be half-eaten as a phone number.
	r.subs = append(r.subs,
		sub{re: emailRe, label: labelEmail},
		sub{re: ssnRe, label: labelID},
		sub{re: mrnRe, label: labelMRN},
		sub{re: phoneRe, label: labelPhone},
	)

	terms := append(append([]string{}, defaultStopTerms...), extraStopTerms...)
	for i, t := range terms {
		terms[i] = regexp.QuoteMeta(strings.ToLower(t))
	}
	// "Authorization: Bearer xyz" must scrub the token, not the word Bearer.
	stopRe, err := regexp.Compile(`(?i)\b(` + strings.Join(terms, "|") + `)\b\s*[:=]\s*(?:bearer\s+)?\S+`)
	if err != nil {
		return nil, fmt.Errorf("stop terms: %w", err)
	}
	r.subs = append(r.subs, sub{re: stopRe, label: "${1}: " + labelValue})

	return r, nil
}

// Redact replaces every match in the chain with its label. Empty input
// returns unchanged; redacting already-redacted text is a no-op.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, s := range r.subs {
		text = s.re.ReplaceAllString(text, s.label)
	}
	return text
}

// containsPHI reports whether any PHI indicator matches: identifiers
// (SSN-style, MRN), contact details, or date-of-birth markers.
func containsPHI(text string) bool {
	if text == "" {
		return false
	}
	return ssnRe.MatchString(text) ||
		mrnRe.MatchString(text) ||
		dobRe.MatchString(text) ||
		emailRe.MatchString(text) ||
		phoneRe.MatchString(text)
}
