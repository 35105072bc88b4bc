package models

// QualityScore breaks a response's heuristic quality score into its four
// component scores. Total is always the sum of the components, each clamped
// to its own range, so Total lies in [0, 100]. Checks records the individual
// boolean sub-checks behind the coherence and completeness components;
// Explanation is a short human-readable account of the dominant factors.
type QualityScore struct {
	Length       int             `json:"length"`
	Keyword      int             `json:"keyword"`
	Coherence    int             `json:"coherence"`
	Completeness int             `json:"completeness"`
	Total        int             `json:"total"`
	Checks       map[string]bool `json:"checks,omitempty"`
	Explanation  string          `json:"explanation,omitempty"`
}
