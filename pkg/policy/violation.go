package policy

import (
	"errors"
	"fmt"
)

// Rule identifiers carried on violations. Stable strings: audit rows and
// alerting correlate on them.
const (
	RuleEgress = "sovereignty.egress"
	RuleBudget = "llm.budgets"
	RuleFlags  = "llm.flags"
)

// Violation is a policy rejection. It carries the rule that fired plus
// contextual metadata for the audit trail. Violations are never retried.
type Violation struct {
	Rule     string
	Message  string
	Metadata map[string]string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation [%s]: %s", v.Rule, v.Message)
}

// AsViolation unwraps err to a *Violation if one is in its chain.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
