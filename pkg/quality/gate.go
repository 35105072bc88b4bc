package quality

import (
	"fmt"
	"hash/fnv"

	"github.com/velar-health/velar/pkg/models"
	"github.com/velar-health/velar/pkg/policy"
)

// Flag paths consulted for routing.
const (
	flagOfflineEnabled  = "offline.enabled"
	flagFallbackPercent = "rollout.fallback_percent"
)

// Gate decides which provider a request should reach and evaluates
// responses against the policy's quality threshold. Both decisions read
// the active policy snapshot, so reloads take effect without restarts.
type Gate struct {
	enforcer *policy.Enforcer
}

func NewGate(e *policy.Enforcer) *Gate {
	return &Gate{enforcer: e}
}

// ShouldUsePrimary reports whether a request routes to the primary
// provider, with a human-readable reason. A forced provider short-circuits
// routing. Otherwise the primary is always used unless offline mode is
// enabled, which routes traffic to the fallback provider, optionally
// limited to a rollout percentage. The decision is a pure function of
// (snapshot, prompt): the same prompt always lands in the same bucket.
func (g *Gate) ShouldUsePrimary(prompt, forced string) (bool, string) {
	snap := g.enforcer.Current()

	if forced != "" {
		return forced == snap.PrimaryProvider, fmt.Sprintf("forced provider %q", forced)
	}
	if snap.FallbackProvider == "" {
		return true, "no fallback provider configured"
	}
	if !snap.FlagEnabled(flagOfflineEnabled) {
		return true, fmt.Sprintf("offline mode disabled; primary %q", snap.PrimaryProvider)
	}

	percent := snap.FlagFloat(flagFallbackPercent)
	if percent <= 0 || percent > 100 {
		// Offline mode without a partial rollout means all traffic
		// moves to the fallback.
		percent = 100
	}
	bucket := promptBucket(prompt)
	if float64(bucket) < percent {
		return false, fmt.Sprintf("offline rollout: bucket %d < %g%% routes to fallback %q",
			bucket, percent, snap.FallbackProvider)
	}
	return true, fmt.Sprintf("offline rollout: bucket %d >= %g%% stays on primary %q",
		bucket, percent, snap.PrimaryProvider)
}

// promptBucket maps a prompt to a stable bucket in [0, 100).
func promptBucket(prompt string) int {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	return int(h.Sum32() % 100)
}

// Evaluate scores a response and returns an advisory fallback reason when
// the score falls below the policy threshold. The reason is empty for
// acceptable responses. Evaluation never blocks a response: callers attach
// the verdict and let the consumer decide.
func (g *Gate) Evaluate(prompt, response string) (models.QualityScore, string) {
	snap := g.enforcer.Current()
	score := Score(prompt, response)
	if score.Total >= snap.QualityThreshold {
		return score, ""
	}

	reason := fmt.Sprintf("quality %d below threshold %d", score.Total, snap.QualityThreshold)
	if snap.FallbackProvider != "" {
		reason += fmt.Sprintf("; fallback %q advised", snap.FallbackProvider)
	}
	return score, reason
}
