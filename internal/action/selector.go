// Package action implements the Action Selector (C9): it maps
// AggregatedEvidence plus a path-to-policy configuration into a typed
// Decision, without ever mutating the evidence it reads.
//
// Grounded on the teacher's internal/rl/policy.go NormalizeRoute/
// EffectiveLimit: longest-prefix path matching against a configured route
// table, generalized here from rate-limit lookup to policy lookup.
package action

import (
	"math/rand"
	"strings"
	"time"

	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/pkg/config"
)

// riskRank orders RiskBand values for WhenRiskExceeds comparisons.
var riskRank = map[core.RiskBand]int{
	core.RiskVeryLow:  0,
	core.RiskLow:      1,
	core.RiskMedium:   2,
	core.RiskHigh:     3,
	core.RiskVeryHigh: 4,
}

// Selector evaluates policy transitions against AggregatedEvidence.
type Selector struct {
	pathPolicies   []config.PathPolicy
	actionPolicies map[string]config.ActionPolicy
}

func New(pathPolicies []config.PathPolicy, actionPolicies map[string]config.ActionPolicy) *Selector {
	return &Selector{pathPolicies: pathPolicies, actionPolicies: actionPolicies}
}

// matchPolicy finds the path policy whose Match equals path, else the one
// with the longest Match prefix covering path, and returns nil when nothing
// matches (mirrors rl.NormalizeRoute's exact-then-longest-prefix search).
func (s *Selector) matchPolicy(path string) *config.PathPolicy {
	var best *config.PathPolicy
	bestLen := -1
	for i := range s.pathPolicies {
		p := &s.pathPolicies[i]
		if p.Match == "" {
			continue
		}
		if p.Match == path {
			return p
		}
		if strings.HasSuffix(p.Match, "*") {
			prefix := strings.TrimSuffix(p.Match, "*")
			if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
				best = p
				bestLen = len(prefix)
			}
			continue
		}
		if strings.HasPrefix(path, p.Match) && len(p.Match) > bestLen {
			best = p
			bestLen = len(p.Match)
		}
	}
	return best
}

// Select evaluates the ordered transition sequence for the request's path
// against ev and returns a Decision. If no policy matches the path, or no
// transition in the matched policy's sequence fires, the default is Allow.
func (s *Selector) Select(path string, ev *core.AggregatedEvidence) core.Decision {
	if ev.PrimaryBotType == core.BotTypeVerifiedBot {
		return core.Decision{Action: core.ActionAllow, Reason: "verified bot: " + ev.PrimaryBotName}
	}
	if ev.ForcedBlock {
		return core.Decision{
			Action: core.ActionBlock, Reason: "immediate block threshold crossed",
			Status: 403, Message: "request blocked",
		}
	}

	policy := s.matchPolicy(path)
	if policy == nil {
		return core.Decision{Action: core.ActionAllow, Reason: "no matching path policy"}
	}

	for _, t := range policy.Transitions {
		if !transitionFires(t, ev) {
			continue
		}
		ap, ok := s.actionPolicies[t.ActionPolicyName]
		if !ok {
			continue
		}
		return buildDecision(ap, ev)
	}
	return core.Decision{Action: core.ActionAllow, Reason: "no transition matched"}
}

func transitionFires(t config.Transition, ev *core.AggregatedEvidence) bool {
	if t.WhenRiskExceeds != "" {
		threshold, ok := riskRank[core.RiskBand(t.WhenRiskExceeds)]
		if !ok || riskRank[ev.RiskBand] <= threshold {
			return false
		}
	}
	if t.WhenSignal != "" && !ev.Signals.Has(t.WhenSignal) {
		return false
	}
	return true
}

func buildDecision(ap config.ActionPolicy, ev *core.AggregatedEvidence) core.Decision {
	switch core.Action(ap.Action) {
	case core.ActionTag:
		return core.Decision{
			Action:  core.ActionTag,
			Reason:  "tag policy: " + ap.Name,
			Headers: map[string]string{ap.TagHeader: ap.TagValue},
		}
	case core.ActionThrottle:
		base := float64(ap.ThrottleBaseMs)
		jitter := base * ap.ThrottleJitter * rand.Float64()
		delayMs := base + jitter
		if ap.ThrottleMaxMs > 0 && delayMs > float64(ap.ThrottleMaxMs) {
			delayMs = float64(ap.ThrottleMaxMs)
		}
		return core.Decision{
			Action: core.ActionThrottle,
			Reason: "throttle policy: " + ap.Name,
			Delay:  time.Duration(delayMs) * time.Millisecond,
		}
	case core.ActionChallenge:
		return core.Decision{
			Action:  core.ActionChallenge,
			Reason:  "challenge policy: " + ap.Name,
			Headers: map[string]string{"Location": ap.ChallengeURL},
		}
	case core.ActionBlock:
		status := ap.BlockStatus
		if status == 0 {
			status = 403
		}
		return core.Decision{
			Action:  core.ActionBlock,
			Reason:  "block policy: " + ap.Name,
			Status:  status,
			Message: ap.BlockMessage,
		}
	default:
		return core.Decision{Action: core.ActionAllow, Reason: "allow policy: " + ap.Name}
	}
}
