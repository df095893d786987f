package action_test

import (
	"net/http"
	"testing"

	"github.com/duskwarden/aegis/internal/action"
	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/pkg/config"
)

func testActionPolicies() map[string]config.ActionPolicy {
	return map[string]config.ActionPolicy{
		"allow": {Name: "allow", Action: "Allow"},
		"tag":   {Name: "tag", Action: "Tag", TagHeader: "X-Bot-Risk", TagValue: "elevated"},
		"block": {Name: "block", Action: "Block", BlockStatus: http.StatusForbidden, BlockMessage: "nope"},
	}
}

func testPathPolicies() []config.PathPolicy {
	return []config.PathPolicy{
		{
			Match: "/api/*",
			Transitions: []config.Transition{
				{WhenRiskExceeds: "High", ActionPolicyName: "block"},
				{WhenRiskExceeds: "VeryLow", ActionPolicyName: "tag"},
				{ActionPolicyName: "allow"},
			},
		},
	}
}

func Test_Select_NoMatchingPolicy_DefaultsAllow(t *testing.T) {
	sel := action.New(testPathPolicies(), testActionPolicies())
	d := sel.Select("/other", &core.AggregatedEvidence{RiskBand: core.RiskHigh})
	if d.Action != core.ActionAllow {
		t.Fatalf("want Allow for unmatched path, got %v", d.Action)
	}
}

func Test_Select_PrefixMatch_AndOrderedTransitions(t *testing.T) {
	sel := action.New(testPathPolicies(), testActionPolicies())

	d := sel.Select("/api/widgets", &core.AggregatedEvidence{RiskBand: core.RiskVeryHigh})
	if d.Action != core.ActionBlock {
		t.Fatalf("VeryHigh risk: want Block, got %v (reason=%s)", d.Action, d.Reason)
	}
	if d.Status != http.StatusForbidden {
		t.Fatalf("want status 403, got %d", d.Status)
	}

	d = sel.Select("/api/widgets", &core.AggregatedEvidence{RiskBand: core.RiskMedium})
	if d.Action != core.ActionTag {
		t.Fatalf("Medium risk: want Tag (first transition that fires), got %v", d.Action)
	}
	if d.Headers["X-Bot-Risk"] != "elevated" {
		t.Fatalf("want tag header set, got %v", d.Headers)
	}

	d = sel.Select("/api/widgets", &core.AggregatedEvidence{RiskBand: core.RiskVeryLow})
	if d.Action != core.ActionAllow {
		t.Fatalf("VeryLow risk: want fallthrough to Allow, got %v", d.Action)
	}
}

func Test_Select_WhenRiskExceeds_IsStrictlyAbove(t *testing.T) {
	// A transition named "exceeds Medium" must not fire at Medium itself -
	// otherwise a zero-detector request (RiskMedium per spec.md §8
	// invariant #3) would be acted on instead of allowed.
	policies := []config.PathPolicy{
		{
			Match: "/api/*",
			Transitions: []config.Transition{
				{WhenRiskExceeds: "Medium", ActionPolicyName: "block"},
				{ActionPolicyName: "allow"},
			},
		},
	}
	sel := action.New(policies, testActionPolicies())

	d := sel.Select("/api/widgets", &core.AggregatedEvidence{RiskBand: core.RiskMedium})
	if d.Action != core.ActionAllow {
		t.Fatalf("Medium risk: exceeds Medium must not fire at Medium itself, got %v", d.Action)
	}

	d = sel.Select("/api/widgets", &core.AggregatedEvidence{RiskBand: core.RiskHigh})
	if d.Action != core.ActionBlock {
		t.Fatalf("High risk: exceeds Medium must fire above Medium, got %v", d.Action)
	}
}

func Test_Select_ForcedBlock_ShortCircuitsPolicy(t *testing.T) {
	sel := action.New(testPathPolicies(), testActionPolicies())
	d := sel.Select("/api/widgets", &core.AggregatedEvidence{RiskBand: core.RiskVeryLow, ForcedBlock: true})
	if d.Action != core.ActionBlock {
		t.Fatalf("want forced Block regardless of path policy, got %v", d.Action)
	}
}

func Test_Select_VerifiedBot_AlwaysAllowed(t *testing.T) {
	sel := action.New(testPathPolicies(), testActionPolicies())
	d := sel.Select("/api/widgets", &core.AggregatedEvidence{
		RiskBand: core.RiskVeryHigh, ForcedBlock: true,
		PrimaryBotType: core.BotTypeVerifiedBot, PrimaryBotName: "Googlebot",
	})
	if d.Action != core.ActionAllow {
		t.Fatalf("verified bot must bypass even a forced block, got %v", d.Action)
	}
}

func Test_Select_WhenSignal_GatesTransition(t *testing.T) {
	policies := []config.PathPolicy{
		{
			Match: "/",
			Transitions: []config.Transition{
				{WhenSignal: "client.headless_detected", ActionPolicyName: "block"},
				{ActionPolicyName: "allow"},
			},
		},
	}
	sel := action.New(policies, testActionPolicies())

	ev := &core.AggregatedEvidence{RiskBand: core.RiskVeryLow}
	if d := sel.Select("/", ev); d.Action != core.ActionAllow {
		t.Fatalf("signal absent: want Allow, got %v", d.Action)
	}

	ev.Signals = bus.Snapshot{"client.headless_detected": bus.Bool(true)}
	if d := sel.Select("/", ev); d.Action != core.ActionBlock {
		t.Fatalf("signal present: want Block, got %v", d.Action)
	}
}
