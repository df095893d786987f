package detect

import (
	"context"
	"strings"
	"time"

	"github.com/duskwarden/aegis/internal/collab"
	"github.com/duskwarden/aegis/internal/core"
)

const patternMatchDeadline = 100 * time.Millisecond

// SecurityToolDetector matches the UA against known security-tool
// signatures sourced from PatternCache (spec.md §4.7.7). Compiled regexes
// run under a per-pattern deadline, and a match that times out counts as no
// match; substring matching is used only for patterns with no compiled regex.
type SecurityToolDetector struct {
	cache collab.SecurityPatternCache
}

func NewSecurityToolDetector(cache collab.SecurityPatternCache) *SecurityToolDetector {
	return &SecurityToolDetector{cache: cache}
}

func (d *SecurityToolDetector) Name() string      { return "security_tool" }
func (d *SecurityToolDetector) Stage() core.Stage { return core.StageRawSignals }

func (d *SecurityToolDetector) Detect(_ context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	if d.cache == nil {
		return nil
	}
	ua := rc.Headers.Get("User-Agent")
	if ua == "" {
		return nil
	}

	for _, p := range d.cache.SecurityPatterns() {
		matched := false
		if p.Regex != nil {
			matched = matchWithDeadline(p.Regex, ua, patternMatchDeadline)
		} else if p.Substr != "" {
			matched = strings.Contains(strings.ToLower(ua), strings.ToLower(p.Substr))
		}
		if matched {
			return []core.Contribution{core.Contribution{
				DetectorName: d.Name(), Category: core.CategorySecurityTool,
				ConfidenceDelta: 0.95, Weight: 1.5,
				Reason: "security tool signature: " + p.Name + " (" + p.Category + ")",
				BotType: core.BotTypeMalicious, BotName: p.Name,
			}.Clamp()}
		}
	}
	return nil
}

// matcher is the subset of *regexp.Regexp this package bounds by deadline.
type matcher interface {
	MatchString(string) bool
}

func matchWithDeadline(re matcher, s string, deadline time.Duration) bool {
	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(s)
	}()
	select {
	case result := <-done:
		return result
	case <-time.After(deadline):
		return false
	}
}
