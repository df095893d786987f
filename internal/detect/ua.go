// Package detect holds the individual detector implementations (C7),
// each a small core.Detector scoring one facet of the request.
package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/collab"
	"github.com/duskwarden/aegis/internal/core"
)

var maliciousUASubstrings = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "havij", "acunetix",
}

var automationFrameworkSubstrings = []string{
	"selenium", "puppeteer", "playwright", "webdriver", "phantomjs",
}

// staticUAPatterns are precompiled at package init per spec.md §4.7.1's
// "static regex pattern set (precompiled at build time)".
var staticUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbot\b`),
	regexp.MustCompile(`(?i)\bcrawl(er)?\b`),
	regexp.MustCompile(`(?i)\bspider\b`),
	regexp.MustCompile(`(?i)\bscraper\b`),
	regexp.MustCompile(`(?i)headless`),
}

var urlSchemeInUA = regexp.MustCompile(`(?i)https?://`)

// UADetector scores the User-Agent header (spec.md §4.7.1).
type UADetector struct {
	Whitelist []WhitelistedBot
	Patterns  collab.PatternCache // optional
}

// WhitelistedBot is a verified-bot UA-prefix allowlist entry.
type WhitelistedBot struct {
	Prefix string
	Name   string
}

func NewUADetector(whitelist []WhitelistedBot, patterns collab.PatternCache) *UADetector {
	return &UADetector{Whitelist: whitelist, Patterns: patterns}
}

func (d *UADetector) Name() string     { return "ua" }
func (d *UADetector) Stage() core.Stage { return core.StageRawSignals }

func (d *UADetector) Detect(_ context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	ua := rc.Headers.Get("User-Agent")
	rc.Bus.Put(bus.KeyUAEmpty, bus.Bool(ua == ""))
	rc.Bus.Put(bus.KeyUALength, bus.Int(int64(len(ua))))

	if ua == "" {
		return []core.Contribution{core.Contribution{
			DetectorName: d.Name(), Category: core.CategoryUserAgent,
			ConfidenceDelta: 0.8, Weight: 1.0, Reason: "missing User-Agent",
		}.Clamp()}
	}

	for _, w := range d.Whitelist {
		if strings.HasPrefix(ua, w.Prefix) {
			return []core.Contribution{core.Contribution{
				DetectorName: d.Name(), Category: core.CategoryUserAgent,
				ConfidenceDelta: -1.0, Weight: 1.0,
				Reason: "whitelisted verified bot", BotType: core.BotTypeVerifiedBot, BotName: w.Name,
			}.Clamp()}
		}
	}

	lower := strings.ToLower(ua)
	var sum float64
	var botType core.BotType
	var reasons []string

	for _, s := range maliciousUASubstrings {
		if strings.Contains(lower, s) {
			sum += 0.3
			reasons = append(reasons, "malicious pattern: "+s)
		}
	}
	for _, s := range automationFrameworkSubstrings {
		if strings.Contains(lower, s) {
			sum += 0.5
			botType = core.BotTypeScraper
			reasons = append(reasons, "automation framework: "+s)
		}
	}
	for _, re := range staticUAPatterns {
		if re.MatchString(ua) {
			sum += 0.2
			reasons = append(reasons, "static pattern match: "+re.String())
		}
	}
	if d.Patterns != nil {
		for _, re := range d.Patterns.DownloadedPatterns() {
			if re.MatchString(ua) {
				sum += 0.25
				reasons = append(reasons, "downloaded pattern match")
				break
			}
		}
	}
	if len(ua) < 20 {
		sum += 0.4
		reasons = append(reasons, "UA shorter than 20 characters")
	}
	if urlSchemeInUA.MatchString(ua) {
		sum += 0.3
		reasons = append(reasons, "UA contains URL scheme")
	}

	delta := clamp01(sum)
	if delta > 0.5 && botType == core.BotTypeNone {
		botType = core.BotTypeScraper
	}
	if len(reasons) == 0 {
		return nil
	}
	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryUserAgent,
		ConfidenceDelta: delta, Weight: 1.0,
		Reason: strings.Join(reasons, "; "), BotType: botType,
	}.Clamp()}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
