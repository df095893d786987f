// Package feature implements the Feature Extractor (C5): it turns a
// RequestContext (and, in full mode, the orchestrator's in-progress
// AggregatedEvidence) into a sparse named feature map consumed by the
// heuristic model.
//
// Grounded on leanlp-BTC-coinjoin/internal/heuristics/wallet_fingerprint.go
// and value_fingerprint.go for the "named feature bag, clamped activations"
// idiom used ahead of that repo's own scoring stage.
package feature

import (
	"strings"

	"github.com/duskwarden/aegis/internal/core"
)

// Map is a sparse named feature vector; absent keys are implicitly 0.
type Map map[string]float64

func (m Map) set(name string, v float64) {
	m[normalizeName(name)] = clamp01(v)
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

func normalizeName(name string) string {
	b := []byte(strings.ToLower(name))
	for i, c := range b {
		switch c {
		case ' ', '-', '.', ':':
			b[i] = '_'
		}
	}
	return string(b)
}

var uaSubstrings = []string{
	"bot", "spider", "crawler", "scraper", "headless", "phantomjs", "selenium",
	"curl", "wget", "python", "scrapy", "requests", "httpx", "aiohttp",
	"chrome", "firefox", "safari", "edge",
}

var probePaths = []string{".env", ".git", "wp-admin", "phpmyadmin", ".aws", "config.php"}

// ExtractEarly produces the early-mode feature set (spec.md §4.5): basic
// request metadata only, used before any aggregated evidence exists.
func ExtractEarly(rc *core.RequestContext) Map {
	m := make(Map)
	ua := rc.Headers.Get("User-Agent")

	m.set("req:ua_length", float64(len(ua))/200.0)
	m.set("req:headers_count", float64(rc.Headers.Count())/20.0)
	m.set("req:cookie_count", float64(len(rc.Cookies))/10.0)
	m.set("req:query_count", float64(rc.QueryCount)/20.0)

	lowerUA := strings.ToLower(ua)
	for _, s := range uaSubstrings {
		if strings.Contains(lowerUA, s) {
			m.set("ua:contains_"+s, 1)
		}
	}
	if ua == "" {
		m.set("ua:empty", 1)
	}

	accept := rc.Headers.Get("Accept")
	if accept != "" {
		m.set("hdr:accept_present", 1)
		if strings.Contains(accept, "*/*") {
			m.set("hdr:accept_generic", 1)
		}
		if strings.HasPrefix(accept, "text/html") {
			m.set("hdr:accept_html", 1)
		}
	}
	if rc.Headers.Has("Accept-Language") {
		m.set("hdr:accept-language", 1)
	}
	if rc.Headers.Has("Referer") {
		m.set("hdr:referer", 1)
	}

	lowerPath := strings.ToLower(rc.Path)
	for _, p := range probePaths {
		if strings.Contains(lowerPath, p) {
			m.set("path:probe_"+normalizeName(p), 1)
			m.set("path:vcs_probe", boolFloat(p == ".git"))
		}
	}

	return m
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ExtractFull produces the full-mode feature set (spec.md §4.5): early
// features plus per-detector/category evidence, signal presence, failure
// indicators, client-side and AI prediction features, aggregate statistics,
// and the running result.
func ExtractFull(rc *core.RequestContext, ev *core.AggregatedEvidence) Map {
	m := ExtractEarly(rc)
	if ev == nil {
		return m
	}

	maxByDetector := make(map[string]float64)
	seenDetector := make(map[string]bool)
	var sum, maxAbs float64
	var deltas []float64
	for _, c := range ev.Contributions {
		d := c.ConfidenceDelta
		if !seenDetector[c.DetectorName] || abs(d) > abs(maxByDetector[c.DetectorName]) {
			maxByDetector[c.DetectorName] = d
			seenDetector[c.DetectorName] = true
		}
		sum += d
		if abs(d) > maxAbs {
			maxAbs = abs(d)
		}
		deltas = append(deltas, d)
	}
	for name, d := range maxByDetector {
		m.set("det:"+name, (d+1)/2)
	}

	for cat, stat := range ev.CategoryBreakdown {
		m.set("cat:"+string(cat), stat.Score)
	}

	for k := range ev.Signals {
		m.set("sig:"+k, 1)
	}

	for _, failed := range ev.FailedDetectors {
		m.set("fail:"+failed, 1)
	}

	if v, ok := ev.Signals["client.fingerprint_hash"]; ok && v.Str != "" {
		m.set("fp:received", 1)
	}
	if ev.Signals.Has("client.integrity_score") {
		score := ev.Signals["client.integrity_score"].AsFloat()
		m.set("fp:integrity", score/100.0)
		if score >= 80 {
			m.set("fp:legitimate", 1)
		} else {
			m.set("fp:suspicious", 1)
		}
	} else {
		m.set("fp:missing", 1)
	}

	if ev.Signals.Has("ai.prediction") {
		m.set("ai:ran", 1)
		conf := ev.Signals["ai.confidence"].AsFloat()
		m.set("ai:confidence", conf)
		var signedDelta float64
		if ev.Signals["ai.prediction"].Str == "bot" {
			m.set("ai:prediction", 1)
			m.set("ai:bot_confidence", conf)
			signedDelta = conf
		} else {
			m.set("ai:prediction", 0)
			m.set("ai:human_confidence", conf)
			signedDelta = -conf
		}
		m.set("ai:delta", (signedDelta+1)/2)
	}

	n := float64(len(deltas))
	if n > 0 {
		mean := sum / n
		var variance float64
		for _, d := range deltas {
			diff := d - mean
			variance += diff * diff
		}
		variance /= n
		m.set("agg:count", n/20.0)
		m.set("agg:max", (maxAbs+1)/2)
		m.set("agg:avg", (mean+1)/2)
		m.set("agg:variance", variance)
	}

	m.set("result:bot_probability", ev.BotProbability)
	m.set("result:confidence", ev.Confidence)
	m.set("result:risk_band", riskBandOrdinal(ev.RiskBand))

	return m
}

func riskBandOrdinal(b core.RiskBand) float64 {
	switch b {
	case core.RiskVeryLow:
		return 0.0
	case core.RiskLow:
		return 0.25
	case core.RiskMedium:
		return 0.5
	case core.RiskHigh:
		return 0.75
	default:
		return 1.0
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
