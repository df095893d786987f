package detect

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/duskwarden/aegis/internal/behavior"
	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/internal/window"
)

var assetExtensions = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
	".woff", ".woff2", ".ttf", ".eot", ".mp4", ".webm", ".mp3", ".json", ".xml",
}

// BehavioralConfig mirrors the behavioral knobs of pkg/config.Options,
// kept local per the narrow-config convention established in versionage.go.
type BehavioralConfig struct {
	WarmupDuration       time.Duration
	MaxRequestsPerMinute int64
	FingerprintMultiplier float64
	APIKeyHeader         string
	APIKeyMultiplier     float64
	UserIDHeader         string
	UserMultiplier       float64
	BurstWindow          time.Duration
	RecentPathsMax       int
}

func DefaultBehavioralConfig() BehavioralConfig {
	return BehavioralConfig{
		WarmupDuration:        2 * time.Minute,
		MaxRequestsPerMinute:  60,
		FingerprintMultiplier: 1.5,
		APIKeyMultiplier:      2.0,
		UserMultiplier:        3.0,
		BurstWindow:           30 * time.Second,
		RecentPathsMax:        100,
	}
}

// BehavioralDetector implements the Behavioral Detector (spec.md §4.7.4),
// combining C3 (window.Store) and C4 (behavior analyzer) into per-identity
// rate limiting, timing analysis, and navigation-graph checks.
type BehavioralDetector struct {
	cfg   BehavioralConfig
	store *window.Store

	navMu     sync.Mutex
	navTab    map[string]*behavior.NavTable
	lastPaths map[string]string
}

func NewBehavioralDetector(cfg BehavioralConfig, store *window.Store) *BehavioralDetector {
	return &BehavioralDetector{
		cfg:       cfg,
		store:     store,
		navTab:    make(map[string]*behavior.NavTable),
		lastPaths: make(map[string]string),
	}
}

// swapLastPath records simplified as identity's last-seen path and returns
// whatever was recorded before this call (empty on first reference),
// giving the Markov observer the previous-path -> current-path edge
// spec.md §4.4 describes ("for the current transition... the last path").
func (d *BehavioralDetector) swapLastPath(identity, simplified string) string {
	d.navMu.Lock()
	defer d.navMu.Unlock()
	prev := d.lastPaths[identity]
	d.lastPaths[identity] = simplified
	return prev
}

func (d *BehavioralDetector) Name() string      { return "behavioral" }
func (d *BehavioralDetector) Stage() core.Stage { return core.StageBehavioral }

func (d *BehavioralDetector) navTableFor(identity string) *behavior.NavTable {
	d.navMu.Lock()
	defer d.navMu.Unlock()
	t, ok := d.navTab[identity]
	if !ok {
		t = behavior.NewNavTable()
		d.navTab[identity] = t
	}
	return t
}

// isPageNavigation implements spec.md §4.7.4's content-aware classification.
func isPageNavigation(rc *core.RequestContext) bool {
	dest := rc.Headers.Get("Sec-Fetch-Dest")
	if dest == "document" || dest == "iframe" {
		return true
	}
	lower := strings.ToLower(rc.Path)
	if strings.Contains(lower, "/api/") {
		return false
	}
	for _, ext := range assetExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	accept := rc.Headers.Get("Accept")
	hasExt := strings.Contains(lastSegment(lower), ".")
	if strings.HasPrefix(accept, "text/html") {
		return true
	}
	return !hasExt || strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm")
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func isSubRequest(rc *core.RequestContext) bool {
	return rc.Headers.Has("HX-Request") || strings.Contains(rc.Headers.Get("Accept"), "application/json") ||
		strings.EqualFold(rc.Headers.Get("X-Requested-With"), "XMLHttpRequest")
}

func (d *BehavioralDetector) Detect(_ context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	if d.store == nil {
		return nil
	}
	identityKey := rc.Bus.GetString(bus.KeyIdentityIP)
	if identityKey == "" {
		return nil
	}

	now := rc.RequestedAt
	if now.IsZero() {
		now = time.Now()
	}

	profile := d.store.GetOrCreateProfile(identityKey, nil)
	warmingUp := now.Sub(profile.FirstSeen) < d.cfg.WarmupDuration
	priorRequests := profile.RequestCount - 1 // profile already counted this request

	pageNav := isPageNavigation(rc)
	totalCount := d.store.IncrAndGet(identityKey, time.Minute)
	var pageCount int64
	if pageNav {
		pageCount = d.store.IncrPageAndGet(identityKey, time.Minute)
	} else {
		pageCount = d.store.PeekPageCount(identityKey)
	}

	var sum float64
	var reasons []string

	rateLimitBasis := totalCount
	reasonSuffix := ""
	if pageCount > 0 && totalCount > 3*pageCount {
		rateLimitBasis = pageCount
		reasonSuffix = " (HTTP/2 multiplexing: rate-limited against page count)"
	}

	limit := float64(d.cfg.MaxRequestsPerMinute)
	if warmingUp {
		limit *= 2
	}
	if rc.Bus.GetString(bus.KeyClientFingerprintHash) != "" || rc.Headers.Has("X-Client-Fingerprint") {
		limit *= d.cfg.FingerprintMultiplier
	}
	if d.cfg.APIKeyHeader != "" && rc.Headers.Has(d.cfg.APIKeyHeader) {
		limit *= d.cfg.APIKeyMultiplier
	}
	if rc.AuthenticatedUserID != "" {
		limit *= d.cfg.UserMultiplier
	}

	if float64(rateLimitBasis) > limit && limit > 0 {
		excess := float64(rateLimitBasis) - limit
		impact := 0.3 + excess*0.05
		if impact > 0.9 {
			impact = 0.9
		}
		sum += impact
		reasons = append(reasons, "per-identity rate limit exceeded"+reasonSuffix)
	}

	timings := d.store.PushTimestamp(identityKey)
	if pageNav && len(timings) >= 2 && !warmingUp {
		gap := timings[len(timings)-1].Sub(timings[len(timings)-2])
		switch {
		case gap < 50*time.Millisecond:
			sum += 0.4
			reasons = append(reasons, "rapid sequential pages (<50ms)")
		case gap < 100*time.Millisecond:
			sum += 0.25
			reasons = append(reasons, "rapid sequential pages (<100ms)")
		}
	}

	isSub := isSubRequest(rc)
	if isSub {
		sum -= 0.15
		reasons = append(reasons, "HTMX/fetch sub-request (JS execution proof)")
	}

	if !warmingUp && !isSub && rc.Path != "/" && priorRequests > 1 && !rc.Headers.Has("Referer") {
		sum += 0.15
		reasons = append(reasons, "missing Referer on non-initial page request")
	}
	if !warmingUp && !isSub && priorRequests > 2 && len(rc.Cookies) == 0 {
		sum += 0.25
		reasons = append(reasons, "no cookies across multiple requests")
	}

	simplified := behavior.SimplifyPath(rc.Path)
	if isNew := d.store.AddPath(identityKey, simplified, d.cfg.RecentPathsMax); isNew {
		paths := d.store.SeenPaths(identityKey)
		if h, ok := behavior.PathEntropy(paths); ok && h < 0.5 && len(paths) >= 8 {
			sum += 0.15
			reasons = append(reasons, "low path entropy")
		}
	}

	if h, ok := behavior.TimingEntropy(timings); ok && h < 0.5 {
		sum += 0.15
		reasons = append(reasons, "low timing entropy")
	}
	if _, flagged := behavior.TooRegular(timings); flagged {
		sum += 0.3
		reasons = append(reasons, "too-regular request interval")
	}
	if _, flagged := behavior.TimingAnomaly(timings); flagged {
		sum += 0.2
		reasons = append(reasons, "timing anomaly (z-score)")
	}

	burst := behavior.DetectBurst(timings, now, d.cfg.BurstWindow, totalCount)
	if burst.Flagged {
		sum += 0.3
		reasons = append(reasons, "request burst detected")
	}

	if lastPath := d.swapLastPath(identityKey, simplified); lastPath != "" {
		tab := d.navTableFor(identityKey)
		prob, prior := tab.Observe(lastPath, simplified)
		if finding, ok := behavior.NavigationFinding(prob, prior); ok {
			sum += finding.ConfidenceDelta
			reasons = append(reasons, finding.Reason)
		}
	}

	if len(reasons) == 0 {
		return nil
	}

	delta := clamp01(sum)
	botType := core.BotTypeNone
	if delta > 0.6 {
		botType = core.BotTypeScraper
	}
	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryBehavioral,
		ConfidenceDelta: delta, Weight: 1.2, BotType: botType,
		Reason: joinReasons(reasons),
	}.Clamp()}
}
