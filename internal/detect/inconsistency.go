package detect

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/duskwarden/aegis/internal/core"
)

var mobileUA = regexp.MustCompile(`(?i)(Android|iPhone|iPad|Mobile)`)
var chromeVersionRe = regexp.MustCompile(`Chrome/(\d+)`)
var botUARe = regexp.MustCompile(`(?i)(bot|spider|crawler|scraper)`)

// InconsistencyDetector cross-checks claims between UA, headers, and
// derived signals for internal contradictions (spec.md §4.7.5).
type InconsistencyDetector struct{}

func NewInconsistencyDetector() *InconsistencyDetector { return &InconsistencyDetector{} }

func (d *InconsistencyDetector) Name() string      { return "inconsistency" }
func (d *InconsistencyDetector) Stage() core.Stage { return core.StageMetaAnalysis }

func (d *InconsistencyDetector) Detect(_ context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	ua := rc.Headers.Get("User-Agent")
	if ua == "" {
		return nil
	}
	h := rc.Headers
	hasAcceptLang := h.Has("Accept-Language")
	acceptLang := h.Get("Accept-Language")
	accept := h.Get("Accept")

	var sum float64
	var reasons []string

	isMobile := mobileUA.MatchString(ua)
	if !isMobile && !hasAcceptLang {
		sum += 0.2
		reasons = append(reasons, "desktop UA without Accept-Language")
	} else if isMobile && !hasAcceptLang {
		sum += 0.15
		reasons = append(reasons, "mobile UA without Accept-Language")
	}

	if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v >= 73 {
			if !h.Has("Sec-Fetch-Mode") && !h.Has("Sec-Ch-Ua") {
				sum += 0.15
				reasons = append(reasons, "modern Chrome claim missing Sec-Fetch-Mode/Sec-Ch-Ua")
			}
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v >= 90 {
			if strings.EqualFold(h.Get("Connection"), "keep-alive") {
				sum += 0.05
				reasons = append(reasons, "modern Chrome with explicit keep-alive")
			}
		}
	}

	lowerUA := strings.ToLower(ua)
	if strings.Contains(lowerUA, "baidu") && !strings.Contains(acceptLang, "zh") {
		sum += 0.1
		reasons = append(reasons, "Baidu UA without zh Accept-Language")
	}
	if strings.Contains(lowerUA, "yandex") && !strings.Contains(acceptLang, "ru") {
		sum += 0.1
		reasons = append(reasons, "Yandex UA without ru Accept-Language")
	}

	if strings.Contains(accept, "*/*") && looksLikeBrowserPageLoad(rc) {
		sum += 0.2
		reasons = append(reasons, "generic Accept with specific browser UA claim")
	}

	if referer := h.Get("Referer"); referer != "" && refersToPrivateHost(referer) {
		sum += 0.3
		reasons = append(reasons, "Referer points to private/loopback host")
	}

	if botUARe.MatchString(ua) && hasAcceptLang && strings.Contains(accept, "text/html") {
		sum += 0.1
		reasons = append(reasons, "bot UA with full browser Accept set")
	}

	if len(reasons) == 0 {
		return nil
	}
	delta := clamp01(sum)
	botType := core.BotTypeNone
	if delta >= 0.3 {
		botType = core.BotTypeScraper
	}
	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryInconsistent,
		ConfidenceDelta: delta, Weight: 1.0, BotType: botType,
		Reason: joinReasons(reasons),
	}.Clamp()}
}

func refersToPrivateHost(referer string) bool {
	host := referer
	if i := strings.Index(referer, "://"); i >= 0 {
		host = referer[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return isRFC1918(ip)
}
