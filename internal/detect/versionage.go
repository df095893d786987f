package detect

import (
	"context"
	"regexp"
	"strconv"

	"github.com/duskwarden/aegis/internal/collab"
	"github.com/duskwarden/aegis/internal/core"
)

var browserVersionPatterns = map[string]*regexp.Regexp{
	"chrome":  regexp.MustCompile(`Chrome/(\d+)`),
	"firefox": regexp.MustCompile(`Firefox/(\d+)`),
	"safari":  regexp.MustCompile(`Version/(\d+).*Safari/`),
	"edge":    regexp.MustCompile(`Edg(?:e|A|iOS)?/(\d+)`),
	"opera":   regexp.MustCompile(`OPR/(\d+)`),
	"brave":   regexp.MustCompile(`Brave/(\d+)`),
}

var osPatterns = map[string]*regexp.Regexp{
	"Windows 10": regexp.MustCompile(`Windows NT 10\.0`),
	"Windows 8":  regexp.MustCompile(`Windows NT 6\.[23]`),
	"Windows 7":  regexp.MustCompile(`Windows NT 6\.1`),
	"Windows XP": regexp.MustCompile(`Windows NT 5\.1`),
	"Mac OS X":   regexp.MustCompile(`Mac OS X (\d+[._]\d+)`),
	"Android":    regexp.MustCompile(`Android (\d+)`),
	"iOS":        regexp.MustCompile(`(?:iPhone|iPad).*OS (\d+)[_.]`),
	"Linux":      regexp.MustCompile(`Linux`),
}

// VersionAgeConfig mirrors pkg/config.VersionAge, duplicated here as a
// narrow struct so this package does not depend on pkg/config.
type VersionAgeConfig struct {
	SlightlyOutdatedBump   float64
	ModeratelyOutdatedBump float64
	SeverelyOutdatedBump   float64
	MaxNormalAge           int
	OSClassification       map[string]string
	// MinBrowserVersionByOS is, despite the name (kept from spec.md §4.7.6),
	// the HIGHEST browser major version that OS could plausibly still be
	// running; a claimed version above it is an impossible combination
	// (e.g. Chrome 130 claimed on Windows XP, which Chrome dropped support
	// for at version 50).
	MinBrowserVersionByOS map[string]int
}

// VersionAgeDetector scores browser/OS version plausibility (spec.md §4.7.6).
type VersionAgeDetector struct {
	cfg     VersionAgeConfig
	service collab.BrowserVersionService
}

func NewVersionAgeDetector(cfg VersionAgeConfig, service collab.BrowserVersionService) *VersionAgeDetector {
	return &VersionAgeDetector{cfg: cfg, service: service}
}

func (d *VersionAgeDetector) Name() string      { return "version_age" }
func (d *VersionAgeDetector) Stage() core.Stage { return core.StageRawSignals }

func (d *VersionAgeDetector) Detect(ctx context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	ua := rc.Headers.Get("User-Agent")
	if ua == "" {
		return nil
	}

	browserName, browserVersion, haveBrowser := extractBrowserVersion(ua)
	osName, haveOS := extractOSName(ua)

	var sum float64
	var reasons []string
	botType := core.BotTypeNone

	if haveBrowser && d.service != nil {
		if latest, ok := d.service.GetLatestVersion(ctx, browserName); ok {
			age := latest - browserVersion
			switch {
			case age > 20:
				sum += d.cfg.SeverelyOutdatedBump
				reasons = append(reasons, "severely outdated browser version")
			case d.cfg.MaxNormalAge > 0 && age > d.cfg.MaxNormalAge:
				sum += d.cfg.ModeratelyOutdatedBump
				reasons = append(reasons, "moderately outdated browser version")
			case age > 5:
				sum += d.cfg.SlightlyOutdatedBump
				reasons = append(reasons, "slightly outdated browser version")
			}
		}
	}

	osOutdated := false
	if haveOS && d.cfg.OSClassification != nil {
		switch d.cfg.OSClassification[osName] {
		case "ancient":
			sum += d.cfg.SeverelyOutdatedBump
			reasons = append(reasons, "ancient OS: "+osName)
			osOutdated = true
		case "very_old":
			sum += d.cfg.ModeratelyOutdatedBump
			reasons = append(reasons, "very old OS: "+osName)
			osOutdated = true
		case "old":
			sum += d.cfg.SlightlyOutdatedBump
			reasons = append(reasons, "old OS: "+osName)
			osOutdated = true
		}
	}

	if haveBrowser && haveOS && d.cfg.MinBrowserVersionByOS != nil {
		if maxPlausible, ok := d.cfg.MinBrowserVersionByOS[osName]; ok && browserVersion > maxPlausible {
			sum = 0.9
			botType = core.BotTypeScraper
			reasons = []string{"impossible browser/OS combination: " + browserName + " on " + osName}
		}
	}

	if osOutdated && len(reasons) > 1 {
		sum += 0.1
		reasons = append(reasons, "combined browser+OS staleness")
	}

	if len(reasons) == 0 {
		return nil
	}
	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryVersionAge,
		ConfidenceDelta: clamp01(sum), Weight: 1.0, BotType: botType,
		Reason: joinReasons(reasons),
	}.Clamp()}
}

func extractBrowserVersion(ua string) (name string, version int, ok bool) {
	for n, re := range browserVersionPatterns {
		if m := re.FindStringSubmatch(ua); m != nil {
			v, err := strconv.Atoi(m[1])
			if err == nil {
				return n, v, true
			}
		}
	}
	return "", 0, false
}

func extractOSName(ua string) (string, bool) {
	for n, re := range osPatterns {
		if re.MatchString(ua) {
			return n, true
		}
	}
	return "", false
}

func joinReasons(rs []string) string {
	out := rs[0]
	for _, r := range rs[1:] {
		out += "; " + r
	}
	return out
}
