package detect_test

import (
	"context"
	"testing"

	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/internal/detect"
)

func rcWithUA(ua string) *core.RequestContext {
	rc := core.NewRequestContext(context.Background())
	if ua != "" {
		rc.Headers.Add("User-Agent", ua)
	}
	return rc
}

func Test_UADetector_EmptyUA(t *testing.T) {
	d := detect.NewUADetector(nil, nil)
	contribs := d.Detect(context.Background(), rcWithUA(""), nil)
	if len(contribs) != 1 || contribs[0].ConfidenceDelta <= 0 {
		t.Fatalf("want a positive-confidence contribution for missing UA, got %+v", contribs)
	}
}

func Test_UADetector_WhitelistedBot_NegativeDelta(t *testing.T) {
	wl := []detect.WhitelistedBot{{Prefix: "Mozilla/5.0 (compatible; Googlebot/2.1;", Name: "Googlebot"}}
	d := detect.NewUADetector(wl, nil)
	rc := rcWithUA("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	contribs := d.Detect(context.Background(), rc, nil)
	if len(contribs) != 1 {
		t.Fatalf("want exactly one contribution, got %d", len(contribs))
	}
	if contribs[0].ConfidenceDelta >= 0 || contribs[0].BotType != core.BotTypeVerifiedBot {
		t.Fatalf("want a negative, verified-bot contribution, got %+v", contribs[0])
	}
}

func Test_UADetector_AutomationFramework_FlagsScraper(t *testing.T) {
	d := detect.NewUADetector(nil, nil)
	rc := rcWithUA("Mozilla/5.0 (compatible; Selenium WebDriver automation)")
	contribs := d.Detect(context.Background(), rc, nil)
	if len(contribs) != 1 || contribs[0].BotType != core.BotTypeScraper {
		t.Fatalf("want a scraper-typed contribution, got %+v", contribs)
	}
}

func Test_UADetector_ShortUA_Flagged(t *testing.T) {
	d := detect.NewUADetector(nil, nil)
	rc := rcWithUA("short-ua/1") // 10 chars, < 20
	contribs := d.Detect(context.Background(), rc, nil)
	if len(contribs) != 1 || contribs[0].ConfidenceDelta <= 0 {
		t.Fatalf("want a positive contribution for a short UA, got %+v", contribs)
	}
}

func Test_UADetector_OrdinaryBrowserUA_NoFindings(t *testing.T) {
	d := detect.NewUADetector(nil, nil)
	rc := rcWithUA("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36")
	contribs := d.Detect(context.Background(), rc, nil)
	if contribs != nil {
		t.Fatalf("want no contribution for an ordinary, full-length browser UA, got %+v", contribs)
	}
}
