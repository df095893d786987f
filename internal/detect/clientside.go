package detect

import (
	"context"
	"strings"

	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/collab"
	"github.com/duskwarden/aegis/internal/core"
)

var browserUASuggestion = []string{"mozilla", "chrome", "safari", "firefox", "edge"}

// ClientSideDetector looks up a pre-computed BrowserFingerprint keyed by
// identity hash (spec.md §4.7.8).
type ClientSideDetector struct {
	store             collab.FingerprintStore
	headlessThreshold float64
	minIntegrity      float64
}

func NewClientSideDetector(store collab.FingerprintStore, headlessThreshold, minIntegrity float64) *ClientSideDetector {
	return &ClientSideDetector{store: store, headlessThreshold: headlessThreshold, minIntegrity: minIntegrity}
}

func (d *ClientSideDetector) Name() string      { return "client_side" }
func (d *ClientSideDetector) Stage() core.Stage { return core.StageRawSignals }

func (d *ClientSideDetector) Detect(ctx context.Context, rc *core.RequestContext, ev *core.AggregatedEvidence) []core.Contribution {
	if d.store == nil {
		return nil
	}

	ipHash := rc.Bus.GetString(bus.KeyIdentityIP)
	if ipHash == "" {
		return nil
	}

	fp, found := d.store.Get(ctx, ipHash)
	if !found {
		if looksLikeBrowserPageLoad(rc) {
			return []core.Contribution{core.Contribution{
				DetectorName: d.Name(), Category: core.CategoryClientSide,
				ConfidenceDelta: 0.15, Weight: 1.0, Reason: "browser request with no fingerprint",
			}.Clamp()}
		}
		return nil
	}

	rc.Bus.Put(bus.KeyClientFingerprintHash, bus.String(ipHash))
	rc.Bus.Put(bus.KeyClientIntegrityScore, bus.Float(fp.IntegrityScore))
	rc.Bus.Put(bus.KeyClientHeadlessLikely, bus.Float(fp.HeadlessLikelihood))

	var sum float64
	var reasons []string
	botType := core.BotTypeNone

	if fp.HeadlessLikelihood >= d.headlessThreshold {
		sum += 0.8 * fp.HeadlessLikelihood
		botType = core.BotTypeScraper
		reasons = append(reasons, "high headless likelihood")
	}
	if fp.IntegrityScore < d.minIntegrity {
		sum += (d.minIntegrity - fp.IntegrityScore) / 100.0 * 0.5
		reasons = append(reasons, "low integrity score")
	}
	if fp.FingerprintConsistency < 80 {
		sum += (80 - fp.FingerprintConsistency) / 100.0 * 0.3
		reasons = append(reasons, "low fingerprint consistency")
	}
	for i, r := range fp.AnalysisReasons {
		if i >= 3 {
			break
		}
		sum += 0.1
		reasons = append(reasons, r)
	}

	if len(reasons) == 0 {
		return nil
	}
	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryClientSide,
		ConfidenceDelta: clamp01(sum), Weight: 1.0, BotType: botType,
		Reason: joinReasons(reasons),
	}.Clamp()}
}

func looksLikeBrowserPageLoad(rc *core.RequestContext) bool {
	if !strings.Contains(rc.Headers.Get("Accept"), "text/html") {
		return false
	}
	ua := strings.ToLower(rc.Headers.Get("User-Agent"))
	for _, s := range browserUASuggestion {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}
