package detect

import (
	"context"
	"strings"

	"github.com/duskwarden/aegis/internal/bus"
	"github.com/duskwarden/aegis/internal/core"
)

var browserHeaders = []string{
	"Accept", "Accept-Encoding", "Accept-Language", "Cache-Control",
	"Connection", "Upgrade-Insecure-Requests",
}

var automationHeaders = []string{"X-Requested-With", "X-Automation", "X-Bot"}

// HeaderDetector scores header shape and ordering (spec.md §4.7.2).
type HeaderDetector struct{}

func NewHeaderDetector() *HeaderDetector { return &HeaderDetector{} }

func (d *HeaderDetector) Name() string      { return "header" }
func (d *HeaderDetector) Stage() core.Stage { return core.StageRawSignals }

func (d *HeaderDetector) Detect(_ context.Context, rc *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	h := rc.Headers
	rc.Bus.Put(bus.KeyHeadersCount, bus.Int(int64(h.Count())))

	var sum float64
	var reasons []string

	missing := 0
	for _, name := range browserHeaders {
		if !h.Has(name) {
			missing++
		}
	}
	if missing > 0 {
		penalty := clamp01(float64(missing) * 0.1)
		if penalty > 0.6 {
			penalty = 0.6
		}
		sum += penalty
		reasons = append(reasons, "missing browser headers")
	}

	acceptLang := h.Get("Accept-Language")
	hasAcceptLang := h.Has("Accept-Language")
	if !hasAcceptLang {
		sum += 0.2
		reasons = append(reasons, "missing Accept-Language")
	} else if acceptLang == "*" || len(acceptLang) < 5 {
		sum += 0.15
		reasons = append(reasons, "suspicious Accept-Language")
	}

	accept := h.Get("Accept")
	if strings.Contains(accept, "*/*") && !hasAcceptLang {
		sum += 0.2
		reasons = append(reasons, "generic Accept without Accept-Language")
	}
	if strings.EqualFold(h.Get("Connection"), "close") && !hasAcceptLang {
		sum += 0.15
		reasons = append(reasons, "Connection: close without Accept-Language")
	}

	for _, name := range automationHeaders {
		if h.Has(name) {
			sum += 0.4
			reasons = append(reasons, "automation header: "+name)
		}
	}

	if idx := h.IndexOf("User-Agent"); idx >= 6 {
		sum += 0.1
		reasons = append(reasons, "User-Agent not within first 6 headers")
	}

	if h.Count() < 4 {
		sum += 0.3
		reasons = append(reasons, "fewer than 4 headers total")
	}

	if len(reasons) == 0 {
		return nil
	}
	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryHeaders,
		ConfidenceDelta: clamp01(sum), Weight: 1.0, Reason: strings.Join(reasons, "; "),
	}.Clamp()}
}
