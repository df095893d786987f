package detect

import (
	"context"
	"strconv"
	"strings"

	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/internal/feature"
	"github.com/duskwarden/aegis/internal/heuristic"
)

var toolUASubstrings = []string{"curl", "wget", "httpx", "aiohttp", "requests", "python"}
var automationUASubstrings = []string{"scrapy", "selenium", "headless", "phantomjs"}

// HeuristicDetector wires the Feature Extractor (C5) and Heuristic Model
// (C6) into the pipeline (spec.md §4.7.9).
type HeuristicDetector struct {
	model *heuristic.Model
}

func NewHeuristicDetector(model *heuristic.Model) *HeuristicDetector {
	return &HeuristicDetector{model: model}
}

func (d *HeuristicDetector) Name() string      { return "heuristic" }
func (d *HeuristicDetector) Stage() core.Stage { return core.StageIntelligence }

func (d *HeuristicDetector) Detect(_ context.Context, rc *core.RequestContext, ev *core.AggregatedEvidence) []core.Contribution {
	if d.model == nil {
		return nil
	}

	var feats feature.Map
	if ev == nil {
		feats = feature.ExtractEarly(rc)
	} else {
		feats = feature.ExtractFull(rc, ev)
	}

	result := d.model.Infer(feats)

	var delta float64
	if result.Probability > 0.5 {
		delta = 2 * (result.Probability - 0.5)
	} else {
		delta = -2 * (0.5 - result.Probability)
	}

	botType := inferBotType(rc.Headers.Get("User-Agent"), ev)
	reason := "Heuristic model: " + strconv.Itoa(int(result.Probability*100)) + "% bot likelihood (" +
		strconv.Itoa(result.FeatureCount) + " features)"

	// Gate learning on the aggregator's Confidence (how much independent
	// evidence backs this verdict), not on the model's own inferred
	// Probability - the two are spec-distinct quantities, and using the
	// latter would let the model decide for itself whether to trust its
	// own output. Early-stage calls (ev == nil) have no aggregate yet, so
	// the model's own inferred probability is used as the gate instead.
	confidence := result.Probability
	if ev != nil {
		confidence = ev.Confidence
	}
	d.model.Observe(feats, result.Probability > 0.5, confidence)

	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryHeuristic,
		ConfidenceDelta: clamp01signed(delta), Weight: 1.0, BotType: botType, Reason: reason,
	}.Clamp()}
}

func clamp01signed(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func inferBotType(ua string, ev *core.AggregatedEvidence) core.BotType {
	lower := strings.ToLower(ua)
	for _, s := range automationUASubstrings {
		if strings.Contains(lower, s) {
			return core.BotTypeScraper
		}
	}
	for _, s := range toolUASubstrings {
		if strings.Contains(lower, s) {
			return core.BotTypeTool
		}
	}
	if ev != nil {
		return ev.PrimaryBotType
	}
	return core.BotTypeNone
}
