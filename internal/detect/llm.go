package detect

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/duskwarden/aegis/internal/collab"
	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/internal/feature"
)

const defaultMaxPromptChars = 4000

// llmVerdict is the strict JSON schema the LlmClient must return
// (spec.md §4.7.10).
type llmVerdict struct {
	IsBot      bool    `json:"is_bot"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	BotType    string  `json:"bot_type"`
	Pattern    string  `json:"pattern,omitempty"`
}

// LLMDetector is the optional advanced re-classification detector. It
// serializes features into a bounded prompt, calls an abstract LlmClient,
// and contributes a signed delta from the parsed verdict. Any failure
// (timeout, malformed JSON, transport error) contributes nothing, per
// spec.md §7's TransientExternal handling.
type LLMDetector struct {
	client        collab.LlmClient
	maxPromptChars int
	patternStore  PatternLearner
}

// PatternLearner is the optional pattern-learning persistence sink the
// LLM detector writes newly observed patterns to.
type PatternLearner interface {
	RecordPattern(ctx context.Context, pattern, botType string)
}

func NewLLMDetector(client collab.LlmClient, maxPromptChars int, learner PatternLearner) *LLMDetector {
	if maxPromptChars <= 0 {
		maxPromptChars = defaultMaxPromptChars
	}
	return &LLMDetector{client: client, maxPromptChars: maxPromptChars, patternStore: learner}
}

func (d *LLMDetector) Name() string      { return "llm" }
func (d *LLMDetector) Stage() core.Stage { return core.StageIntelligence }

func (d *LLMDetector) Detect(ctx context.Context, rc *core.RequestContext, ev *core.AggregatedEvidence) []core.Contribution {
	if d.client == nil {
		return nil
	}

	feats := feature.ExtractFull(rc, ev)
	prompt := serializeFeatures(feats, d.maxPromptChars)

	raw, err := d.client.Analyze(ctx, prompt)
	if err != nil {
		return nil
	}

	var v llmVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}

	delta := v.Confidence
	if !v.IsBot {
		delta = -v.Confidence
	}
	delta = clamp01signed(delta)

	if d.patternStore != nil && v.Pattern != "" {
		d.patternStore.RecordPattern(ctx, v.Pattern, v.BotType)
	}

	return []core.Contribution{core.Contribution{
		DetectorName: d.Name(), Category: core.CategoryLLM,
		ConfidenceDelta: delta, Weight: 1.0,
		BotType: core.BotType(v.BotType), Reason: v.Reasoning,
	}.Clamp()}
}

// serializeFeatures renders a compact "name=value" block, truncated to
// maxChars, sorted isn't required since this is a best-effort summary the
// model consumes, not a stable wire format.
func serializeFeatures(feats feature.Map, maxChars int) string {
	var b strings.Builder
	for name, val := range feats {
		if b.Len() > maxChars {
			break
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(val, 'f', 3, 64))
		b.WriteByte(';')
	}
	s := b.String()
	if len(s) > maxChars {
		s = s[:maxChars]
	}
	return s
}
