package orchestrator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/pkg/metrics"
)

// Options configures the orchestrator's scheduling and aggregation
// thresholds, per spec.md §4.8 and §6.3.
type Options struct {
	PoolSize                int
	DefaultDetectorTimeout  time.Duration
	PerDetectorTimeout      map[string]time.Duration
	DetectorWeight          map[string]float64
	EarlyExitThreshold      float64
	ImmediateBlockThreshold float64
	PipelineDeadline        time.Duration
}

func DefaultOptions() Options {
	return Options{
		PoolSize:                8,
		DefaultDetectorTimeout:  500 * time.Millisecond,
		EarlyExitThreshold:      0.85,
		ImmediateBlockThreshold: 0.95,
		PipelineDeadline:        2 * time.Second,
	}
}

// Orchestrator runs the registered detectors wave-by-wave and aggregates
// their contributions into AggregatedEvidence.
type Orchestrator struct {
	stages [4][]core.Detector
	opts   Options
}

// New partitions detectors by Stage (spec.md §4.8's "detectors are
// partitioned by Stage").
func New(detectors []core.Detector, opts Options) *Orchestrator {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.DefaultDetectorTimeout <= 0 {
		opts.DefaultDetectorTimeout = 500 * time.Millisecond
	}
	o := &Orchestrator{opts: opts}
	for _, d := range detectors {
		s := d.Stage()
		if s < 0 || int(s) >= len(o.stages) {
			continue
		}
		o.stages[s] = append(o.stages[s], d)
	}
	return o
}

func (o *Orchestrator) timeoutFor(name string) time.Duration {
	if t, ok := o.opts.PerDetectorTimeout[name]; ok && t > 0 {
		return t
	}
	return o.opts.DefaultDetectorTimeout
}

// weightFor returns the configured weight multiplier for a detector,
// defaulting to 1.0 (no scaling) when unset so an empty/partial
// DetectorWeight map never silently zeroes out contributions.
func (o *Orchestrator) weightFor(name string) float64 {
	if w, ok := o.opts.DetectorWeight[name]; ok && w > 0 {
		return w
	}
	return 1.0
}

// Run executes all stages in order and returns the aggregated evidence.
// It never returns an error: detector faults are recorded in
// FailedDetectors (spec.md §7's DetectorFault/PipelineTimeout handling)
// and the pipeline always produces a best-effort verdict.
func (o *Orchestrator) Run(ctx context.Context, rc *core.RequestContext) *core.AggregatedEvidence {
	start := time.Now()
	if o.opts.PipelineDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.PipelineDeadline)
		defer cancel()
	}

	ev := &core.AggregatedEvidence{
		CategoryBreakdown: make(map[core.Category]core.CategoryStat),
	}

	for stageIdx, detectors := range o.stages {
		if len(detectors) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			ev.EarlyExit = true
			o.finalize(ev, start)
			return ev
		default:
		}

		var mu sync.Mutex
		tasks := make([]func(), 0, len(detectors))
		for _, d := range detectors {
			d := d
			tasks = append(tasks, func() {
				contribs, failed := o.runOne(ctx, d, rc, ev)
				mu.Lock()
				defer mu.Unlock()
				if failed {
					ev.FailedDetectors = append(ev.FailedDetectors, d.Name())
					return
				}
				ev.Contributions = append(ev.Contributions, contribs...)
			})
		}
		runBounded(tasks, o.opts.PoolSize)

		aggregate(ev)
		ev.Signals = rc.Bus.Snapshot()

		if stageIdx == int(core.StageRawSignals) && immediateMaliciousBlock(ev.Contributions) {
			ev.ForcedBlock = true
			ev.EarlyExit = true
			break
		}
		if ev.BotProbability >= o.opts.ImmediateBlockThreshold {
			ev.ForcedBlock = true
			ev.EarlyExit = true
			break
		}
		if ev.BotProbability >= o.opts.EarlyExitThreshold {
			ev.EarlyExit = true
			break
		}
	}

	o.finalize(ev, start)
	return ev
}

// runOne invokes a single detector under its own timeout, recovering from
// panics as a detector fault (spec.md §7: "exception inside a detector").
func (o *Orchestrator) runOne(ctx context.Context, d core.Detector, rc *core.RequestContext, ev *core.AggregatedEvidence) (contribs []core.Contribution, failed bool) {
	dctx, cancel := context.WithTimeout(ctx, o.timeoutFor(d.Name()))
	defer cancel()

	type result struct {
		contribs []core.Contribution
		panicked bool
	}
	done := make(chan result, 1)
	started := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("detector", d.Name()).Msg("detector panicked")
				done <- result{panicked: true}
			}
		}()
		done <- result{contribs: d.Detect(dctx, rc, ev)}
	}()

	select {
	case <-dctx.Done():
		metrics.DetectorDuration.WithLabelValues(d.Name()).Observe(time.Since(started).Seconds())
		return nil, true
	case r := <-done:
		metrics.DetectorDuration.WithLabelValues(d.Name()).Observe(time.Since(started).Seconds())
		if r.panicked {
			return nil, true
		}
		if w := o.weightFor(d.Name()); w != 1.0 {
			for i := range r.contribs {
				r.contribs[i].Weight *= w
			}
		}
		return r.contribs, false
	}
}

func immediateMaliciousBlock(contribs []core.Contribution) bool {
	for _, c := range contribs {
		if c.BotType == core.BotTypeMalicious && c.ConfidenceDelta >= 0.9 {
			return true
		}
	}
	return false
}

// aggregate implements spec.md §4.8's weighted-contribution formula:
// raw = tanh(sum_positive + sum_negative), BotProbability = clamp((raw+1)/2, 0, 1).
func aggregate(ev *core.AggregatedEvidence) {
	var sumPos, sumNeg float64
	breakdown := make(map[core.Category]core.CategoryStat)
	categories := make(map[core.Category]struct{})
	var primaryType core.BotType
	var primaryName string

	for _, c := range ev.Contributions {
		weighted := c.ConfidenceDelta * c.Weight
		if weighted >= 0 {
			sumPos += weighted
		} else {
			sumNeg += weighted
		}

		stat := breakdown[c.Category]
		if abs(c.ConfidenceDelta) > stat.Score {
			stat.Score = abs(c.ConfidenceDelta)
		}
		stat.Count++
		breakdown[c.Category] = stat
		categories[c.Category] = struct{}{}

		if c.BotType != core.BotTypeNone {
			primaryType = c.BotType
			primaryName = c.BotName
		}
	}
	// VerifiedBot takes absolute precedence regardless of arrival order.
	for _, c := range ev.Contributions {
		if c.BotType == core.BotTypeVerifiedBot {
			primaryType = c.BotType
			primaryName = c.BotName
			break
		}
	}

	raw := math.Tanh(sumPos + sumNeg)
	prob := clamp((raw+1)/2, 0, 1)

	confidence := 0.4 + 0.1*float64(len(categories)) + 0.05*float64(len(ev.Contributions))
	if confidence > 1 {
		confidence = 1
	}

	ev.BotProbability = prob
	ev.Confidence = confidence
	ev.RiskBand = core.BandForProbability(prob)
	ev.CategoryBreakdown = breakdown
	if primaryType != core.BotTypeNone {
		ev.PrimaryBotType = primaryType
		ev.PrimaryBotName = primaryName
	}
}

func (o *Orchestrator) finalize(ev *core.AggregatedEvidence, start time.Time) {
	ev.TotalProcessingTime = time.Since(start)
	if len(ev.Contributions) == 0 {
		ev.BotProbability = 0.5
		ev.Confidence = 0.4
		ev.RiskBand = core.BandForProbability(0.5)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
