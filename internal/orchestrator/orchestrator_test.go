package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/duskwarden/aegis/internal/core"
	"github.com/duskwarden/aegis/internal/orchestrator"
)

type stubDetector struct {
	name    string
	stage   core.Stage
	contrib []core.Contribution
	sleep   time.Duration
	panics  bool
}

func (s *stubDetector) Name() string      { return s.name }
func (s *stubDetector) Stage() core.Stage { return s.stage }
func (s *stubDetector) Detect(ctx context.Context, _ *core.RequestContext, _ *core.AggregatedEvidence) []core.Contribution {
	if s.panics {
		panic("boom")
	}
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
		}
	}
	return s.contrib
}

func newRC() *core.RequestContext {
	return core.NewRequestContext(context.Background())
}

func Test_Run_NoDetectors_YieldsNeutralVerdict(t *testing.T) {
	o := orchestrator.New(nil, orchestrator.DefaultOptions())
	ev := o.Run(context.Background(), newRC())
	if ev.BotProbability != 0.5 {
		t.Fatalf("want BotProbability=0.5 with no detectors, got %v", ev.BotProbability)
	}
	if ev.RiskBand != core.RiskMedium {
		t.Fatalf("want Medium risk band for p=0.5, got %v", ev.RiskBand)
	}
}

func Test_Run_AggregatesAcrossStages(t *testing.T) {
	detectors := []core.Detector{
		&stubDetector{name: "a", stage: core.StageRawSignals, contrib: []core.Contribution{
			{DetectorName: "a", Category: core.CategoryUserAgent, ConfidenceDelta: 0.3, Weight: 1.0},
		}},
		&stubDetector{name: "b", stage: core.StageBehavioral, contrib: []core.Contribution{
			{DetectorName: "b", Category: core.CategoryBehavioral, ConfidenceDelta: 0.2, Weight: 1.0},
		}},
	}
	o := orchestrator.New(detectors, orchestrator.DefaultOptions())
	ev := o.Run(context.Background(), newRC())
	if len(ev.Contributions) != 2 {
		t.Fatalf("want contributions from both stages, got %d", len(ev.Contributions))
	}
	if ev.BotProbability <= 0.5 {
		t.Fatalf("want elevated probability from two positive contributions, got %v", ev.BotProbability)
	}
}

func Test_Run_DetectorTimeout_RecordedAsFailed(t *testing.T) {
	opts := orchestrator.DefaultOptions()
	opts.DefaultDetectorTimeout = 10 * time.Millisecond
	detectors := []core.Detector{
		&stubDetector{name: "slow", stage: core.StageRawSignals, sleep: 200 * time.Millisecond},
	}
	o := orchestrator.New(detectors, opts)
	ev := o.Run(context.Background(), newRC())
	if len(ev.FailedDetectors) != 1 || ev.FailedDetectors[0] != "slow" {
		t.Fatalf("want the slow detector recorded as failed, got %+v", ev.FailedDetectors)
	}
}

func Test_Run_DetectorPanic_RecoveredAsFailed(t *testing.T) {
	opts := orchestrator.DefaultOptions()
	detectors := []core.Detector{
		&stubDetector{name: "boom", stage: core.StageRawSignals, panics: true},
	}
	o := orchestrator.New(detectors, opts)
	ev := o.Run(context.Background(), newRC())
	if len(ev.Contributions) != 0 {
		t.Fatalf("want no contributions from a panicking detector, got %+v", ev.Contributions)
	}
	if len(ev.FailedDetectors) != 1 || ev.FailedDetectors[0] != "boom" {
		t.Fatalf("want the panicking detector recorded as failed, got %+v", ev.FailedDetectors)
	}
}

func Test_Run_DetectorWeight_ScalesContribution(t *testing.T) {
	detectors := []core.Detector{
		&stubDetector{name: "a", stage: core.StageRawSignals, contrib: []core.Contribution{
			{DetectorName: "a", Category: core.CategoryUserAgent, ConfidenceDelta: 0.3, Weight: 1.0},
		}},
	}
	opts := orchestrator.DefaultOptions()
	opts.DetectorWeight = map[string]float64{"a": 2.0}
	o := orchestrator.New(detectors, opts)
	ev := o.Run(context.Background(), newRC())
	if len(ev.Contributions) != 1 {
		t.Fatalf("want one contribution, got %d", len(ev.Contributions))
	}
	if got := ev.Contributions[0].Weight; got != 2.0 {
		t.Fatalf("want configured weight 2.0 applied, got %v", got)
	}
}

func Test_Run_ImmediateBlockThreshold_StopsEarly(t *testing.T) {
	opts := orchestrator.DefaultOptions()
	detectors := []core.Detector{
		&stubDetector{name: "raw", stage: core.StageRawSignals, contrib: []core.Contribution{
			{DetectorName: "raw", Category: core.CategoryIP, ConfidenceDelta: 1.0, Weight: 5.0},
		}},
		&stubDetector{name: "later", stage: core.StageMetaAnalysis, contrib: []core.Contribution{
			{DetectorName: "later", Category: core.CategoryHeuristic, ConfidenceDelta: 1.0, Weight: 1.0},
		}},
	}
	o := orchestrator.New(detectors, opts)
	ev := o.Run(context.Background(), newRC())
	if !ev.EarlyExit {
		t.Fatal("want EarlyExit set once probability crosses the immediate-block threshold")
	}
	for _, c := range ev.Contributions {
		if c.DetectorName == "later" {
			t.Fatal("want the MetaAnalysis-stage detector skipped after an early exit in RawSignals")
		}
	}
}
