package heuristic_test

import (
	"context"
	"testing"

	"github.com/duskwarden/aegis/internal/feature"
	"github.com/duskwarden/aegis/internal/heuristic"
)

type fakeStore struct {
	weights    map[string]float64
	recorded   []string
	getAllErr  error
}

func (f *fakeStore) GetWeight(_ context.Context, _, signature string) (float64, bool) {
	w, ok := f.weights[signature]
	return w, ok
}

func (f *fakeStore) GetAllWeights(_ context.Context, _ string) ([]heuristic.WeightEntry, error) {
	if f.getAllErr != nil {
		return nil, f.getAllErr
	}
	out := make([]heuristic.WeightEntry, 0, len(f.weights))
	for sig, w := range f.weights {
		out = append(out, heuristic.WeightEntry{Signature: sig, Weight: w})
	}
	return out, nil
}

func (f *fakeStore) RecordObservation(_ context.Context, _, signature string, _ bool, _ float64) {
	f.recorded = append(f.recorded, signature)
}

func Test_Infer_EmptyFeatures_IsSigmoidOfBias(t *testing.T) {
	m := heuristic.New(nil, heuristic.Options{})
	r := m.Infer(feature.Map{})
	if r.Probability <= 0 || r.Probability >= 1 {
		t.Fatalf("want probability strictly in (0,1), got %v", r.Probability)
	}
	// a small positive bias alone should score just over 0.5.
	if r.Probability <= 0.5 {
		t.Fatalf("want bias-only score above 0.5, got %v", r.Probability)
	}
}

func Test_Infer_KnownBotFeature_RaisesProbability(t *testing.T) {
	m := heuristic.New(nil, heuristic.Options{})
	base := m.Infer(feature.Map{}).Probability
	withSignal := m.Infer(feature.Map{"ua:contains_bot": 1}).Probability
	if withSignal <= base {
		t.Fatalf("want ua:contains_bot to raise probability above baseline %v, got %v", base, withSignal)
	}
}

func Test_Infer_KnownHumanFeature_LowersProbability(t *testing.T) {
	m := heuristic.New(nil, heuristic.Options{})
	base := m.Infer(feature.Map{}).Probability
	withSignal := m.Infer(feature.Map{"fp:legitimate": 1}).Probability
	if withSignal >= base {
		t.Fatalf("want fp:legitimate to lower probability below baseline %v, got %v", base, withSignal)
	}
}

func Test_New_ReloadsFromStoreOverSeedWeights(t *testing.T) {
	store := &fakeStore{weights: map[string]float64{"ua:contains_bot": 5.0}}
	m := heuristic.New(store, heuristic.Options{})

	withOverride := m.Infer(feature.Map{"ua:contains_bot": 1}).Probability
	if withOverride <= 0.9 {
		t.Fatalf("want a heavily overridden weight to push probability near 1, got %v", withOverride)
	}
}

func Test_Observe_DropsBelowMinConfidence(t *testing.T) {
	store := &fakeStore{weights: map[string]float64{}}
	m := heuristic.New(store, heuristic.Options{LearningEnabled: true, MinConfidenceForLearn: 0.8, QueueSize: 4})
	defer m.Close()

	m.Observe(feature.Map{"ua:contains_bot": 1}, true, 0.5)
	if len(store.recorded) != 0 {
		t.Fatalf("want no observation recorded below min confidence, got %v", store.recorded)
	}
}

func Test_Observe_DisabledLearning_NeverRecords(t *testing.T) {
	store := &fakeStore{weights: map[string]float64{}}
	m := heuristic.New(store, heuristic.Options{LearningEnabled: false})
	m.Observe(feature.Map{"ua:contains_bot": 1}, true, 0.95)
	if len(store.recorded) != 0 {
		t.Fatal("want learning disabled to never record, regardless of confidence")
	}
}
