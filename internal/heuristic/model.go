// Package heuristic implements the Heuristic Model (C6): a logistic
// regression over the feature.Map produced by internal/feature, with seed
// weights merged against weights loaded from a WeightStore and an
// opportunistic, non-blocking online-learning path.
//
// Grounded on bebcca23_Vivek96254-Enterprise_Risk_Engine's ml_scorer.go
// (other_examples) for the bias + sum(feature*weight) -> sigmoid shape, and
// on the teacher's internal/rl/mitigation.go for "never block the hot path;
// batch writes" applied to weight learning instead of override writes.
package heuristic

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/duskwarden/aegis/internal/feature"
)

const defaultUnknownWeight = 0.10
const defaultBias = 0.10

// SeedWeights are the exemplar defaults every implementation ships
// (spec.md §4.6).
var SeedWeights = map[string]float64{
	"ua:contains_bot":                0.9,
	"ua:phantomjs":                   0.9,
	"ua:headless":                    0.8,
	"ua:scrapy":                      0.8,
	"ua:selenium":                    0.7,
	"ua:empty":                       0.7,
	"combo:browser_no_accept_lang":   0.6,
	"path:vcs_probe":                 0.6,
	"sig:response_honeypot_hits":     0.9,
	"hdr:accept-language":            -0.6,
	"fp:legitimate":                  -0.8,
	"fp:received":                    -0.7,
	"req:cookie_count":               -0.5,
	"hdr:referer":                    -0.4,
	"ua:chrome":                      -0.2,
	"sig:response_has_history":       -0.1,
	"result:bot_probability":         1.0,
}

// WeightStore is the external collaborator contract (C10 / spec.md §6.2).
type WeightStore interface {
	GetWeight(ctx context.Context, sigType, signature string) (float64, bool)
	GetAllWeights(ctx context.Context, sigType string) ([]WeightEntry, error)
	RecordObservation(ctx context.Context, sigType, signature string, wasBot bool, impact float64)
}

// WeightEntry is one (signature, weight) pair as returned by GetAllWeights.
type WeightEntry struct {
	Signature string
	Weight    float64
}

// SigType namespaces weights persisted by the heuristic model.
const SigType = "heuristic_feature"

// Model is a logistic regression classifier over named features.
type Model struct {
	mu      sync.RWMutex
	bias    float64
	weights map[string]float64

	store WeightStore

	learningEnabled  bool
	minConfidence    float64
	observationsCh   chan observation
}

type observation struct {
	feature string
	wasBot  bool
	impact  float64
}

// Options configures online learning.
type Options struct {
	LearningEnabled       bool
	MinConfidenceForLearn float64
	QueueSize             int
}

// New builds a Model seeded from SeedWeights and, if store is non-nil,
// overlaid with persisted weights.
func New(store WeightStore, opts Options) *Model {
	if opts.MinConfidenceForLearn <= 0 {
		opts.MinConfidenceForLearn = 0.8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	m := &Model{
		bias:            defaultBias,
		weights:         cloneWeights(SeedWeights),
		store:           store,
		learningEnabled: opts.LearningEnabled,
		minConfidence:   opts.MinConfidenceForLearn,
		observationsCh:  make(chan observation, opts.QueueSize),
	}
	if store != nil {
		m.Reload(context.Background())
	}
	if m.learningEnabled && store != nil {
		go m.drainObservations()
	}
	return m
}

func cloneWeights(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Reload refreshes weights from the WeightStore, overlaying seed defaults.
// Readers never observe a partially-updated map: the new map is built
// off to the side and swapped in under the write lock.
func (m *Model) Reload(ctx context.Context) {
	if m.store == nil {
		return
	}
	entries, err := m.store.GetAllWeights(ctx, SigType)
	if err != nil {
		log.Debug().Err(err).Msg("weight store reload failed; keeping current weights")
		return
	}
	fresh := cloneWeights(SeedWeights)
	for _, e := range entries {
		fresh[e.Signature] = e.Weight
	}
	m.mu.Lock()
	m.weights = fresh
	m.mu.Unlock()
}

func (m *Model) weightFor(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.weights[name]; ok {
		return w
	}
	return defaultUnknownWeight
}

// Result is the model's inference output.
type Result struct {
	Probability  float64
	FeatureCount int
}

// Infer computes probability = sigmoid(bias + sum(feature*weight)).
func (m *Model) Infer(features feature.Map) Result {
	m.mu.RLock()
	bias := m.bias
	m.mu.RUnlock()

	score := bias
	for name, val := range features {
		if val == 0 {
			continue
		}
		score += val * m.weightFor(name)
	}
	p := 1.0 / (1.0 + math.Exp(-score))
	return Result{Probability: p, FeatureCount: len(features)}
}

// Observe enqueues an online-learning observation for every active
// feature, as described in spec.md §4.6. The call never blocks the
// inference path: if the queue is full the observation is dropped
// (learning is opportunistic).
func (m *Model) Observe(features feature.Map, wasBot bool, confidence float64) {
	if !m.learningEnabled || m.store == nil {
		return
	}
	if confidence < m.minConfidence {
		return
	}
	for name, val := range features {
		if val == 0 {
			continue
		}
		select {
		case m.observationsCh <- observation{feature: name, wasBot: wasBot, impact: confidence * val}:
		default:
			// queue full: drop, learning is opportunistic.
		}
	}
}

func (m *Model) drainObservations() {
	for obs := range m.observationsCh {
		m.store.RecordObservation(context.Background(), SigType, obs.feature, obs.wasBot, obs.impact)
	}
}

// Close stops the background drain worker, if running.
func (m *Model) Close() {
	close(m.observationsCh)
}
