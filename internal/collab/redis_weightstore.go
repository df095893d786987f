package collab

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/duskwarden/aegis/internal/heuristic"
)

// RedisWeightStore persists heuristic-model weights as a Redis hash keyed
// by sigType, one field per signature. Grounded on the teacher's
// RedisMitigator (internal/rl/mitigation.go): plain get/set against Redis
// with graceful handling of redis.Nil and malformed values.
type RedisWeightStore struct {
	rdb   *redis.Client
	alpha float64 // EMA smoothing factor for RecordObservation
}

func weightHashKey(sigType string) string { return "aegis:weights:" + sigType }

// NewRedisWeightStore builds a store with the given EMA smoothing factor
// (0 < alpha <= 1; higher weighs new observations more heavily).
func NewRedisWeightStore(rdb *redis.Client, alpha float64) *RedisWeightStore {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &RedisWeightStore{rdb: rdb, alpha: alpha}
}

// GetWeight implements heuristic.WeightStore.
func (s *RedisWeightStore) GetWeight(ctx context.Context, sigType, signature string) (float64, bool) {
	v, err := s.rdb.HGet(ctx, weightHashKey(sigType), signature).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.Debug().Err(err).Str("signature", signature).Msg("weight store get failed")
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GetAllWeights implements heuristic.WeightStore.
func (s *RedisWeightStore) GetAllWeights(ctx context.Context, sigType string) ([]heuristic.WeightEntry, error) {
	all, err := s.rdb.HGetAll(ctx, weightHashKey(sigType)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]heuristic.WeightEntry, 0, len(all))
	for sig, raw := range all {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		out = append(out, heuristic.WeightEntry{Signature: sig, Weight: f})
	}
	return out, nil
}

// RecordObservation implements heuristic.WeightStore with an EMA update:
// newWeight = (1-alpha)*oldWeight + alpha*signedImpact, where signedImpact
// is positive for bot observations and negative for human observations.
// This never blocks the inference path; the heuristic.Model already calls
// it off a drained background channel.
func (s *RedisWeightStore) RecordObservation(ctx context.Context, sigType, signature string, wasBot bool, impact float64) {
	signed := impact
	if !wasBot {
		signed = -impact
	}

	key := weightHashKey(sigType)
	cur, existed := s.GetWeight(ctx, sigType, signature)
	var next float64
	if existed {
		next = (1-s.alpha)*cur + s.alpha*signed
	} else {
		next = s.alpha * signed
	}
	if err := s.rdb.HSet(ctx, key, signature, strconv.FormatFloat(next, 'f', 6, 64)).Err(); err != nil {
		log.Debug().Err(err).Str("signature", signature).Msg("weight store record failed")
	}
}
