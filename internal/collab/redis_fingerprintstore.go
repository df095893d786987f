package collab

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisFingerprintStore reads pre-computed BrowserFingerprint JSON blobs.
// Grounded directly on the teacher's RedisMitigator.GetOverride: JSON get,
// redis.Nil treated as "absent", corrupt values dropped rather than failing
// the request.
type RedisFingerprintStore struct {
	rdb *redis.Client
}

func NewRedisFingerprintStore(rdb *redis.Client) *RedisFingerprintStore {
	return &RedisFingerprintStore{rdb: rdb}
}

func fingerprintKey(ipHash string) string { return "aegis:fingerprint:" + ipHash }

// Get implements FingerprintStore.
func (s *RedisFingerprintStore) Get(ctx context.Context, ipHash string) (*BrowserFingerprint, bool) {
	raw, err := s.rdb.Get(ctx, fingerprintKey(ipHash)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Debug().Err(err).Msg("fingerprint store lookup failed")
		return nil, false
	}
	var fp BrowserFingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, false
	}
	return &fp, true
}

// StaticBrowserVersionService is an in-memory BrowserVersionService. No
// pack repo fetches live browser-release feeds, so the reference
// implementation here is a static table the operator is expected to
// refresh out of band (spec.md explicitly treats the real feed as an
// out-of-scope external collaborator).
type StaticBrowserVersionService struct {
	latest map[string]int
}

// NewStaticBrowserVersionService builds a service from a name->version table.
func NewStaticBrowserVersionService(latest map[string]int) *StaticBrowserVersionService {
	if latest == nil {
		latest = defaultLatestVersions
	}
	return &StaticBrowserVersionService{latest: latest}
}

var defaultLatestVersions = map[string]int{
	"chrome":  130,
	"firefox": 132,
	"safari":  18,
	"edge":    130,
	"opera":   115,
	"brave":   130,
}

// GetLatestVersion implements BrowserVersionService.
func (s *StaticBrowserVersionService) GetLatestVersion(_ context.Context, browserName string) (int, bool) {
	v, ok := s.latest[browserName]
	return v, ok
}
