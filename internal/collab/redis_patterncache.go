package collab

import (
	"context"
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	patternsKey = "aegis:patterns:ua"
	cidrKey     = "aegis:patterns:cidr"
)

// cidrRange pre-parses a CIDR string, per spec.md §4.7.3 "pre-parses static
// CIDR ranges at construction".
type cidrRange struct {
	raw string
	net *net.IPNet
}

// RedisPatternCache downloads UA regex and CIDR pattern lists from Redis
// strings (JSON-encoded arrays) on a refresh interval, falling back to the
// last-known-good cache on fetch failure. Grounded on the teacher's
// RedisMitigator get/set-with-TTL idiom and on spec.md §4.7.7's "refresh
// every 1 hour; stale cache used on fetch failure".
type RedisPatternCache struct {
	rdb    *redis.Client
	stop   chan struct{}
	ticker time.Duration

	mu       sync.RWMutex
	patterns []NamedPattern
	cidrs    []cidrRange

	lastFetchOK atomic.Bool
}

// NewRedisPatternCache builds a cache and performs an initial synchronous
// fetch (best-effort; failures leave the cache empty, not fatal).
func NewRedisPatternCache(rdb *redis.Client, refresh time.Duration) *RedisPatternCache {
	if refresh <= 0 {
		refresh = time.Hour
	}
	c := &RedisPatternCache{rdb: rdb, stop: make(chan struct{}), ticker: refresh}
	c.refresh(context.Background())
	go c.loop()
	return c
}

func (c *RedisPatternCache) Close() { close(c.stop) }

func (c *RedisPatternCache) loop() {
	t := time.NewTicker(c.ticker)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.refresh(context.Background())
		}
	}
}

type patternDoc struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Regex    string `json:"regex"`
}

func (c *RedisPatternCache) refresh(ctx context.Context) {
	raw, err := c.rdb.Get(ctx, patternsKey).Result()
	if err != nil && err != redis.Nil {
		log.Debug().Err(err).Msg("pattern cache refresh failed; using stale cache")
		c.lastFetchOK.Store(false)
		return
	}
	if err == nil {
		var docs []patternDoc
		if jerr := json.Unmarshal([]byte(raw), &docs); jerr == nil {
			compiled := make([]NamedPattern, 0, len(docs))
			for _, d := range docs {
				np := NamedPattern{Name: d.Name, Category: d.Category, Substr: d.Regex}
				if re, cerr := regexp.Compile(d.Regex); cerr == nil {
					np.Regex = re
				}
				compiled = append(compiled, np)
			}
			c.mu.Lock()
			c.patterns = compiled
			c.mu.Unlock()
		}
	}

	rawCidr, err := c.rdb.Get(ctx, cidrKey).Result()
	if err == nil {
		var list []string
		if jerr := json.Unmarshal([]byte(rawCidr), &list); jerr == nil {
			parsed := make([]cidrRange, 0, len(list))
			for _, s := range list {
				_, n, perr := net.ParseCIDR(s)
				if perr != nil {
					continue
				}
				parsed = append(parsed, cidrRange{raw: s, net: n})
			}
			c.mu.Lock()
			c.cidrs = parsed
			c.mu.Unlock()
		}
	}
	c.lastFetchOK.Store(true)
}

// DownloadedPatterns implements PatternCache.
func (c *RedisPatternCache) DownloadedPatterns() []*regexp.Regexp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*regexp.Regexp, 0, len(c.patterns))
	for _, p := range c.patterns {
		if p.Regex != nil {
			out = append(out, p.Regex)
		}
	}
	return out
}

// SecurityPatterns implements SecurityPatternCache.
func (c *RedisPatternCache) SecurityPatterns() []NamedPattern {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NamedPattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// DownloadedCIDRRanges implements PatternCache.
func (c *RedisPatternCache) DownloadedCIDRRanges() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.cidrs))
	for i, r := range c.cidrs {
		out[i] = r.raw
	}
	return out
}

// IsInAnyCIDRRange implements PatternCache, naming the likely cloud
// provider from common prefixes when possible.
func (c *RedisPatternCache) IsInAnyCIDRRange(ip string) (bool, string) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.cidrs {
		if r.net.Contains(parsed) {
			return true, providerGuess(r.raw)
		}
	}
	return false, ""
}

func providerGuess(cidr string) string {
	switch {
	case strings.HasPrefix(cidr, "3.") || strings.HasPrefix(cidr, "52.") || strings.HasPrefix(cidr, "54."):
		return "aws"
	case strings.HasPrefix(cidr, "20.") || strings.HasPrefix(cidr, "40.") || strings.HasPrefix(cidr, "13."):
		return "azure"
	case strings.HasPrefix(cidr, "34.") || strings.HasPrefix(cidr, "35."):
		return "gcp"
	default:
		return "unknown"
	}
}
