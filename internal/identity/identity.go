// Package identity implements the Identity Resolver (C2): deterministic,
// one-way keyed-HMAC identity keys derived from request features. Plaintext
// identifiers are never stored; only the hex-encoded HMAC digests leave
// this package.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Keys holds the (up to six) identity keys resolved for one request.
// A field is empty when the underlying identifier was unavailable — the
// resolver never substitutes a zero value for a missing identifier
// (spec.md §4.2).
type Keys struct {
	Primary    string // HMAC(ip || ua)
	IP         string // HMAC(ip)
	UA         string // HMAC(ua)
	ClientSide string // HMAC(canvas || webgl || audio || screen || tz)
	Plugin     string // HMAC(plugins || fonts || acceptLang || acceptEnc)
	Subnet     string // HMAC(ip/24)
}

// Resolver computes identity keys using a process-wide secret. When
// RotateDaily is set, the effective key is HKDF-derived per UTC day for
// forward secrecy, per spec.md §4.2.
type Resolver struct {
	secret      []byte
	rotateDaily bool
	now         func() time.Time
}

// New builds a Resolver from a 256-bit (or longer) secret.
func New(secret []byte, rotateDaily bool) *Resolver {
	return &Resolver{secret: secret, rotateDaily: rotateDaily, now: time.Now}
}

func (r *Resolver) effectiveKey() []byte {
	if !r.rotateDaily {
		return r.secret
	}
	day := r.now().UTC().Format("2006-01-02")
	return hkdfExpandDay(r.secret, day)
}

// hkdfExpandDay derives a per-day subkey via a single HMAC-based expansion
// step (RFC 5869 HKDF-Expand with the day string as info, and the master
// secret itself as the pseudorandom key — a pragmatic single-step variant
// since the master secret is already uniformly random high-entropy key
// material, so the HKDF-Extract step is skipped).
func hkdfExpandDay(prk []byte, info string) []byte {
	mac := hmac.New(sha256.New, prk)
	mac.Write([]byte(info))
	mac.Write([]byte{0x01})
	return mac.Sum(nil)
}

func macHex(key []byte, parts ...string) string {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		mac.Write(lenBuf[:])
		mac.Write([]byte(p))
	}
	sum := mac.Sum(nil)
	// truncate to 128 bits per spec.md §3.
	return hex.EncodeToString(sum[:16])
}

// Inputs bundles the raw identifiers the resolver may hash. Empty string
// fields are treated as "unavailable" for optional identifiers; IP and UA
// are the only identifiers assumed always present for a live request.
type Inputs struct {
	IP       string
	UA       string
	Canvas   string
	WebGL    string
	Audio    string
	Screen   string
	TZ       string
	Plugins  string
	Fonts    string
	AcceptLg string
	AcceptEn string
}

// Resolve computes all applicable identity keys for one request.
func (r *Resolver) Resolve(in Inputs) Keys {
	key := r.effectiveKey()
	var out Keys

	if in.IP != "" {
		out.IP = macHex(key, in.IP)
		out.Subnet = macHex(key, subnet24(in.IP))
	}
	if in.UA != "" {
		out.UA = macHex(key, in.UA)
	}
	if in.IP != "" && in.UA != "" {
		out.Primary = macHex(key, in.IP, in.UA)
	}
	if in.Canvas != "" || in.WebGL != "" || in.Audio != "" || in.Screen != "" || in.TZ != "" {
		out.ClientSide = macHex(key, in.Canvas, in.WebGL, in.Audio, in.Screen, in.TZ)
	}
	if in.Plugins != "" || in.Fonts != "" || in.AcceptLg != "" || in.AcceptEn != "" {
		out.Plugin = macHex(key, in.Plugins, in.Fonts, in.AcceptLg, in.AcceptEn)
	}
	return out
}

// subnet24 zeroes the last octet of an IPv4-looking dotted address; other
// formats (IPv6, malformed) are passed through unchanged and still hash
// deterministically, just without /24 aggregation.
func subnet24(ip string) string {
	dots := 0
	lastDot := -1
	for i := 0; i < len(ip); i++ {
		if ip[i] == '.' {
			dots++
			if dots == 3 {
				lastDot = i
				break
			}
		}
	}
	if dots < 3 || lastDot < 0 {
		return ip
	}
	return ip[:lastDot] + ".0"
}
