// Package collab defines the External Collaborator Interfaces (C10): the
// narrow contracts the core calls for persisted weights, downloaded
// pattern lists, browser version data, and client-side fingerprints. It
// also ships Redis-backed reference implementations grounded on the
// teacher's internal/rl/mitigation.go (RedisMitigator).
package collab

import (
	"context"
	"regexp"
	"time"
)

// PatternCache exposes downloaded UA regex/CIDR pattern lists (spec.md §6.2).
type PatternCache interface {
	DownloadedPatterns() []*regexp.Regexp
	DownloadedCIDRRanges() []string
	IsInAnyCIDRRange(ip string) (bool, string)
}

// NamedPattern is a security-tool signature pattern (spec.md §4.7.7).
type NamedPattern struct {
	Name     string
	Category string
	Regex    *regexp.Regexp
	Substr   string // fallback when Regex is nil or compilation failed
}

// SecurityPatternCache is the specialization of PatternCache used by the
// security-tool detector, which needs names and categories per pattern
// rather than a bare regex list.
type SecurityPatternCache interface {
	SecurityPatterns() []NamedPattern
}

// BrowserVersionService answers "what's the latest version of browser X".
type BrowserVersionService interface {
	GetLatestVersion(ctx context.Context, browserName string) (int, bool)
}

// BrowserFingerprint is the pre-computed client-side signal record
// produced by the (out-of-scope) client-side JS beacon pipeline.
type BrowserFingerprint struct {
	HeadlessLikelihood     float64
	IntegrityScore         float64
	FingerprintConsistency float64
	AnalysisReasons        []string
}

// FingerprintStore looks up a BrowserFingerprint by identity hash.
type FingerprintStore interface {
	Get(ctx context.Context, ipHash string) (*BrowserFingerprint, bool)
}

// LlmClient is the optional advanced-detector collaborator (spec.md §6.2).
type LlmClient interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// staticDeadline is a 500ms bound for external collaborator calls. No call
// in this package applies it: each Redis call runs under the ctx it is
// given (the pattern-cache refresh passes context.Background()).
const staticDeadline = 500 * time.Millisecond
