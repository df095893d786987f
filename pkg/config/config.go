package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DetectorOptions controls one detector's participation in the pipeline.
type DetectorOptions struct {
	Enabled bool          `yaml:"enabled"`
	Weight  float64       `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
}

// Learning controls the heuristic model's online-learning path.
type Learning struct {
	Enabled                     bool    `yaml:"enabled"`
	MinConfidenceForLearn       float64 `yaml:"min_confidence_for_learning"`
	LearningRate                float64 `yaml:"learning_rate"`
	WeightReloadIntervalMinutes int     `yaml:"weight_reload_interval_minutes"`
}

// ClientSide controls the client-side fingerprint detector.
type ClientSide struct {
	Enabled           bool    `yaml:"enabled"`
	HeadlessThreshold float64 `yaml:"headless_threshold"`
	MinIntegrityScore float64 `yaml:"min_integrity_score"`
}

// VersionAge controls the browser/OS version-age detector's tiers.
type VersionAge struct {
	SlightlyOutdatedBump   float64           `yaml:"slightly_outdated_bump"`
	ModeratelyOutdatedBump float64           `yaml:"moderately_outdated_bump"`
	SeverelyOutdatedBump   float64           `yaml:"severely_outdated_bump"`
	MaxNormalAge           int               `yaml:"max_normal_age"`
	OSClassification       map[string]string `yaml:"os_classification"` // name -> ancient|very_old|old
	MinBrowserVersionByOS  map[string]int    `yaml:"min_browser_version_by_os"`
}

// Behavioral controls identity-specific rate-limit multipliers, kept from
// the teacher's per-client override concept (internal/rl) and repurposed
// for risk-aware rather than pure-throughput limiting.
type Behavioral struct {
	APIKeyHeader    string  `yaml:"api_key_header"`
	APIKeyRateLimit float64 `yaml:"api_key_rate_limit"`
	UserIDClaim     string  `yaml:"user_id_claim"`
	UserIDHeader    string  `yaml:"user_id_header"`
	UserRateLimit   float64 `yaml:"user_rate_limit"`
}

// ActionPolicy is one named policy an action-policy transition can select.
type ActionPolicy struct {
	Name           string  `yaml:"name"`
	Action         string  `yaml:"action"` // Allow|Tag|Throttle|Challenge|Block
	TagHeader      string  `yaml:"tag_header"`
	TagValue       string  `yaml:"tag_value"`
	ThrottleBaseMs int     `yaml:"throttle_base_ms"`
	ThrottleJitter float64 `yaml:"throttle_jitter"`
	ThrottleMaxMs  int     `yaml:"throttle_max_ms"`
	ChallengeURL   string  `yaml:"challenge_url"`
	BlockStatus    int     `yaml:"block_status"`
	BlockMessage   string  `yaml:"block_message"`
}

// Transition is one rule in a path policy's evaluation sequence.
type Transition struct {
	WhenRiskExceeds  string `yaml:"when_risk_exceeds"` // RiskBand name, empty = always
	WhenSignal       string `yaml:"when_signal"`       // bus key that must be present, empty = ignore
	ActionPolicyName string `yaml:"action_policy"`
}

// PathPolicy binds a path prefix/glob to an ordered transition sequence.
// Matching is longest-prefix, grounded on the teacher's route-normalization
// helper in internal/rl/policy.go.
type PathPolicy struct {
	Match       string       `yaml:"match"`
	Transitions []Transition `yaml:"transitions"`
}

// Redis carries connection settings for every Redis-backed collaborator
// (internal/collab), unchanged from the teacher's shape.
type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Server carries the HTTP listener address.
type Server struct {
	Addr string `yaml:"addr"`
}

// Options is the single immutable configuration record the core consumes.
type Options struct {
	Server Server `yaml:"server"`
	Redis  Redis  `yaml:"redis"`

	BotThreshold            float64 `yaml:"bot_threshold"`
	MaxRequestsPerMinute    int     `yaml:"max_requests_per_minute"`
	EarlyExitThreshold      float64 `yaml:"early_exit_threshold"`
	ImmediateBlockThreshold float64 `yaml:"immediate_block_threshold"`

	Detectors map[string]DetectorOptions `yaml:"detectors"`

	WhitelistedBotPatterns []string `yaml:"whitelisted_bot_patterns"`
	DatacenterIPPrefixes   []string `yaml:"datacenter_ip_prefixes"`
	TrustedProxies         []string `yaml:"trusted_proxies"`

	Learning   Learning   `yaml:"learning"`
	ClientSide ClientSide `yaml:"client_side"`
	VersionAge VersionAge `yaml:"version_age"`
	Behavioral Behavioral `yaml:"behavioral"`

	ActionPolicies map[string]ActionPolicy `yaml:"action_policies"`
	PathPolicies   []PathPolicy            `yaml:"path_policies"`

	WorkerPoolSize         int           `yaml:"worker_pool_size"`
	DefaultDetectorTimeout time.Duration `yaml:"default_detector_timeout"`
	PipelineDeadline       time.Duration `yaml:"pipeline_deadline"`

	IdentitySecretHex   string `yaml:"identity_secret_hex"`
	IdentityRotateDaily bool   `yaml:"identity_rotate_daily"`
}

// Default returns hardcoded defaults matching spec.md §6.3's named knobs,
// used when no config file is present (e.g. tests) and as the base that a
// loaded file's values overlay.
func Default() *Options {
	return &Options{
		Server:                  Server{Addr: ":8080"},
		BotThreshold:            0.7,
		MaxRequestsPerMinute:    60,
		EarlyExitThreshold:      0.85,
		ImmediateBlockThreshold: 0.95,
		Detectors:               map[string]DetectorOptions{},
		Learning: Learning{
			MinConfidenceForLearn:       0.8,
			WeightReloadIntervalMinutes: 10,
		},
		ClientSide: ClientSide{
			Enabled:           true,
			HeadlessThreshold: 0.7,
			MinIntegrityScore: 50,
		},
		VersionAge: VersionAge{
			SlightlyOutdatedBump:   0.1,
			ModeratelyOutdatedBump: 0.3,
			SeverelyOutdatedBump:   0.6,
			MaxNormalAge:           10,
			OSClassification:       map[string]string{},
			MinBrowserVersionByOS:  map[string]int{},
		},
		ActionPolicies:         map[string]ActionPolicy{},
		WorkerPoolSize:         8,
		DefaultDetectorTimeout: 500 * time.Millisecond,
		PipelineDeadline:       2 * time.Second,
	}
}

// Load reads a YAML policy file (env AEGIS_CONFIG, else the given path,
// else "configs/policies.yaml") and unmarshals it over Default(). A
// missing file is not an error: Default() alone is a valid configuration.
func Load(path string) (*Options, error) {
	if env := os.Getenv("AEGIS_CONFIG"); env != "" {
		path = env
	}
	if path == "" {
		path = "configs/policies.yaml"
	}

	opts := Default()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return nil, err
	}
	if err := k.UnmarshalWithConf("", opts, koanf.UnmarshalConf{
		Tag: "yaml",
	}); err != nil {
		return nil, err
	}
	return opts, nil
}

func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
