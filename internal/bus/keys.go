package bus

// Canonical signal keys honored across detectors (spec.md §4.1).
const (
	KeyIPIsLocal             = "ip.is_local"
	KeyUAEmpty               = "ua.empty"
	KeyUALength               = "ua.length"
	KeyHeadersCount          = "headers.count"
	KeyClientFingerprintHash = "client.fingerprint_hash"
	KeyClientIntegrityScore  = "client.integrity_score"
	KeyClientHeadlessLikely  = "client.headless_likelihood"
	KeyAIPrediction          = "ai.prediction"
	KeyAIConfidence          = "ai.confidence"

	// Identity keys are written onto the bus by the middleware immediately
	// after Identity Resolver resolution, ahead of detector execution
	// (spec.md §2 data flow), so later detectors can key their own
	// per-identity state without re-deriving the hash.
	KeyIdentityPrimary    = "identity.primary_hash"
	KeyIdentityIP         = "identity.ip_hash"
	KeyIdentityUA         = "identity.ua_hash"
	KeyIdentityClientSide = "identity.client_side_hash"
	KeyIdentityPlugin     = "identity.plugin_hash"
	KeyIdentitySubnet     = "identity.subnet_hash"
)

// ResponsePrefix namespaces signals populated by external response-side
// detectors; behavioral windows read them only if present.
const ResponsePrefix = "response."
