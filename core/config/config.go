// Package config loads and normalizes the runtime configuration: session
// defaults, ring classification overrides, liability tuning, saga retry
// behavior, and the anchor transport. A normalized config has a stable
// canonical digest so hosts can pin the configuration a session ran under.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/warden/core/digest"
	"github.com/davidahmann/warden/core/liability"
	"github.com/davidahmann/warden/core/ring"
)

const (
	runtimeSchemaID = "warden.runtime.config"
	runtimeSchemaV1 = "1.0.0"

	defaultMaxParticipants = 16
	defaultConsistency     = "strict"
	defaultSagaBackoff     = "100ms"
	defaultSagaRetries     = 2
	defaultTrustCacheTTL   = "30s"
)

var allowedConsistencyModes = map[string]struct{}{
	"strict":   {},
	"eventual": {},
}

// SessionDefaults seed every created session unless its own config overrides
// them.
type SessionDefaults struct {
	MaxParticipants   int     `yaml:"max_participants" json:"max_participants"`
	MinEffectiveTrust float64 `yaml:"min_effective_trust" json:"min_effective_trust"`
	ConsistencyMode   string  `yaml:"consistency_mode" json:"consistency_mode"`
}

// LiabilityConfig tunes the collateral engine.
type LiabilityConfig struct {
	ExposureCeiling float64            `yaml:"exposure_ceiling" json:"exposure_ceiling"`
	SeverityScale   map[string]float64 `yaml:"severity_scale,omitempty" json:"severity_scale,omitempty"`
}

// SagaConfig tunes step retry behavior. BackoffBase is a time.ParseDuration
// string such as "100ms".
type SagaConfig struct {
	BackoffBase       string `yaml:"backoff_base" json:"backoff_base"`
	DefaultMaxRetries int    `yaml:"default_max_retries" json:"default_max_retries"`
}

// Backoff returns the parsed backoff base of a normalized config.
func (c SagaConfig) Backoff() time.Duration {
	parsed, err := time.ParseDuration(c.BackoffBase)
	if err != nil {
		parsed, _ = time.ParseDuration(defaultSagaBackoff)
	}
	return parsed
}

// AnchorConfig points the anchor sink at its transport.
type AnchorConfig struct {
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Subject  string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Attempts int    `yaml:"attempts,omitempty" json:"attempts,omitempty"`
}

// Runtime is the full runtime configuration.
type Runtime struct {
	SchemaID      string          `yaml:"schema_id" json:"schema_id"`
	SchemaVersion string          `yaml:"schema_version" json:"schema_version"`
	Session       SessionDefaults `yaml:"session" json:"session"`
	RingTable     *ring.Table     `yaml:"ring_table,omitempty" json:"ring_table,omitempty"`
	Liability     LiabilityConfig `yaml:"liability" json:"liability"`
	Saga          SagaConfig      `yaml:"saga" json:"saga"`
	Anchor        AnchorConfig    `yaml:"anchor" json:"anchor"`
	TrustCacheTTL string          `yaml:"trust_cache_ttl" json:"trust_cache_ttl"`
}

// TrustTTL returns the parsed trust-cache TTL of a normalized config. Zero
// disables resolver caching.
func (r Runtime) TrustTTL() time.Duration {
	parsed, err := time.ParseDuration(r.TrustCacheTTL)
	if err != nil {
		parsed, _ = time.ParseDuration(defaultTrustCacheTTL)
	}
	return parsed
}

// Default returns the compiled-in runtime configuration.
func Default() Runtime {
	return Runtime{
		SchemaID:      runtimeSchemaID,
		SchemaVersion: runtimeSchemaV1,
		Session: SessionDefaults{
			MaxParticipants:   defaultMaxParticipants,
			MinEffectiveTrust: 0,
			ConsistencyMode:   defaultConsistency,
		},
		Liability: LiabilityConfig{
			ExposureCeiling: liability.DefaultExposureCeiling,
		},
		Saga: SagaConfig{
			BackoffBase:       defaultSagaBackoff,
			DefaultMaxRetries: defaultSagaRetries,
		},
		TrustCacheTTL: defaultTrustCacheTTL,
	}
}

func LoadFile(path string) (Runtime, error) {
	// #nosec G304 -- config path is explicit local configuration.
	content, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, fmt.Errorf("read runtime config: %w", err)
	}
	return ParseYAML(content)
}

func ParseYAML(data []byte) (Runtime, error) {
	runtime := Default()
	if err := yaml.Unmarshal(data, &runtime); err != nil {
		return Runtime{}, fmt.Errorf("parse runtime config yaml: %w", err)
	}
	return Normalize(runtime)
}

// Digest returns the canonical sha256 digest of a normalized config.
func Digest(runtime Runtime) (string, error) {
	normalized, err := Normalize(runtime)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal normalized config: %w", err)
	}
	return digest.JCS(raw)
}

// EngineSeverityScale converts the configured scale to engine form. Entries
// merge over the compiled-in defaults so a partial override never leaves a
// severity without a factor.
func (c LiabilityConfig) EngineSeverityScale() map[liability.Severity]float64 {
	scale := liability.DefaultSeverityScale()
	for name, value := range c.SeverityScale {
		scale[liability.Severity(name)] = value
	}
	return scale
}

// Normalize validates a runtime config and fills defaults.
func Normalize(input Runtime) (Runtime, error) {
	output := input
	if output.SchemaID == "" {
		output.SchemaID = runtimeSchemaID
	}
	if output.SchemaID != runtimeSchemaID {
		return Runtime{}, fmt.Errorf("unsupported config schema_id: %s", output.SchemaID)
	}
	if output.SchemaVersion == "" {
		output.SchemaVersion = runtimeSchemaV1
	}
	if output.SchemaVersion != runtimeSchemaV1 {
		return Runtime{}, fmt.Errorf("unsupported config schema_version: %s", output.SchemaVersion)
	}

	if output.Session.MaxParticipants == 0 {
		output.Session.MaxParticipants = defaultMaxParticipants
	}
	if output.Session.MaxParticipants < 1 {
		return Runtime{}, fmt.Errorf("session max_participants must be positive, got %d", output.Session.MaxParticipants)
	}
	if output.Session.MinEffectiveTrust < 0 || output.Session.MinEffectiveTrust > 1 {
		return Runtime{}, fmt.Errorf("session min_effective_trust outside [0,1]: %.3f", output.Session.MinEffectiveTrust)
	}
	output.Session.ConsistencyMode = strings.ToLower(strings.TrimSpace(output.Session.ConsistencyMode))
	if output.Session.ConsistencyMode == "" {
		output.Session.ConsistencyMode = defaultConsistency
	}
	if _, ok := allowedConsistencyModes[output.Session.ConsistencyMode]; !ok {
		return Runtime{}, fmt.Errorf("invalid consistency_mode: %s", output.Session.ConsistencyMode)
	}

	if output.RingTable != nil {
		normalized, err := ring.NormalizeTable(*output.RingTable)
		if err != nil {
			return Runtime{}, fmt.Errorf("ring_table: %w", err)
		}
		output.RingTable = &normalized
	}

	if output.Liability.ExposureCeiling == 0 {
		output.Liability.ExposureCeiling = liability.DefaultExposureCeiling
	}
	if output.Liability.ExposureCeiling < 0 || output.Liability.ExposureCeiling > 1 {
		return Runtime{}, fmt.Errorf("exposure_ceiling outside [0,1]: %.3f", output.Liability.ExposureCeiling)
	}
	for name, value := range output.Liability.SeverityScale {
		switch liability.Severity(name) {
		case liability.SeverityLow, liability.SeverityMedium, liability.SeverityHigh, liability.SeverityCritical:
		default:
			return Runtime{}, fmt.Errorf("unknown slash severity: %s", name)
		}
		if value < 0 || value > 1 {
			return Runtime{}, fmt.Errorf("severity scale for %s outside [0,1]: %.3f", name, value)
		}
	}

	output.Saga.BackoffBase = strings.TrimSpace(output.Saga.BackoffBase)
	if output.Saga.BackoffBase == "" {
		output.Saga.BackoffBase = defaultSagaBackoff
	}
	backoff, err := time.ParseDuration(output.Saga.BackoffBase)
	if err != nil {
		return Runtime{}, fmt.Errorf("saga backoff_base: %w", err)
	}
	if backoff < 0 {
		return Runtime{}, fmt.Errorf("saga backoff_base must not be negative")
	}
	if output.Saga.DefaultMaxRetries < 0 {
		return Runtime{}, fmt.Errorf("saga default_max_retries must not be negative")
	}

	if output.Anchor.Attempts < 0 {
		return Runtime{}, fmt.Errorf("anchor attempts must not be negative")
	}
	output.Anchor.URL = strings.TrimSpace(output.Anchor.URL)
	output.Anchor.Subject = strings.TrimSpace(output.Anchor.Subject)

	output.TrustCacheTTL = strings.TrimSpace(output.TrustCacheTTL)
	if output.TrustCacheTTL == "" {
		output.TrustCacheTTL = defaultTrustCacheTTL
	}
	ttl, err := time.ParseDuration(output.TrustCacheTTL)
	if err != nil {
		return Runtime{}, fmt.Errorf("trust_cache_ttl: %w", err)
	}
	if ttl < 0 {
		return Runtime{}, fmt.Errorf("trust_cache_ttl must not be negative")
	}
	return output, nil
}
