package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/warden/core/liability"
)

func TestDefaultNormalizes(t *testing.T) {
	runtime, err := Normalize(Default())
	if err != nil {
		t.Fatalf("normalize default: %v", err)
	}
	if runtime.Session.MaxParticipants != 16 || runtime.Session.ConsistencyMode != "strict" {
		t.Fatalf("unexpected session defaults: %#v", runtime.Session)
	}
	if runtime.Liability.ExposureCeiling != liability.DefaultExposureCeiling {
		t.Fatalf("unexpected exposure ceiling: %.2f", runtime.Liability.ExposureCeiling)
	}
}

func TestParseYAMLOverridesDefaults(t *testing.T) {
	data := []byte(`
schema_id: warden.runtime.config
schema_version: 1.0.0
session:
  max_participants: 4
  min_effective_trust: 0.5
  consistency_mode: Eventual
liability:
  exposure_ceiling: 0.6
  severity_scale:
    high: 0.5
saga:
  backoff_base: 50ms
  default_max_retries: 1
anchor:
  url: nats://localhost:4222
  subject: warden.anchors.test
  attempts: 5
trust_cache_ttl: 1m
`)
	runtime, err := ParseYAML(data)
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if runtime.Session.MaxParticipants != 4 || runtime.Session.ConsistencyMode != "eventual" {
		t.Fatalf("session overrides not applied: %#v", runtime.Session)
	}
	if runtime.Liability.ExposureCeiling != 0.6 {
		t.Fatalf("exposure ceiling override not applied: %.2f", runtime.Liability.ExposureCeiling)
	}
	if runtime.Saga.Backoff() != 50*time.Millisecond || runtime.Saga.DefaultMaxRetries != 1 {
		t.Fatalf("saga overrides not applied: %#v", runtime.Saga)
	}
	if runtime.Anchor.URL != "nats://localhost:4222" || runtime.Anchor.Attempts != 5 {
		t.Fatalf("anchor overrides not applied: %#v", runtime.Anchor)
	}
	if runtime.TrustTTL() != time.Minute {
		t.Fatalf("ttl override not applied: %v", runtime.TrustCacheTTL)
	}

	scale := runtime.Liability.EngineSeverityScale()
	if scale[liability.SeverityHigh] != 0.5 {
		t.Fatalf("severity scale not converted: %v", scale)
	}
}

func TestPartialSeverityScaleKeepsDefaults(t *testing.T) {
	runtime, err := ParseYAML([]byte("liability:\n  severity_scale:\n    high: 0.5\n"))
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	scale := runtime.Liability.EngineSeverityScale()
	if scale[liability.SeverityHigh] != 0.5 {
		t.Fatalf("override not applied: %v", scale)
	}
	defaults := liability.DefaultSeverityScale()
	for _, severity := range []liability.Severity{liability.SeverityLow, liability.SeverityMedium, liability.SeverityCritical} {
		if scale[severity] != defaults[severity] {
			t.Fatalf("severity %s lost its default factor: %v", severity, scale)
		}
	}

	engine := liability.NewEngine(liability.EngineOptions{SeverityScale: scale})
	if _, err := engine.Register("agent.a", 0.8); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := engine.Slash("agent.a", "compensation failure", liability.SeverityCritical); err != nil {
		t.Fatalf("critical slash must stay available under a partial override: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	if err := os.WriteFile(path, []byte("session:\n  max_participants: 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	runtime, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if runtime.Session.MaxParticipants != 2 {
		t.Fatalf("file override not applied: %d", runtime.Session.MaxParticipants)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file must fail")
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Runtime)
	}{
		{"bad schema id", func(r *Runtime) { r.SchemaID = "other" }},
		{"bad schema version", func(r *Runtime) { r.SchemaVersion = "9.0.0" }},
		{"negative participants", func(r *Runtime) { r.Session.MaxParticipants = -1 }},
		{"trust above one", func(r *Runtime) { r.Session.MinEffectiveTrust = 1.2 }},
		{"bad consistency", func(r *Runtime) { r.Session.ConsistencyMode = "quantum" }},
		{"bad ceiling", func(r *Runtime) { r.Liability.ExposureCeiling = 1.5 }},
		{"unknown severity", func(r *Runtime) { r.Liability.SeverityScale = map[string]float64{"fatal": 0.5} }},
		{"severity out of range", func(r *Runtime) { r.Liability.SeverityScale = map[string]float64{"high": 1.5} }},
		{"negative retries", func(r *Runtime) { r.Saga.DefaultMaxRetries = -1 }},
		{"unparsable backoff", func(r *Runtime) { r.Saga.BackoffBase = "fast" }},
		{"negative backoff", func(r *Runtime) { r.Saga.BackoffBase = "-10ms" }},
		{"negative anchor attempts", func(r *Runtime) { r.Anchor.Attempts = -1 }},
		{"unparsable trust ttl", func(r *Runtime) { r.TrustCacheTTL = "soon" }},
		{"negative trust ttl", func(r *Runtime) { r.TrustCacheTTL = "-1s" }},
	}
	for _, tc := range cases {
		runtime := Default()
		tc.mutate(&runtime)
		if _, err := Normalize(runtime); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestDigestStable(t *testing.T) {
	first, err := Digest(Default())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	second, err := Digest(Default())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if first != second {
		t.Fatalf("digest must be deterministic")
	}

	changed := Default()
	changed.Session.MaxParticipants = 3
	third, err := Digest(changed)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if third == first {
		t.Fatalf("digest must change with config content")
	}
}
