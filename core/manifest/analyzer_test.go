package manifest

import (
	"context"
	"testing"
)

func mustAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	analyzer, err := NewAnalyzer()
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	return analyzer
}

func TestAnalyzeManifestNormalizes(t *testing.T) {
	analyzer := mustAnalyzer(t)
	raw := []byte(`{
		"schema_id": "warden.manifest.capability",
		"schema_version": "1.0.0",
		"agent_id": "  agent.writer ",
		"declared_actions": ["write_file", " read_file", "write_file", ""],
		"ring_hint": "standard",
		"trust_hint": 0.7
	}`)
	analysis, err := analyzer.AnalyzeManifest(context.Background(), raw)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis.AgentID != "agent.writer" {
		t.Fatalf("agent id not trimmed: %q", analysis.AgentID)
	}
	if len(analysis.DeclaredActions) != 2 || analysis.DeclaredActions[0] != "read_file" || analysis.DeclaredActions[1] != "write_file" {
		t.Fatalf("actions not normalized: %v", analysis.DeclaredActions)
	}
	if analysis.RingHint != "standard" {
		t.Fatalf("ring hint dropped: %q", analysis.RingHint)
	}
	if analysis.TrustHint == nil || *analysis.TrustHint != 0.7 {
		t.Fatalf("trust hint dropped: %v", analysis.TrustHint)
	}
	if len(analysis.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", analysis.Warnings)
	}
}

func TestAnalyzeManifestSchemaRejections(t *testing.T) {
	analyzer := mustAnalyzer(t)
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"wrong schema id", `{"schema_id":"other","schema_version":"1.0.0","agent_id":"a","declared_actions":[]}`},
		{"missing agent", `{"schema_id":"warden.manifest.capability","schema_version":"1.0.0","declared_actions":[]}`},
		{"unknown field", `{"schema_id":"warden.manifest.capability","schema_version":"1.0.0","agent_id":"a","declared_actions":[],"extra":true}`},
		{"bad version", `{"schema_id":"warden.manifest.capability","schema_version":"2.0.0","agent_id":"a","declared_actions":[]}`},
	}
	for _, tc := range cases {
		if _, err := analyzer.AnalyzeManifest(context.Background(), []byte(tc.raw)); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestAnalyzeManifestAdvisoryWarnings(t *testing.T) {
	analyzer := mustAnalyzer(t)
	raw := []byte(`{
		"schema_id": "warden.manifest.capability",
		"schema_version": "1.0.0",
		"agent_id": "agent.a",
		"declared_actions": [],
		"ring_hint": "emperor",
		"trust_hint": 1.5
	}`)
	analysis, err := analyzer.AnalyzeManifest(context.Background(), raw)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", analysis.Warnings)
	}
	if analysis.RingHint != "" {
		t.Fatalf("unknown ring hint must be dropped, got %q", analysis.RingHint)
	}
	if analysis.TrustHint != nil {
		t.Fatalf("out-of-range trust hint must be dropped")
	}
}
