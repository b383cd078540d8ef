// Package manifest validates and normalizes the capability manifests agents
// present at join time. Analysis is advisory: it feeds the host warnings and
// hints, while admission stays with the trust and ring machinery.
package manifest

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/davidahmann/warden/core/collab"
	"github.com/davidahmann/warden/core/ring"
	schemamanifest "github.com/davidahmann/warden/core/schema/v1/manifest"
)

const (
	capabilitySchemaID = "warden.manifest.capability"
	capabilitySchemaV1 = "1.0.0"
)

//go:embed capability_schema.json
var capabilitySchemaJSON []byte

// Analyzer checks capability manifests against the embedded JSON Schema and
// normalizes what passes.
type Analyzer struct {
	schema *jsonschema.Schema
}

func NewAnalyzer() (*Analyzer, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(capabilitySchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile capability schema: %w", err)
	}
	return &Analyzer{schema: schema}, nil
}

// AnalyzeManifest validates the raw manifest and returns the normalized
// advisory analysis. Malformed or schema-violating manifests are rejected;
// odd but well-formed content degrades to warnings instead.
func (a *Analyzer) AnalyzeManifest(_ context.Context, raw []byte) (collab.ManifestAnalysis, error) {
	result := a.schema.ValidateJSON(raw)
	if !result.IsValid() {
		return collab.ManifestAnalysis{}, fmt.Errorf("capability manifest rejected by schema: %v", result.Errors)
	}
	var capability schemamanifest.Capability
	if err := json.Unmarshal(raw, &capability); err != nil {
		return collab.ManifestAnalysis{}, fmt.Errorf("decode capability manifest: %w", err)
	}
	if capability.SchemaID != capabilitySchemaID {
		return collab.ManifestAnalysis{}, fmt.Errorf("unsupported manifest schema_id: %s", capability.SchemaID)
	}
	if capability.SchemaVersion != capabilitySchemaV1 {
		return collab.ManifestAnalysis{}, fmt.Errorf("unsupported manifest schema_version: %s", capability.SchemaVersion)
	}

	analysis := collab.ManifestAnalysis{
		AgentID:         strings.TrimSpace(capability.AgentID),
		DeclaredActions: uniqueSorted(capability.DeclaredActions),
	}
	if analysis.AgentID == "" {
		return collab.ManifestAnalysis{}, fmt.Errorf("capability manifest agent_id is blank")
	}
	if len(analysis.DeclaredActions) == 0 {
		analysis.Warnings = append(analysis.Warnings, "manifest declares no actions")
	}

	if hint := strings.TrimSpace(capability.RingHint); hint != "" {
		parsed, err := ring.ParseRing(hint)
		if err != nil {
			analysis.Warnings = append(analysis.Warnings, fmt.Sprintf("unknown ring_hint %q ignored", hint))
		} else {
			analysis.RingHint = parsed.String()
		}
	}
	if capability.TrustHint != nil {
		hint := *capability.TrustHint
		if hint < 0 || hint > 1 {
			analysis.Warnings = append(analysis.Warnings, fmt.Sprintf("trust_hint %.3f outside [0,1] ignored", hint))
		} else {
			analysis.TrustHint = &hint
		}
	}
	return analysis, nil
}

func uniqueSorted(values []string) []string {
	seen := map[string]bool{}
	output := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		output = append(output, trimmed)
	}
	sort.Strings(output)
	return output
}
